//go:build windows

package capture

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// sdkLibraries are tried in order; the name changed across SDK releases.
var sdkLibraries = []string{"libzkfplib.dll", "zkfinger10.dll", "libzkfpcsharp.dll"}

// SDK result codes.
const (
	zkfpOK          = 0
	zkfpErrCapture  = -8
	zkfpErrAbsort   = -10
	zkfpErrBusy     = -12
	zkfpErrNotFound = -3
)

type sdkReader struct {
	name string

	init        *windows.LazyProc
	terminate   *windows.LazyProc
	deviceCount *windows.LazyProc
	open        *windows.LazyProc
	close       *windows.LazyProc
	acquire     *windows.LazyProc
	dbInit      *windows.LazyProc
	dbFree      *windows.LazyProc
	dbMerge     *windows.LazyProc

	db uintptr
}

// LoadSDK loads the vendor fingerprint library. It returns ErrSDKUnavailable when no known
// library exposes the required entry points.
func LoadSDK() (Reader, error) {
	var errs []error
	for _, name := range sdkLibraries {
		r, err := loadLibrary(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrSDKUnavailable, errors.Join(errs...))
}

func loadLibrary(name string) (*sdkReader, error) {
	dll := windows.NewLazySystemDLL(name)
	if err := dll.Load(); err != nil {
		return nil, err
	}

	r := &sdkReader{
		name:        name,
		init:        dll.NewProc("ZKFPM_Init"),
		terminate:   dll.NewProc("ZKFPM_Terminate"),
		deviceCount: dll.NewProc("ZKFPM_GetDeviceCount"),
		open:        dll.NewProc("ZKFPM_OpenDevice"),
		close:       dll.NewProc("ZKFPM_CloseDevice"),
		acquire:     dll.NewProc("ZKFPM_AcquireFingerprint"),
		dbInit:      dll.NewProc("ZKFPM_DBInit"),
		dbFree:      dll.NewProc("ZKFPM_DBFree"),
		dbMerge:     dll.NewProc("ZKFPM_DBMerge"),
	}
	for _, p := range []*windows.LazyProc{r.init, r.terminate, r.open, r.close, r.acquire, r.dbMerge} {
		if err := p.Find(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *sdkReader) Init() (int, error) {
	ret, _, _ := r.init.Call()
	if code := int32(ret); code < zkfpOK {
		return 0, fmt.Errorf("ZKFPM_Init returned %d", code)
	} else if r.deviceCount.Find() != nil {
		// Older libraries report the device count from Init itself.
		return int(code), nil
	}

	n, _, _ := r.deviceCount.Call()
	return int(int32(n)), nil
}

func (r *sdkReader) OpenDevice(index int) (Handle, error) {
	h, _, _ := r.open.Call(uintptr(index))
	return Handle(h), nil
}

func (r *sdkReader) CloseDevice(h Handle) error {
	ret, _, _ := r.close.Call(uintptr(h))
	if code := int32(ret); code != zkfpOK {
		return fmt.Errorf("ZKFPM_CloseDevice returned %d", code)
	}
	return nil
}

func (r *sdkReader) Acquire(h Handle) ([]byte, error) {
	image := make([]byte, ImageBufferSize)
	tpl := make([]byte, TemplateBufferSize)
	size := uint32(len(tpl))

	ret, _, _ := r.acquire.Call(
		uintptr(h),
		uintptr(unsafe.Pointer(&image[0])),
		uintptr(len(image)),
		uintptr(unsafe.Pointer(&tpl[0])),
		uintptr(unsafe.Pointer(&size)),
	)
	switch code := int32(ret); code {
	case zkfpOK:
		if size == 0 || int(size) > len(tpl) {
			return nil, fmt.Errorf("ZKFPM_AcquireFingerprint reported template size %d", size)
		}
		return append([]byte(nil), tpl[:size]...), nil
	case zkfpErrCapture, zkfpErrAbsort, zkfpErrBusy:
		return nil, ErrPending
	case zkfpErrNotFound:
		return nil, ErrDeviceNotFound
	default:
		return nil, fmt.Errorf("ZKFPM_AcquireFingerprint returned %d", code)
	}
}

func (r *sdkReader) Merge(_ Handle, t1, t2, t3 []byte) ([]byte, error) {
	if len(t1) == 0 || len(t2) == 0 || len(t3) == 0 {
		return nil, errors.New("merge needs three non-empty templates")
	}
	if r.db == 0 {
		db, _, _ := r.dbInit.Call()
		if db == 0 {
			return nil, errors.New("ZKFPM_DBInit returned no cache")
		}
		r.db = db
	}

	out := make([]byte, TemplateBufferSize)
	size := uint32(len(out))
	ret, _, _ := r.dbMerge.Call(
		r.db,
		uintptr(unsafe.Pointer(&t1[0])),
		uintptr(unsafe.Pointer(&t2[0])),
		uintptr(unsafe.Pointer(&t3[0])),
		uintptr(unsafe.Pointer(&out[0])),
		uintptr(unsafe.Pointer(&size)),
	)
	if code := int32(ret); code != zkfpOK {
		return nil, fmt.Errorf("ZKFPM_DBMerge returned %d", code)
	}
	if size == 0 || int(size) > len(out) {
		return nil, fmt.Errorf("ZKFPM_DBMerge reported template size %d", size)
	}
	return append([]byte(nil), out[:size]...), nil
}

func (r *sdkReader) Terminate() error {
	if r.db != 0 && r.dbFree.Find() == nil {
		_, _, _ = r.dbFree.Call(r.db)
	}
	r.db = 0

	ret, _, _ := r.terminate.Call()
	if code := int32(ret); code != zkfpOK {
		return fmt.Errorf("ZKFPM_Terminate returned %d", code)
	}
	return nil
}

// Diagnose lists the fingerprint-related libraries installed in the system directories.
func Diagnose() []string {
	sys, err := windows.GetSystemDirectory()
	if err != nil {
		return nil
	}
	dirs := []string{sys, filepath.Join(filepath.Dir(sys), "SysWOW64")}

	seen := make(map[string]bool)
	var found []string
	for _, dir := range dirs {
		for _, pattern := range []string{"*zk*.dll", "*fp*.dll"} {
			matches, _ := filepath.Glob(filepath.Join(dir, pattern))
			for _, m := range matches {
				key := strings.ToLower(m)
				if seen[key] {
					continue
				}
				seen[key] = true
				found = append(found, m)
			}
		}
	}
	return found
}
