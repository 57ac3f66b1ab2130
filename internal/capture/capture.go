// Package capture drives the USB fingerprint reader through a multi-sample enrollment, fusing the
// samples into one template. Without the vendor SDK it degrades to placeholder templates.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Reader buffer sizes fixed by the vendor SDK.
const (
	ImageBufferSize    = 500 * 500
	TemplateBufferSize = 2048
)

// Sample bounds accepted by Capture.
const (
	MinSamples = 1
	MaxSamples = 10
	// fuseSamples is how many samples the vendor merge consumes.
	fuseSamples = 3
)

var (
	// ErrConflict is returned when a capture is already running or holds the reader.
	ErrConflict = errors.New("a fingerprint capture is already in progress")
	// ErrDeviceNotFound is returned when the SDK reports no attached reader.
	ErrDeviceNotFound = errors.New("no fingerprint reader attached")
	// ErrHandleOpenFailed is returned when the reader could not be opened.
	ErrHandleOpenFailed = errors.New("could not open fingerprint reader")
	// ErrTimeout is returned when no finger was placed within the per-sample deadline.
	ErrTimeout = errors.New("timed out waiting for finger")
	// ErrPending is returned by Reader.Acquire while no finger is on the sensor.
	ErrPending = errors.New("no finger on sensor")
	// ErrInvalidSamples is returned for a sample count outside [MinSamples, MaxSamples].
	ErrInvalidSamples = errors.New("invalid sample count")
	// ErrSDKUnavailable is returned by LoadSDK when the vendor library cannot be loaded.
	ErrSDKUnavailable = errors.New("fingerprint SDK not available")
	// ErrShutdown is returned by Capture once Shutdown has been called.
	ErrShutdown = errors.New("fingerprint capture service is shut down")
)

// Handle is an open reader as returned by the SDK. Zero means no handle.
type Handle uintptr

// Reader is the vendor SDK surface. Acquire never blocks: it returns ErrPending while the sensor
// is empty. Implementations need not be safe for concurrent use.
type Reader interface {
	Init() (devices int, err error)
	OpenDevice(index int) (Handle, error)
	CloseDevice(h Handle) error
	Acquire(h Handle) (template []byte, err error)
	Merge(h Handle, t1, t2, t3 []byte) ([]byte, error)
	Terminate() error
}

// State is a phase of a capture.
type State string

const (
	StateIdle           State = "idle"
	StateInitializing   State = "initializing"
	StatePolling        State = "polling"
	StateSampleAcquired State = "sample_acquired"
	StateFusing         State = "fusing"
	StateDone           State = "done"
	StateFallback       State = "fallback"
	StateClosed         State = "closed"
	StateError          State = "error"
)

// Transition is published on every phase change.
type Transition struct {
	State      State     `json:"state"`
	NationalID string    `json:"dni,omitempty"`
	Sample     int       `json:"sample,omitempty"`
	Samples    int       `json:"samples,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Result is a captured template. Warning is set for placeholder and unfused fallback templates,
// which are successes of lower biometric quality.
type Result struct {
	Template    []byte
	Samples     int
	Fused       bool
	Placeholder bool
	Warning     string
}

// Status reports the reader's availability.
type Status struct {
	SDKAvailable bool `json:"sdkDisponible"`
	Active       bool `json:"capturaActiva"`
	Connected    bool `json:"conectado"`
}

// Options tunes polling.
type Options struct {
	PollInterval   time.Duration
	SampleTimeout  time.Duration
	DefaultSamples int
}

// DefaultOptions returns the SDK's recommended polling cadence.
func DefaultOptions() Options {
	return Options{
		PollInterval:   200 * time.Millisecond,
		SampleTimeout:  15 * time.Second,
		DefaultSamples: fuseSamples,
	}
}

// Service owns the reader. At most one capture runs at a time; the open handle is cached across
// captures until Close.
type Service struct {
	reader Reader
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	// base is cancelled by Shutdown and aborts any running capture.
	base     context.Context
	shutdown context.CancelFunc

	active    atomic.Bool
	connected atomic.Bool

	mu          sync.Mutex
	initialized bool
	handle      Handle

	obsMu     sync.RWMutex
	observers []func(Transition)
}

// New constructs a capture service. A nil reader puts the service in placeholder mode.
func New(reader Reader, opts Options, logger *slog.Logger) *Service {
	if opts.DefaultSamples == 0 {
		opts.DefaultSamples = fuseSamples
	}
	base, shutdown := context.WithCancel(context.Background())
	return &Service{
		reader:   reader,
		opts:     opts,
		logger:   logger.With("component", "capture"),
		now:      time.Now,
		base:     base,
		shutdown: shutdown,
	}
}

// OnTransition registers fn to observe capture phases.
func (s *Service) OnTransition(fn func(Transition)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Available reports whether a vendor SDK is loaded.
func (s *Service) Available() bool {
	return s.reader != nil
}

// Status reports SDK availability, whether a capture is running and whether a handle is cached.
func (s *Service) Status() Status {
	return Status{
		SDKAvailable: s.Available(),
		Active:       s.active.Load(),
		Connected:    s.connected.Load(),
	}
}

// Capture enrolls one finger for nationalID using samples readings, or the default when zero.
func (s *Service) Capture(ctx context.Context, nationalID string, samples int) (Result, error) {
	if samples == 0 {
		samples = s.opts.DefaultSamples
	}
	if samples < MinSamples || samples > MaxSamples {
		return Result{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidSamples, samples, MinSamples, MaxSamples)
	}

	if !s.active.CompareAndSwap(false, true) {
		return Result{}, ErrConflict
	}
	defer s.active.Store(false)

	if s.base.Err() != nil {
		return Result{}, ErrShutdown
	}
	if s.reader == nil {
		return s.placeholder(nationalID), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return Result{}, ErrShutdown
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	res, err := s.capture(ctx, nationalID, samples)
	if err != nil {
		s.emit(Transition{State: StateError, NationalID: nationalID, Message: err.Error()})
		return Result{}, err
	}
	return res, nil
}

func (s *Service) placeholder(nationalID string) Result {
	warning := "fingerprint SDK not installed, placeholder template stored"
	s.logger.Warn("fingerprint SDK unavailable, storing placeholder template", "dni", nationalID)
	s.emit(Transition{State: StateFallback, NationalID: nationalID, Message: warning})
	return Result{
		Template:    []byte(fmt.Sprintf("placeholder-%s-%d", nationalID, s.now().UnixMilli())),
		Placeholder: true,
		Warning:     warning,
	}
}

func (s *Service) capture(ctx context.Context, nationalID string, samples int) (Result, error) {
	h, err := s.openLocked(nationalID)
	if err != nil {
		return Result{}, err
	}

	logger := s.logger.With("dni", nationalID)
	logger.Info("capture started", "samples", samples)

	collected := make([][]byte, 0, samples)
	for i := 1; i <= samples; i++ {
		s.emit(Transition{State: StatePolling, NationalID: nationalID, Sample: i, Samples: samples})

		tpl, err := s.poll(ctx, h)
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{}, fmt.Errorf("sample %d/%d: %w", i, samples, err)
		default:
			logger.Error("reader failed, releasing handle", "sample", i, "error", err)
			s.closeLocked()
			return Result{}, fmt.Errorf("sample %d/%d: %w", i, samples, err)
		}

		collected = append(collected, tpl)
		logger.Info("sample acquired", "sample", i, "samples", samples, "bytes", len(tpl))
		s.emit(Transition{State: StateSampleAcquired, NationalID: nationalID, Sample: i, Samples: samples})
	}

	if samples < fuseSamples {
		s.emit(Transition{State: StateDone, NationalID: nationalID, Samples: samples})
		return Result{Template: collected[0], Samples: samples}, nil
	}

	s.emit(Transition{State: StateFusing, NationalID: nationalID, Samples: samples})
	fused, err := s.reader.Merge(h, collected[0], collected[1], collected[2])
	if err != nil || len(fused) == 0 {
		warning := "template fusion failed, first sample stored unfused"
		logger.Warn("template fusion failed, using first sample", "error", err)
		s.emit(Transition{State: StateFallback, NationalID: nationalID, Samples: samples, Message: warning})
		return Result{Template: collected[0], Samples: samples, Warning: warning}, nil
	}

	s.emit(Transition{State: StateDone, NationalID: nationalID, Samples: samples})
	return Result{Template: fused, Samples: samples, Fused: true}, nil
}

// poll retries a non-blocking acquisition every poll interval until a sample arrives or the
// per-sample deadline passes.
func (s *Service) poll(ctx context.Context, h Handle) ([]byte, error) {
	deadline := time.NewTimer(s.opts.SampleTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		tpl, err := s.reader.Acquire(h)
		if err == nil && len(tpl) > 0 {
			return tpl, nil
		}
		if err != nil && !errors.Is(err, ErrPending) {
			return nil, err
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", ErrTimeout, s.opts.SampleTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Service) openLocked(nationalID string) (Handle, error) {
	if s.handle != 0 {
		return s.handle, nil
	}

	s.emit(Transition{State: StateInitializing, NationalID: nationalID})

	if !s.initialized {
		n, err := s.reader.Init()
		if err != nil {
			return 0, fmt.Errorf("init fingerprint SDK: %w", err)
		}
		if n <= 0 {
			_ = s.reader.Terminate()
			return 0, ErrDeviceNotFound
		}
		s.initialized = true
	}

	h, err := s.reader.OpenDevice(0)
	if err != nil || h == 0 {
		s.terminateLocked()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrHandleOpenFailed, err)
		}
		return 0, ErrHandleOpenFailed
	}

	s.handle = h
	s.connected.Store(true)
	s.logger.Info("fingerprint reader opened")
	return h, nil
}

// Close releases the cached handle and the SDK. It fails with ErrConflict while a capture runs.
func (s *Service) Close() error {
	if s.reader == nil {
		return nil
	}
	if s.active.Load() {
		return ErrConflict
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized && s.handle == 0 {
		return nil
	}
	s.closeLocked()
	s.logger.Info("fingerprint reader closed")
	s.emit(Transition{State: StateClosed})
	return nil
}

// Shutdown aborts a running capture, waits for it to unwind and releases the reader. Later
// captures fail with ErrShutdown. It is safe to call more than once.
func (s *Service) Shutdown() {
	s.shutdown()
	if s.reader == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized && s.handle == 0 {
		return
	}
	s.closeLocked()
	s.logger.Info("fingerprint reader released on shutdown")
	s.emit(Transition{State: StateClosed})
}

func (s *Service) closeLocked() {
	if s.handle != 0 {
		if err := s.reader.CloseDevice(s.handle); err != nil {
			s.logger.Warn("close fingerprint reader", "error", err)
		}
		s.handle = 0
		s.connected.Store(false)
	}
	s.terminateLocked()
}

func (s *Service) terminateLocked() {
	if !s.initialized {
		return
	}
	if err := s.reader.Terminate(); err != nil {
		s.logger.Warn("terminate fingerprint SDK", "error", err)
	}
	s.initialized = false
}

func (s *Service) emit(t Transition) {
	t.At = s.now()

	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()

	for _, fn := range observers {
		fn(t)
	}
}
