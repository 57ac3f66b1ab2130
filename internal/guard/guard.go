// Package guard is the last-resort failure boundary around the terminal client. It classifies
// faults as transient or defects and turns panics escaping the client into ordinary errors.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"strings"
	"syscall"
)

// transientSignatures are message fragments of faults the terminal client is known to raise when
// the device misbehaves.
var transientSignatures = []string{
	"timeout",
	"timed out",
	"econnrefused",
	"econnreset",
	"epipe",
	"connection refused",
	"connection reset",
	"broken pipe",
	"subarray",
}

// clientPanicSignatures are runtime panics raised while decoding a truncated terminal reply. They
// only count as transient when recovered at the client boundary.
var clientPanicSignatures = []string{
	"slice bounds out of range",
	"index out of range",
}

// PanicError is a panic recovered at a guarded boundary. Transient is set only for known client
// faults recovered by RecoverClient.
type PanicError struct {
	Where     string
	Value     any
	Stack     []byte
	Transient bool
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Where, e.Value)
}

// Classify reports the known transient signature msg matches, if any.
func Classify(msg string) (string, bool) {
	lower := strings.ToLower(msg)
	for _, sig := range transientSignatures {
		if strings.Contains(lower, sig) {
			return sig, true
		}
	}
	return "", false
}

// IsTransient reports whether err is a device fault the next sync run is expected to recover from.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perr *PanicError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.ETIMEDOUT:
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	_, ok := Classify(err.Error())
	return ok
}

// Recover converts a panic into a *PanicError stored in errp and logs it with its stack as a
// defect. It must be deferred directly.
func Recover(logger *slog.Logger, where string, errp *error) {
	r := recover()
	if r == nil {
		return
	}

	perr := &PanicError{Where: where, Value: r, Stack: debug.Stack()}
	report(logger, perr)
	if errp != nil {
		*errp = perr
	}
}

// RecoverClient is Recover for calls into the terminal client. Panics matching a known client
// fault are marked transient and logged as warnings; anything else is a defect.
func RecoverClient(logger *slog.Logger, where string, errp *error) {
	r := recover()
	if r == nil {
		return
	}

	perr := &PanicError{Where: where, Value: r, Stack: debug.Stack()}
	msg := fmt.Sprint(r)
	sig, ok := Classify(msg)
	if !ok {
		sig, ok = classifyClientPanic(msg)
	}
	if ok {
		perr.Transient = true
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("absorbed transient terminal fault", "where", where, "signature", sig, "panic", msg)
	} else {
		report(logger, perr)
	}
	if errp != nil {
		*errp = perr
	}
}

// Go runs fn on a new goroutine. A panic in fn is logged as a defect with its stack and absorbed;
// the process keeps running.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name, nil)
		fn()
	}()
}

func classifyClientPanic(msg string) (string, bool) {
	for _, sig := range clientPanicSignatures {
		if strings.Contains(msg, sig) {
			return sig, true
		}
	}
	return "", false
}

func report(logger *slog.Logger, perr *PanicError) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("unhandled defect", "where", perr.Where, "panic", fmt.Sprint(perr.Value), "stack", string(perr.Stack))
}
