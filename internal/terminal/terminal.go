// Package terminal manages sessions against the attendance terminal. Every logical operation
// gets its own session, bounded by a deadline and torn down on every exit path.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fragotesac/frazkteco-devices/internal/guard"
	"github.com/fragotesac/frazkteco-devices/internal/model"
)

var (
	// ErrTimeout is returned when an operation outlives its deadline. The session is force-destroyed.
	ErrTimeout = errors.New("terminal operation timed out")
	// ErrUnsupported is returned when the terminal rejects an operation its configuration does not offer.
	ErrUnsupported = errors.New("operation not supported by terminal")
)

// ConnectError reports a failure to establish a session.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to terminal %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// OperationError reports a failure of the operation itself on an established session.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("terminal %s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Endpoint locates the terminal and bounds the vendor client's own socket timeouts.
type Endpoint struct {
	Address        string
	ConnectTimeout time.Duration
	RecvTimeout    time.Duration
}

// Client is one vendor client session. Destroy must never block and must be safe to call
// concurrently with any other method, including after Disconnect.
type Client interface {
	Connect(ctx context.Context) error
	Users(ctx context.Context) ([]model.DeviceUser, error)
	Attendances(ctx context.Context) ([]model.DeviceAttendance, error)
	SetUser(ctx context.Context, u model.DeviceUser) error
	Disconnect(ctx context.Context) error
	Destroy()
}

// Dialer builds an unconnected client for a single session.
type Dialer func(Endpoint) Client

// Op is a logical operation executed against a connected client.
type Op func(ctx context.Context, c Client) error

// Manager runs operations against the terminal, one session per operation.
type Manager struct {
	dial     Dialer
	endpoint Endpoint
	logger   *slog.Logger

	deadline        time.Duration
	teardownTimeout time.Duration
}

// NewManager constructs a manager. deadline applies to operations that do not pass their own.
func NewManager(dial Dialer, endpoint Endpoint, deadline time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		dial:            dial,
		endpoint:        endpoint,
		logger:          logger.With("component", "terminal"),
		deadline:        deadline,
		teardownTimeout: 3 * time.Second,
	}
}

// Endpoint returns the terminal the manager talks to.
func (m *Manager) Endpoint() Endpoint {
	return m.endpoint
}

type sessionResult struct {
	connected bool
	err       error
}

// Do opens a session, runs op through it and tears the session down. If the deadline fires first
// the session is destroyed without a graceful close and ErrTimeout is returned.
func (m *Manager) Do(ctx context.Context, name string, deadline time.Duration, op Op) error {
	if deadline <= 0 {
		deadline = m.deadline
	}

	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	client := m.dial(m.endpoint)
	started := time.Now()

	done := make(chan sessionResult, 1)
	go func() {
		done <- m.session(opCtx, name, client, op)
	}()

	select {
	case res := <-done:
		if !res.connected {
			client.Destroy()
			return res.err
		}
		m.teardown(name, client)
		m.logger.Debug("terminal operation finished", "op", name, "elapsed", time.Since(started), "error", res.err)
		return res.err
	case <-opCtx.Done():
		client.Destroy()
		if err := ctx.Err(); err != nil {
			m.logger.Warn("terminal operation abandoned", "op", name, "error", err)
			return fmt.Errorf("terminal %s: %w", name, err)
		}
		m.logger.Warn("terminal operation exceeded deadline, session destroyed", "op", name, "deadline", deadline)
		return fmt.Errorf("terminal %s after %s: %w", name, deadline, ErrTimeout)
	}
}

func (m *Manager) session(ctx context.Context, name string, client Client, op Op) sessionResult {
	if err := m.connect(ctx, client); err != nil {
		return sessionResult{err: &ConnectError{Address: m.endpoint.Address, Err: err}}
	}

	if err := m.run(ctx, name, client, op); err != nil {
		return sessionResult{connected: true, err: &OperationError{Op: name, Err: err}}
	}
	return sessionResult{connected: true}
}

func (m *Manager) connect(ctx context.Context, client Client) (err error) {
	defer guard.RecoverClient(m.logger, "terminal connect", &err)
	return client.Connect(ctx)
}

func (m *Manager) run(ctx context.Context, name string, client Client, op Op) (err error) {
	defer guard.RecoverClient(m.logger, "terminal "+name, &err)
	return op(ctx, client)
}

// teardown closes the session gracefully, falling back to Destroy when the close fails or hangs.
// Its outcome never changes the operation's result.
func (m *Manager) teardown(name string, client Client) {
	ctx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() { done <- err }()
		defer guard.RecoverClient(m.logger, "terminal disconnect", &err)
		err = client.Disconnect(ctx)
	}()

	select {
	case err := <-done:
		if err == nil {
			return
		}
		m.logger.Warn("graceful disconnect failed, destroying session", "op", name, "error", err)
	case <-ctx.Done():
		m.logger.Warn("graceful disconnect hung, destroying session", "op", name)
	}
	client.Destroy()
}

// Call runs fn through m.Do and returns its value.
func Call[T any](ctx context.Context, m *Manager, name string, deadline time.Duration, fn func(context.Context, Client) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, name, deadline, func(ctx context.Context, c Client) error {
		v, err := fn(ctx, c)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Users fetches every user record on the terminal.
func (m *Manager) Users(ctx context.Context, deadline time.Duration) ([]model.DeviceUser, error) {
	return Call(ctx, m, "get users", deadline, func(ctx context.Context, c Client) ([]model.DeviceUser, error) {
		return c.Users(ctx)
	})
}

// Attendances fetches the terminal's attendance log.
func (m *Manager) Attendances(ctx context.Context, deadline time.Duration) ([]model.DeviceAttendance, error) {
	return Call(ctx, m, "get attendances", deadline, func(ctx context.Context, c Client) ([]model.DeviceAttendance, error) {
		return c.Attendances(ctx)
	})
}

// SetUser writes one user record to the terminal.
func (m *Manager) SetUser(ctx context.Context, deadline time.Duration, u model.DeviceUser) error {
	return m.Do(ctx, "set user", deadline, func(ctx context.Context, c Client) error {
		return c.SetUser(ctx, u)
	})
}
