// Package terminaltest provides an in-memory terminal for tests.
package terminaltest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/terminal"
)

// Device is a fake attendance terminal. Each dialed session shares the device's records.
type Device struct {
	mu    sync.Mutex
	users []model.DeviceUser
	logs  []model.DeviceAttendance

	ConnectErr     error
	UsersErr       error
	AttendancesErr error
	SetUserErr     error
	DisconnectErr  error

	// Hold, when set, blocks Users and Attendances until it is closed or the session ends.
	Hold chan struct{}
	// Wedge, when set, blocks the first session's Users and Attendances until it is closed,
	// ignoring cancellation and Destroy like a hung socket.
	Wedge chan struct{}

	sessions     atomic.Int32
	wedged       atomic.Int32
	open         atomic.Int32
	destroyed    atomic.Int32
	disconnected atomic.Int32
}

// New returns an empty fake device.
func New() *Device {
	return &Device{}
}

// Dialer returns a dialer producing sessions against d.
func (d *Device) Dialer() terminal.Dialer {
	return func(terminal.Endpoint) terminal.Client {
		n := d.sessions.Add(1)
		return &client{dev: d, n: n, gone: make(chan struct{})}
	}
}

// SetUsers replaces the device's user table.
func (d *Device) SetUsers(users ...model.DeviceUser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append([]model.DeviceUser(nil), users...)
}

// SetAttendances replaces the device's attendance log.
func (d *Device) SetAttendances(logs ...model.DeviceAttendance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs = append([]model.DeviceAttendance(nil), logs...)
}

// StoredUsers returns a copy of the device's user table.
func (d *Device) StoredUsers() []model.DeviceUser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.DeviceUser(nil), d.users...)
}

// Sessions is the number of sessions dialed so far.
func (d *Device) Sessions() int { return int(d.sessions.Load()) }

// Open is the number of sessions connected and not yet closed or destroyed.
func (d *Device) Open() int { return int(d.open.Load()) }

// Destroyed is the number of sessions torn down with Destroy.
func (d *Device) Destroyed() int { return int(d.destroyed.Load()) }

// Disconnected is the number of sessions closed gracefully.
func (d *Device) Disconnected() int { return int(d.disconnected.Load()) }

// Wedged is the number of sessions currently stuck on Wedge.
func (d *Device) Wedged() int { return int(d.wedged.Load()) }

type client struct {
	dev       *Device
	n         int32
	gone      chan struct{}
	once      sync.Once
	connected atomic.Bool
}

func (c *client) Connect(ctx context.Context) error {
	if err := c.dev.ConnectErr; err != nil {
		return err
	}
	c.connected.Store(true)
	c.dev.open.Add(1)
	return nil
}

func (c *client) wait(ctx context.Context) error {
	if c.dev.Wedge != nil && c.n == 1 {
		c.dev.wedged.Add(1)
		<-c.dev.Wedge
		c.dev.wedged.Add(-1)
		return errors.New("socket destroyed")
	}
	if c.dev.Hold == nil {
		return nil
	}
	select {
	case <-c.dev.Hold:
		return nil
	case <-c.gone:
		return errors.New("socket destroyed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) Users(ctx context.Context) ([]model.DeviceUser, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.dev.UsersErr; err != nil {
		return nil, err
	}
	return c.dev.StoredUsers(), nil
}

func (c *client) Attendances(ctx context.Context) ([]model.DeviceAttendance, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.dev.AttendancesErr; err != nil {
		return nil, err
	}
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	return append([]model.DeviceAttendance(nil), c.dev.logs...), nil
}

func (c *client) SetUser(ctx context.Context, u model.DeviceUser) error {
	if err := c.dev.SetUserErr; err != nil {
		return err
	}
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	for i, existing := range c.dev.users {
		if existing.UID == u.UID {
			c.dev.users[i] = u
			return nil
		}
	}
	c.dev.users = append(c.dev.users, u)
	return nil
}

func (c *client) Disconnect(ctx context.Context) error {
	if err := c.dev.DisconnectErr; err != nil {
		return err
	}
	c.close(&c.dev.disconnected)
	return nil
}

func (c *client) Destroy() {
	c.close(&c.dev.destroyed)
}

func (c *client) close(counter *atomic.Int32) {
	c.once.Do(func() {
		close(c.gone)
		counter.Add(1)
		if c.connected.Load() {
			c.dev.open.Add(-1)
		}
	})
}
