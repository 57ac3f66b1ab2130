package zktcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/terminal"
)

var (
	errDestroyed = errors.New("terminal session destroyed")
	// ErrUnauthorized is returned when the terminal requires a communication key.
	ErrUnauthorized = errors.New("terminal requires a communication key")
)

var _ terminal.Client = (*Client)(nil)

// Options configures sessions.
type Options struct {
	// Location is the terminal's wall-clock zone. Defaults to time.Local.
	Location *time.Location
}

// NewDialer returns a terminal.Dialer whose sessions each open their own TCP connection.
func NewDialer(opts Options, logger *slog.Logger) terminal.Dialer {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger = logger.With("component", "zktcp")
	return func(ep terminal.Endpoint) terminal.Client {
		return newClient(opts, ep, logger)
	}
}

// Client is one TCP session with the terminal. Exchanges are serialized; Destroy may be called
// at any time from any goroutine.
type Client struct {
	opts     Options
	endpoint terminal.Endpoint
	logger   *slog.Logger

	mu      sync.Mutex
	session uint16
	reply   uint16

	connMu sync.Mutex
	conn   net.Conn
	gone   chan struct{}
	once   sync.Once
}

func newClient(opts Options, ep terminal.Endpoint, logger *slog.Logger) *Client {
	return &Client{
		opts:     opts,
		endpoint: ep,
		logger:   logger.With("terminal", ep.Address),
		reply:    ushrtMax - 1,
		gone:     make(chan struct{}),
	}
}

// Connect dials the terminal and opens a protocol session.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.endpoint.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.endpoint.Address)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	select {
	case <-c.gone:
		c.connMu.Unlock()
		_ = conn.Close()
		return errDestroyed
	default:
	}
	c.conn = conn
	c.connMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.exchange(ctx, cmdConnect, nil)
	if err != nil {
		return err
	}
	switch p.cmd {
	case ackOK:
		c.session = p.session
		c.logger.Debug("terminal session opened", "session", p.session)
		return nil
	case ackUnauth:
		return ErrUnauthorized
	default:
		return fmt.Errorf("connect: unexpected reply %d", p.cmd)
	}
}

// Users reads the terminal's user table.
func (c *Client) Users(ctx context.Context) ([]model.DeviceUser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sz, err := c.sizes(ctx)
	if err != nil {
		return nil, err
	}
	if sz.users == 0 {
		return nil, nil
	}

	data, err := c.readBuffer(ctx, "get users", cmdUserTempRRQ, fctUser)
	if err != nil {
		return nil, err
	}
	return decodeUsers(data, sz.users), nil
}

// Attendances reads the terminal's attendance log.
func (c *Client) Attendances(ctx context.Context) ([]model.DeviceAttendance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sz, err := c.sizes(ctx)
	if err != nil {
		return nil, err
	}
	if sz.records == 0 {
		return nil, nil
	}

	data, err := c.readBuffer(ctx, "get attendances", cmdAttLogRRQ, 0)
	if err != nil {
		return nil, err
	}
	return decodeAttendances(data, sz.records, c.opts.Location), nil
}

// SetUser writes one user record and asks the terminal to reload its tables.
func (c *Client) SetUser(ctx context.Context, u model.DeviceUser) error {
	if u.UID < 1 || u.UID > model.MaxUID {
		return fmt.Errorf("set user: uid %d out of range", u.UID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.exchange(ctx, cmdUserWRQ, encodeUser(u))
	if err != nil {
		return err
	}
	if p.cmd != ackOK {
		return fmt.Errorf("set user %d: terminal replied %d", u.UID, p.cmd)
	}

	if p, err = c.exchange(ctx, cmdRefreshData, nil); err != nil {
		return err
	}
	if p.cmd != ackOK {
		c.logger.Warn("terminal refused table refresh", "reply", p.cmd)
	}
	return nil
}

// Disconnect closes the protocol session and the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	_, err := c.exchange(ctx, cmdExit, nil)
	c.mu.Unlock()

	c.release()
	return err
}

// Destroy closes the connection without a goodbye, unblocking any pending read.
func (c *Client) Destroy() {
	c.release()
}

func (c *Client) release() {
	c.once.Do(func() {
		c.connMu.Lock()
		close(c.gone)
		conn := c.conn
		c.connMu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Client) sizes(ctx context.Context) (sizes, error) {
	p, err := c.exchange(ctx, cmdGetFreeSizes, nil)
	if err != nil {
		return sizes{}, err
	}
	if p.cmd != ackOK {
		return sizes{}, fmt.Errorf("read sizes: terminal replied %d", p.cmd)
	}
	return decodeSizes(p.data)
}

// readBuffer runs a buffered table read. Small tables come back inline; larger ones are announced
// with their size and fetched in chunks.
func (c *Client) readBuffer(ctx context.Context, name string, command uint16, fct uint32) ([]byte, error) {
	p, err := c.exchange(ctx, cmdDataWRRQ, bufferRequest(command, fct))
	if err != nil {
		return nil, err
	}

	switch p.cmd {
	case cmdData:
		return p.data, nil
	case ackOK:
	case ackError:
		return nil, fmt.Errorf("%s: terminal rejected buffered read: %w", name, terminal.ErrUnsupported)
	default:
		return nil, fmt.Errorf("%s: unexpected reply %d", name, p.cmd)
	}

	if len(p.data) < 5 {
		return nil, fmt.Errorf("%s: %w", name, errShortReply)
	}
	size := int(binary.LittleEndian.Uint32(p.data[1:]))
	if size > maxFrame {
		return nil, fmt.Errorf("%s: announced size %d too large", name, size)
	}

	buf := make([]byte, 0, size)
	for start := 0; start < size; {
		n := min(maxChunk, size-start)
		chunk, err := c.readChunk(ctx, start, n)
		if err != nil {
			return nil, fmt.Errorf("%s: chunk at %d: %w", name, start, err)
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("%s: empty chunk at %d", name, start)
		}
		buf = append(buf, chunk...)
		start += len(chunk)
	}

	if p, err := c.exchange(ctx, cmdFreeData, nil); err != nil {
		c.logger.Warn("free terminal buffer", "error", err)
	} else if p.cmd != ackOK {
		c.logger.Warn("free terminal buffer", "reply", p.cmd)
	}
	return buf, nil
}

func (c *Client) readChunk(ctx context.Context, start, size int) ([]byte, error) {
	p, err := c.exchange(ctx, cmdDataRDY, chunkRequest(start, size))
	if err != nil {
		return nil, err
	}

	switch p.cmd {
	case cmdData:
		return p.data, nil
	case cmdPrepareData:
	default:
		return nil, fmt.Errorf("unexpected reply %d", p.cmd)
	}

	if len(p.data) < 4 {
		return nil, errShortReply
	}
	want := int(binary.LittleEndian.Uint32(p.data))

	out := make([]byte, 0, want)
	for len(out) < want {
		f, err := c.recv(ctx)
		if err != nil {
			return nil, err
		}
		if f.cmd != cmdData {
			return nil, fmt.Errorf("unexpected reply %d inside chunk", f.cmd)
		}
		out = append(out, f.data...)
	}

	ack, err := c.recv(ctx)
	if err != nil {
		return nil, err
	}
	if ack.cmd != ackOK {
		return nil, fmt.Errorf("chunk not acknowledged: reply %d", ack.cmd)
	}
	return out, nil
}

// exchange sends one command and reads its reply. The caller holds c.mu.
func (c *Client) exchange(ctx context.Context, cmd uint16, data []byte) (packet, error) {
	conn, err := c.connection()
	if err != nil {
		return packet{}, err
	}

	buf, next := request(cmd, c.session, c.reply, data)
	if err := conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return packet{}, err
	}
	if _, err := conn.Write(buf); err != nil {
		return packet{}, fmt.Errorf("send command %d: %w", cmd, err)
	}
	c.reply = next

	return c.recv(ctx)
}

// recv reads one frame, bounded by the receive timeout and by ctx.
func (c *Client) recv(ctx context.Context) (packet, error) {
	conn, err := c.connection()
	if err != nil {
		return packet{}, err
	}
	if err := conn.SetReadDeadline(c.deadline(ctx)); err != nil {
		return packet{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	p, err := readFrame(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return packet{}, ctxErr
		}
		return packet{}, fmt.Errorf("receive reply: %w", err)
	}
	c.reply = p.reply
	return p, nil
}

func (c *Client) connection() (net.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	select {
	case <-c.gone:
		return nil, errDestroyed
	default:
	}
	if c.conn == nil {
		return nil, errors.New("terminal session not connected")
	}
	return c.conn, nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	recv := c.endpoint.RecvTimeout
	if recv <= 0 {
		recv = 5 * time.Second
	}
	d := time.Now().Add(recv)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}
