package mqttgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fragotesac/frazkteco-devices/internal/model"
	"github.com/fragotesac/frazkteco-devices/internal/terminal"
)

var errDestroyed = errors.New("gateway session destroyed")

// Options configures how sessions reach the gateway.
type Options struct {
	BrokerURL string
	Topic     string
}

// NewDialer returns a terminal.Dialer whose sessions each own a fresh MQTT client.
func NewDialer(opts Options, logger *slog.Logger) terminal.Dialer {
	logger = logger.With("component", "mqttgw")
	return func(ep terminal.Endpoint) terminal.Client {
		return newClient(opts, ep, logger)
	}
}

// Client is one gateway session.
type Client struct {
	opts     Options
	endpoint terminal.Endpoint
	logger   *slog.Logger
	session  string

	mu sync.Mutex
	mc mqtt.Client

	seq     atomic.Uint64
	replies chan Reply
	gone    chan struct{}
	once    sync.Once
}

func newClient(opts Options, ep terminal.Endpoint, logger *slog.Logger) *Client {
	session := uuid.NewString()
	return &Client{
		opts:     opts,
		endpoint: ep,
		logger:   logger.With("session", session),
		session:  session,
		replies:  make(chan Reply, 8),
		gone:     make(chan struct{}),
	}
}

// Connect attaches to the broker and asks the gateway to open the terminal socket.
func (c *Client) Connect(ctx context.Context) error {
	connectTimeout := c.endpoint.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(c.opts.BrokerURL).
		SetClientID("zkcontrol-" + c.session).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false)

	mc := mqtt.NewClient(opts)
	c.mu.Lock()
	select {
	case <-c.gone:
		c.mu.Unlock()
		return errDestroyed
	default:
	}
	c.mc = mc
	c.mu.Unlock()

	if err := c.wait(ctx, mc.Connect()); err != nil {
		return fmt.Errorf("connect broker %s: %w", c.opts.BrokerURL, err)
	}
	if err := c.wait(ctx, mc.Subscribe(ReplyTopic(c.opts.Topic, c.session), 0, c.onReply)); err != nil {
		return fmt.Errorf("subscribe replies: %w", err)
	}

	_, err := c.call(ctx, Request{
		Op:               OpConnect,
		Address:          c.endpoint.Address,
		ConnectTimeoutMs: c.endpoint.ConnectTimeout.Milliseconds(),
		RecvTimeoutMs:    c.endpoint.RecvTimeout.Milliseconds(),
	})
	return err
}

// Users fetches the terminal's user table.
func (c *Client) Users(ctx context.Context) ([]model.DeviceUser, error) {
	reply, err := c.call(ctx, Request{Op: OpGetUsers})
	if err != nil {
		return nil, err
	}
	return reply.Users, nil
}

// Attendances fetches the terminal's attendance log.
func (c *Client) Attendances(ctx context.Context) ([]model.DeviceAttendance, error) {
	reply, err := c.call(ctx, Request{Op: OpGetAttendances})
	if err != nil {
		return nil, err
	}
	return reply.Attendances, nil
}

// SetUser writes one user record.
func (c *Client) SetUser(ctx context.Context, u model.DeviceUser) error {
	_, err := c.call(ctx, Request{Op: OpSetUser, User: &u})
	return err
}

// Disconnect asks the gateway to close the terminal socket, then leaves the broker.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, Request{Op: OpDisconnect})
	c.release(250)
	return err
}

// Destroy abandons the session without waiting on the gateway.
func (c *Client) Destroy() {
	c.release(0)
}

func (c *Client) release(quiesce uint) {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.gone)
		mc := c.mc
		c.mu.Unlock()

		if mc == nil {
			return
		}
		go mc.Disconnect(quiesce)
	})
}

func (c *Client) call(ctx context.Context, req Request) (Reply, error) {
	c.mu.Lock()
	mc := c.mc
	c.mu.Unlock()
	if mc == nil {
		return Reply{}, errors.New("gateway session not connected")
	}

	req.Session = c.session
	req.ID = c.seq.Add(1)

	payload, err := Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	if err := c.wait(ctx, mc.Publish(RequestTopic(c.opts.Topic), 0, false, payload)); err != nil {
		return Reply{}, fmt.Errorf("publish %s request: %w", req.Op, err)
	}

	for {
		select {
		case reply := <-c.replies:
			if reply.ID != req.ID {
				c.logger.Debug("dropping stale gateway reply", "id", reply.ID, "want", req.ID)
				continue
			}
			if !reply.OK {
				return Reply{}, replyError(req.Op, reply.Error)
			}
			return reply, nil
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-c.gone:
			return Reply{}, errDestroyed
		}
	}
}

func (c *Client) wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-c.gone:
		return errDestroyed
	}
}

func (c *Client) onReply(_ mqtt.Client, msg mqtt.Message) {
	var reply Reply
	if err := Unmarshal(msg.Payload(), &reply); err != nil {
		c.logger.Warn("decode gateway reply", "topic", msg.Topic(), "error", err)
		return
	}

	select {
	case c.replies <- reply:
	default:
		c.logger.Warn("gateway reply buffer full, dropping reply", "id", reply.ID)
	}
}

func replyError(op, msg string) error {
	if msg == "" {
		msg = "gateway reported failure"
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "unsupported") || strings.Contains(lower, "not supported") {
		return fmt.Errorf("%s: %s: %w", op, msg, terminal.ErrUnsupported)
	}
	return fmt.Errorf("%s: %s", op, msg)
}
