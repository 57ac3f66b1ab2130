package mqttbroker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"zkcontrol/terminal/request", "zkcontrol/terminal/request", true},
		{"zkcontrol/terminal/status/+", "zkcontrol/terminal/status/zkgateway-1", true},
		{"zkcontrol/terminal/status/+", "zkcontrol/terminal/status", false},
		{"zkcontrol/terminal/status/+", "zkcontrol/terminal/status/a/b", false},
		{"zkcontrol/#", "zkcontrol/terminal/reply/abc", true},
		{"zkcontrol/#", "zkcontrol", true},
		{"#", "$SYS/uptime", false},
		{"+/terminal/request", "zkcontrol/terminal/request", true},
		{"zkcontrol/terminal/reply/abc", "zkcontrol/terminal/reply/abd", false},
	}

	for _, tc := range tests {
		t.Run(tc.filter+" "+tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.want, Match(tc.filter, tc.topic))
		})
	}
}

func TestValidFilter(t *testing.T) {
	assert.True(t, ValidFilter("a/+/c"))
	assert.True(t, ValidFilter("a/#"))
	assert.False(t, ValidFilter("a/#/c"))
	assert.False(t, ValidFilter("a/b+"))
	assert.False(t, ValidFilter(""))
}

func startBroker(t *testing.T) *Broker {
	t.Helper()

	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Stop()
	})
	return b
}

func connect(t *testing.T, b *Broker, id string) mqtt.Client {
	t.Helper()

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(id).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
	t.Cleanup(func() {
		c.Disconnect(0)
	})
	return c
}

func TestWildcardSubscriptionAndPresence(t *testing.T) {
	b := startBroker(t)

	received := make(chan PublishMessage, 1)
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) {
		received <- msg
	})

	sub := connect(t, b, "zkcontrol-observer")
	got := make(chan string, 1)
	tok := sub.Subscribe("zkcontrol/terminal/status/+", 0, func(_ mqtt.Client, msg mqtt.Message) {
		got <- string(msg.Payload())
	})
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())

	pub := connect(t, b, "zkgateway-test")
	assert.Eventually(t, func() bool { return b.Connected("zkgateway-") }, 2*time.Second, 10*time.Millisecond)

	ptok := pub.Publish("zkcontrol/terminal/status/zkgateway-test", 0, false, []byte("online"))
	require.True(t, ptok.WaitTimeout(2*time.Second))

	select {
	case payload := <-got:
		assert.Equal(t, "online", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive status")
	}

	select {
	case msg := <-received:
		assert.Equal(t, "zkgateway-test", msg.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("publish handler not invoked")
	}

	ids := make([]string, 0)
	for _, c := range b.Clients() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"zkcontrol-observer", "zkgateway-test"}, ids)
}
