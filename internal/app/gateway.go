package app

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fragotesac/frazkteco-devices/internal/mqttbroker"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/mqttgw"
)

// gatewayStaleAfter marks a gateway offline when no heartbeat arrived within it.
const gatewayStaleAfter = 90 * time.Second

// GatewayStatus is the last heartbeat seen from one vendor gateway.
type GatewayStatus struct {
	Gateway  string    `json:"gateway"`
	Terminal string    `json:"terminal"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

// gatewayTracker records heartbeats published through the embedded broker.
type gatewayTracker struct {
	filter string
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]GatewayStatus
}

func newGatewayTracker(topic string, logger *slog.Logger) *gatewayTracker {
	return &gatewayTracker{
		filter: mqttgw.StatusFilter(topic),
		logger: logger.With("component", "gateways"),
		now:    time.Now,
		seen:   make(map[string]GatewayStatus),
	}
}

func (g *gatewayTracker) handle(_ context.Context, msg mqttbroker.PublishMessage) {
	if !mqttbroker.Match(g.filter, msg.Topic) {
		return
	}

	var st mqttgw.Status
	if err := mqttgw.Unmarshal(msg.Payload, &st); err != nil {
		g.logger.Warn("gateway heartbeat decode failed", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		return
	}
	if st.Gateway == "" {
		st.Gateway = msg.Topic[strings.LastIndex(msg.Topic, "/")+1:]
	}

	g.mu.Lock()
	_, known := g.seen[st.Gateway]
	g.seen[st.Gateway] = GatewayStatus{Gateway: st.Gateway, Terminal: st.Terminal, LastSeen: g.now()}
	g.mu.Unlock()

	if !known {
		g.logger.Info("gateway online", "gateway", st.Gateway, "terminal", st.Terminal)
	}
}

func (g *gatewayTracker) snapshot() []GatewayStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := make([]GatewayStatus, 0, len(g.seen))
	for _, st := range g.seen {
		st.Online = now.Sub(st.LastSeen) <= gatewayStaleAfter
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gateway < out[j].Gateway })
	return out
}
