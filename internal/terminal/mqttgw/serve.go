package mqttgw

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler answers gateway requests. The reply ID is filled in by Serve.
type Handler interface {
	Handle(ctx context.Context, req Request) Reply
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Reply

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) Reply {
	return f(ctx, req)
}

// Serve answers requests published under topic until ctx is done. It is the gateway side of
// the protocol that Client speaks.
func Serve(ctx context.Context, mc mqtt.Client, topic string, h Handler, logger *slog.Logger) error {
	handle := func(_ mqtt.Client, msg mqtt.Message) {
		var req Request
		if err := Unmarshal(msg.Payload(), &req); err != nil {
			logger.Warn("decode gateway request", "topic", msg.Topic(), "error", err)
			return
		}
		if req.Session == "" {
			logger.Warn("gateway request without session", "op", req.Op)
			return
		}

		reply := h.Handle(ctx, req)
		reply.ID = req.ID

		payload, err := Marshal(reply)
		if err != nil {
			logger.Error("encode gateway reply", "op", req.Op, "error", err)
			return
		}
		tok := mc.Publish(ReplyTopic(topic, req.Session), 0, false, payload)
		tok.Wait()
		if err := tok.Error(); err != nil {
			logger.Warn("publish gateway reply", "op", req.Op, "session", req.Session, "error", err)
		}
	}

	tok := mc.Subscribe(RequestTopic(topic), 0, handle)
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", RequestTopic(topic), err)
	}
	logger.Info("gateway serving requests", "topic", RequestTopic(topic))

	<-ctx.Done()

	unsub := mc.Unsubscribe(RequestTopic(topic))
	unsub.Wait()
	return nil
}

// PublishStatus announces a gateway heartbeat.
func PublishStatus(mc mqtt.Client, topic string, st Status) error {
	payload, err := Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	tok := mc.Publish(StatusTopic(topic, st.Gateway), 0, false, payload)
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}
