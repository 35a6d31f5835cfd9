package observability

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// EventPublisher sends JSON events to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// ConnMeta identifies one socket for lifecycle events.
type ConnMeta struct {
	ConnID      string
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

const wsRoutingKey = "ws_events.sessions"

var (
	publisherMu      sync.RWMutex
	defaultPublisher EventPublisher
)

// SetPublisher installs the publisher used by PublishEvent. nil disables publishing.
func SetPublisher(publisher EventPublisher) {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	defaultPublisher = publisher
}

func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	publisherMu.RLock()
	publisher := defaultPublisher
	publisherMu.RUnlock()
	if publisher == nil {
		return nil
	}

	err := publisher.Publish(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

// PublishWSEvent counts and publishes a socket lifecycle event.
func PublishWSEvent(ctx context.Context, event string, meta ConnMeta, reason string) {
	IncWSEvent(event)
	duration := int64(0)
	if !meta.ConnectedAt.IsZero() {
		duration = time.Since(meta.ConnectedAt).Milliseconds()
	}
	_ = PublishEvent(ctx, wsRoutingKey, EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       event,
				"conn_id":     meta.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   meta.UserID,
				"device_id": meta.DeviceID,
				"ip":        meta.IP,
			},
		},
	}, BuildHeaders(meta.RequestID, meta.TraceID))
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

func DeviceIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Device-Id")
}

func RequestIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Request-Id")
}

func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
