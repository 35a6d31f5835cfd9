package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	keys    []string
	events  []any
	headers []map[string]string
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, event any, headers map[string]string) error {
	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, event)
	p.headers = append(p.headers, headers)
	return p.err
}

func TestPublishWSEventUsesInstalledPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	SetPublisher(pub)
	t.Cleanup(func() { SetPublisher(nil) })

	PublishWSEvent(context.Background(), "ws_connect", ConnMeta{ConnID: "c1", UserID: 4, RequestID: "r1"}, "")

	require.Len(t, pub.events, 1)
	assert.Equal(t, "ws_events.sessions", pub.keys[0])
	env, ok := pub.events[0].(EventEnvelope)
	require.True(t, ok)
	assert.Equal(t, "ws_connect", env.EventName)
	assert.Equal(t, map[string]string{"x-request-id": "r1"}, pub.headers[0])
}

func TestPublishEventWithoutPublisher(t *testing.T) {
	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), "k", struct{}{}, nil))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.5:5555"
	assert.Equal(t, "10.0.0.5", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", IPFromRequest(req))
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/grpc.health.v1.Health/Check")
	assert.Equal(t, "grpc.health.v1.Health", service)
	assert.Equal(t, "Check", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}
