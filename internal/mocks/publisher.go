package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-delivery/internal/telemetry"
)

// PublisherMock stands in for the RabbitMQ publisher behind the audit emitter.
type PublisherMock struct {
	mock.Mock
}

var _ telemetry.Publisher = (*PublisherMock)(nil)

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// ExpectAudit expects one audit envelope on routingKey carrying requestID.
func (m *PublisherMock) ExpectAudit(routingKey, requestID string) *mock.Call {
	return m.On("Publish", mock.Anything, routingKey,
		mock.AnythingOfType("telemetry.AuditEnvelope"),
		map[string]string{"request_id": requestID}).Once()
}

// AuditEnvelopes returns the audit envelopes published so far, in call order.
func (m *PublisherMock) AuditEnvelopes() []telemetry.AuditEnvelope {
	var out []telemetry.AuditEnvelope
	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}
		if env, ok := call.Arguments.Get(2).(telemetry.AuditEnvelope); ok {
			out = append(out, env)
		}
	}
	return out
}
