package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"chat-delivery/internal/observability"
	"chat-delivery/internal/protocol"
)

var (
	_ Router       = (*Hub)(nil)
	_ Acknowledger = (*Hub)(nil)
)

// Hub is the in-process Router. It also serves as the local fan-out of AMQPRouter.
type Hub struct {
	groups map[string]map[string]Subscriber
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{groups: make(map[string]map[string]Subscriber), logger: logger}
}

// Join adds sub to group. Joining twice is a no-op.
func (h *Hub) Join(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]Subscriber)
	}
	h.groups[group][sub.ID()] = sub
}

// Leave removes sub from group and drops the group once empty.
func (h *Hub) Leave(group string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.groups[group]; ok {
		delete(subs, sub.ID())
		if len(subs) == 0 {
			delete(h.groups, group)
		}
	}
}

// Subscribers counts the local members of group.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Publish encodes frame once and hands it to every member of group.
func (h *Hub) Publish(ctx context.Context, group string, frame protocol.Outbound) error {
	_, err := h.PublishAck(ctx, group, frame)
	return err
}

// PublishAck is Publish that also reports how the members took the frame.
func (h *Hub) PublishAck(_ context.Context, group string, frame protocol.Outbound) (Receipt, error) {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return Receipt{}, err
	}
	observability.IncBroadcastPublish(Family(group))
	return h.offer(group, payload), nil
}

// Deliver hands an encoded frame to the local members of group and returns how
// many accepted it.
func (h *Hub) Deliver(group string, payload []byte) int {
	return h.offer(group, payload).Accepted
}

func (h *Hub) offer(group string, payload []byte) Receipt {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.groups[group]))
	for _, sub := range h.groups[group] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var receipt Receipt
	for _, sub := range subs {
		if sub.Deliver(payload) {
			receipt.Accepted++
			continue
		}
		receipt.Refused++
		observability.IncBroadcastDropped(Family(group))
		h.logger.Warn("subscriber queue full, frame dropped",
			zap.String("group", group),
			zap.String("conn_id", sub.ID()),
		)
	}
	return receipt
}
