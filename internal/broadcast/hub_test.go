package broadcast

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-delivery/internal/protocol"
)

type fakeSubscriber struct {
	id     string
	frames [][]byte
	full   bool
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Deliver(payload []byte) bool {
	if f.full {
		return false
	}
	f.frames = append(f.frames, payload)
	return true
}

func TestHubJoinAndLeave(t *testing.T) {
	hub := NewHub(nil)
	a := &fakeSubscriber{id: "a"}

	hub.Join(UserGroup(1), a)
	hub.Join(UserGroup(1), a)
	assert.Equal(t, 1, hub.Subscribers(UserGroup(1)))

	hub.Leave(UserGroup(1), a)
	assert.Equal(t, 0, hub.Subscribers(UserGroup(1)))
	assert.Empty(t, hub.groups, "empty group is dropped")

	hub.Leave(UserGroup(1), a)
}

func TestHubPublishReachesOnlyGroupMembers(t *testing.T) {
	hub := NewHub(nil)
	a := &fakeSubscriber{id: "a"}
	b := &fakeSubscriber{id: "b"}
	outsider := &fakeSubscriber{id: "c"}
	hub.Join(ConversationGroup(5), a)
	hub.Join(ConversationGroup(5), b)
	hub.Join(ConversationGroup(6), outsider)

	require.NoError(t, hub.Publish(context.Background(), ConversationGroup(5), protocol.MessagesRead{ConversationID: 5, ReaderID: 1}))

	require.Len(t, a.frames, 1)
	require.Len(t, b.frames, 1)
	assert.Empty(t, outsider.frames)
	assert.JSONEq(t, `{"type":"messages_read","conversation_id":5,"reader_id":1}`, string(a.frames[0]))
}

func TestHubPublishToEmptyGroupIsNoop(t *testing.T) {
	hub := NewHub(nil)
	assert.NoError(t, hub.Publish(context.Background(), UserGroup(99), protocol.UnreadCount{Count: 1}))
}

func TestHubPreservesPublishOrder(t *testing.T) {
	hub := NewHub(nil)
	a := &fakeSubscriber{id: "a"}
	hub.Join(OnlineUsers, a)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, hub.Publish(context.Background(), OnlineUsers, protocol.UnreadCount{Count: i}))
	}

	require.Len(t, a.frames, 5)
	for i, frame := range a.frames {
		got, err := protocol.DecodeOutbound(frame)
		require.NoError(t, err)
		assert.Equal(t, protocol.UnreadCount{Count: int64(i + 1)}, got)
	}
}

func TestHubDeliverCountsFullSubscribers(t *testing.T) {
	hub := NewHub(nil)
	hub.Join(OnlineUsers, &fakeSubscriber{id: "ok"})
	hub.Join(OnlineUsers, &fakeSubscriber{id: "slow", full: true})

	assert.Equal(t, 1, hub.Deliver(OnlineUsers, []byte(`{"type":"pong"}`)))
}

func TestHubPublishAckReportsRefusals(t *testing.T) {
	hub := NewHub(nil)
	fast := &fakeSubscriber{id: "fast"}
	hub.Join(UserGroup(2), fast)
	hub.Join(UserGroup(2), &fakeSubscriber{id: "slow", full: true})

	receipt, err := hub.PublishAck(context.Background(), UserGroup(2), protocol.Pong{})
	require.NoError(t, err)
	assert.Equal(t, Receipt{Accepted: 1, Refused: 1}, receipt)
	assert.Len(t, fast.frames, 1)

	receipt, err = hub.PublishAck(context.Background(), UserGroup(3), protocol.Pong{})
	require.NoError(t, err)
	assert.Equal(t, Receipt{}, receipt)
}

func TestGroupNames(t *testing.T) {
	assert.Equal(t, "user_7", UserGroup(7))
	assert.Equal(t, "conversation_12", ConversationGroup(12))
	assert.Equal(t, "user", Family(UserGroup(7)))
	assert.Equal(t, "conversation", Family(ConversationGroup(12)))
	assert.Equal(t, "online_users", Family(OnlineUsers))
	assert.Equal(t, "other", Family("misc"))
}

func TestGroupFromHeaders(t *testing.T) {
	group, ok := groupFromHeaders(amqp.Table{groupHeader: "user_3"})
	assert.True(t, ok)
	assert.Equal(t, "user_3", group)

	_, ok = groupFromHeaders(amqp.Table{})
	assert.False(t, ok)
	_, ok = groupFromHeaders(amqp.Table{groupHeader: 3})
	assert.False(t, ok)
}

var (
	_ Router = (*Hub)(nil)
	_ Router = (*AMQPRouter)(nil)
)
