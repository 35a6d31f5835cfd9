package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-delivery/internal/broadcast"
	"chat-delivery/internal/delivery"
	"chat-delivery/internal/models"
	"chat-delivery/internal/protocol"
	"chat-delivery/internal/workers"
)

type stubAuth map[string]int64

func (s stubAuth) Authenticate(token string) (int64, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return 0, errors.New("bad token")
}

type presenceUpdate struct {
	userID int64
	online bool
}

type fakePresence struct {
	mu      sync.Mutex
	updates []presenceUpdate
}

func (p *fakePresence) Update(_ context.Context, userID int64, online bool) (models.UserStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, presenceUpdate{userID: userID, online: online})
	return models.UserStatus{UserID: userID, IsOnline: online, LastActive: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}, nil
}

func (p *fakePresence) snapshot() []presenceUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presenceUpdate(nil), p.updates...)
}

func (p *fakePresence) offlineCount(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.updates {
		if u.userID == userID && !u.online {
			n++
		}
	}
	return n
}

type fakeDelivery struct {
	mu       sync.Mutex
	convIDs  []int64
	pending  []models.Message
	sendErr  error
	sent     []protocol.ChatMessage
	typing   []protocol.Typing
	nextID   int64
	readConv []int64
	broken   bool
}

func (d *fakeDelivery) Send(_ context.Context, conversationID, senderID int64, content string) (models.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return models.Message{}, d.sendErr
	}
	d.sent = append(d.sent, protocol.ChatMessage{ConversationID: conversationID, Content: content})
	d.nextID++
	return models.Message{ID: d.nextID, ConversationID: conversationID, SenderID: senderID, Content: content}, nil
}

func (d *fakeDelivery) AnnounceFileMessage(_ context.Context, conversationID, messageID, senderID int64) (models.Message, error) {
	return models.Message{ID: messageID, ConversationID: conversationID, SenderID: senderID}, nil
}

func (d *fakeDelivery) MarkAllRead(_ context.Context, conversationID, _ int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readConv = append(d.readConv, conversationID)
	return 1, nil
}

func (d *fakeDelivery) Typing(_ context.Context, conversationID, _ int64, isTyping bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typing = append(d.typing, protocol.Typing{ConversationID: conversationID, IsTyping: isTyping})
	return nil
}

func (d *fakeDelivery) CatchUp(_ context.Context, _ int64, deliver func(models.Message) bool) (int, error) {
	if d.broken {
		panic("catch-up exploded")
	}
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	n := 0
	for _, m := range pending {
		if !deliver(m) {
			break
		}
		n++
	}
	return n, nil
}

func (d *fakeDelivery) ConversationIDs(context.Context, int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.convIDs, nil
}

func (d *fakeDelivery) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fakeNotifications struct {
	unread int64
}

func (n *fakeNotifications) UnreadCount(context.Context, int64) (int64, error) { return n.unread, nil }

func (n *fakeNotifications) MarkRead(context.Context, int64, int64) (int64, error) {
	return n.unread, nil
}

func (n *fakeNotifications) MarkAllRead(context.Context, int64) (int64, error) { return 0, nil }

type fakeLimiter struct {
	allow bool
}

func (l fakeLimiter) Allow(context.Context, int64) bool { return l.allow }

type harness struct {
	url      string
	handler  *Handler
	hub      *broadcast.Hub
	presence *fakePresence
	delivery *fakeDelivery
}

func newHarness(t *testing.T, delivery *fakeDelivery, limiter fakeLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{
		hub:      broadcast.NewHub(nil),
		presence: &fakePresence{},
		delivery: delivery,
	}
	h.handler = NewHandler(Config{
		Router:        h.hub,
		Auth:          stubAuth{"alice": 1, "bob": 2},
		Presence:      h.presence,
		Delivery:      delivery,
		Notifications: &fakeNotifications{unread: 3},
		Limiter:       limiter,
		Pool:          workers.NewPool(4),
		Subprotocols:  []string{"chat.v1"},
	})
	router := gin.New()
	router.GET("/ws", h.handler.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		h.handler.CloseAll()
		srv.Close()
	})
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return h
}

func dial(t *testing.T, url, token string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.DecodeOutbound(data)
	require.NoError(t, err)
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// connected dials and consumes the user_status and unread_count frames every
// session starts with when nothing is pending.
func connected(t *testing.T, h *harness, token string) *websocket.Conn {
	t.Helper()
	conn := dial(t, h.url, token)
	require.IsType(t, protocol.UserStatus{}, readFrame(t, conn))
	require.Equal(t, protocol.UnreadCount{Count: 3}, readFrame(t, conn))
	return conn
}

func TestUnauthenticatedSocketIsClosedWith4001(t *testing.T) {
	h := newHarness(t, &fakeDelivery{}, fakeLimiter{allow: true})
	conn := dial(t, h.url, "forged")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseUnauthorized), "got %v", err)
	assert.Empty(t, h.presence.snapshot())
}

func TestUnsupportedSubprotocolIsClosedWith4002(t *testing.T) {
	h := newHarness(t, &fakeDelivery{}, fakeLimiter{allow: true})
	conn := dial(t, h.url, "alice", "chat.v9")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseProtocolError), "got %v", err)
}

func TestSupportedSubprotocolIsAccepted(t *testing.T) {
	h := newHarness(t, &fakeDelivery{}, fakeLimiter{allow: true})
	conn := dial(t, h.url, "alice", "chat.v1")

	assert.Equal(t, "chat.v1", conn.Subprotocol())
	assert.IsType(t, protocol.UserStatus{}, readFrame(t, conn))
}

func TestConnectSequence(t *testing.T) {
	d := &fakeDelivery{
		convIDs: []int64{10, 11},
		pending: []models.Message{{ID: 5, ConversationID: 10, SenderID: 2, Content: "while you were away"}},
	}
	h := newHarness(t, d, fakeLimiter{allow: true})
	conn := dial(t, h.url, "alice")

	status, ok := readFrame(t, conn).(protocol.UserStatus)
	require.True(t, ok)
	assert.Equal(t, int64(1), status.UserID)
	assert.True(t, status.Status)
	assert.Nil(t, status.LastSeen)

	caught, ok := readFrame(t, conn).(protocol.ChatMessageEvent)
	require.True(t, ok)
	assert.Equal(t, int64(5), caught.Message.ID)
	assert.Equal(t, int64(10), caught.ConversationID)

	assert.Equal(t, protocol.UnreadCount{Count: 3}, readFrame(t, conn))

	assert.Equal(t, 1, h.hub.Subscribers(broadcast.UserGroup(1)))
	assert.Equal(t, 1, h.hub.Subscribers(broadcast.OnlineUsers))
	assert.Equal(t, 1, h.hub.Subscribers(broadcast.ConversationGroup(10)))
	assert.Equal(t, 1, h.hub.Subscribers(broadcast.ConversationGroup(11)))
	assert.Equal(t, []presenceUpdate{{userID: 1, online: true}}, h.presence.snapshot())
}

func TestPanicDuringConnectClosesOnlyThatSocket(t *testing.T) {
	h := newHarness(t, &fakeDelivery{broken: true}, fakeLimiter{allow: true})
	conn := dial(t, h.url, "alice")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, protocol.CloseInternalError), "got %v", err)

	require.Eventually(t, func() bool { return h.handler.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.presence.offlineCount(1))
	assert.Zero(t, h.hub.Subscribers(broadcast.UserGroup(1)))
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, &fakeDelivery{}, fakeLimiter{allow: true})
	conn := connected(t, h, "alice")

	writeFrame(t, conn, `not json`)
	_, ok := readFrame(t, conn).(protocol.Error)
	assert.True(t, ok)

	writeFrame(t, conn, `{"type":"teleport"}`)
	_, ok = readFrame(t, conn).(protocol.Error)
	assert.True(t, ok)

	writeFrame(t, conn, `{"type":"ping"}`)
	assert.Equal(t, protocol.Pong{}, readFrame(t, conn))
}

func TestRateLimitedMessageIsRejected(t *testing.T) {
	d := &fakeDelivery{}
	h := newHarness(t, d, fakeLimiter{allow: false})
	conn := connected(t, h, "alice")

	writeFrame(t, conn, `{"type":"chat_message","conversation_id":10,"content":"hi"}`)
	assert.Equal(t, protocol.Error{Message: "rate limited"}, readFrame(t, conn))
	assert.Zero(t, d.sentCount())
}

func TestNonParticipantSendIsDroppedSilently(t *testing.T) {
	d := &fakeDelivery{sendErr: delivery.ErrNotParticipant}
	h := newHarness(t, d, fakeLimiter{allow: true})
	conn := connected(t, h, "alice")

	writeFrame(t, conn, `{"type":"chat_message","conversation_id":99,"content":"let me in"}`)
	writeFrame(t, conn, `{"type":"ping"}`)
	assert.Equal(t, protocol.Pong{}, readFrame(t, conn))
	assert.Zero(t, h.hub.Subscribers(broadcast.ConversationGroup(99)))
}

func TestValidationErrorIsReported(t *testing.T) {
	d := &fakeDelivery{sendErr: delivery.ErrValidation}
	h := newHarness(t, d, fakeLimiter{allow: true})
	conn := connected(t, h, "alice")

	writeFrame(t, conn, `{"type":"chat_message","conversation_id":10,"content":"   "}`)
	assert.Equal(t, protocol.Error{Message: "invalid message"}, readFrame(t, conn))
}

func TestSendToNewConversationJoinsAndEchoes(t *testing.T) {
	d := &fakeDelivery{}
	h := newHarness(t, d, fakeLimiter{allow: true})
	conn := connected(t, h, "alice")

	writeFrame(t, conn, `{"type":"chat_message","conversation_id":20,"content":"first"}`)
	echo, ok := readFrame(t, conn).(protocol.ChatMessageEvent)
	require.True(t, ok)
	assert.Equal(t, int64(20), echo.ConversationID)
	assert.Equal(t, "first", echo.Message.Content)
	assert.Equal(t, 1, h.hub.Subscribers(broadcast.ConversationGroup(20)))
}

func TestFramesAreHandledInOrder(t *testing.T) {
	d := &fakeDelivery{convIDs: []int64{10}}
	h := newHarness(t, d, fakeLimiter{allow: true})
	conn := connected(t, h, "alice")

	writeFrame(t, conn, `{"type":"typing","conversation_id":10,"is_typing":true}`)
	writeFrame(t, conn, `{"type":"typing","conversation_id":10,"is_typing":false}`)
	writeFrame(t, conn, `{"type":"read_messages","conversation_id":10}`)
	writeFrame(t, conn, `{"type":"ping"}`)
	require.Equal(t, protocol.Pong{}, readFrame(t, conn))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []protocol.Typing{{ConversationID: 10, IsTyping: true}, {ConversationID: 10, IsTyping: false}}, d.typing)
	assert.Equal(t, []int64{10}, d.readConv)
}

func TestDisconnectLeavesGroupsAndGoesOffline(t *testing.T) {
	d := &fakeDelivery{convIDs: []int64{10}}
	h := newHarness(t, d, fakeLimiter{allow: true})
	watcher := connected(t, h, "bob")
	conn := dial(t, h.url, "alice")
	require.IsType(t, protocol.UserStatus{}, readFrame(t, conn))

	online, ok := readFrame(t, watcher).(protocol.UserStatus)
	require.True(t, ok)
	assert.Equal(t, int64(1), online.UserID)

	require.NoError(t, conn.Close())

	offline, ok := readFrame(t, watcher).(protocol.UserStatus)
	require.True(t, ok)
	assert.Equal(t, int64(1), offline.UserID)
	assert.False(t, offline.Status)
	require.NotNil(t, offline.LastSeen)

	assert.Eventually(t, func() bool { return h.handler.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.hub.Subscribers(broadcast.UserGroup(1)))
	assert.Equal(t, 1, h.hub.Subscribers(broadcast.ConversationGroup(10)))
	assert.Equal(t, 1, h.presence.offlineCount(1))
}

func TestSecondTabKeepsUserOnline(t *testing.T) {
	h := newHarness(t, &fakeDelivery{}, fakeLimiter{allow: true})
	first := connected(t, h, "alice")
	second := dial(t, h.url, "alice")
	require.IsType(t, protocol.UserStatus{}, readFrame(t, second))

	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool { return h.handler.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.presence.offlineCount(1))
	assert.Equal(t, 1, h.hub.Subscribers(broadcast.UserGroup(1)))

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool { return h.presence.offlineCount(1) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestErrorFrame(t *testing.T) {
	_, ok := errorFrame(delivery.ErrNotParticipant)
	assert.False(t, ok)

	reply, ok := errorFrame(delivery.ErrInternal)
	assert.True(t, ok)
	assert.Equal(t, "internal error", reply.Message)

	reply, ok = errorFrame(delivery.ErrConflict)
	assert.True(t, ok)
	assert.Equal(t, "conflict", reply.Message)
}
