package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-delivery/internal/models"
)

func TestDecodeRecognisedFrames(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Inbound
	}{
		{
			name: "chat message",
			in:   `{"type":"chat_message","conversation_id":3,"content":"hi"}`,
			want: ChatMessage{ConversationID: 3, Content: "hi"},
		},
		{
			name: "chat message with empty content is left to the pipeline",
			in:   `{"type":"chat_message","conversation_id":3,"content":"  "}`,
			want: ChatMessage{ConversationID: 3, Content: "  "},
		},
		{
			name: "read messages",
			in:   `{"type":"read_messages","conversation_id":9}`,
			want: ReadMessages{ConversationID: 9},
		},
		{
			name: "typing",
			in:   `{"type":"typing","conversation_id":9,"is_typing":true}`,
			want: Typing{ConversationID: 9, IsTyping: true},
		},
		{
			name: "file message sent",
			in:   `{"type":"file_message_sent","conversation_id":9,"message_id":12}`,
			want: FileMessageSent{ConversationID: 9, MessageID: 12},
		},
		{
			name: "mark notification read",
			in:   `{"type":"mark_notification_read","notification_id":5}`,
			want: MarkNotificationRead{NotificationID: 5},
		},
		{
			name: "mark all notifications read",
			in:   `{"type":"mark_all_notifications_read"}`,
			want: MarkAllNotificationsRead{},
		},
		{
			name: "ping",
			in:   `{"type":"ping"}`,
			want: Ping{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		in   string
		err  error
	}{
		{name: "not json", in: `hello`, err: ErrMalformed},
		{name: "missing type", in: `{"conversation_id":1}`, err: ErrMalformed},
		{name: "unknown type", in: `{"type":"launch_rockets"}`, err: ErrUnknownType},
		{name: "wrong field type", in: `{"type":"typing","conversation_id":"x"}`, err: ErrMalformed},
		{name: "missing conversation", in: `{"type":"read_messages"}`, err: ErrMalformed},
		{name: "missing message id", in: `{"type":"file_message_sent","conversation_id":2}`, err: ErrMalformed},
		{name: "negative notification", in: `{"type":"mark_notification_read","notification_id":-1}`, err: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEncodeAddsTypeAndKeepsFieldsFlat(t *testing.T) {
	data, err := Encode(MessagesRead{ConversationID: 4, ReaderID: 8})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	want := map[string]any{"type": "messages_read", "conversation_id": float64(4), "reader_id": float64(8)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Encode() mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeUserStatusOmitsLastSeenWhenOnline(t *testing.T) {
	data, err := Encode(UserStatus{UserID: 2, Status: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_status","user_id":2,"status":true}`, string(data))

	seen := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	data, err = Encode(UserStatus{UserID: 2, Status: false, LastSeen: &seen})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_status","user_id":2,"status":false,"last_seen":"2026-02-03T04:05:06Z"}`, string(data))
}

func TestEncodePong(t *testing.T) {
	data, err := Encode(Pong{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
}

func TestOutboundSurvivesRelay(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	frames := []Outbound{
		ChatMessageEvent{ConversationID: 1, Message: models.Message{ID: 7, ConversationID: 1, SenderID: 2, Content: "yo", Timestamp: ts, DeliveryStatus: models.DeliveryPending}},
		TypingIndicator{ConversationID: 1, UserID: 2, IsTyping: true},
		UnreadCount{Count: 3},
		Error{Message: "rate limited"},
		MessageDeleted{ConversationID: 1, MessageID: 7},
	}
	for _, frame := range frames {
		data, err := Encode(frame)
		require.NoError(t, err)
		got, err := DecodeOutbound(data)
		require.NoError(t, err)
		if diff := cmp.Diff(frame, got); diff != "" {
			t.Errorf("relay of %s mismatch (-want +got):\n%s", frame.FrameType(), diff)
		}
	}
}
