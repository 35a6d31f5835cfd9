package models

import "time"

// DeliveryStatus is the lifecycle stage of a message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

var deliveryRank = map[DeliveryStatus]int{
	DeliveryPending:   0,
	DeliveryDelivered: 1,
	DeliveryRead:      2,
	DeliveryFailed:    2,
}

// CanTransition reports whether a message may move from one status to another.
// Statuses only move forward; failed is terminal except for an explicit retry,
// which is the only path back to pending.
func (s DeliveryStatus) CanTransition(next DeliveryStatus, retry bool) bool {
	if retry {
		return (s == DeliveryFailed || s == DeliveryDelivered) && next == DeliveryPending
	}
	if s == DeliveryFailed || s == DeliveryRead {
		return false
	}
	if next == DeliveryFailed {
		return true
	}
	return deliveryRank[next] > deliveryRank[s]
}

// Message represents a chat message.
type Message struct {
	ID                  int64          `db:"id" json:"id"`
	ConversationID      int64          `db:"conversation_id" json:"conversation_id"`
	SenderID            int64          `db:"sender_id" json:"sender_id"`
	Content             string         `db:"content" json:"content"`
	Attachment          *string        `db:"attachment" json:"attachment,omitempty"`
	Timestamp           time.Time      `db:"timestamp" json:"timestamp"`
	IsRead              bool           `db:"is_read" json:"is_read"`
	DeliveryStatus      DeliveryStatus `db:"delivery_status" json:"delivery_status"`
	DeliveryAttempts    int            `db:"delivery_attempts" json:"delivery_attempts"`
	LastDeliveryAttempt *time.Time     `db:"last_delivery_attempt" json:"last_delivery_attempt,omitempty"`
	IsEdited            bool           `db:"is_edited" json:"is_edited"`
	EditedAt            *time.Time     `db:"edited_at" json:"edited_at,omitempty"`
	IsDeleted           bool           `db:"is_deleted" json:"is_deleted"`
	DeletedAt           *time.Time     `db:"deleted_at" json:"deleted_at,omitempty"`
}

// HasAttachment reports whether the message carries a file reference.
func (m Message) HasAttachment() bool {
	return m.Attachment != nil && *m.Attachment != ""
}
