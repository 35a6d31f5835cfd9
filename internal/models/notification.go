package models

import "time"

// NotificationType classifies the domain event behind a notification.
type NotificationType string

const (
	NotificationMention NotificationType = "mention"
	NotificationComment NotificationType = "comment"
	NotificationLike    NotificationType = "like"
	NotificationReply   NotificationType = "reply"
	NotificationQuiz    NotificationType = "quiz"
	NotificationMessage NotificationType = "message"
)

// Notification is an activity notice addressed to one recipient.
type Notification struct {
	ID          int64            `db:"id" json:"id"`
	RecipientID int64            `db:"recipient_id" json:"recipient_id"`
	SenderID    int64            `db:"sender_id" json:"sender_id"`
	Type        NotificationType `db:"type" json:"type"`
	Text        string           `db:"text" json:"text"`
	IsRead      bool             `db:"is_read" json:"is_read"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	PostRef     *int64           `db:"post_ref" json:"post_ref,omitempty"`
	CommentRef  *int64           `db:"comment_ref" json:"comment_ref,omitempty"`
}

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationMention, NotificationComment, NotificationLike, NotificationReply, NotificationQuiz, NotificationMessage:
		return true
	}
	return false
}
