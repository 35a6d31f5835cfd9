package models

import "time"

// UserStatus is the persisted presence of a user.
type UserStatus struct {
	UserID     int64     `db:"user_id" json:"user_id"`
	IsOnline   bool      `db:"is_online" json:"is_online"`
	LastActive time.Time `db:"last_active" json:"last_active"`
}
