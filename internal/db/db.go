package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect opens the Postgres pool and applies the schema.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("connect db: empty dsn")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.Info("database migrations applied", zap.Int("statements", len(migrations)))
	}
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS conversations_updated_at_idx ON conversations (updated_at DESC);`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(conversation_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id BIGINT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            attachment TEXT,
            timestamp TIMESTAMPTZ NOT NULL,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            delivery_status TEXT NOT NULL DEFAULT 'pending'
                CHECK (delivery_status IN ('pending', 'delivered', 'read', 'failed')),
            delivery_attempts INT NOT NULL DEFAULT 0,
            last_delivery_attempt TIMESTAMPTZ,
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            edited_at TIMESTAMPTZ,
            is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_at TIMESTAMPTZ,
            CHECK (content <> '' OR attachment IS NOT NULL)
        );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_ts_idx ON messages (conversation_id, timestamp);`,
	`CREATE INDEX IF NOT EXISTS messages_pending_idx ON messages (conversation_id) WHERE delivery_status = 'pending';`,
	`CREATE TABLE IF NOT EXISTS user_statuses (
            user_id BIGINT PRIMARY KEY,
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            last_active TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS notifications (
            id BIGSERIAL PRIMARY KEY,
            recipient_id BIGINT NOT NULL,
            sender_id BIGINT NOT NULL,
            type TEXT NOT NULL,
            text TEXT NOT NULL DEFAULT '',
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            post_ref BIGINT,
            comment_ref BIGINT
        );`,
	`CREATE INDEX IF NOT EXISTS notifications_recipient_unread_idx ON notifications (recipient_id) WHERE is_read = FALSE;`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
