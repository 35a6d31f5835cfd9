package repositories

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-delivery/internal/db"
	"chat-delivery/internal/models"
)

// These tests run against a real Postgres when CHAT_TEST_DATABASE_DSN is set.
// Each test works on freshly numbered users so runs can share one database.

var userSeq atomic.Int64

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("CHAT_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("CHAT_TEST_DATABASE_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	database, err := db.Connect(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func freshPair(t *testing.T) (int64, int64) {
	t.Helper()
	base := time.Now().UnixNano()/1000 + userSeq.Add(2)*1_000_000
	return base, base + 1
}

func directConversation(t *testing.T, database *sqlx.DB) (conversationID, sender, recipient int64) {
	t.Helper()
	sender, recipient = freshPair(t)
	conv, err := NewConversationRepo(database).GetOrCreateDirect(context.Background(), sender, recipient)
	require.NoError(t, err)
	return conv.ID, sender, recipient
}

func TestPostgresMarkAllReadIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	repo := NewMessageRepo(database)
	ctx := context.Background()
	convID, sender, recipient := directConversation(t, database)

	for _, text := range []string{"one", "two"} {
		_, err := repo.CreateLocked(ctx, convID, sender, text, nil, time.Now().UTC())
		require.NoError(t, err)
	}

	n, err := repo.MarkAllRead(ctx, convID, sender)
	require.NoError(t, err)
	assert.Zero(t, n, "own messages are never marked read")

	n, err = repo.MarkAllRead(ctx, convID, recipient)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.MarkAllRead(ctx, convID, recipient)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgresDeliveredNeverRegresses(t *testing.T) {
	database := openTestDB(t)
	repo := NewMessageRepo(database)
	ctx := context.Background()
	convID, sender, recipient := directConversation(t, database)

	msg, err := repo.CreateLocked(ctx, convID, sender, "hello", nil, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, models.DeliveryPending, msg.DeliveryStatus)

	ok, err := repo.MarkDelivered(ctx, msg.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkDelivered(ctx, msg.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok, "second mark is a no-op")

	_, err = repo.MarkAllRead(ctx, convID, recipient)
	require.NoError(t, err)

	ok, err = repo.MarkDelivered(ctx, msg.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := repo.ClaimPendingForRecipient(ctx, recipient, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, claimed)

	stored, err := repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, stored.DeliveryStatus)
	assert.Equal(t, 1, stored.DeliveryAttempts)
}

func TestPostgresConcurrentClaimsHandOutEachMessageOnce(t *testing.T) {
	database := openTestDB(t)
	repo := NewMessageRepo(database)
	ctx := context.Background()
	convID, sender, recipient := directConversation(t, database)

	const total = 20
	for i := 0; i < total; i++ {
		_, err := repo.CreateLocked(ctx, convID, sender, "queued", nil, time.Now().UTC())
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := repo.ClaimPendingForRecipient(ctx, recipient, 3, time.Now().UTC())
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, m := range batch {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "message %d claimed more than once", id)
	}

	rest, err := repo.ClaimPendingForRecipient(ctx, recipient, total, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestPostgresConcurrentCreatesKeepTimestampsIncreasing(t *testing.T) {
	database := openTestDB(t)
	repo := NewMessageRepo(database)
	ctx := context.Background()
	convID, sender, _ := directConversation(t, database)

	const writers = 10
	at := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateLocked(ctx, convID, sender, "burst", nil, at)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := repo.ListForConversation(ctx, convID, 0, writers*2)
	require.NoError(t, err)
	require.Len(t, msgs, writers)

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].Timestamp.After(msgs[i-1].Timestamp),
			"message %d at %s is not after %s", msgs[i].ID, msgs[i].Timestamp, msgs[i-1].Timestamp)
	}
}

func TestPostgresFailedAttemptsExhaustThenRetryResets(t *testing.T) {
	database := openTestDB(t)
	repo := NewMessageRepo(database)
	ctx := context.Background()
	convID, sender, recipient := directConversation(t, database)
	const maxAttempts = 2

	msg, err := repo.CreateLocked(ctx, convID, sender, "flaky", nil, time.Now().UTC())
	require.NoError(t, err)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		claimed, err := repo.ClaimPendingForRecipient(ctx, recipient, 10, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, attempt, claimed[0].DeliveryAttempts)

		n, err := repo.RecordFailedAttempt(ctx, []int64{msg.ID}, time.Now().UTC(), maxAttempts)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	}

	stored, err := repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, stored.DeliveryStatus)

	claimed, err := repo.ClaimPendingForRecipient(ctx, recipient, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, claimed, "failed messages are not redelivered")

	_, err = repo.Retry(ctx, msg.ID, recipient)
	assert.ErrorIs(t, err, ErrNotSender)

	retried, err := repo.Retry(ctx, msg.ID, sender)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, retried.DeliveryStatus)
	assert.Zero(t, retried.DeliveryAttempts)

	_, err = repo.Retry(ctx, msg.ID, sender)
	assert.ErrorIs(t, err, ErrMessageNotRetrying)
}

func TestPostgresNotificationMarkAllReadIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	repo := NewNotificationRepo(database)
	ctx := context.Background()
	sender, recipient := freshPair(t)

	var first models.Notification
	for i, text := range []string{"new message", "another message"} {
		n, err := repo.CreateNotification(ctx, models.Notification{
			RecipientID: recipient,
			SenderID:    sender,
			Type:        models.NotificationMessage,
			Text:        text,
			CreatedAt:   time.Now().UTC(),
		})
		require.NoError(t, err)
		if i == 0 {
			first = n
		}
	}

	assert.ErrorIs(t, repo.MarkRead(ctx, first.ID, sender), ErrNotificationNotFound)

	n, err := repo.MarkAllRead(ctx, recipient)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.MarkAllRead(ctx, recipient)
	require.NoError(t, err)
	assert.Zero(t, n)

	unread, err := repo.CountUnread(ctx, recipient)
	require.NoError(t, err)
	assert.Zero(t, unread)
	assert.NoError(t, repo.MarkRead(ctx, first.ID, recipient), "already read still succeeds")
}
