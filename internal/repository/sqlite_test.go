package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/chatsync/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedMessage(t *testing.T, s *SQLiteStore, id, from, to string, at time.Time) *domain.Message {
	t.Helper()
	m := &domain.Message{
		ID:        id,
		From:      from,
		To:        to,
		Content:   "hello " + id,
		Kind:      domain.KindText,
		Status:    domain.StatusSent,
		CreatedAt: at,
	}
	if err := s.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("CreateMessage %s failed: %v", id, err)
	}
	return m
}

func TestSQLiteStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msg := &domain.Message{
		ID:           "m1",
		ClientTempID: "tmp_1",
		From:         "alice",
		To:           "bob",
		Content:      "hi",
		Kind:         domain.KindText,
		Status:       domain.StatusSent,
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.CreateMessage(ctx, msg))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tmp_1", got.ClientTempID)
	assert.Equal(t, domain.StatusSent, got.Status)

	byTemp, err := store.GetMessageByClientTempID(ctx, "alice", "tmp_1")
	require.NoError(t, err)
	require.NotNil(t, byTemp)
	assert.Equal(t, "m1", byTemp.ID)

	missing, err := store.GetMessage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStoreRejectsDuplicateClientTempID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := &domain.Message{ID: "m1", ClientTempID: "tmp_1", From: "alice", To: "bob", Kind: domain.KindText, Status: domain.StatusSent}
	require.NoError(t, store.CreateMessage(ctx, first))

	dup := &domain.Message{ID: "m2", ClientTempID: "tmp_1", From: "alice", To: "bob", Kind: domain.KindText, Status: domain.StatusSent}
	err := store.CreateMessage(ctx, dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// Same temp id from another sender is a different message.
	other := &domain.Message{ID: "m3", ClientTempID: "tmp_1", From: "bob", To: "alice", Kind: domain.KindText, Status: domain.StatusSent}
	assert.NoError(t, store.CreateMessage(ctx, other))
}

func TestSQLiteStoreConversationOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour)

	seedMessage(t, store, "m2", "bob", "alice", base.Add(2*time.Minute))
	seedMessage(t, store, "m1", "alice", "bob", base.Add(time.Minute))
	seedMessage(t, store, "m3", "alice", "bob", base.Add(2*time.Minute))
	seedMessage(t, store, "x1", "alice", "carol", base)

	log, err := store.GetConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{log[0].ID, log[1].ID, log[2].ID})
}

func TestSQLiteStoreAdvanceStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessage(t, store, "m1", "alice", "bob", time.Now())

	advanced, err := store.AdvanceStatus(ctx, "m1", domain.StatusRead)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = store.AdvanceStatus(ctx, "m1", domain.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, advanced)

	advanced, err = store.AdvanceStatus(ctx, "m1", domain.StatusRead)
	require.NoError(t, err)
	assert.False(t, advanced)

	got, _ := store.GetMessage(ctx, "m1")
	assert.Equal(t, domain.StatusRead, got.Status)
}

func TestSQLiteStoreUnreadAndMarkRead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	seedMessage(t, store, "m1", "bob", "alice", now)
	seedMessage(t, store, "m2", "bob", "alice", now.Add(time.Second))
	seedMessage(t, store, "m3", "carol", "alice", now)
	seedMessage(t, store, "m4", "alice", "bob", now)

	unread, err := store.UnreadMessageIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"bob": {"m1", "m2"}, "carol": {"m3"}}, unread)

	changed, err := store.MarkConversationRead(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, changed, 2)
	for _, m := range changed {
		assert.Equal(t, domain.StatusRead, m.Status)
	}

	unread, err = store.UnreadMessageIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"carol": {"m3"}}, unread)

	again, err := store.MarkConversationRead(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSQLiteStoreClearIsPerViewer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	seedMessage(t, store, "m1", "alice", "bob", now)
	seedMessage(t, store, "m2", "bob", "alice", now.Add(time.Second))

	require.NoError(t, store.ClearConversation(ctx, "alice", "bob"))

	aliceView, err := store.GetConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, aliceView)

	bobView, err := store.GetConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Len(t, bobView, 2)

	unread, err := store.UnreadMessageIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, unread)

	// New messages after the clear are visible again.
	seedMessage(t, store, "m3", "bob", "alice", now.Add(2*time.Second))
	aliceView, err = store.GetConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, aliceView, 1)
	assert.Equal(t, "m3", aliceView[0].ID)
}

func TestSQLiteStorePendingDeliveries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	seedMessage(t, store, "m1", "bob", "alice", now)
	seedMessage(t, store, "m2", "bob", "alice", now.Add(time.Second))
	_, err := store.AdvanceStatus(ctx, "m2", domain.StatusDelivered)
	require.NoError(t, err)

	pending, err := store.PendingDeliveries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m1", pending[0].ID)
}

func TestSQLiteStoreUpdateContent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessage(t, store, "m1", "alice", "bob", time.Now())

	require.NoError(t, store.UpdateMessageContent(ctx, "m1", "edited"))
	got, _ := store.GetMessage(ctx, "m1")
	assert.Equal(t, "edited", got.Content)

	assert.ErrorIs(t, store.UpdateMessageContent(ctx, "missing", "x"), domain.ErrNotFound)
}
