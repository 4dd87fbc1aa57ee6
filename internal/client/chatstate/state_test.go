package chatstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatsync/internal/domain"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func inbound(id, from string, offset time.Duration, status domain.Status) domain.Message {
	return domain.Message{
		ID:        id,
		From:      from,
		To:        "me",
		Content:   "msg " + id,
		Kind:      domain.KindText,
		CreatedAt: base.Add(offset),
		Status:    status,
	}
}

func ids(log []domain.Message) []string {
	out := make([]string, 0, len(log))
	for _, m := range log {
		if m.ID != "" {
			out = append(out, m.ID)
		} else {
			out = append(out, m.ClientTempID)
		}
	}
	return out
}

func TestReceiveInboundDeduplicatesByID(t *testing.T) {
	s := New("me")

	for i := 0; i < 3; i++ {
		_, err := s.ReceiveInbound(inbound("m1", "bob", 0, domain.StatusDelivered))
		if i == 0 {
			require.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, domain.ErrDuplicateIgnored)
		}
	}
	_, err := s.ReceiveInbound(inbound("m2", "bob", time.Second, domain.StatusDelivered))
	require.NoError(t, err)
	_, err = s.ReceiveInbound(inbound("m1", "bob", 0, domain.StatusDelivered))
	assert.ErrorIs(t, err, domain.ErrDuplicateIgnored)

	assert.Equal(t, []string{"m1", "m2"}, ids(s.Log("bob")))
	assert.Equal(t, 2, s.UnreadFor("bob"))
}

func TestReceiveInboundRequiresID(t *testing.T) {
	s := New("me")
	_, err := s.ReceiveInbound(inbound("", "bob", 0, domain.StatusSent))
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Empty(t, s.Log("bob"))
}

func TestStatusIsMonotonic(t *testing.T) {
	s := New("me")
	m := s.AppendOptimistic("bob", "hi", "", domain.KindText)
	s.ReconcileSent(m.ClientTempID, domain.Message{ID: "m1", From: "me", To: "bob", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: base})

	assert.True(t, s.ApplyStatus("m1", domain.StatusRead))
	assert.False(t, s.ApplyStatus("m1", domain.StatusDelivered))
	assert.False(t, s.ApplyStatus("m1", domain.StatusSent))
	assert.False(t, s.ApplyStatus("m1", domain.StatusRead))
	assert.False(t, s.ApplyStatus("unknown", domain.StatusRead))

	log := s.Log("bob")
	require.Len(t, log, 1)
	assert.Equal(t, domain.StatusRead, log[0].Status)
}

func TestAppendThenReconcileYieldsOneEntry(t *testing.T) {
	s := New("me")

	m := s.AppendOptimistic("bob", "hi", "", domain.KindText)
	assert.Equal(t, domain.StatusSending, m.Status)
	assert.NotEmpty(t, m.ClientTempID)
	assert.Zero(t, s.UnreadFor("bob"))

	server := domain.Message{ID: "m1", ClientTempID: m.ClientTempID, From: "me", To: "bob", Content: "hi", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: base}
	s.ReconcileSent(m.ClientTempID, server)

	log := s.Log("bob")
	require.Len(t, log, 1)
	assert.Equal(t, "m1", log[0].ID)
	assert.Equal(t, domain.StatusSent, log[0].Status)
	assert.Empty(t, s.Pending())
	assert.Zero(t, s.UnreadFor("bob"))
}

func TestReconcileSentKeepsPosition(t *testing.T) {
	s := New("me")
	first := s.AppendOptimistic("bob", "one", "", domain.KindText)
	second := s.AppendOptimistic("bob", "two", "", domain.KindText)

	s.ReconcileSent(first.ClientTempID, domain.Message{ID: "m1", From: "me", To: "bob", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: time.Now().Add(time.Hour)})

	assert.Equal(t, []string{"m1", second.ClientTempID}, ids(s.Log("bob")))
}

func TestReconcileSentWithoutOptimisticEntry(t *testing.T) {
	s := New("me")
	m := s.AppendOptimistic("bob", "hi", "", domain.KindText)
	s.ClearLocal("bob")

	s.ReconcileSent(m.ClientTempID, domain.Message{ID: "m1", From: "me", To: "bob", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: base})
	assert.Equal(t, []string{"m1"}, ids(s.Log("bob")))
}

func TestReconcileSentAfterFetchOnlyUpgradesStatus(t *testing.T) {
	s := New("me")
	m := s.AppendOptimistic("bob", "hi", "", domain.KindText)

	// A fetch landed first and already carries the persisted copy.
	fetched := domain.Message{ID: "m1", ClientTempID: m.ClientTempID, From: "me", To: "bob", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: base}
	s.ReplaceLog("bob", []domain.Message{fetched})

	fetched.Status = domain.StatusDelivered
	s.ReconcileSent(m.ClientTempID, fetched)

	log := s.Log("bob")
	require.Len(t, log, 1)
	assert.Equal(t, domain.StatusDelivered, log[0].Status)
}

func TestRemoveOptimisticRestoresDraft(t *testing.T) {
	s := New("me")
	m := s.AppendOptimistic("bob", "draft text", "", domain.KindText)

	removed, ok := s.RemoveOptimistic(m.ClientTempID)
	require.True(t, ok)
	assert.Equal(t, "draft text", removed.Content)
	assert.Empty(t, s.Log("bob"))

	_, ok = s.RemoveOptimistic(m.ClientTempID)
	assert.False(t, ok)
}

func TestUnreadAfterReplaceLogMatchesPayload(t *testing.T) {
	s := New("me")
	// Drifted local counter must not survive a fetch.
	_, _ = s.ReceiveInbound(inbound("old", "bob", 0, domain.StatusSent))
	_, _ = s.ReceiveInbound(inbound("old2", "bob", time.Second, domain.StatusSent))

	payload := []domain.Message{
		inbound("m1", "bob", 0, domain.StatusRead),
		inbound("m2", "bob", time.Second, domain.StatusDelivered),
		{ID: "m3", From: "me", To: "bob", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: base.Add(2 * time.Second)},
		inbound("m4", "bob", 3*time.Second, domain.StatusSent),
	}
	s.ReplaceLog("bob", payload)

	assert.Equal(t, 2, s.UnreadFor("bob"))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Log("bob")))
}

func TestReplaceLogKeepsInFlightSends(t *testing.T) {
	s := New("me")
	acked := s.AppendOptimistic("bob", "acked", "", domain.KindText)
	inflight := s.AppendOptimistic("bob", "inflight", "", domain.KindText)

	s.ReplaceLog("bob", []domain.Message{
		{ID: "m1", ClientTempID: acked.ClientTempID, From: "me", To: "bob", Kind: domain.KindText, Status: domain.StatusSent, CreatedAt: base},
	})

	assert.Equal(t, []string{"m1", inflight.ClientTempID}, ids(s.Log("bob")))
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, inflight.ClientTempID, pending[0].ClientTempID)
}

func TestInboundWhileConversationOpen(t *testing.T) {
	s := New("me")
	s.SetOpen("bob")

	receipt, err := s.ReceiveInbound(inbound("m2", "bob", 0, domain.StatusDelivered))
	require.NoError(t, err)
	assert.True(t, receipt)
	assert.Zero(t, s.UnreadFor("bob"))

	log := s.Log("bob")
	require.Len(t, log, 1)
	assert.Equal(t, domain.StatusRead, log[0].Status)
}

func TestInboundWhileClosedThenMarkRead(t *testing.T) {
	s := New("me")
	s.SetOpen("carol")

	receipt, err := s.ReceiveInbound(inbound("m3", "bob", 0, domain.StatusDelivered))
	require.NoError(t, err)
	assert.False(t, receipt)
	assert.Equal(t, 1, s.UnreadFor("bob"))

	s.SetOpen("bob")
	flipped := s.MarkRead("bob")
	assert.Equal(t, []string{"m3"}, flipped)
	assert.Zero(t, s.UnreadFor("bob"))
	assert.Equal(t, domain.StatusRead, s.Log("bob")[0].Status)

	// Second pass has nothing left to flip.
	assert.Empty(t, s.MarkRead("bob"))
}

func TestReadStatusEventDecrementsOnce(t *testing.T) {
	s := New("me")
	_, _ = s.ReceiveInbound(inbound("m1", "bob", 0, domain.StatusDelivered))
	_, _ = s.ReceiveInbound(inbound("m2", "bob", time.Second, domain.StatusDelivered))
	require.Equal(t, 2, s.UnreadFor("bob"))

	assert.True(t, s.ApplyStatus("m1", domain.StatusRead))
	assert.False(t, s.ApplyStatus("m1", domain.StatusRead))
	assert.Equal(t, 1, s.UnreadFor("bob"))
}

func TestReplaceUnreadAndClear(t *testing.T) {
	s := New("me")
	_, _ = s.ReceiveInbound(inbound("m1", "bob", 0, domain.StatusDelivered))

	s.ReplaceUnread(map[string][]string{"carol": {"c1", "c2", "c3"}, "dave": {}})
	assert.Equal(t, map[string]int{"carol": 3}, s.Unread())

	s.ClearLocal("bob")
	assert.Empty(t, s.Log("bob"))
	assert.Zero(t, s.UnreadFor("bob"))
}

func TestPushAfterSnapshotIsCountedOnce(t *testing.T) {
	s := New("me")
	s.ReplaceUnread(map[string][]string{"bob": {"m1", "m2", "m3"}})

	// The server re-pushes the queued messages after the snapshot landed.
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := s.ReceiveInbound(inbound(id, "bob", time.Duration(i)*time.Second, domain.StatusDelivered))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.UnreadFor("bob"))

	_, err := s.ReceiveInbound(inbound("m4", "bob", 4*time.Second, domain.StatusDelivered))
	require.NoError(t, err)
	assert.Equal(t, 4, s.UnreadFor("bob"))
}

func TestSnapshotThenPushInEitherOrder(t *testing.T) {
	s := New("me")
	_, _ = s.ReceiveInbound(inbound("m1", "bob", 0, domain.StatusDelivered))
	s.ReplaceUnread(map[string][]string{"bob": {"m1", "m2"}})
	_, _ = s.ReceiveInbound(inbound("m2", "bob", time.Second, domain.StatusDelivered))

	assert.Equal(t, 2, s.UnreadFor("bob"))
	assert.True(t, s.ApplyStatus("m2", domain.StatusRead))
	assert.Equal(t, 1, s.UnreadFor("bob"))
}

func TestMarkReadReturnsSnapshotOnlyIDs(t *testing.T) {
	s := New("me")
	s.ReplaceUnread(map[string][]string{"bob": {"m2", "m1"}})
	_, _ = s.ReceiveInbound(inbound("m3", "bob", 0, domain.StatusDelivered))

	assert.Equal(t, []string{"m3", "m1", "m2"}, s.MarkRead("bob"))
	assert.Zero(t, s.UnreadFor("bob"))
	assert.Empty(t, s.Unread())
}

func TestPresenceReplacesAndDropsTyping(t *testing.T) {
	s := New("me")
	s.SetPresence([]string{"bob", "carol"})
	s.SetTyping("bob", true)
	s.SetTyping("carol", true)

	s.SetPresence([]string{"carol", "dave"})
	assert.Equal(t, []string{"carol", "dave"}, s.Presence())
	assert.False(t, s.Online("bob"))
	assert.False(t, s.Typing("bob"))
	assert.True(t, s.Typing("carol"))

	s.ResetEphemeral()
	assert.Empty(t, s.Presence())
	assert.False(t, s.Typing("carol"))
}

func TestApplyEditKeepsStatus(t *testing.T) {
	s := New("me")
	_, _ = s.ReceiveInbound(inbound("m1", "bob", 0, domain.StatusDelivered))

	edited := inbound("m1", "bob", 0, domain.StatusSent)
	edited.Content = "fixed"
	assert.True(t, s.ApplyEdit(edited))

	log := s.Log("bob")
	assert.Equal(t, "fixed", log[0].Content)
	assert.Equal(t, domain.StatusDelivered, log[0].Status)

	assert.False(t, s.ApplyEdit(inbound("missing", "bob", 0, domain.StatusSent)))
}

func TestLogIsACopy(t *testing.T) {
	s := New("me")
	_, _ = s.ReceiveInbound(inbound("m1", "bob", 0, domain.StatusDelivered))

	log := s.Log("bob")
	log[0].Content = "mutated"
	assert.Equal(t, "msg m1", s.Log("bob")[0].Content)
}
