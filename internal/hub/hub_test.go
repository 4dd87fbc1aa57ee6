package hub

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatsync/internal/metrics"
	"github.com/xiaot623/chatsync/internal/protocol"
)

func newTestHub(t *testing.T, buffer int) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewHub(logs.GetLoggerFromLevel(slog.LevelDebug), m, buffer), m
}

func drain(conn *Connection) []map[string]interface{} {
	var out []map[string]interface{}
	for {
		select {
		case data, ok := <-conn.Send:
			if !ok {
				return out
			}
			var m map[string]interface{}
			_ = json.Unmarshal(data, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func lastPresence(t *testing.T, frames []map[string]interface{}) []string {
	t.Helper()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i]["type"] == protocol.TypePresenceSet {
			raw, _ := frames[i]["user_ids"].([]interface{})
			ids := make([]string, 0, len(raw))
			for _, r := range raw {
				ids = append(ids, r.(string))
			}
			return ids
		}
	}
	t.Fatalf("no presence_set frame in %v", frames)
	return nil
}

func TestHubTransportConnectIsNotOnline(t *testing.T) {
	h, _ := newTestHub(t, 8)
	conn := h.NewConnection(nil)
	h.Add(conn)

	assert.Equal(t, 1, h.GetConnectionCount())
	assert.Equal(t, 0, h.GetOnlineCount())
	assert.Empty(t, h.OnlineUsers())
}

func TestHubBindBroadcastsFullPresenceSet(t *testing.T) {
	h, m := newTestHub(t, 8)

	alice := h.NewConnection(nil)
	h.Add(alice)
	cameOnline, err := h.BindUser(alice, "alice")
	require.NoError(t, err)
	assert.True(t, cameOnline)
	assert.Equal(t, []string{"alice"}, lastPresence(t, drain(alice)))

	bob := h.NewConnection(nil)
	h.Add(bob)
	_, err = h.BindUser(bob, "bob")
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, lastPresence(t, drain(alice)))
	assert.Equal(t, []string{"alice", "bob"}, lastPresence(t, drain(bob)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.OnlineUsers))

	wentOffline := h.Remove(bob)
	assert.True(t, wentOffline)
	assert.Equal(t, []string{"alice"}, lastPresence(t, drain(alice)))
	assert.False(t, h.IsOnline("bob"))

	// Removing twice is a no-op.
	assert.False(t, h.Remove(bob))
}

func TestHubSecondSessionGetsSnapshotWithoutRebroadcast(t *testing.T) {
	h, _ := newTestHub(t, 8)

	first := h.NewConnection(nil)
	h.Add(first)
	_, err := h.BindUser(first, "alice")
	require.NoError(t, err)
	drain(first)

	second := h.NewConnection(nil)
	h.Add(second)
	cameOnline, err := h.BindUser(second, "alice")
	require.NoError(t, err)
	assert.False(t, cameOnline)

	assert.Empty(t, drain(first))
	assert.Equal(t, []string{"alice"}, lastPresence(t, drain(second)))

	// Still online while one session remains.
	assert.False(t, h.Remove(first))
	assert.True(t, h.IsOnline("alice"))
}

func TestHubPushToUser(t *testing.T) {
	h, _ := newTestHub(t, 8)

	a1 := h.NewConnection(nil)
	a2 := h.NewConnection(nil)
	h.Add(a1)
	h.Add(a2)
	_, _ = h.BindUser(a1, "alice")
	_, _ = h.BindUser(a2, "alice")
	drain(a1)
	drain(a2)

	n, err := h.PushToUser("alice", map[string]string{"type": "ping"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, drain(a1), 1)
	assert.Len(t, drain(a2), 1)

	n, err = h.PushToUser("nobody", map[string]string{"type": "ping"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.Remove(a1)
	h.Remove(a2)
	n, err = h.PushToUser("alice", map[string]string{"type": "ping"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHubDropsSlowConsumer(t *testing.T) {
	h, m := newTestHub(t, 1)

	conn := h.NewConnection(nil)
	h.Add(conn)
	_, err := h.BindUser(conn, "alice")
	require.NoError(t, err)
	// The presence frame fills the single slot.

	n, err := h.PushToUser("alice", map[string]string{"type": "ping"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, h.IsOnline("alice"))
	assert.Equal(t, 0, h.GetConnectionCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDropped.WithLabelValues("slow_consumer")))

	assert.ErrorIs(t, h.SendToConnection(conn, map[string]string{"type": "ping"}), ErrConnectionClosed)
	_, err = h.BindUser(conn, "alice")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestHubSweepEvictsExpiredSessions(t *testing.T) {
	h, m := newTestHub(t, 8)

	stale := h.NewConnection(nil)
	fresh := h.NewConnection(nil)
	h.Add(stale)
	h.Add(fresh)
	_, _ = h.BindUser(stale, "alice")
	_, _ = h.BindUser(fresh, "bob")
	drain(fresh)

	stale.lastSeen.Store(time.Now().Add(-2 * time.Minute).UnixNano())

	evicted := h.Sweep(time.Now(), 90*time.Second)
	assert.Equal(t, 1, evicted)
	assert.False(t, h.IsOnline("alice"))
	assert.True(t, h.IsOnline("bob"))
	assert.Equal(t, []string{"bob"}, lastPresence(t, drain(fresh)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsExpired))
}
