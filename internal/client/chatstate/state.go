// Package chatstate holds the client-side view of conversations: ordered logs,
// unread counters, presence and typing flags.
//
// State is not safe for concurrent use. The client owns it from a single
// goroutine and hands out copies.
package chatstate

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/xiaot623/chatsync/internal/domain"
)

// ErrMissingID is returned for an inbound message without a server id.
var ErrMissingID = errors.New("message has no id")

// State is the local mirror of one user's conversations.
//
// Unread is kept as the set of unread inbound ids per counterparty, so a
// message counted by a snapshot and then pushed again is counted once.
type State struct {
	self     string
	logs     map[string][]domain.Message
	unread   map[string]map[string]bool
	typing   map[string]bool
	presence map[string]bool
	open     string
	now      func() time.Time
}

// New creates an empty state for self.
func New(self string) *State {
	return &State{
		self:     self,
		logs:     make(map[string][]domain.Message),
		unread:   make(map[string]map[string]bool),
		typing:   make(map[string]bool),
		presence: make(map[string]bool),
		now:      time.Now,
	}
}

// Self returns the local user id.
func (s *State) Self() string { return s.self }

// Open returns the counterparty of the conversation on screen, or "".
func (s *State) Open() string { return s.open }

// SetOpen marks counterparty's conversation as on screen.
func (s *State) SetOpen(counterparty string) { s.open = counterparty }

// CloseOpen clears the on-screen conversation.
func (s *State) CloseOpen() { s.open = "" }

// AppendOptimistic adds a locally composed message at the tail of the log
// before any network round trip. Outbound entries never touch unread.
func (s *State) AppendOptimistic(to, content, mediaRef string, kind domain.Kind) domain.Message {
	m := domain.Message{
		ClientTempID: "tmp_" + uuid.New().String(),
		From:         s.self,
		To:           to,
		Content:      content,
		MediaRef:     mediaRef,
		Kind:         kind,
		CreatedAt:    s.now().UTC(),
		Status:       domain.StatusSending,
	}
	s.logs[to] = append(s.logs[to], m)
	return m
}

// ReconcileSent exchanges the optimistic entry for the server copy. The
// server copy is kept even when the optimistic entry is gone. When the
// server id is already in the log only its status is upgraded.
func (s *State) ReconcileSent(clientTempID string, server domain.Message) {
	if server.Status.Rank() < domain.StatusSent.Rank() {
		server.Status = domain.StatusSent
	}
	counterparty := server.Counterparty(s.self)
	log := s.logs[counterparty]

	at := indexByTempID(log, clientTempID)
	if at >= 0 {
		log = append(log[:at:at], log[at+1:]...)
	}

	if i := indexByID(log, server.ID); i >= 0 {
		if log[i].Status.Advances(server.Status) {
			log[i].Status = server.Status
		}
		s.logs[counterparty] = log
		return
	}

	if at >= 0 {
		log = insertAt(log, at, server)
	} else {
		log = insertOrdered(log, server)
	}
	s.logs[counterparty] = log
}

// RemoveOptimistic drops a pending entry whose send failed and returns it so
// the caller can restore the draft.
func (s *State) RemoveOptimistic(clientTempID string) (domain.Message, bool) {
	for counterparty, log := range s.logs {
		if i := indexByTempID(log, clientTempID); i >= 0 {
			m := log[i]
			s.logs[counterparty] = append(log[:i:i], log[i+1:]...)
			return m, true
		}
	}
	return domain.Message{}, false
}

// ReceiveInbound adds a pushed message. A repeated id returns
// domain.ErrDuplicateIgnored and changes nothing. It reports whether a read
// receipt should go out because the conversation is on screen.
func (s *State) ReceiveInbound(m domain.Message) (bool, error) {
	if m.ID == "" {
		return false, ErrMissingID
	}
	counterparty := m.Counterparty(s.self)
	if indexByID(s.logs[counterparty], m.ID) >= 0 {
		return false, domain.ErrDuplicateIgnored
	}

	inbound := m.From != s.self
	emitReceipt := false
	if inbound && s.open == counterparty {
		if m.Status != domain.StatusRead {
			emitReceipt = true
			m.Status = domain.StatusRead
		}
	}

	s.logs[counterparty] = insertOrdered(s.logs[counterparty], m)
	if inbound && m.Status != domain.StatusRead {
		s.addUnread(counterparty, m.ID)
	}
	if inbound {
		delete(s.typing, counterparty)
	}
	return emitReceipt, nil
}

// MarkRead resets the counter and flips every unread inbound message from
// counterparty to read. It returns the ids that changed, including unread ids
// known only from a snapshot.
func (s *State) MarkRead(counterparty string) []string {
	pending := s.unread[counterparty]
	delete(s.unread, counterparty)

	var ids []string
	log := s.logs[counterparty]
	for i := range log {
		if log[i].From == counterparty && log[i].Status != domain.StatusRead {
			log[i].Status = domain.StatusRead
			if log[i].ID != "" {
				ids = append(ids, log[i].ID)
				delete(pending, log[i].ID)
			}
		}
	}
	rest := lo.Keys(pending)
	sort.Strings(rest)
	return append(ids, rest...)
}

// ApplyStatus advances one message. Stale or repeated events are no-ops.
// It reports whether the status changed.
func (s *State) ApplyStatus(messageID string, status domain.Status) bool {
	for counterparty, log := range s.logs {
		i := indexByID(log, messageID)
		if i < 0 {
			continue
		}
		if !log[i].Status.Advances(status) {
			return false
		}
		log[i].Status = status
		if status == domain.StatusRead {
			delete(s.unread[counterparty], messageID)
		}
		return true
	}
	return false
}

// ApplyEdit replaces the content of a known message. Status is untouched.
func (s *State) ApplyEdit(m domain.Message) bool {
	log := s.logs[m.Counterparty(s.self)]
	i := indexByID(log, m.ID)
	if i < 0 {
		return false
	}
	log[i].Content = m.Content
	return true
}

// ReplaceLog installs a fetched log wholesale and recomputes unread from it.
// Pending sends missing from the payload are kept at the tail.
func (s *State) ReplaceLog(counterparty string, fetched []domain.Message) {
	seenTemp := make(map[string]bool, len(fetched))
	for _, m := range fetched {
		if m.ClientTempID != "" {
			seenTemp[m.ClientTempID] = true
		}
	}
	pending := lo.Filter(s.logs[counterparty], func(m domain.Message, _ int) bool {
		return m.Pending() && !seenTemp[m.ClientTempID]
	})

	log := make([]domain.Message, 0, len(fetched)+len(pending))
	for _, m := range fetched {
		if indexByID(log, m.ID) < 0 {
			log = append(log, m)
		}
	}
	sortLog(log)
	log = append(log, pending...)
	s.logs[counterparty] = log

	delete(s.unread, counterparty)
	for _, m := range fetched {
		if m.From == counterparty && m.Status != domain.StatusRead {
			s.addUnread(counterparty, m.ID)
		}
	}
}

// ReplaceUnread installs an unread snapshot wholesale: per counterparty, the
// ids of messages not read yet.
func (s *State) ReplaceUnread(snapshot map[string][]string) {
	s.unread = make(map[string]map[string]bool, len(snapshot))
	for counterparty, ids := range snapshot {
		for _, id := range ids {
			s.addUnread(counterparty, id)
		}
	}
}

// ClearLocal wipes the log and counter for counterparty.
func (s *State) ClearLocal(counterparty string) {
	delete(s.logs, counterparty)
	delete(s.unread, counterparty)
}

// SetPresence replaces the online set. Users who left stop typing.
func (s *State) SetPresence(userIDs []string) {
	s.presence = make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		s.presence[id] = true
	}
	for id := range s.typing {
		if !s.presence[id] {
			delete(s.typing, id)
		}
	}
}

// ResetEphemeral forgets presence and typing. Called when the transport drops.
func (s *State) ResetEphemeral() {
	s.presence = make(map[string]bool)
	s.typing = make(map[string]bool)
}

// SetTyping records whether counterparty is typing.
func (s *State) SetTyping(counterparty string, typing bool) {
	if typing {
		s.typing[counterparty] = true
		return
	}
	delete(s.typing, counterparty)
}

// Log returns a copy of the conversation with counterparty.
func (s *State) Log(counterparty string) []domain.Message {
	return append([]domain.Message(nil), s.logs[counterparty]...)
}

// Unread returns the non-zero counters.
func (s *State) Unread() map[string]int {
	counts := lo.MapValues(s.unread, func(ids map[string]bool, _ string) int { return len(ids) })
	return lo.PickBy(counts, func(_ string, n int) bool { return n > 0 })
}

// UnreadFor returns the counter for counterparty.
func (s *State) UnreadFor(counterparty string) int { return len(s.unread[counterparty]) }

// Online reports whether userID is in the presence set.
func (s *State) Online(userID string) bool { return s.presence[userID] }

// Presence returns the sorted online set.
func (s *State) Presence() []string {
	ids := lo.Keys(s.presence)
	sort.Strings(ids)
	return ids
}

// Typing reports whether counterparty is typing.
func (s *State) Typing(counterparty string) bool { return s.typing[counterparty] }

// Pending returns every optimistic entry still waiting for an ack, oldest first.
func (s *State) Pending() []domain.Message {
	var out []domain.Message
	for _, log := range s.logs {
		out = append(out, lo.Filter(log, func(m domain.Message, _ int) bool { return m.Pending() })...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *State) addUnread(counterparty, messageID string) {
	if messageID == "" {
		return
	}
	if s.unread[counterparty] == nil {
		s.unread[counterparty] = make(map[string]bool)
	}
	s.unread[counterparty][messageID] = true
}

func indexByID(log []domain.Message, id string) int {
	if id == "" {
		return -1
	}
	_, i, _ := lo.FindIndexOf(log, func(m domain.Message) bool { return m.ID == id })
	return i
}

func indexByTempID(log []domain.Message, clientTempID string) int {
	if clientTempID == "" {
		return -1
	}
	_, i, _ := lo.FindIndexOf(log, func(m domain.Message) bool {
		return m.Pending() && m.ClientTempID == clientTempID
	})
	return i
}

func insertAt(log []domain.Message, i int, m domain.Message) []domain.Message {
	log = append(log, domain.Message{})
	copy(log[i+1:], log[i:])
	log[i] = m
	return log
}

// insertOrdered places m after every entry created at or before it.
func insertOrdered(log []domain.Message, m domain.Message) []domain.Message {
	i := sort.Search(len(log), func(i int) bool { return log[i].CreatedAt.After(m.CreatedAt) })
	return insertAt(log, i, m)
}

func sortLog(log []domain.Message) {
	sort.SliceStable(log, func(i, j int) bool { return log[i].CreatedAt.Before(log[j].CreatedAt) })
}
