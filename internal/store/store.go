// Package store keeps the per-chat message logs of a session.
//
// Each chat's log is append-only. The exceptions are a snapshot load,
// which replaces the whole log, and reconciliation, which replaces one
// pending optimistic entry in place with its server-confirmed copy.
package store

import (
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// Status is the delivery status of a log entry.
type Status int

const (
	// StatusConfirmed entries came from the server.
	StatusConfirmed Status = iota
	// StatusPending entries were created locally and not yet confirmed.
	StatusPending
	// StatusFailed entries could not be persisted. They stay visible so
	// the user can see the send did not go through.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Entry is one message in a chat log.
type Entry struct {
	models.Message
	Status Status
	// LocalID is the client-generated id of an optimistic entry. It is
	// kept after confirmation so the entry can still be found by handle.
	LocalID string
}

// Handle addresses an optimistic entry for later reconciliation.
type Handle struct {
	ChatID  string
	LocalID string
}

// Outcome describes what ReconcileIncoming did.
type Outcome int

const (
	Appended Outcome = iota
	// Replaced means a pending optimistic entry was confirmed in place.
	Replaced
	// Duplicate means an entry with the same server id already existed
	// and was refreshed in place.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	default:
		return "appended"
	}
}

// Store holds message logs keyed by chat id. It is safe for concurrent
// use, though the sync loop is its only writer.
type Store struct {
	mu   sync.RWMutex
	logs map[string][]Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{logs: make(map[string][]Entry)}
}

// LoadSnapshot replaces chatID's log with the server-ordered messages.
// Pending and failed optimistic entries for the chat are discarded: the
// snapshot is ground truth at fetch time.
func (s *Store) LoadSnapshot(chatID string, msgs []models.Message) {
	log := make([]Entry, len(msgs))
	for i, m := range msgs {
		log[i] = Entry{Message: m, Status: StatusConfirmed}
	}

	s.mu.Lock()
	s.logs[chatID] = log
	s.mu.Unlock()
}

// AppendOptimistic appends msg as a pending entry and returns its handle.
// msg.ID must be a client-generated id.
func (s *Store) AppendOptimistic(chatID string, msg models.Message) Handle {
	msg.ChatID = chatID

	s.mu.Lock()
	s.logs[chatID] = append(s.logs[chatID], Entry{
		Message: msg,
		Status:  StatusPending,
		LocalID: msg.ID,
	})
	s.mu.Unlock()

	return Handle{ChatID: chatID, LocalID: msg.ID}
}

// ReconcileIncoming merges a server message into chatID's log and
// returns the outcome and the entry's index.
//
// An entry with the same server id is refreshed in place, which absorbs
// duplicate delivery after a reconnect. Otherwise the oldest pending
// entry with the same sender and content is confirmed in place. Content
// match is the only correlation available on the wire, so two identical
// rapid sends from one sender can be confirmed in either order.
// Otherwise the message is appended.
func (s *Store) ReconcileIncoming(chatID string, msg models.Message) (Outcome, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[chatID]

	if msg.ID != "" {
		for i := range log {
			if log[i].ID == msg.ID {
				log[i].Message = mergeServer(log[i].Message, msg)
				log[i].Status = StatusConfirmed

				return Duplicate, i
			}
		}
	}

	want := norm.NFC.String(msg.Content)
	for i := range log {
		e := &log[i]
		if e.Status != StatusPending || e.SenderID != msg.SenderID {
			continue
		}

		if norm.NFC.String(e.Content) == want {
			e.Message = mergeServer(e.Message, msg)
			e.Status = StatusConfirmed

			return Replaced, i
		}
	}

	s.logs[chatID] = append(log, Entry{Message: msg, Status: StatusConfirmed})

	return Appended, len(log)
}

// Confirm applies the server copy of an optimistic entry found by handle.
// It reports false when the entry is gone, e.g. after a snapshot reload
// or a delete. A later delivery of the same server id is then absorbed
// as a duplicate by ReconcileIncoming.
func (s *Store) Confirm(h Handle, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[h.ChatID]
	for i := range log {
		if log[i].LocalID == h.LocalID {
			log[i].Message = mergeServer(log[i].Message, msg)
			log[i].Status = StatusConfirmed

			return true
		}
	}

	return false
}

// MarkFailed flags a still-pending optimistic entry as failed.
func (s *Store) MarkFailed(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[h.ChatID]
	for i := range log {
		if log[i].LocalID == h.LocalID && log[i].Status == StatusPending {
			log[i].Status = StatusFailed
			return true
		}
	}

	return false
}

// Remove deletes messageID from chatID's log. Removing an id that is not
// present is a no-op and returns false.
func (s *Store) Remove(chatID, messageID string) bool {
	if messageID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(chatID, messageID)
}

// RemoveByID deletes messageID from whichever chat log holds it. Delete
// broadcasts carry only the message id.
func (s *Store) RemoveByID(messageID string) (chatID string, removed bool) {
	if messageID == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.logs {
		if s.removeLocked(id, messageID) {
			return id, true
		}
	}

	return "", false
}

func (s *Store) removeLocked(chatID, messageID string) bool {
	log := s.logs[chatID]
	for i := range log {
		if log[i].ID == messageID {
			s.logs[chatID] = append(log[:i:i], log[i+1:]...)
			return true
		}
	}

	return false
}

// Messages returns a copy of chatID's log in order.
func (s *Store) Messages(chatID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[chatID]
	out := make([]Entry, len(log))
	copy(out, log)

	return out
}

// Len returns the number of entries in chatID's log.
func (s *Store) Len(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.logs[chatID])
}

// Clear drops every log. Used when a session ends.
func (s *Store) Clear() {
	s.mu.Lock()
	s.logs = make(map[string][]Entry)
	s.mu.Unlock()
}

// mergeServer takes the server's id and timestamp while keeping local
// fields the server left empty.
func mergeServer(local, server models.Message) models.Message {
	out := local
	if server.ID != "" {
		out.ID = server.ID
	}

	if !server.CreatedAt.IsZero() {
		out.CreatedAt = server.CreatedAt
	}

	if server.Content != "" {
		out.Content = server.Content
	}

	return out
}
