// Package chatlist keeps the user's chats in most-recent-activity order
// and tracks which one is active.
package chatlist

import (
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// List is the MRU-ordered chat set. Index 0 is the most recently active
// chat. Safe for concurrent use.
type List struct {
	mu     sync.RWMutex
	chats  []models.Chat
	active string
}

// New returns an empty list with no active chat.
func New() *List {
	return &List{}
}

// SetAll replaces the full set, keeping the order given. Duplicate ids
// keep their first position. The active chat is cleared if it is no
// longer present.
func (l *List) SetAll(chats []models.Chat) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(chats))
	out := make([]models.Chat, 0, len(chats))
	for _, c := range chats {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	l.chats = out

	if _, ok := seen[l.active]; !ok {
		l.active = ""
	}
}

// Add puts a newly created chat at the front. If the chat is already
// known it is touched instead.
func (l *List) Add(c models.Chat) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.touchLocked(c.ID) {
		l.chats[0] = c
		return
	}
	l.chats = append([]models.Chat{c}, l.chats...)
}

// Touch moves the chat to the front. It reports false, and leaves the
// list unchanged, when the id is unknown.
func (l *List) Touch(chatID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.touchLocked(chatID)
}

func (l *List) touchLocked(chatID string) bool {
	i := l.indexLocked(chatID)
	if i < 0 {
		return false
	}
	if i == 0 {
		return true
	}

	c := l.chats[i]
	copy(l.chats[1:i+1], l.chats[:i])
	l.chats[0] = c

	return true
}

// SetActive focuses a known chat. An empty id clears the selection.
func (l *List) SetActive(chatID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if chatID == "" {
		l.active = ""
		return true
	}
	if l.indexLocked(chatID) < 0 {
		return false
	}
	l.active = chatID

	return true
}

// Active returns the focused chat, if any.
func (l *List) Active() (models.Chat, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.active == "" {
		return models.Chat{}, false
	}
	i := l.indexLocked(l.active)
	if i < 0 {
		return models.Chat{}, false
	}

	return l.chats[i], true
}

// ActiveID returns the focused chat id, or "".
func (l *List) ActiveID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.active
}

// Get looks up a chat by id.
func (l *List) Get(chatID string) (models.Chat, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := l.indexLocked(chatID)
	if i < 0 {
		return models.Chat{}, false
	}

	return l.chats[i], true
}

// Contains reports whether the chat is known.
func (l *List) Contains(chatID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.indexLocked(chatID) >= 0
}

// Chats returns a copy of the list in MRU order.
func (l *List) Chats() []models.Chat {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Chat, len(l.chats))
	copy(out, l.chats)

	return out
}

// Len returns the number of known chats.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.chats)
}

// Clear drops every chat and the selection.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.chats = nil
	l.active = ""
}

func (l *List) indexLocked(chatID string) int {
	if chatID == "" {
		return -1
	}
	for i, c := range l.chats {
		if c.ID == chatID {
			return i
		}
	}

	return -1
}
