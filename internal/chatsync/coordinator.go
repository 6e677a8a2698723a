// Package chatsync runs a user's sync session: it loads the authoritative
// snapshot over REST, keeps the push channel open, and applies every
// inbound change and local write to the message store and chat list.
//
// Architecture: one event loop goroutine (Run) owns all mutations.
// Push channel events and REST completions are posted onto the loop as
// functions and run one at a time in arrival order. Blocking work (REST
// calls, push writes) runs on helper goroutines that post their result
// back, so the loop itself never waits on the network.
package chatsync

//go:generate mockgen -source=coordinator.go -destination=mock_api_test.go -package=chatsync -exclude_interfaces=Pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chatlist"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/push"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultSnapshotTimeout bounds a single message-history fetch.
const DefaultSnapshotTimeout = 10 * time.Second

// API is the REST collaborator. *api.Client satisfies it.
type API interface {
	ListUsers(ctx context.Context) ([]models.User, error)
	ListChats(ctx context.Context) ([]models.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	CreateChat(ctx context.Context, peerID string) (models.Chat, error)
	CreateMessage(ctx context.Context, chatID, content, senderID string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) (bool, error)
}

// Pusher is the push channel. *push.Manager satisfies it.
type Pusher interface {
	Connect(ctx context.Context, userID string) error
	Disconnect()
	Send(ctx context.Context, data []byte) error
	Connected() bool
	State() push.State
	Subscribe(l push.Listener) (unsubscribe func())
}

// State is the session lifecycle state.
type State int

const (
	StateLoggedOut State = iota
	StateLoading
	StateLive
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	default:
		return "logged_out"
	}
}

// UpdateKind says what part of the session view changed.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateChats
	UpdateActiveChat
	UpdateMessages
	UpdateConnection
	UpdateSnapshotFailed
	UpdateSendFailed
	UpdateSessionEnded
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateState:
		return "state"
	case UpdateChats:
		return "chats"
	case UpdateActiveChat:
		return "active_chat"
	case UpdateMessages:
		return "messages"
	case UpdateConnection:
		return "connection"
	case UpdateSnapshotFailed:
		return "snapshot_failed"
	case UpdateSendFailed:
		return "send_failed"
	case UpdateSessionEnded:
		return "session_ended"
	}

	return fmt.Sprintf("update(%d)", int(k))
}

// Update is delivered to the observer after each change. ChatID is set
// when the change is scoped to one chat. Err carries the failure for the
// failure kinds and the close cause for UpdateConnection.
type Update struct {
	Kind   UpdateKind
	ChatID string
	Err    error
}

// Config configures a Coordinator.
type Config struct {
	API     API
	Push    Pusher
	User    models.User
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// SnapshotTimeout bounds each message-history fetch. Defaults to
	// DefaultSnapshotTimeout.
	SnapshotTimeout time.Duration

	// InitialChatID is focused after loading if the user still has it.
	// Otherwise the first chat in server order is.
	InitialChatID string

	// Observer is called from Start and from the event loop, never
	// concurrently. It must not block or call back into the Coordinator's
	// write operations.
	Observer func(Update)
}

// Coordinator is one user's sync session.
type Coordinator struct {
	api             API
	push            Pusher
	user            models.User
	logger          *slog.Logger
	metrics         *metrics.Metrics
	snapshotTimeout time.Duration
	initialChat     string
	observer        func(Update)

	store *store.Store
	chats *chatlist.List

	mu    sync.RWMutex
	state State
	users []models.User
	sess  *session

	unsubscribe func()
	inflight    sync.WaitGroup

	// Owned by the event loop.
	loop        *session
	fetchSeq    uint64
	fetchCancel context.CancelFunc
	fetchReply  *reply[struct{}]
	fetchChat   string
	opened      bool
}

// New creates a logged-out Coordinator.
func New(cfg Config) *Coordinator {
	timeout := cfg.SnapshotTimeout
	if timeout <= 0 {
		timeout = DefaultSnapshotTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		api:             cfg.API,
		push:            cfg.Push,
		user:            cfg.User,
		logger:          logger.With(slog.String("user_id", cfg.User.ID)),
		metrics:         cfg.Metrics,
		snapshotTimeout: timeout,
		initialChat:     cfg.InitialChatID,
		observer:        cfg.Observer,
		store:           store.New(),
		chats:           chatlist.New(),
	}
}

// Start loads the session. Users and chats are fetched concurrently, the
// initial chat's history is loaded, and the push channel is opened. ctx
// bounds the push session, so it should live as long as Run's. On success
// the state is Live and Run must be called to process events.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateLoggedOut {
		st := c.state
		c.mu.Unlock()

		return fmt.Errorf("starting sync session: already %s", st)
	}

	c.state = StateLoading
	sess := newSession()
	c.sess = sess
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateState})

	if err := c.load(ctx); err != nil {
		c.abortStart(err)
		return err
	}

	c.unsubscribe = c.push.Subscribe(&listener{c: c, s: sess})

	if err := c.push.Connect(ctx, c.user.ID); err != nil {
		c.unsubscribe()
		err = fmt.Errorf("opening push channel: %w", err)
		c.abortStart(err)

		return err
	}

	c.setState(StateLive)
	c.logger.Info("sync session live", slog.Int("chats", c.chats.Len()))
	c.notify(Update{Kind: UpdateState})

	return nil
}

func (c *Coordinator) abortStart(err error) {
	c.store.Clear()
	c.chats.Clear()

	c.mu.Lock()
	c.state = StateLoggedOut
	c.users = nil
	c.sess = nil
	c.mu.Unlock()

	c.logger.Warn("sync session failed to start", slog.String("error", err.Error()))
	c.notify(Update{Kind: UpdateState, Err: err})
}

// load fetches users and chats, then the history of the initial chat.
func (c *Coordinator) load(ctx context.Context) error {
	var (
		users []models.User
		chats []models.Chat
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		u, err := c.api.ListUsers(gctx)
		if err != nil {
			return fmt.Errorf("fetching users: %w", err)
		}

		users = u

		return nil
	})

	g.Go(func() error {
		ch, err := c.api.ListChats(gctx)
		if err != nil {
			return fmt.Errorf("fetching chats: %w", err)
		}

		chats = ch

		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("loading sync session: %w", err)
	}

	c.mu.Lock()
	c.users = users
	c.mu.Unlock()

	c.chats.SetAll(chats)
	c.notify(Update{Kind: UpdateChats})

	first := c.initialChat
	if !c.chats.Contains(first) {
		first = ""
		if all := c.chats.Chats(); len(all) > 0 {
			first = all[0].ID
		}
	}

	if first == "" {
		return nil
	}

	c.chats.SetActive(first)
	c.notify(Update{Kind: UpdateActiveChat, ChatID: first})

	fctx, cancel := context.WithTimeout(ctx, c.snapshotTimeout)
	defer cancel()

	msgs, err := c.api.ListMessages(fctx, first)
	if err != nil {
		if errors.Is(err, apperrors.ErrAuth) {
			return fmt.Errorf("loading sync session: %w", err)
		}

		c.logger.Warn("initial snapshot failed", slog.String("chat_id", first), slog.String("error", err.Error()))
		c.notify(Update{Kind: UpdateSnapshotFailed, ChatID: first, Err: err})

		return nil
	}

	c.store.LoadSnapshot(first, msgs)
	c.notify(Update{Kind: UpdateMessages, ChatID: first})

	return nil
}

// Run is the event loop. It returns when ctx is cancelled or the session
// hits a fatal error such as a rejected credential. Either way the push
// channel is closed, local state is dropped, and the state returns to
// LoggedOut.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	c.mu.RLock()
	sess := c.sess
	live := c.state == StateLive
	c.mu.RUnlock()

	if !live || sess == nil {
		return apperrors.ErrNotLive
	}

	if !sess.claim() {
		return fmt.Errorf("%w: event loop already running", apperrors.ErrNotLive)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.loop = sess
	c.opened = false

	defer func() {
		cancel()
		c.end(sess, err)
	}()

	for {
		select {
		case fn := <-sess.events:
			if err := fn(ctx); err != nil {
				c.logger.Error("sync session ended", slog.String("error", err.Error()))
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// end tears the session down after the loop has stopped.
func (c *Coordinator) end(s *session, cause error) {
	close(s.done)
	c.inflight.Wait()

	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	c.fetchReply = nil
	c.fetchChat = ""
	c.loop = nil

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	c.push.Disconnect()
	c.store.Clear()
	c.chats.Clear()

	c.mu.Lock()
	c.state = StateLoggedOut
	c.users = nil
	c.sess = nil
	c.mu.Unlock()

	c.notify(Update{Kind: UpdateSessionEnded, Err: cause})
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) notify(u Update) {
	if c.observer != nil {
		c.observer(u)
	}
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// User returns the signed-in user.
func (c *Coordinator) User() models.User {
	return c.user
}

// Users returns every user known to the backend, as loaded at Start.
func (c *Coordinator) Users() []models.User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.User, len(c.users))
	copy(out, c.users)

	return out
}

// Chats returns the chat list in most-recent-activity order.
func (c *Coordinator) Chats() []models.Chat {
	return c.chats.Chats()
}

// ActiveChat returns the focused chat, if any.
func (c *Coordinator) ActiveChat() (models.Chat, bool) {
	return c.chats.Active()
}

// Messages returns a copy of one chat's log.
func (c *Coordinator) Messages(chatID string) []store.Entry {
	return c.store.Messages(chatID)
}

// ActiveMessages returns the focused chat's log.
func (c *Coordinator) ActiveMessages() []store.Entry {
	return c.store.Messages(c.chats.ActiveID())
}

// Connection returns the push channel state.
func (c *Coordinator) Connection() push.State {
	return c.push.State()
}
