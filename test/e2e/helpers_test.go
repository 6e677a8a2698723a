package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	"github.com/alexjbarnes/chat-sync/internal/identity"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/push"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testPassword   = "secret"
	reconnectDelay = 50 * time.Millisecond
	waitFor        = 5 * time.Second
	tick           = 10 * time.Millisecond
)

var signingKey = []byte("e2e-signing-key")

// backend is an in-memory chat server exposing the REST and push surfaces
// the client talks to. Persisted messages and deletes are broadcast to
// both participants; frames pushed by clients are only recorded.
type backend struct {
	t  *testing.T
	ts *httptest.Server

	mu       sync.Mutex
	users    []models.User
	chats    []models.Chat
	messages map[string][]models.Message
	revoked  map[string]bool
	conns    map[string][]*websocket.Conn
	pushed   []map[string]string
	nextID   int
}

func newBackend(t *testing.T, users ...models.User) *backend {
	t.Helper()

	b := &backend{
		t:        t,
		users:    users,
		messages: make(map[string][]models.Message),
		revoked:  make(map[string]bool),
		conns:    make(map[string][]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("GET /users/all", b.authed(b.handleUsers))
	mux.HandleFunc("GET /chats/all-chats", b.authed(b.handleChats))
	mux.HandleFunc("GET /chats/all-messages", b.authed(b.handleMessages))
	mux.HandleFunc("POST /chats/create-chat", b.authed(b.handleCreateChat))
	mux.HandleFunc("POST /chats/create-message", b.authed(b.handleCreateMessage))
	mux.HandleFunc("DELETE /chats/delete-message/{id}", b.authed(b.handleDeleteMessage))
	mux.HandleFunc("GET /ws/{user}", b.handleWS)

	b.ts = httptest.NewServer(mux)
	t.Cleanup(b.close)

	return b
}

func (b *backend) close() {
	b.mu.Lock()
	for _, conns := range b.conns {
		for _, c := range conns {
			c.Close(websocket.StatusGoingAway, "shutdown")
		}
	}
	b.conns = make(map[string][]*websocket.Conn)
	b.mu.Unlock()

	b.ts.Close()
}

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.ts.URL, "http")
}

func (b *backend) token(u models.User) string {
	b.t.Helper()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       u.ID,
		"username": u.Username,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString(signingKey)
	require.NoError(b.t, err)

	return tok
}

func (b *backend) addChat(chat models.Chat, history ...models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chats = append(b.chats, chat)
	b.messages[chat.ID] = append(b.messages[chat.ID], history...)
}

func (b *backend) revoke(token string) {
	b.mu.Lock()
	b.revoked[token] = true
	b.mu.Unlock()
}

// kick drops every push connection of userID.
func (b *backend) kick(userID string) {
	b.mu.Lock()
	conns := b.conns[userID]
	delete(b.conns, userID)
	b.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "kicked")
	}
}

func (b *backend) connected(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns[userID]) > 0
}

func (b *backend) pushedFrames() []map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]map[string]string(nil), b.pushed...)
}

func (b *backend) stored(chatID string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]models.Message(nil), b.messages[chatID]...)
}

// --- REST ---

func (b *backend) authed(next func(http.ResponseWriter, *http.Request, models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		b.mu.Lock()
		revoked := b.revoked[raw]
		b.mu.Unlock()

		_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return signingKey, nil })
		if err != nil || revoked {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}

		user, err := identity.Decode(raw)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": err.Error()})
			return
		}

		next(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (b *backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, u := range b.users {
		if u.Username == r.PostForm.Get("username") && r.PostForm.Get("password") == testPassword {
			writeJSON(w, http.StatusOK, map[string]string{"access_token": b.token(u), "token_type": "bearer"})
			return
		}
	}

	writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
}

func (b *backend) handleUsers(w http.ResponseWriter, _ *http.Request, _ models.User) {
	writeJSON(w, http.StatusOK, b.users)
}

func (b *backend) handleChats(w http.ResponseWriter, _ *http.Request, me models.User) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mine := []models.Chat{}
	for _, c := range b.chats {
		if c.Has(me.ID) {
			mine = append(mine, c)
		}
	}

	writeJSON(w, http.StatusOK, mine)
}

func (b *backend) handleMessages(w http.ResponseWriter, r *http.Request, _ models.User) {
	msgs := b.stored(r.URL.Query().Get("chat_id"))
	if msgs == nil {
		msgs = []models.Message{}
	}

	writeJSON(w, http.StatusOK, msgs)
}

func (b *backend) handleCreateChat(w http.ResponseWriter, r *http.Request, me models.User) {
	peer := r.URL.Query().Get("user2_id")

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.chats {
		if c.Has(me.ID) && c.Has(peer) {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}

	b.nextID++
	chat := models.Chat{ID: fmt.Sprintf("chat-%d", b.nextID), ParticipantA: me.ID, ParticipantB: peer}
	b.chats = append(b.chats, chat)

	writeJSON(w, http.StatusCreated, chat)
}

func (b *backend) handleCreateMessage(w http.ResponseWriter, r *http.Request, _ models.User) {
	var req struct {
		ChatID   string `json:"chat_id"`
		Content  string `json:"content"`
		SenderID string `json:"sender_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	b.mu.Lock()
	b.nextID++
	msg := models.Message{
		ID:        fmt.Sprintf("msg-%d", b.nextID),
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Content:   req.Content,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	b.messages[req.ChatID] = append(b.messages[req.ChatID], msg)
	chat := b.chatLocked(req.ChatID)
	b.mu.Unlock()

	frame, _ := json.Marshal(struct {
		Type string `json:"type"`
		models.Message
	}{"new_message", msg})
	b.broadcast(r.Context(), chat, frame)

	writeJSON(w, http.StatusCreated, msg)
}

func (b *backend) handleDeleteMessage(w http.ResponseWriter, r *http.Request, _ models.User) {
	id := r.PathValue("id")

	b.mu.Lock()
	var chat models.Chat
	found := false
	for chatID, msgs := range b.messages {
		for i, m := range msgs {
			if m.ID == id {
				b.messages[chatID] = append(msgs[:i:i], msgs[i+1:]...)
				chat = b.chatLocked(chatID)
				found = true
			}
		}
	}
	b.mu.Unlock()

	if found {
		frame, _ := json.Marshal(map[string]string{"type": "message_deleted", "message_id": id})
		b.broadcast(r.Context(), chat, frame)
	}

	writeJSON(w, http.StatusOK, found)
}

func (b *backend) chatLocked(id string) models.Chat {
	for _, c := range b.chats {
		if c.ID == id {
			return c
		}
	}

	return models.Chat{}
}

// --- push ---

func (b *backend) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns[userID] = append(b.conns[userID], conn)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		conns := b.conns[userID]
		for i, c := range conns {
			if c == conn {
				b.conns[userID] = append(conns[:i:i], conns[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		conn.CloseNow()
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var frame map[string]string
		if json.Unmarshal(data, &frame) == nil {
			b.mu.Lock()
			b.pushed = append(b.pushed, frame)
			b.mu.Unlock()
		}
	}
}

func (b *backend) broadcast(ctx context.Context, chat models.Chat, frame []byte) {
	b.mu.Lock()
	var targets []*websocket.Conn
	for _, uid := range []string{chat.ParticipantA, chat.ParticipantB} {
		targets = append(targets, b.conns[uid]...)
	}
	b.mu.Unlock()

	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		c.Write(wctx, websocket.MessageText, frame)
		cancel()
	}
}

// --- client sessions ---

type client struct {
	user   models.User
	token  string
	coord  *chatsync.Coordinator
	cancel context.CancelFunc
	done   chan error
}

// join signs user in with a real API client and push manager, starts the
// session and runs its loop until the test ends.
func (b *backend) join(t *testing.T, user models.User) *client {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	token := b.token(user)

	rest := api.NewClient(b.ts.Client(), b.ts.URL)
	rest.SetToken(token)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	pm := push.NewManager(push.Config{
		BaseURL:        b.wsURL(),
		Header:         header,
		ReconnectDelay: reconnectDelay,
	}, logger)

	coord := chatsync.New(chatsync.Config{
		API:    rest,
		Push:   pm,
		User:   user,
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, coord.Start(ctx))

	c := &client{user: user, token: token, coord: coord, cancel: cancel, done: make(chan error, 1)}
	go func() { c.done <- coord.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-c.done
	})

	require.Eventually(t, func() bool {
		return coord.Connection() == push.StateConnected && b.connected(user.ID)
	}, waitFor, tick, "%s never connected", user.Username)

	return c
}

func (c *client) has(chatID, messageID string) bool {
	for _, e := range c.coord.Messages(chatID) {
		if e.ID == messageID {
			return true
		}
	}

	return false
}
