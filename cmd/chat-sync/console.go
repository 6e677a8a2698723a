package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chatsync"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

var errQuit = errors.New("quit")

// session is the part of *chatsync.Coordinator the console drives.
type session interface {
	Users() []models.User
	Chats() []models.Chat
	ActiveChat() (models.Chat, bool)
	Messages(chatID string) []store.Entry
	Send(ctx context.Context, content string) (models.Message, error)
	Delete(ctx context.Context, messageID string) error
	SelectChat(ctx context.Context, chatID string) error
	StartChat(ctx context.Context, peerID string) (models.Chat, error)
}

type lastChatSaver interface {
	SetLastChat(userID, chatID string) error
}

// console is the line-oriented terminal front end. Plain lines are sent
// to the active chat; lines starting with / are commands.
type console struct {
	out    io.Writer
	saver  lastChatSaver
	user   models.User
	logger *slog.Logger

	mu   sync.Mutex
	sess session
	// seen holds ids of messages already shown.
	seen map[string]bool
	// replay is the chat whose next snapshot is printed in full.
	replay string
}

func newConsole(out io.Writer, saver lastChatSaver, user models.User, logger *slog.Logger) *console {
	return &console{
		out:    out,
		saver:  saver,
		user:   user,
		logger: logger,
		seen:   make(map[string]bool),
	}
}

func (c *console) attach(s session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// observe renders session updates. It runs on the sync loop, so it only
// reads from the session.
func (c *console) observe(u chatsync.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch u.Kind {
	case chatsync.UpdateActiveChat:
		c.replay = u.ChatID
		if err := c.saver.SetLastChat(c.user.ID, u.ChatID); err != nil {
			c.logger.Warn("failed to save last chat", slog.String("error", err.Error()))
		}

	case chatsync.UpdateMessages:
		c.showMessages(u.ChatID)

	case chatsync.UpdateSendFailed:
		c.printf("! message not sent: %v%s\n", u.Err, retryHint(u.Err))

	case chatsync.UpdateSnapshotFailed:
		c.printf("! could not load history: %v%s\n", u.Err, retryHint(u.Err))

	case chatsync.UpdateConnection:
		if u.Err != nil {
			c.printf("* connection lost, reconnecting\n")
		}

	case chatsync.UpdateSessionEnded:
		if u.Err != nil && !errors.Is(u.Err, context.Canceled) {
			c.printf("* session ended: %v\n", u.Err)
		}

		c.seen = make(map[string]bool)
	}
}

// showMessages prints what the user has not seen yet. Must hold c.mu.
func (c *console) showMessages(chatID string) {
	if c.sess == nil {
		return
	}

	active, _ := c.sess.ActiveChat()
	entries := c.sess.Messages(chatID)

	if chatID == c.replay {
		c.replay = ""
		c.printf("--- %s ---\n", c.chatLabel(active))

		for _, e := range entries {
			c.seen[e.ID] = true
			c.printEntry(e)
		}

		return
	}

	for _, e := range entries {
		if e.Status != store.StatusConfirmed || c.seen[e.ID] {
			continue
		}

		c.seen[e.ID] = true

		if e.SenderID == c.user.ID {
			continue
		}

		if chatID == active.ID {
			c.printEntry(e)
		} else {
			c.printf("* new message from %s\n", c.username(e.SenderID))
		}
	}
}

func (c *console) printEntry(e store.Entry) {
	stamp := "--:--"
	if !e.CreatedAt.IsZero() {
		stamp = e.CreatedAt.Local().Format("15:04")
	}

	suffix := ""
	if e.Status != store.StatusConfirmed {
		suffix = " (" + e.Status.String() + ")"
	}

	c.printf("[%s] %s: %s%s\n", stamp, c.username(e.SenderID), e.Content, suffix)
}

func (c *console) username(id string) string {
	if id == c.user.ID {
		return "you"
	}

	for _, u := range c.sess.Users() {
		if u.ID == id {
			return u.Username
		}
	}

	return id
}

func (c *console) chatLabel(chat models.Chat) string {
	if chat.ID == "" {
		return "no chat"
	}

	return "chat with " + c.username(chat.Peer(c.user.ID))
}

// run reads commands from in until EOF, /quit or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)

	// The reader may stay blocked on in after ctx is done; it exits with
	// the process.
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				return errQuit
			}

			if err := c.execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}

				c.mu.Lock()
				c.printf("! %v\n", err)
				c.mu.Unlock()
			}
		}
	}
}

func (c *console) execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		_, err := c.sess.Send(ctx, line)
		if errors.Is(err, apperrors.ErrPersistence) {
			// Already reported through UpdateSendFailed.
			return nil
		}

		return err
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "quit", "q":
		return errQuit

	case "help":
		c.locked(c.printHelp)

	case "chats":
		c.locked(c.printChats)

	case "users":
		c.locked(c.printUsers)

	case "history":
		c.locked(c.printHistory)

	case "open":
		id, err := c.resolveChat(arg)
		if err != nil {
			return err
		}

		return c.sess.SelectChat(ctx, id)

	case "new":
		peer, err := c.resolveUser(arg)
		if err != nil {
			return err
		}

		_, err = c.sess.StartChat(ctx, peer)

		return err

	case "del":
		if arg == "" {
			return errors.New("usage: /del <message id>")
		}

		return c.sess.Delete(ctx, arg)

	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd)
	}

	return nil
}

func (c *console) locked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn()
}

func (c *console) printHelp() {
	c.printf("commands:\n" +
		"  /chats            list chats\n" +
		"  /users            list users\n" +
		"  /open <n|id|who>  switch chat\n" +
		"  /new <username>   start a chat\n" +
		"  /history          show the active chat with message ids\n" +
		"  /del <id>         delete a message\n" +
		"  /quit             exit\n" +
		"anything else is sent to the active chat\n")
}

func (c *console) printChats() {
	active, _ := c.sess.ActiveChat()
	chats := c.sess.Chats()

	if len(chats) == 0 {
		c.printf("no chats yet, start one with /new <username>\n")
		return
	}

	for i, chat := range chats {
		marker := " "
		if chat.ID == active.ID {
			marker = "*"
		}

		c.printf("%s %d. %s\n", marker, i+1, c.chatLabel(chat))
	}
}

func (c *console) printUsers() {
	for _, u := range c.sess.Users() {
		if u.ID == c.user.ID {
			continue
		}

		c.printf("  %s\n", u.Username)
	}
}

func (c *console) printHistory() {
	active, ok := c.sess.ActiveChat()
	if !ok {
		c.printf("no active chat\n")
		return
	}

	c.printf("--- %s ---\n", c.chatLabel(active))

	for _, e := range c.sess.Messages(active.ID) {
		c.printf("%s ", e.ID)
		c.printEntry(e)
	}
}

// retryHint suffixes failures the backend may recover from.
func retryHint(err error) string {
	if api.IsTransient(err) {
		return " (temporary, try again)"
	}

	return ""
}

// resolveChat accepts a 1-based list position, a chat id or the peer's
// username.
func (c *console) resolveChat(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("usage: /open <n|id|username>")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chats := c.sess.Chats()

	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(chats) {
		return chats[n-1].ID, nil
	}

	for _, chat := range chats {
		if chat.ID == arg || strings.EqualFold(c.username(chat.Peer(c.user.ID)), arg) {
			return chat.ID, nil
		}
	}

	return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownChat, arg)
}

// resolveUser accepts a username or user id.
func (c *console) resolveUser(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("usage: /new <username>")
	}

	for _, u := range c.sess.Users() {
		if u.ID == arg || strings.EqualFold(u.Username, arg) {
			return u.ID, nil
		}
	}

	return "", fmt.Errorf("no user %q", arg)
}
