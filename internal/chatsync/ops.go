package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/envelope"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/google/uuid"
)

// Send posts content to the active chat. See SendTo.
func (c *Coordinator) Send(ctx context.Context, content string) (models.Message, error) {
	return c.SendTo(ctx, "", content)
}

// SendTo posts content to chatID, or to the active chat when chatID is
// empty. The message appears in the log immediately as pending and the
// chat moves to the front. If the push channel is connected the message
// is also fanned out there; that write is best effort and independent of
// the REST create. SendTo returns once the REST create finishes: on
// success the pending entry is confirmed in place, on failure it is
// marked failed and the error wraps ErrPersistence.
func (c *Coordinator) SendTo(ctx context.Context, chatID, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, errors.New("sending message: empty content")
	}

	return call(ctx, c, func(ctx context.Context, r *reply[models.Message]) error {
		c.send(ctx, chatID, content, r)
		return nil
	})
}

func (c *Coordinator) send(ctx context.Context, chatID, content string, r *reply[models.Message]) {
	if chatID == "" {
		chatID = c.chats.ActiveID()
	}

	if !c.chats.Contains(chatID) {
		r.fail(fmt.Errorf("sending message: %w: %q", apperrors.ErrUnknownChat, chatID))
		return
	}

	local := models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  c.user.ID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	h := c.store.AppendOptimistic(chatID, local)
	c.chats.Touch(chatID)
	c.notify(Update{Kind: UpdateMessages, ChatID: chatID})
	c.notify(Update{Kind: UpdateChats})

	if c.push.Connected() {
		c.pushSend(ctx, chatID, content)
	}

	c.spawn(func() loopFunc {
		msg, err := c.api.CreateMessage(ctx, chatID, content, c.user.ID)
		return func(context.Context) error {
			return c.finishSend(h, msg, err, r)
		}
	})
}

// pushSend fans the message out over the push channel. Failures are
// logged and never affect the REST write.
func (c *Coordinator) pushSend(ctx context.Context, chatID, content string) {
	frame, err := envelope.EncodeSend(chatID, c.user.ID, content)
	if err != nil {
		c.logger.Warn("encoding push frame", slog.String("error", err.Error()))
		return
	}

	c.spawn(func() loopFunc {
		if err := c.push.Send(ctx, frame); err != nil {
			c.logger.Warn("push send failed", slog.String("chat_id", chatID), slog.String("error", err.Error()))
		}

		return nil
	})
}

func (c *Coordinator) finishSend(h store.Handle, msg models.Message, err error, r *reply[models.Message]) error {
	if err != nil {
		c.store.MarkFailed(h)
		c.metrics.PersistFailed("create_message")

		perr := fmt.Errorf("%w: sending message: %w", apperrors.ErrPersistence, err)
		c.logger.Warn("message not persisted", slog.String("chat_id", h.ChatID), slog.String("error", err.Error()))
		c.notify(Update{Kind: UpdateMessages, ChatID: h.ChatID})
		c.notify(Update{Kind: UpdateSendFailed, ChatID: h.ChatID, Err: perr})
		r.fail(perr)

		return fatal(err)
	}

	if msg.ChatID == "" {
		msg.ChatID = h.ChatID
	}

	// A snapshot may have replaced the log while the create was in flight.
	if !c.store.Confirm(h, msg) {
		c.store.ReconcileIncoming(h.ChatID, msg)
	}

	c.notify(Update{Kind: UpdateMessages, ChatID: h.ChatID})
	r.send(msg, nil)

	return nil
}

// Delete hard-deletes a message through REST and removes it locally. The
// server's delete broadcast for the same id is a no-op afterwards.
func (c *Coordinator) Delete(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("deleting message: empty id")
	}

	_, err := call(ctx, c, func(ctx context.Context, r *reply[struct{}]) error {
		c.spawn(func() loopFunc {
			ok, err := c.api.DeleteMessage(ctx, messageID)
			return func(context.Context) error {
				return c.finishDelete(messageID, ok, err, r)
			}
		})

		return nil
	})

	return err
}

func (c *Coordinator) finishDelete(messageID string, ok bool, err error, r *reply[struct{}]) error {
	if err == nil && !ok {
		err = fmt.Errorf("server refused to delete message %s", messageID)
	}

	if err != nil {
		c.metrics.PersistFailed("delete_message")
		r.fail(fmt.Errorf("%w: deleting message: %w", apperrors.ErrPersistence, err))

		return fatal(err)
	}

	if chatID, removed := c.store.RemoveByID(messageID); removed {
		c.notify(Update{Kind: UpdateMessages, ChatID: chatID})
	}

	r.send(struct{}{}, nil)

	return nil
}

// StartChat creates a chat with peerID, puts it at the front of the list
// and focuses it. A chat the backend already had is re-fetched; a new
// one starts with an empty log.
func (c *Coordinator) StartChat(ctx context.Context, peerID string) (models.Chat, error) {
	if peerID == "" {
		return models.Chat{}, errors.New("starting chat: empty peer id")
	}

	if peerID == c.user.ID {
		return models.Chat{}, errors.New("starting chat: cannot chat with yourself")
	}

	return call(ctx, c, func(ctx context.Context, r *reply[models.Chat]) error {
		c.spawn(func() loopFunc {
			chat, err := c.api.CreateChat(ctx, peerID)
			return func(ctx context.Context) error {
				return c.finishStartChat(ctx, chat, err, r)
			}
		})

		return nil
	})
}

func (c *Coordinator) finishStartChat(ctx context.Context, chat models.Chat, err error, r *reply[models.Chat]) error {
	if err != nil {
		c.metrics.PersistFailed("create_chat")
		r.fail(fmt.Errorf("%w: starting chat: %w", apperrors.ErrPersistence, err))

		return fatal(err)
	}

	known := c.chats.Contains(chat.ID)
	c.chats.Add(chat)
	c.chats.SetActive(chat.ID)
	c.notify(Update{Kind: UpdateChats})
	c.notify(Update{Kind: UpdateActiveChat, ChatID: chat.ID})

	if known {
		c.startFetch(ctx, chat.ID, nil)
	} else {
		c.supersedeFetch()
		c.store.LoadSnapshot(chat.ID, nil)
		c.notify(Update{Kind: UpdateMessages, ChatID: chat.ID})
	}

	r.send(chat, nil)

	return nil
}

// SelectChat focuses chatID and replaces its log with a fresh snapshot.
// It returns once that snapshot is applied, fails, or is superseded by a
// later selection (ErrStaleSnapshot). A failed fetch leaves the log as it
// was.
func (c *Coordinator) SelectChat(ctx context.Context, chatID string) error {
	_, err := call(ctx, c, func(ctx context.Context, r *reply[struct{}]) error {
		if !c.chats.SetActive(chatID) {
			r.fail(fmt.Errorf("selecting chat: %w: %q", apperrors.ErrUnknownChat, chatID))
			return nil
		}

		c.notify(Update{Kind: UpdateActiveChat, ChatID: chatID})
		c.startFetch(ctx, chatID, r)

		return nil
	})

	return err
}

// supersedeFetch abandons the in-flight snapshot fetch, if any.
func (c *Coordinator) supersedeFetch() {
	c.fetchSeq++

	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}

	c.fetchReply.fail(apperrors.ErrStaleSnapshot)
	c.fetchReply = nil
}

// startFetch begins a bounded snapshot fetch for chatID, superseding any
// fetch still in flight. A refetch of the same chat without a caller of its
// own inherits the waiting caller of the fetch it replaces.
func (c *Coordinator) startFetch(ctx context.Context, chatID string, r *reply[struct{}]) {
	if r == nil && c.fetchReply != nil && c.fetchChat == chatID {
		r = c.fetchReply
		c.fetchReply = nil
	}

	c.supersedeFetch()

	seq := c.fetchSeq
	fctx, cancel := context.WithTimeout(ctx, c.snapshotTimeout)
	c.fetchCancel = cancel
	c.fetchReply = r
	c.fetchChat = chatID

	c.spawn(func() loopFunc {
		defer cancel()

		msgs, err := c.api.ListMessages(fctx, chatID)

		return func(context.Context) error {
			return c.finishFetch(seq, chatID, msgs, err)
		}
	})
}

func (c *Coordinator) finishFetch(seq uint64, chatID string, msgs []models.Message, err error) error {
	if seq != c.fetchSeq || chatID != c.chats.ActiveID() {
		if seq == c.fetchSeq {
			c.fetchReply.fail(apperrors.ErrStaleSnapshot)
			c.fetchReply = nil
			c.fetchCancel = nil
			c.fetchChat = ""
		}

		c.metrics.StaleSnapshot()
		c.logger.Debug("discarding stale snapshot", slog.String("chat_id", chatID))

		return nil
	}

	r := c.fetchReply
	c.fetchReply = nil
	c.fetchCancel = nil
	c.fetchChat = ""

	if err != nil {
		ferr := fmt.Errorf("fetching snapshot of chat %s: %w", chatID, err)
		c.logger.Warn("snapshot failed", slog.String("chat_id", chatID), slog.String("error", err.Error()))
		c.notify(Update{Kind: UpdateSnapshotFailed, ChatID: chatID, Err: ferr})
		r.fail(ferr)

		return fatal(err)
	}

	c.store.LoadSnapshot(chatID, msgs)
	c.notify(Update{Kind: UpdateMessages, ChatID: chatID})
	r.send(struct{}{}, nil)

	return nil
}

// fatal returns err if it must end the session, or nil.
func fatal(err error) error {
	if errors.Is(err, apperrors.ErrAuth) {
		return fmt.Errorf("sync session: %w", err)
	}

	return nil
}
