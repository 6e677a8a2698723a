package chatsync

import (
	"context"
	"log/slog"
	"sync/atomic"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/envelope"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/google/uuid"
)

// eventBuffer is how many events may queue before posters block.
const eventBuffer = 64

// loopFunc runs on the event loop. A non-nil error ends the session.
type loopFunc func(ctx context.Context) error

// session is the event queue of one Start/Run cycle. done is closed when
// the loop has stopped, which releases every blocked poster.
type session struct {
	events  chan loopFunc
	done    chan struct{}
	running atomic.Bool
}

func newSession() *session {
	return &session{
		events: make(chan loopFunc, eventBuffer),
		done:   make(chan struct{}),
	}
}

// claim marks the session as having a loop. Only the first call wins.
func (s *session) claim() bool {
	return s.running.CompareAndSwap(false, true)
}

// post queues fn for the loop. It reports false once the loop has stopped.
func (s *session) post(fn loopFunc) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

type result[T any] struct {
	val T
	err error
}

// reply carries the outcome of a loop operation back to its caller. Only
// the first send is delivered. A nil reply discards everything.
type reply[T any] struct {
	ch chan result[T]
}

func newReply[T any]() *reply[T] {
	return &reply[T]{ch: make(chan result[T], 1)}
}

func (r *reply[T]) send(v T, err error) {
	if r == nil {
		return
	}

	select {
	case r.ch <- result[T]{val: v, err: err}:
	default:
	}
}

func (r *reply[T]) fail(err error) {
	var zero T
	r.send(zero, err)
}

// call submits op to the loop of the live session and waits for its
// reply. ctx bounds only the wait; work already started on the loop
// carries on.
func call[T any](ctx context.Context, c *Coordinator, op func(ctx context.Context, r *reply[T]) error) (T, error) {
	var zero T

	c.mu.RLock()
	s := c.sess
	live := c.state == StateLive
	c.mu.RUnlock()

	if !live || s == nil {
		return zero, apperrors.ErrNotLive
	}

	r := newReply[T]()

	select {
	case s.events <- func(ctx context.Context) error { return op(ctx, r) }:
	case <-s.done:
		return zero, apperrors.ErrNotLive
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-r.ch:
		return res.val, res.err
	case <-s.done:
		select {
		case res := <-r.ch:
			return res.val, res.err
		default:
			return zero, apperrors.ErrNotLive
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// spawn runs work off the loop and posts the continuation it returns back
// onto the loop. Must be called from the loop.
func (c *Coordinator) spawn(work func() loopFunc) {
	s := c.loop

	c.inflight.Add(1)

	go func() {
		defer c.inflight.Done()

		if next := work(); next != nil {
			s.post(next)
		}
	}()
}

// listener forwards push channel events onto the session's loop.
type listener struct {
	c *Coordinator
	s *session
}

func (l *listener) OnOpen() {
	l.s.post(func(ctx context.Context) error {
		l.c.handleOpen(ctx)
		return nil
	})
}

func (l *listener) OnMessage(data []byte) {
	l.s.post(func(context.Context) error {
		l.c.handleFrame(data)
		return nil
	})
}

func (l *listener) OnClose(err error) {
	l.s.post(func(context.Context) error {
		l.c.handleClose(err)
		return nil
	})
}

func (c *Coordinator) handleOpen(ctx context.Context) {
	c.notify(Update{Kind: UpdateConnection})

	reconnect := c.opened
	c.opened = true

	// Deltas broadcast while the channel was down are lost; the active
	// chat's history is re-fetched to cover the gap.
	if active := c.chats.ActiveID(); reconnect && active != "" {
		c.logger.Info("push channel reconnected, refreshing active chat", slog.String("chat_id", active))
		c.startFetch(ctx, active, nil)
	}
}

func (c *Coordinator) handleClose(err error) {
	if err != nil {
		c.logger.Debug("push channel closed", slog.String("error", err.Error()))
	}

	c.notify(Update{Kind: UpdateConnection, Err: err})
}

// handleFrame routes one decoded push frame.
func (c *Coordinator) handleFrame(data []byte) {
	env := envelope.Decode(data)

	switch env.Kind {
	case envelope.KindNewMessage:
		c.applyIncoming(env.Message)

	case envelope.KindMessageDeleted:
		chatID, removed := c.store.RemoveByID(env.MessageID)
		if !removed {
			c.logger.Debug("delete for unknown message", slog.String("message_id", env.MessageID))
			return
		}

		c.notify(Update{Kind: UpdateMessages, ChatID: chatID})

	default:
		c.metrics.FrameMalformed()
		c.logger.Warn("dropping malformed push frame",
			slog.String("error", env.Err.Error()),
			slog.Int("bytes", len(data)),
		)
	}
}

// applyIncoming reconciles a server message into its chat. Messages for
// chats missing from the list are dropped; a chat only enters the list
// through a snapshot or the create-chat flow.
func (c *Coordinator) applyIncoming(msg models.Message) {
	if !c.chats.Contains(msg.ChatID) {
		c.logger.Debug("dropping message for unknown chat",
			slog.String("chat_id", msg.ChatID),
			slog.String("message_id", msg.ID),
		)

		return
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	outcome, _ := c.store.ReconcileIncoming(msg.ChatID, msg)
	c.chats.Touch(msg.ChatID)

	c.logger.Debug("incoming message",
		slog.String("chat_id", msg.ChatID),
		slog.String("message_id", msg.ID),
		slog.String("outcome", outcome.String()),
	)

	c.notify(Update{Kind: UpdateMessages, ChatID: msg.ChatID})
	c.notify(Update{Kind: UpdateChats})
}
