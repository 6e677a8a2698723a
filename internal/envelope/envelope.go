// Package envelope converts push-channel frames and REST message bodies
// to and from the internal message types.
//
// Three inbound shapes are recognised:
//
//	{"type":"new_message","id":..,"chat_id":..,"sender_id":..,"content":..,"created_at":..}
//	{"type":"message_deleted","message_id":..}
//	{"chat_id":..,"sender_id":..,"content":..}   (legacy, untagged)
//
// Legacy frames may carry "timestamp" instead of "created_at". Ids are
// accepted as JSON strings or numbers. Anything else decodes to a
// Malformed envelope instead of an error, so one bad frame never aborts
// the stream.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// Kind identifies the envelope variant.
type Kind int

const (
	KindMalformed Kind = iota
	KindNewMessage
	KindMessageDeleted
)

func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return "new_message"
	case KindMessageDeleted:
		return "message_deleted"
	default:
		return "malformed"
	}
}

const (
	typeNewMessage     = "new_message"
	typeMessageDeleted = "message_deleted"
)

// Envelope is the normalized form of one inbound frame. Exactly one of
// Message (KindNewMessage), MessageID (KindMessageDeleted) or Reason and
// Err (KindMalformed) is meaningful. Err wraps ErrMalformedPayload.
type Envelope struct {
	Kind      Kind
	Message   models.Message
	MessageID string
	// Legacy is set when the frame had no type tag.
	Legacy bool
	Reason string
	Err    error
}

// timeLayouts are tried in order. The backend emits naive ISO-8601
// timestamps without a zone; those are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func malformed(format string, args ...any) Envelope {
	reason := fmt.Sprintf(format, args...)

	return Envelope{
		Kind:   KindMalformed,
		Reason: reason,
		Err:    fmt.Errorf("%w: %s", apperrors.ErrMalformedPayload, reason),
	}
}

// Decode parses one inbound frame.
func Decode(data []byte) Envelope {
	if !gjson.ValidBytes(data) {
		return malformed("invalid JSON (%d bytes)", len(data))
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return malformed("frame is not a JSON object")
	}

	tag := root.Get("type")
	if tag.Exists() {
		switch tag.String() {
		case typeNewMessage:
			return decodeNewMessage(root, false)
		case typeMessageDeleted:
			id := root.Get("message_id").String()
			if id == "" {
				return malformed("message_deleted without message_id")
			}

			return Envelope{Kind: KindMessageDeleted, MessageID: id}
		default:
			return malformed("unknown frame type %q", tag.String())
		}
	}

	if root.Get("chat_id").Exists() && root.Get("sender_id").Exists() && root.Get("content").Exists() {
		return decodeNewMessage(root, true)
	}

	return malformed("unrecognised frame shape")
}

func decodeNewMessage(root gjson.Result, legacy bool) Envelope {
	msg := messageFrom(root)
	if err := msg.Validate(); err != nil {
		return malformed("%s", err.Error())
	}

	return Envelope{Kind: KindNewMessage, Message: msg, Legacy: legacy}
}

// messageFrom reads message fields from a parsed JSON object.
func messageFrom(obj gjson.Result) models.Message {
	ts := obj.Get("created_at")
	if !ts.Exists() || ts.String() == "" {
		ts = obj.Get("timestamp")
	}

	return models.Message{
		ID:        obj.Get("id").String(),
		ChatID:    obj.Get("chat_id").String(),
		SenderID:  obj.Get("sender_id").String(),
		Content:   obj.Get("content").String(),
		CreatedAt: parseTime(ts.String()),
	}
}

// parseTime returns the zero time for empty or unparseable input. The
// timestamp is informational and never a reason to drop a message.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	return time.Time{}
}

// DecodeMessage parses a single REST message body.
func DecodeMessage(data []byte) (models.Message, error) {
	if !gjson.ValidBytes(data) {
		return models.Message{}, fmt.Errorf("%w: invalid JSON message body", apperrors.ErrMalformedPayload)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return models.Message{}, fmt.Errorf("%w: message body is not an object", apperrors.ErrMalformedPayload)
	}

	msg := messageFrom(root)
	if err := msg.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", apperrors.ErrMalformedPayload, err)
	}

	return msg, nil
}

// DecodeMessages parses a REST message list, preserving server order.
func DecodeMessages(data []byte) ([]models.Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON message list", apperrors.ErrMalformedPayload)
	}

	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: message list is not an array", apperrors.ErrMalformedPayload)
	}

	items := root.Array()
	msgs := make([]models.Message, 0, len(items))

	for i, item := range items {
		msg := messageFrom(item)
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: message %d: %w", apperrors.ErrMalformedPayload, i, err)
		}

		msgs = append(msgs, msg)
	}

	return msgs, nil
}

// sendFrame is the outbound request a client pushes for a new message.
type sendFrame struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// EncodeSend serializes a user send into the tagged push request form.
func EncodeSend(chatID, senderID, content string) ([]byte, error) {
	data, err := json.Marshal(sendFrame{
		Type:     typeNewMessage,
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling send frame: %w", err)
	}

	return data, nil
}
