package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/chat-sync/internal/envelope"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// Login exchanges a username and password for an access token using the
// backend's form-encoded OAuth2 password flow.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{
		"username": {username},
		"password": {password},
	}

	body, err := c.do(ctx, http.MethodPost, "/auth/login", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return "", fmt.Errorf("logging in: %w", err)
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", fmt.Errorf("logging in: %w", malformedResponse("/auth/login", errors.New("no access_token")))
	}

	return token, nil
}

// ListUsers returns every registered user.
func (c *Client) ListUsers(ctx context.Context) ([]models.User, error) {
	const endpoint = "/users/all"

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	root, err := array(body)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", malformedResponse(endpoint, err))
	}

	users := make([]models.User, 0, len(root))
	for _, u := range root {
		users = append(users, models.User{
			ID:       u.Get("id").String(),
			Username: u.Get("username").String(),
		})
	}

	return users, nil
}

// ListChats returns the caller's chats in server order.
func (c *Client) ListChats(ctx context.Context) ([]models.Chat, error) {
	const endpoint = "/chats/all-chats"

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}

	root, err := array(body)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", malformedResponse(endpoint, err))
	}

	chats := make([]models.Chat, 0, len(root))
	for i, item := range root {
		chat, err := chatFrom(item)
		if err != nil {
			return nil, fmt.Errorf("listing chats: %w", malformedResponse(endpoint, fmt.Errorf("chat %d: %w", i, err)))
		}
		chats = append(chats, chat)
	}

	return chats, nil
}

// ListMessages returns the ordered message history of a chat.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	endpoint := "/chats/all-messages?" + url.Values{"chat_id": {chatID}}.Encode()

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("listing messages of chat %s: %w", chatID, err)
	}

	msgs, err := envelope.DecodeMessages(body)
	if err != nil {
		return nil, fmt.Errorf("listing messages of chat %s: %w", chatID, malformedResponse("/chats/all-messages", err))
	}

	return msgs, nil
}

// CreateChat opens a chat between the caller and peerID.
func (c *Client) CreateChat(ctx context.Context, peerID string) (models.Chat, error) {
	endpoint := "/chats/create-chat?" + url.Values{"user2_id": {peerID}}.Encode()

	body, err := c.postJSON(ctx, endpoint, nil)
	if err != nil {
		return models.Chat{}, fmt.Errorf("creating chat with %s: %w", peerID, err)
	}

	if !gjson.ValidBytes(body) {
		return models.Chat{}, fmt.Errorf("creating chat with %s: %w", peerID, malformedResponse("/chats/create-chat", errors.New("invalid JSON")))
	}

	chat, err := chatFrom(gjson.ParseBytes(body))
	if err != nil {
		return models.Chat{}, fmt.Errorf("creating chat with %s: %w", peerID, malformedResponse("/chats/create-chat", err))
	}

	return chat, nil
}

type createMessageRequest struct {
	ChatID   string `json:"chat_id"`
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
}

// CreateMessage durably stores a message and returns the server's copy.
func (c *Client) CreateMessage(ctx context.Context, chatID, content, senderID string) (models.Message, error) {
	const endpoint = "/chats/create-message"

	body, err := c.postJSON(ctx, endpoint, createMessageRequest{
		ChatID:   chatID,
		Content:  content,
		SenderID: senderID,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("creating message in chat %s: %w", chatID, err)
	}

	msg, err := envelope.DecodeMessage(body)
	if err != nil {
		return models.Message{}, fmt.Errorf("creating message in chat %s: %w", chatID, malformedResponse(endpoint, err))
	}

	return msg, nil
}

// DeleteMessage hard-deletes a message. The backend answers with a bare
// boolean.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) (bool, error) {
	endpoint := "/chats/delete-message/" + url.PathEscape(messageID)

	body, err := c.do(ctx, http.MethodDelete, endpoint, nil, "")
	if err != nil {
		return false, fmt.Errorf("deleting message %s: %w", messageID, err)
	}

	res := gjson.ParseBytes(body)
	if !gjson.ValidBytes(body) || !res.IsBool() {
		return false, fmt.Errorf("deleting message %s: %w", messageID, malformedResponse(endpoint, fmt.Errorf("want boolean, got %q", sanitizeResponseBody(body))))
	}

	return res.Bool(), nil
}

func array(body []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON")
	}

	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, errors.New("not an array")
	}

	return root.Array(), nil
}

func chatFrom(obj gjson.Result) (models.Chat, error) {
	if !obj.IsObject() {
		return models.Chat{}, errors.New("not an object")
	}

	chat := models.Chat{
		ID:           obj.Get("id").String(),
		ParticipantA: obj.Get("user1_id").String(),
		ParticipantB: obj.Get("user2_id").String(),
	}
	if chat.ID == "" {
		return models.Chat{}, errors.New("chat has no id")
	}

	return chat, nil
}
