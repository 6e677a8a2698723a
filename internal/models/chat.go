// Package models defines the chat data types shared across internal packages.
package models

import (
	"errors"
	"time"
)

// User is an identity issued by the auth backend. Immutable.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Chat is an undirected conversation between exactly two users.
type Chat struct {
	ID           string `json:"id"`
	ParticipantA string `json:"user1_id"`
	ParticipantB string `json:"user2_id"`
}

// Has reports whether userID is one of the chat's participants.
func (c Chat) Has(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Peer returns the participant that is not userID, or "" if userID is not
// part of the chat.
func (c Chat) Peer(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}

	return ""
}

// Message is a single chat message. Content is immutable once created;
// the only lifecycle transition is a hard delete.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields every message must carry.
func (m Message) Validate() error {
	switch {
	case m.ChatID == "":
		return errors.New("message has no chat_id")
	case m.SenderID == "":
		return errors.New("message has no sender_id")
	case m.Content == "":
		return errors.New("message has empty content")
	}

	return nil
}
