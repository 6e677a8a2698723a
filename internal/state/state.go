// Package state persists the CLI's credentials and session preferences
// in a bbolt database. Messages are never stored here.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	tokensBucket   = []byte("tokens")
	lastChatBucket = []byte("last_chat")
)

// State wraps a bbolt database for persistent CLI state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at path, or at ~/.chat-sync/state.db when
// path is empty, creating it if it does not exist.
func Load(path string) (*State, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tokensBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(lastChatBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached access token for an API base URL, or "".
func (s *State) Token(apiBase string) string {
	return s.get(tokensBucket, apiBase)
}

// SetToken caches the access token for an API base URL.
func (s *State) SetToken(apiBase, token string) error {
	if apiBase == "" {
		return errors.New("empty API base URL")
	}

	return s.put(tokensBucket, apiBase, token)
}

// ClearToken forgets the cached token, typically after the server
// rejected it.
func (s *State) ClearToken(apiBase string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(apiBase))
	})
}

// LastChat returns the chat that was active when userID last quit, or "".
func (s *State) LastChat(userID string) string {
	return s.get(lastChatBucket, userID)
}

// SetLastChat remembers the active chat for userID. An empty chatID
// clears it.
func (s *State) SetLastChat(userID, chatID string) error {
	if userID == "" {
		return errors.New("empty user id")
	}

	if chatID == "" {
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(lastChatBucket).Delete([]byte(userID))
		})
	}

	return s.put(lastChatBucket, userID, chatID)
}

func (s *State) get(bucket []byte, key string) string {
	var val string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v != nil {
			val = string(v)
		}

		return nil
	})

	return val
}

func (s *State) put(bucket []byte, key, val string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), []byte(val))
	})
}

// DefaultPath returns ~/.chat-sync/state.db. It fails rather than fall back
// to the working directory, where a token-bearing file could end up in a
// source tree.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chat-sync", "state.db"), nil
}
