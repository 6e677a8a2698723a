package errors

import "errors"

// Session errors. ErrAuth is fatal to a sync session.
var (
	ErrAuth    = errors.New("authentication rejected")
	ErrNotLive = errors.New("sync session is not live")
)

// Transport errors. Never fatal; the push channel reconnects on its own.
var (
	ErrTransport    = errors.New("push transport failure")
	ErrNotConnected = errors.New("push channel not connected")
)

// Payload and persistence errors.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrPersistence      = errors.New("persisting change failed")
	ErrUnknownChat      = errors.New("chat not found")
	ErrStaleSnapshot    = errors.New("snapshot superseded by a newer selection")
)

// REST errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
