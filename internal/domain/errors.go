package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrStaleQuote    = errors.New("quote is stale")
	ErrInvalidQuote  = errors.New("invalid quote")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrVenueDegraded = errors.New("venue degraded")
)
