package domain

import "errors"

var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrAuthorization    = errors.New("access denied")
	ErrCapacityExceeded = errors.New("room full")
	ErrTransientLookup  = errors.New("membership lookup unavailable")
	ErrNotFound         = errors.New("not found")
	ErrInvalidRoom      = errors.New("invalid room")
	ErrInvalidCursor    = errors.New("invalid cursor")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrNotInRoom        = errors.New("connection has not joined room")
	ErrNotMessageAuthor = errors.New("not the message author")
	ErrEmptyMessage     = errors.New("message content is empty")
	ErrMessageTooLong   = errors.New("message content too long")
)
