package server

import "time"

// Server configuration constants
const (
	// Request bodies larger than this are rejected
	MaxBodyBytes = 1 << 20

	// Per-connection WebSocket rate limiting for client messages
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Deadline for one WebSocket write
	WriteTimeout = 5 * time.Second
)

// Response status values
const (
	StatusStarted           = "started"
	StatusTerminated        = "terminated"
	StatusActive            = "active"
	StatusTranscribing      = "transcribing"
	StatusAlreadyInProgress = "already_in_progress"
	StatusNoSession         = "no_session"
	StatusInvalidRequest    = "invalid_request"
	StatusError             = "error"
	StatusOK                = "ok"
)
