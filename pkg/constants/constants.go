// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// WebSocket constants
const (
	// WebSocketPongWait is how long a connection may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketPingInterval must stay below WebSocketPongWait
	WebSocketPingInterval = (WebSocketPongWait * 9) / 10

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxFrameSize caps inbound frames (SDP blobs included)
	WebSocketMaxFrameSize = 64 * 1024

	// WebSocketSendBuffer is the per-connection outbound queue length
	WebSocketSendBuffer = 256

	// ReconnectMinBackoff is the first client reconnect delay
	ReconnectMinBackoff = 500 * time.Millisecond

	// ReconnectMaxBackoff caps the client reconnect delay
	ReconnectMaxBackoff = 30 * time.Second
)

// Presence and call room constants
const (
	// PresenceTTL is refreshed on every pong; a user without it counts as offline
	PresenceTTL = 5 * time.Minute

	// CallRoomTTL bounds how long an abandoned room record survives
	CallRoomTTL = 4 * time.Hour

	// ConsultationWindow is the half-width of the call window around an appointment
	ConsultationWindow = 30 * time.Minute

	// NegotiationTimeout fails a call stuck in negotiation
	NegotiationTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Storage and file upload constants
const (
	// PresignedURLExpiry is the validity period for presigned upload URLs
	PresignedURLExpiry = 15 * time.Minute

	// MaxAttachmentSize is the maximum allowed attachment size in bytes (50MB)
	MaxAttachmentSize = 50 * 1024 * 1024
)

// AllowedMIMETypes lists the attachment types accepted per message kind
var AllowedMIMETypes = map[string]string{
	"image/jpeg":      "image",
	"image/png":       "image",
	"image/webp":      "image",
	"application/pdf": "file",
	"text/plain":      "file",
	"video/mp4":       "video",
	"video/webm":      "video",
}

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of messages per history page
	DefaultPageSize = 50

	// MaxPageSize is the maximum number of messages per history page
	MaxPageSize = 200
)

// Message constants
const (
	// MaxMessageLength is the maximum allowed message length in runes
	MaxMessageLength = 10000
)
