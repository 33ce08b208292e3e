// Package channels defines the transport-facing types shared between the
// connection layer and the message pipeline: inbound frames, outbound reply
// segments, and the Channel interface every chat transport implements.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageKind identifies the kind of inbound message content.
type MessageKind string

const (
	KindText    MessageKind = "text"
	KindImage   MessageKind = "image"
	KindFile    MessageKind = "file"
	KindVideo   MessageKind = "video"
	KindAudio   MessageKind = "audio"
	KindContact MessageKind = "contact"
	KindGif     MessageKind = "gif"
	KindSystem  MessageKind = "system"
	KindUnknown MessageKind = "unknown"
)

// Channel defines the interface a chat transport must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "rocketgo").
	Name() string

	// Connect authenticates and establishes the live connection.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers one reply segment. Returns ErrNotConnected when the
	// channel is not in the connected state. Segments submitted in order
	// are delivered in order.
	Send(ctx context.Context, seg *OutboundSegment) error

	// Receive returns a Go channel that emits incoming frames in receipt
	// order.
	Receive() <-chan *InboundFrame

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// ReadMarker is implemented by channels that can mark inbound messages as
// read on the platform.
type ReadMarker interface {
	MarkRead(ctx context.Context, chatLogID string) error
}

// InboundFrame is one event received from the transport. Frames are
// transient; they exist only to drive a conversation update and a reply.
type InboundFrame struct {
	// ID is the platform message identifier, used for deduplication.
	ID string

	// UserID is the conversation identity (the platform's chat-user id).
	// This is the key under which conversation state is persisted.
	UserID string

	// AccountID is the operator account the message arrived on.
	AccountID string

	// FriendID is the end user's own platform identifier.
	FriendID string

	// ChatLogID is the platform chat-log row id, used to mark the
	// message read.
	ChatLogID string

	// Kind is the message content kind.
	Kind MessageKind

	// Text is the text content or caption.
	Text string

	// MediaURL points at remote media for non-text kinds.
	MediaURL string

	// ReceivedAt is when the frame was received.
	ReceivedAt time.Time
}

// OutboundSegment is one ordered piece of a reply. Segments of a single
// reply carry increasing SequenceIndex and must reach the transport in that
// order, never interleaved with another reply to the same user.
type OutboundSegment struct {
	UserID        string
	AccountID     string
	FriendID      string
	SequenceIndex int
	TotalSegments int
	Text          string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected      bool
	LastActivityAt time.Time
	ErrorCount     int
	Details        map[string]any
}

// Errors.
var (
	ErrNotConnected     = fmt.Errorf("channel is not connected")
	ErrAuthFailed       = fmt.Errorf("authentication failed")
	ErrConnectionFailed = fmt.Errorf("failed to connect to channel")
	ErrSendFailed       = fmt.Errorf("failed to send message")
)
