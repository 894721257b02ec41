// Package channels defines the transport contracts used by the orchestration
// core. A transport delivers text to a DeliveryTarget, edits what it sent,
// and renders approve/deny controls whose activation is reported back.
package channels

import (
	"context"
	"fmt"
	"time"
)

// TargetKind tags a DeliveryTarget.
type TargetKind int

const (
	// TargetChannel delivers to the top-level channel.
	TargetChannel TargetKind = iota
	// TargetSession delivers to a session (a thread) bound to a channel.
	TargetSession
)

func (k TargetKind) String() string {
	if k == TargetSession {
		return "session"
	}
	return "channel"
}

// DeliveryTarget is where replies for one exchange go. It is resolved once
// per exchange and passed explicitly.
type DeliveryTarget struct {
	Kind      TargetKind
	ChannelID string
	SessionID string
}

// ChannelTarget returns a target for a plain channel.
func ChannelTarget(channelID string) DeliveryTarget {
	return DeliveryTarget{Kind: TargetChannel, ChannelID: channelID}
}

// SessionTarget returns a target for a session (thread) under channelID.
func SessionTarget(channelID, sessionID string) DeliveryTarget {
	return DeliveryTarget{Kind: TargetSession, ChannelID: channelID, SessionID: sessionID}
}

// Destination returns the transport id messages are posted to.
func (t DeliveryTarget) Destination() string {
	if t.Kind == TargetSession && t.SessionID != "" {
		return t.SessionID
	}
	return t.ChannelID
}

func (t DeliveryTarget) String() string {
	if t.Kind == TargetSession {
		return fmt.Sprintf("session:%s/%s", t.ChannelID, t.SessionID)
	}
	return "channel:" + t.ChannelID
}

// MessageRef identifies a message previously sent by a transport.
type MessageRef struct {
	// DestinationID is the channel or thread the message lives in.
	DestinationID string
	MessageID     string
}

// IsZero reports whether the ref points at nothing.
func (r MessageRef) IsZero() bool { return r.MessageID == "" }

// ApprovalDecision is reported when someone activates an approval control.
type ApprovalDecision struct {
	RequestID string
	Approved  bool
	UserID    string
	Username  string
}

// DecisionHandler receives approval decisions. It runs on a transport
// goroutine and must not assume any particular caller.
type DecisionHandler func(ctx context.Context, d ApprovalDecision)

// ApprovalControls describes the approve/deny affordances attached to a prompt.
type ApprovalControls struct {
	RequestID string

	// TTL bounds how long the controls accept input. Zero means no limit.
	TTL time.Duration

	// AllowedUsers restricts who may decide. Empty means anyone.
	AllowedUsers []string

	OnDecision DecisionHandler
}

// Transport is the outbound side of a messaging platform.
type Transport interface {
	Send(ctx context.Context, target DeliveryTarget, content string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, content string) error
	SendWithApprovalControls(ctx context.Context, target DeliveryTarget, content string, controls ApprovalControls) (MessageRef, error)
}

// SessionOpener is implemented by transports that can open a session
// (thread) under a channel.
type SessionOpener interface {
	OpenSession(ctx context.Context, channelID, name, fromMessageID string) (sessionID string, err error)
}

// PresenceTransport is implemented by transports with typing indicators.
type PresenceTransport interface {
	SendTyping(ctx context.Context, target DeliveryTarget) error
}

// Channel is a full platform connection: inbound stream plus Transport.
type Channel interface {
	Transport

	// Name returns the channel identifier (e.g. "discord").
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error

	// Receive returns the stream of inbound messages.
	Receive() <-chan *IncomingMessage

	IsConnected() bool
	Health() HealthStatus
}

// IncomingMessage is a message received from a platform.
type IncomingMessage struct {
	// ID is the platform message id.
	ID string

	// Channel names the platform (e.g. "discord").
	Channel string

	// SurfaceID is the server/guild id; empty for direct messages.
	SurfaceID string

	// ChannelID is the top-level channel. For messages inside a thread it is
	// the thread's parent.
	ChannelID string

	// ThreadID is set when the message was posted inside a thread.
	ThreadID string

	From     string
	FromName string
	Content  string

	Timestamp time.Time

	// ReplyTo is the id of the message being replied to.
	ReplyTo string

	// QuotedContent is the text of the replied-to message, when known.
	QuotedContent string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
)
