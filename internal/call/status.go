package call

import (
	"errors"
	"fmt"
	"time"

	"peercall/internal/media"
)

var (
	// ErrNegotiationFailed wraps every failure to produce, apply or publish
	// a session description.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrSessionClosed is returned for operations on a released session.
	ErrSessionClosed = errors.New("call session closed")
)

func negotiationError(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNegotiationFailed, step, err)
}

// State is the session lifecycle position.
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateEnded       State = "ended"
	StateFailed      State = "failed"
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// FailureReason classifies a Failed session.
type FailureReason string

const (
	ReasonDeviceUnavailable      FailureReason = "device_unavailable"
	ReasonDevicePermissionDenied FailureReason = "device_permission_denied"
	ReasonInsecureContext        FailureReason = "insecure_context"
	ReasonNegotiationFailed      FailureReason = "negotiation_failed"
)

// ReasonFor maps a terminal session error to its failure reason.
func ReasonFor(err error) FailureReason {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return ReasonDevicePermissionDenied
	case errors.Is(err, media.ErrDeviceUnavailable):
		return ReasonDeviceUnavailable
	case errors.Is(err, media.ErrInsecureContext):
		return ReasonInsecureContext
	default:
		return ReasonNegotiationFailed
	}
}

// StatusEvent is one entry of a session's status stream.
type StatusEvent struct {
	CallID string        `json:"call_id"`
	State  State         `json:"state"`
	Reason FailureReason `json:"reason,omitempty"`

	// Message is a human-readable note: "connection interrupted" when the
	// transport drops, the ending cause for Ended.
	Message string `json:"message,omitempty"`

	// Transport is the peer connection state that triggered the event.
	Transport string `json:"transport,omitempty"`

	Err error     `json:"-"`
	At  time.Time `json:"at"`
}

// Ending causes carried in StatusEvent.Message.
const (
	EndedHangup       = "hangup"
	EndedRejected     = "rejected"
	EndedRemoteHangup = "remote hangup"
	EndedClosed       = "closed"

	MessageConnected   = "connected"
	MessageInterrupted = "connection interrupted"
)
