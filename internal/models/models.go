package models

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// CallStatus is the status field of a call record. The four values are the
// wire contract shared with every other endpoint.
type CallStatus string

const (
	StatusCalling   CallStatus = "calling"
	StatusConnected CallStatus = "connected"
	StatusRejected  CallStatus = "rejected"
	StatusEnded     CallStatus = "ended"
)

// Terminal reports whether no party may mutate the record any further.
func (s CallStatus) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

func (s CallStatus) Valid() bool {
	switch s {
	case StatusCalling, StatusConnected, StatusRejected, StatusEnded:
		return true
	}
	return false
}

// Role decides which candidate sub-collection a session publishes into.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Remote returns the role of the other party.
func (r Role) Remote() Role {
	if r == RoleOfferer {
		return RoleAnswerer
	}
	return RoleOfferer
}

// Collection is the name of the candidate sub-collection owned by the role.
func (r Role) Collection() string {
	if r == RoleOfferer {
		return "offerCandidates"
	}
	return "answerCandidates"
}

func (r Role) Valid() bool {
	return r == RoleOfferer || r == RoleAnswerer
}

// CallRecord is the shared signaling document of one call attempt.
type CallRecord struct {
	ID         string                     `json:"-"`
	CallerID   string                     `json:"callerId"`
	ReceiverID string                     `json:"receiverId"`
	Status     CallStatus                 `json:"status"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	CreatedAt  time.Time                  `json:"timestamp"`
}

// RecordUpdate is a partial write. Nil fields are left untouched.
type RecordUpdate struct {
	CallerID   *string
	ReceiverID *string
	Status     *CallStatus
	Offer      *webrtc.SessionDescription
	Answer     *webrtc.SessionDescription

	// IfStatus makes the write conditional on the stored status. It is
	// never stored.
	IfStatus *CallStatus
}

// Apply merges the non-nil fields of u into rec.
func (u RecordUpdate) Apply(rec *CallRecord) {
	if u.CallerID != nil {
		rec.CallerID = *u.CallerID
	}
	if u.ReceiverID != nil {
		rec.ReceiverID = *u.ReceiverID
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Offer != nil {
		offer := *u.Offer
		rec.Offer = &offer
	}
	if u.Answer != nil {
		answer := *u.Answer
		rec.Answer = &answer
	}
}

// WithStatus returns an update carrying only the status field.
func WithStatus(s CallStatus) RecordUpdate {
	return RecordUpdate{Status: &s}
}

// Participant is the display identity of an endpoint user.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
}

// SessionInfo is a point-in-time view of a local call session.
type SessionInfo struct {
	CallID    string    `json:"call_id"`
	Role      Role      `json:"role"`
	LocalID   string    `json:"local_id"`
	RemoteID  string    `json:"remote_id"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Muted     bool      `json:"muted"`
	CameraOff bool      `json:"camera_off"`
	Pending   int       `json:"pending_candidates"`
	StartTime time.Time `json:"start_time"`
}

// IncomingCall is the notification surfaced for the first pending call.
type IncomingCall struct {
	CallID    string      `json:"call_id"`
	Caller    Participant `json:"caller"`
	CreatedAt time.Time   `json:"created_at"`
}
