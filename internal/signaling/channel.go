// Package signaling is the call negotiator's view of the shared document
// store. A call is one record plus two append-only candidate
// sub-collections, one per role. The store only offers document writes and
// snapshot subscriptions; there is no message bus, so every consumer must
// tolerate duplicate deliveries of the same record state.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"peercall/internal/models"
)

var (
	// ErrRecordNotFound is returned by Update and Get for unknown call ids.
	ErrRecordNotFound = errors.New("call record not found")

	// ErrChannelIO wraps transient read, write and subscribe failures.
	ErrChannelIO = errors.New("signaling channel I/O")

	// ErrRecordTerminal refuses any write to an ended or rejected record
	// other than another terminal status.
	ErrRecordTerminal = errors.New("call record already terminated")

	// ErrOfferExists refuses a second, different offer.
	ErrOfferExists = errors.New("call record already has an offer")

	// ErrAlreadyAnswered refuses a second, different answer.
	ErrAlreadyAnswered = errors.New("call already answered")

	// ErrNoOffer refuses an answer to a record that has no offer.
	ErrNoOffer = errors.New("call record has no offer to answer")

	// ErrStatusChanged is returned when RecordUpdate.IfStatus does not match.
	ErrStatusChanged = errors.New("call record status changed")
)

// Refused reports whether err is a store-side refusal of the write rather
// than an I/O failure.
func Refused(err error) bool {
	for _, target := range []error{ErrRecordNotFound, ErrRecordTerminal, ErrOfferExists, ErrAlreadyAnswered, ErrNoOffer, ErrStatusChanged} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// checkUpdate enforces the record invariants every store shares: the offer
// is written once, the answer once and only after the offer, and a
// terminal record only moves between ended and rejected. Rewriting an
// identical description is accepted. rec is nil for a record that does not
// exist yet.
func checkUpdate(id string, rec *models.CallRecord, u models.RecordUpdate) error {
	if rec == nil {
		rec = &models.CallRecord{}
	}
	if u.IfStatus != nil && rec.Status != *u.IfStatus {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrRecordTerminal, id, rec.Status)
		}
		return fmt.Errorf("%w: %s is %q, want %s", ErrStatusChanged, id, rec.Status, *u.IfStatus)
	}
	if rec.Status.Terminal() {
		statusOnly := u.CallerID == nil && u.ReceiverID == nil && u.Offer == nil && u.Answer == nil
		if !statusOnly || u.Status == nil || !u.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrRecordTerminal, id, rec.Status)
		}
		return nil
	}
	if u.Offer != nil && rec.Offer != nil && !sameDescription(*rec.Offer, *u.Offer) {
		return fmt.Errorf("%w: %s", ErrOfferExists, id)
	}
	if u.Answer != nil {
		if rec.Offer == nil && u.Offer == nil {
			return fmt.Errorf("%w: %s", ErrNoOffer, id)
		}
		if rec.Answer != nil && !sameDescription(*rec.Answer, *u.Answer) {
			return fmt.Errorf("%w: %s", ErrAlreadyAnswered, id)
		}
	}
	return nil
}

func sameDescription(a, b webrtc.SessionDescription) bool {
	return a.Type == b.Type && a.SDP == b.SDP
}

// Channel is the document-store contract used by call sessions and the
// lifecycle coordinator. Every call is keyed by its call id.
type Channel interface {
	// CreateOrMerge upserts the record, leaving fields absent from u as they
	// are. The creation timestamp is assigned by the store.
	CreateOrMerge(ctx context.Context, id string, u models.RecordUpdate) error

	// Update merges u into an existing record and fails with
	// ErrRecordNotFound if there is none.
	//
	// Both writes refuse updates that would break the record invariants
	// (ErrRecordTerminal, ErrOfferExists, ErrAlreadyAnswered, ErrNoOffer,
	// ErrStatusChanged) and leave the record untouched.
	Update(ctx context.Context, id string, u models.RecordUpdate) error

	Get(ctx context.Context, id string) (*models.CallRecord, error)

	// SubscribeRecord calls fn with the full record once on subscribe (if it
	// exists) and after every mutation. Delivery is at-least-once.
	SubscribeRecord(ctx context.Context, id string, fn func(models.CallRecord)) (cancel func(), err error)

	// CandidateWriter returns the append side of role's sub-collection.
	CandidateWriter(id string, role models.Role) CandidateWriter

	// CandidateReader returns the subscribe side of role's sub-collection.
	CandidateReader(id string, role models.Role) CandidateReader

	// SubscribePending delivers, on subscribe and after every change, the
	// records addressed to receiverID whose status is calling, oldest first.
	SubscribePending(ctx context.Context, receiverID string, fn func([]models.CallRecord)) (cancel func(), err error)
}

// CandidateWriter appends to one role's candidate sub-collection. Appending
// before the record itself exists is allowed.
type CandidateWriter interface {
	Append(ctx context.Context, c webrtc.ICECandidateInit) error
}

// CandidateReader subscribes to one role's candidate sub-collection. Existing
// members are delivered first in insertion order, then each new member once.
type CandidateReader interface {
	Subscribe(ctx context.Context, fn func(webrtc.ICECandidateInit)) (cancel func(), err error)
}
