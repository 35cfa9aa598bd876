package call

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"peercall/internal/media"
	"peercall/internal/models"
	"peercall/internal/signaling"
)

func newPionSession(t *testing.T, store signaling.Channel, role models.Role) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), Config{
		CallID:            "call-1",
		Role:              role,
		LocalID:           string(role),
		RemoteID:          string(role.Remote()),
		Channel:           store,
		NewPeerConnection: NewPionFactory(PionConfig{IncludeLoopback: true}),
		Capturer:          media.SyntheticCapturer{},
		SecureContext:     true,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPionOfferCarriesBothTracks(t *testing.T) {
	store := signaling.NewMemoryStore()
	s := newPionSession(t, store, models.RoleOfferer)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != models.StatusCalling {
		t.Errorf("status = %s, want calling", rec.Status)
	}
	if rec.Offer == nil || rec.Offer.Type != webrtc.SDPTypeOffer {
		t.Fatalf("offer = %+v", rec.Offer)
	}
	for _, m := range []string{"m=audio", "m=video"} {
		if !strings.Contains(rec.Offer.SDP, m) {
			t.Errorf("offer SDP lacks %s", m)
		}
	}
}

// Two real peer connections on the loopback interface, negotiating through
// the in-memory store.
func TestPionSessionsConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	store := signaling.NewMemoryStore()
	seedCall(t, store, "call-1", "offerer", "answerer")

	caller := newPionSession(t, store, models.RoleOfferer)
	callee := newPionSession(t, store, models.RoleAnswerer)
	callerEvents, _ := caller.Subscribe()
	calleeEvents, _ := callee.Subscribe()

	if err := caller.Start(); err != nil {
		t.Fatalf("caller Start: %v", err)
	}
	if err := callee.Start(); err != nil {
		t.Fatalf("callee Start: %v", err)
	}

	for name, events := range map[string]<-chan StatusEvent{"caller": callerEvents, "callee": calleeEvents} {
		deadline := time.After(15 * time.Second)
	wait:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					t.Fatalf("%s status stream closed: %+v", name, ev)
				}
				if ev.State == StateFailed {
					t.Fatalf("%s failed: %v", name, ev.Err)
				}
				if ev.State == StateConnected {
					break wait
				}
			case <-deadline:
				t.Fatalf("%s did not connect", name)
			}
		}
	}

	if got := recordStatus(t, store); got != models.StatusConnected {
		t.Errorf("record status = %s, want connected", got)
	}
	if n := len(store.Candidates("call-1", models.RoleOfferer)); n == 0 {
		t.Error("offerer published no candidates")
	}
	if n := len(store.Candidates("call-1", models.RoleAnswerer)); n == 0 {
		t.Error("answerer published no candidates")
	}
}
