package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"peercall/internal/media"
	"peercall/internal/models"
	"peercall/internal/signaling"
)

// fakePeer is a PeerConnection that records what the session does to it.
// Like a real one, it refuses remote candidates before a remote description.
type fakePeer struct {
	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	remoteSets  int
	candidates  []webrtc.ICECandidateInit
	senders     []*fakeSender
	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	closed      bool
}

func newFakePeer() *fakePeer { return &fakePeer{} }

func (p *fakePeer) factory() PeerConnectionFactory {
	return func() (PeerConnection, error) { return p, nil }
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("peer connection closed")
	}
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\nfake-offer\r\n"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nfake-answer\r\n"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer connection closed")
	}
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer connection closed")
	}
	p.remote = &desc
	p.remoteSets++
	return nil
}

func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// gather simulates local candidate discovery.
func (p *fakePeer) gather(cs ...webrtc.ICECandidateInit) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	for _, c := range cs {
		fn(c)
	}
}

func (p *fakePeer) setState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(state)
}

func (p *fakePeer) snapshot() (remoteSets int, candidates []webrtc.ICECandidateInit, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets, append([]webrtc.ICECandidateInit(nil), p.candidates...), p.closed
}

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, track)
	return nil
}

// fakeCapturer hands out synthetic tracks, or err.
type fakeCapturer struct {
	err      error
	mu       sync.Mutex
	acquired int
}

func (c *fakeCapturer) Acquire(ctx context.Context, cons media.Constraints) (*media.LocalMedia, error) {
	c.mu.Lock()
	c.acquired++
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return media.SyntheticCapturer{}.Acquire(ctx, cons)
}

// countingChannel counts status writes passing through to the store.
type countingChannel struct {
	signaling.Channel

	mu     sync.Mutex
	writes map[models.CallStatus]int
}

func newCountingChannel(ch signaling.Channel) *countingChannel {
	return &countingChannel{Channel: ch, writes: make(map[models.CallStatus]int)}
}

func (c *countingChannel) Update(ctx context.Context, id string, u models.RecordUpdate) error {
	if u.Status != nil {
		c.mu.Lock()
		c.writes[*u.Status]++
		c.mu.Unlock()
	}
	return c.Channel.Update(ctx, id, u)
}

func (c *countingChannel) count(s models.CallStatus) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[s]
}

func testCandidate(role string, i int) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%s%d 1 udp 2130706431 192.0.2.%d 5%04d typ host", role, i, i, i),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func strPtr(s string) *string { return &s }

func statusPtr(s models.CallStatus) *models.CallStatus { return &s }

// seedCall writes the record the coordinator creates before the caller's
// session starts.
func seedCall(t *testing.T, store signaling.Channel, id, caller, receiver string) {
	t.Helper()
	err := store.CreateOrMerge(context.Background(), id, models.RecordUpdate{
		CallerID:   strPtr(caller),
		ReceiverID: strPtr(receiver),
		Status:     statusPtr(models.StatusCalling),
	})
	if err != nil {
		t.Fatalf("seeding call: %v", err)
	}
}

func newTestSession(t *testing.T, ch signaling.Channel, role models.Role, peer *fakePeer, capturer media.Capturer) *Session {
	t.Helper()
	local, remote := "alice", "bob"
	if role == models.RoleAnswerer {
		local, remote = remote, local
	}
	s, err := NewSession(context.Background(), Config{
		CallID:            "call-1",
		Role:              role,
		LocalID:           local,
		RemoteID:          remote,
		Channel:           ch,
		NewPeerConnection: peer.factory(),
		Capturer:          capturer,
		SecureContext:     true,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitState reads ch until an event in state arrives.
func waitState(t *testing.T, ch <-chan StatusEvent, state State) StatusEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("status stream closed before %s", state)
			}
			if ev.State == state {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", state)
		}
	}
}

func recordStatus(t *testing.T, store signaling.Channel) models.CallStatus {
	t.Helper()
	rec, err := store.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return rec.Status
}
