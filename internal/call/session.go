// Package call negotiates one peer-to-peer media session over a signaling
// channel. The offerer publishes an offer into the call record, the answerer
// applies it and publishes the answer, and both sides trade network-path
// candidates through their own role's sub-collection.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"peercall/internal/media"
	"peercall/internal/models"
	"peercall/internal/signaling"
	"peercall/pkg/utils"
)

var log = logging.Logger("call")

// closeWriteTimeout bounds the best-effort status write issued by Close.
const closeWriteTimeout = 5 * time.Second

// statusBuffer is the per-subscriber status channel capacity.
const statusBuffer = 16

// Config describes one side of a call.
type Config struct {
	CallID   string
	Role     models.Role
	LocalID  string
	RemoteID string

	Channel           signaling.Channel
	NewPeerConnection PeerConnectionFactory
	Capturer          media.Capturer

	// Constraints defaults to audio and video.
	Constraints *media.Constraints

	// SecureContext must be true for capture to be attempted.
	SecureContext bool
}

func (c Config) validate() error {
	switch {
	case c.CallID == "":
		return errors.New("call id is required")
	case !c.Role.Valid():
		return fmt.Errorf("invalid role %q", c.Role)
	case c.Channel == nil:
		return errors.New("signaling channel is required")
	case c.NewPeerConnection == nil:
		return errors.New("peer connection factory is required")
	case c.Capturer == nil:
		return errors.New("capturer is required")
	}
	return nil
}

// Session is one local participant's side of a call. It is driven by Start,
// then by callbacks from the signaling channel and the peer connection, and
// is released exactly once by Hangup, Close, a failure or a terminal record
// status written by the other side.
type Session struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	local  signaling.CandidateWriter
	remote signaling.CandidateReader
	queue  *CandidateQueue

	// negotiateMu serializes record handling so redelivered records apply
	// the remote description at most once.
	negotiateMu sync.Mutex
	toggleMu    sync.Mutex

	mu          sync.Mutex
	pc          PeerConnection
	localMedia  *media.LocalMedia
	audioSender TrackSender
	videoSender TrackSender
	unsubs      []func()
	muted       bool
	cameraOff   bool
	started     bool
	released    bool
	hungUp      bool
	failed      bool
	remoteEnded bool
	startTime   time.Time
	status      StatusEvent

	// emitMu guards subscribers and orders status delivery.
	emitMu      sync.Mutex
	subscribers map[chan StatusEvent]struct{}
}

// NewSession creates an idle session. ctx bounds every signaling operation
// the session performs.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Constraints == nil {
		cfg.Constraints = &media.Constraints{Audio: true, Video: true}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		local:       cfg.Channel.CandidateWriter(cfg.CallID, cfg.Role),
		remote:      cfg.Channel.CandidateReader(cfg.CallID, cfg.Role.Remote()),
		subscribers: make(map[chan StatusEvent]struct{}),
		status:      StatusEvent{CallID: cfg.CallID, State: StateIdle, At: time.Now()},
	}
	s.queue = NewCandidateQueue(s.addRemoteCandidate)
	return s, nil
}

func (s *Session) CallID() string { return s.cfg.CallID }

func (s *Session) Role() models.Role { return s.cfg.Role }

func (s *Session) RemoteID() string { return s.cfg.RemoteID }

// PendingCandidates is the number of remote candidates still buffered.
func (s *Session) PendingCandidates() int { return s.queue.Len() }

// Start captures local media, wires the peer connection to the signaling
// channel and, for the offerer, publishes the offer. A returned error has
// already moved the session to Failed.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started || s.released {
		s.mu.Unlock()
		return errors.New("call session already started")
	}
	s.started = true
	s.startTime = time.Now()
	s.mu.Unlock()

	utils.SessionsTotal.WithLabelValues(string(s.cfg.Role)).Inc()
	log.Infof("[%s] starting as %s (local=%s remote=%s)", s.cfg.CallID, s.cfg.Role, s.cfg.LocalID, s.cfg.RemoteID)
	s.emit(StatusEvent{State: StateNegotiating})

	if !s.cfg.SecureContext {
		return s.fail(media.ErrInsecureContext)
	}

	pc, err := s.cfg.NewPeerConnection()
	if err != nil {
		return s.fail(negotiationError("creating peer connection", err))
	}
	if !s.adoptPeer(pc) {
		_ = pc.Close()
		return ErrSessionClosed
	}

	lm, err := s.cfg.Capturer.Acquire(s.ctx, *s.cfg.Constraints)
	if err != nil {
		return s.fail(err)
	}
	if !s.adoptMedia(lm) {
		lm.Stop()
		return ErrSessionClosed
	}

	if lm.Audio != nil {
		sender, err := pc.AddTrack(lm.Audio)
		if err != nil {
			return s.fail(negotiationError("adding audio track", err))
		}
		s.setSender(&s.audioSender, sender)
	}
	if lm.Video != nil {
		sender, err := pc.AddTrack(lm.Video)
		if err != nil {
			return s.fail(negotiationError("adding video track", err))
		}
		s.setSender(&s.videoSender, sender)
	}

	pc.OnICECandidate(s.publishLocal)
	pc.OnConnectionStateChange(s.onConnectionState)

	cancel, err := s.remote.Subscribe(s.ctx, s.queue.Offer)
	if err != nil {
		return s.fail(negotiationError("subscribing to remote candidates", err))
	}
	if !s.track(cancel) {
		return ErrSessionClosed
	}

	if s.cfg.Role == models.RoleOfferer {
		err := s.publishOffer(pc)
		switch {
		case errors.Is(err, signaling.ErrRecordTerminal):
			// The record subscription below delivers the terminal status.
			log.Infof("[%s] call ended before the offer was published", s.cfg.CallID)
		case err != nil:
			return s.fail(err)
		}
	}

	cancel, err = s.cfg.Channel.SubscribeRecord(s.ctx, s.cfg.CallID, s.onRecord)
	if err != nil {
		return s.fail(negotiationError("subscribing to call record", err))
	}
	if !s.track(cancel) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) publishOffer(pc PeerConnection) error {
	offer, err := pc.CreateOffer()
	if err != nil {
		return negotiationError("creating offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return negotiationError("setting local offer", err)
	}
	status := models.StatusCalling
	if err := s.cfg.Channel.CreateOrMerge(s.ctx, s.cfg.CallID, models.RecordUpdate{Offer: &offer, Status: &status}); err != nil {
		return negotiationError("publishing offer", err)
	}
	log.Debugf("[%s] offer published", s.cfg.CallID)
	return nil
}

// onRecord handles one delivery of the call record. Deliveries may repeat,
// so the applied remote description is the only progress marker.
func (s *Session) onRecord(rec models.CallRecord) {
	s.negotiateMu.Lock()
	defer s.negotiateMu.Unlock()

	pc := s.peer()
	if pc == nil {
		return
	}
	if rec.Status.Terminal() {
		s.endRemote(rec.Status)
		return
	}
	if pc.RemoteDescription() != nil {
		return
	}

	switch s.cfg.Role {
	case models.RoleOfferer:
		if rec.Answer == nil {
			return
		}
		s.applyAnswer(pc, *rec.Answer)
	case models.RoleAnswerer:
		if rec.Offer == nil {
			return
		}
		if rec.Answer != nil {
			log.Warnf("[%s] call already answered elsewhere, ignoring", s.cfg.CallID)
			return
		}
		s.answer(pc, *rec.Offer)
	}
}

func (s *Session) applyAnswer(pc PeerConnection, answer webrtc.SessionDescription) {
	if answer.Type != webrtc.SDPTypeAnswer {
		s.fail(negotiationError("applying answer", fmt.Errorf("unexpected description type %s", answer.Type)))
		return
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		s.fail(negotiationError("applying answer", err))
		return
	}
	s.queue.Drain()
	log.Debugf("[%s] answer applied", s.cfg.CallID)
}

func (s *Session) answer(pc PeerConnection, offer webrtc.SessionDescription) {
	if offer.Type != webrtc.SDPTypeOffer {
		s.fail(negotiationError("applying offer", fmt.Errorf("unexpected description type %s", offer.Type)))
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		s.fail(negotiationError("applying offer", err))
		return
	}
	s.queue.Drain()

	answer, err := pc.CreateAnswer()
	if err != nil {
		s.fail(negotiationError("creating answer", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.fail(negotiationError("setting local answer", err))
		return
	}
	status := models.StatusConnected
	err = s.cfg.Channel.Update(s.ctx, s.cfg.CallID, models.RecordUpdate{Answer: &answer, Status: &status})
	if errors.Is(err, signaling.ErrRecordTerminal) {
		log.Infof("[%s] call ended before the answer was published", s.cfg.CallID)
		return
	}
	if err != nil {
		s.fail(negotiationError("publishing answer", err))
		return
	}
	log.Debugf("[%s] answer published", s.cfg.CallID)
}

// publishLocal appends a gathered candidate to the own-role collection.
// Failures are logged and the candidate is lost; negotiation can still
// succeed over the remaining paths.
func (s *Session) publishLocal(c webrtc.ICECandidateInit) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.local.Append(s.ctx, c); err != nil {
		log.Warnf("[%s] publishing local candidate: %v", s.cfg.CallID, err)
		return
	}
	utils.Candidates.WithLabelValues("published").Inc()
}

func (s *Session) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	pc := s.peer()
	if pc == nil {
		return ErrSessionClosed
	}
	return pc.AddICECandidate(c)
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	log.Debugf("[%s] peer connection %s", s.cfg.CallID, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.emit(StatusEvent{State: StateConnected, Transport: state.String(), Message: MessageConnected})
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		s.Interrupt(state.String())
	}
}

// Interrupt reports a stalled or dropped transport without ending the call.
func (s *Session) Interrupt(transport string) {
	current := s.Status().State
	if current.Terminal() || current == StateIdle {
		return
	}
	s.emit(StatusEvent{State: current, Transport: transport, Message: MessageInterrupted})
}

// endRemote releases the session after the other side moved the record to
// a terminal status. Nothing is written back.
func (s *Session) endRemote(status models.CallStatus) {
	if !s.release(func() { s.remoteEnded = true }) {
		return
	}
	msg := EndedRemoteHangup
	if status == models.StatusRejected {
		msg = EndedRejected
	}
	log.Infof("[%s] ended by remote (%s)", s.cfg.CallID, status)
	s.emit(StatusEvent{State: StateEnded, Message: msg})
}

func (s *Session) fail(err error) error {
	if !s.release(func() { s.failed = true }) {
		return err
	}
	reason := ReasonFor(err)
	utils.NegotiationFailures.WithLabelValues(string(reason)).Inc()
	log.Warnf("[%s] failed (%s): %v", s.cfg.CallID, reason, err)
	s.emit(StatusEvent{State: StateFailed, Reason: reason, Message: err.Error(), Err: err})
	return err
}

// Hangup ends the call and marks the record ended. Repeated calls, and
// calls after the session already ended or failed, write nothing.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.hungUp {
		s.mu.Unlock()
		return nil
	}
	s.hungUp = true
	s.mu.Unlock()

	var write bool
	if !s.release(func() { write = !s.remoteEnded && !s.failed }) {
		return nil
	}
	if write {
		err := s.cfg.Channel.Update(ctx, s.cfg.CallID, models.WithStatus(models.StatusEnded))
		if err != nil {
			log.Warnf("[%s] marking call ended: %v", s.cfg.CallID, err)
		}
	}
	log.Infof("[%s] hung up", s.cfg.CallID)
	s.emit(StatusEvent{State: StateEnded, Message: EndedHangup})
	return nil
}

// Close releases the session without waiting for the store. The ended
// status is written in the background and may be lost if the process exits
// first.
func (s *Session) Close() {
	var write bool
	released := s.release(func() {
		write = !s.remoteEnded && !s.failed && !s.hungUp
		s.hungUp = true
	})
	if !released {
		return
	}
	if write {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeWriteTimeout)
			defer cancel()
			if err := s.cfg.Channel.Update(ctx, s.cfg.CallID, models.WithStatus(models.StatusEnded)); err != nil {
				log.Debugf("[%s] marking closed call ended: %v", s.cfg.CallID, err)
			}
		}()
	}
	s.emit(StatusEvent{State: StateEnded, Message: EndedClosed})
}

// release tears the session down once. mark runs under the session lock
// before anything is released; release reports whether this call did it.
func (s *Session) release(mark func()) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false
	}
	s.released = true
	if mark != nil {
		mark()
	}
	unsubs := s.unsubs
	s.unsubs = nil
	pc, lm := s.pc, s.localMedia
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if lm != nil {
		lm.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("[%s] closing peer connection: %v", s.cfg.CallID, err)
		}
	}
	s.cancel()
	return true
}

func (s *Session) adoptPeer(pc PeerConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.pc = pc
	return true
}

func (s *Session) adoptMedia(lm *media.LocalMedia) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.localMedia = lm
	return true
}

func (s *Session) setSender(dst *TrackSender, sender TrackSender) {
	s.mu.Lock()
	*dst = sender
	s.mu.Unlock()
}

// track registers a subscription cancel func, or runs it at once if the
// session is already released.
func (s *Session) track(unsub func()) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		unsub()
		return false
	}
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
	return true
}

// peer returns the live peer connection, or nil once released.
func (s *Session) peer() PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return s.pc
}

// ToggleMute stops or resumes sending audio and returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	return s.toggle(&s.muted, func() (TrackSender, webrtc.TrackLocal) {
		if s.localMedia == nil {
			return s.audioSender, nil
		}
		return s.audioSender, s.localMedia.Audio
	})
}

// ToggleCamera stops or resumes sending video and returns the new off state.
func (s *Session) ToggleCamera() (bool, error) {
	return s.toggle(&s.cameraOff, func() (TrackSender, webrtc.TrackLocal) {
		if s.localMedia == nil {
			return s.videoSender, nil
		}
		return s.videoSender, s.localMedia.Video
	})
}

func (s *Session) toggle(flag *bool, pick func() (TrackSender, webrtc.TrackLocal)) (bool, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	s.mu.Lock()
	current := *flag
	sender, track := pick()
	released := s.released
	s.mu.Unlock()

	if released {
		return current, ErrSessionClosed
	}
	// Nothing captured for this kind: nothing to toggle.
	if sender == nil || track == nil {
		return current, nil
	}

	next := !current
	var replacement webrtc.TrackLocal
	if !next {
		replacement = track
	}
	if err := sender.ReplaceTrack(replacement); err != nil {
		return current, err
	}

	s.mu.Lock()
	*flag = next
	s.mu.Unlock()
	return next, nil
}

// Status returns the latest status event.
func (s *Session) Status() StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info is a snapshot for the control API.
func (s *Session) Info() models.SessionInfo {
	pending := s.queue.Len()
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		CallID:    s.cfg.CallID,
		Role:      s.cfg.Role,
		LocalID:   s.cfg.LocalID,
		RemoteID:  s.cfg.RemoteID,
		State:     string(s.status.State),
		Message:   s.status.Message,
		Muted:     s.muted,
		CameraOff: s.cameraOff,
		Pending:   pending,
		StartTime: s.startTime,
	}
}

// Subscribe returns a channel that first receives the current status, then
// every later event. It is closed after the terminal event or when cancel
// is called. A subscriber that falls statusBuffer events behind misses
// events but never the close.
func (s *Session) Subscribe() (<-chan StatusEvent, func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	ch := make(chan StatusEvent, statusBuffer)
	current := s.Status()
	ch <- current
	if current.State.Terminal() {
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	return ch, func() {
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
}

// emit records ev as the current status and fans it out. Nothing is emitted
// after a terminal event.
func (s *Session) emit(ev StatusEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	ev.CallID = s.cfg.CallID
	ev.At = time.Now()

	s.mu.Lock()
	if s.status.State.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = ev
	s.mu.Unlock()

	terminal := ev.State.Terminal()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			log.Debugf("[%s] status subscriber lagging, dropped %s", s.cfg.CallID, ev.State)
		}
		if terminal {
			close(ch)
		}
	}
	if terminal {
		s.subscribers = make(map[chan StatusEvent]struct{})
	}
}
