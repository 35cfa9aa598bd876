// Package engine ties call sessions to the local participant: it watches for
// incoming calls, starts and accepts calls, and exposes them over HTTP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"peercall/internal/call"
	"peercall/internal/media"
	"peercall/internal/models"
	"peercall/internal/registrar"
	"peercall/internal/signaling"
	"peercall/pkg/utils"
)

var log = logging.Logger("engine")

var (
	// ErrNoSession is returned for call ids without a live local session.
	ErrNoSession = errors.New("no such call session")

	// ErrBusy is returned when a call is requested while another is live.
	ErrBusy = errors.New("another call is in progress")

	// ErrNotPending is returned when accepting or rejecting a call that is
	// not waiting for the local participant.
	ErrNotPending = errors.New("call is not pending for this participant")

	// ErrInvalidReceiver is returned by StartCall for an empty or own id.
	ErrInvalidReceiver = errors.New("invalid receiver")
)

const (
	defaultWatchdogInterval = time.Second
	defaultNegotiationLimit = 30 * time.Second
	watchdogWorkers         = 4
	endRecordTimeout        = 5 * time.Second
)

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig struct {
	Self              models.Participant
	Channel           signaling.Channel
	Directory         registrar.Directory
	NewPeerConnection call.PeerConnectionFactory
	Capturer          media.Capturer

	// WatchdogInterval is the scan period for stalled negotiations.
	WatchdogInterval time.Duration

	// NegotiationTimeout flags a session still negotiating after this long
	// as interrupted.
	NegotiationTimeout time.Duration

	// AbandonAfter hangs up a session still negotiating after this long.
	// Zero disables it.
	AbandonAfter time.Duration
}

// CallOptions are per-request session settings.
type CallOptions struct {
	SecureContext bool
	Constraints   *media.Constraints
}

// Coordinator owns the local participant's call sessions. At most one
// session is live at a time.
type Coordinator struct {
	cfg    CoordinatorConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*call.Session
	flagged  map[string]bool
	incoming *models.IncomingCall

	// lastPending is re-evaluated when the live session finishes.
	lastPending []models.CallRecord

	subsMu       sync.Mutex
	incomingSubs map[chan *models.IncomingCall]struct{}

	jobQueue chan *call.Session
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	cc := &Coordinator{
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*call.Session),
		flagged:      make(map[string]bool),
		incomingSubs: make(map[chan *models.IncomingCall]struct{}),
		jobQueue:     make(chan *call.Session, 64),
	}

	// Abandoned sessions are hung up off the watchdog goroutine.
	for i := 0; i < watchdogWorkers; i++ {
		go cc.abandonWorker()
	}

	go cc.watchdog()

	return cc
}

// Watch subscribes to calls addressed to the local participant until ctx
// ends or Shutdown is called.
func (cc *Coordinator) Watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cc.ctx, cancel)
	unsub, err := cc.cfg.Channel.SubscribePending(ctx, cc.cfg.Self.ID, cc.onPending)
	if err != nil {
		stop()
		cancel()
		return fmt.Errorf("watching incoming calls: %w", err)
	}
	log.Infof("watching incoming calls for %s", cc.cfg.Self.ID)
	go func() {
		<-ctx.Done()
		stop()
		unsub()
	}()
	return nil
}

// onPending turns the oldest pending call into the incoming notification
// while no session is live. Calls from unknown participants are ignored.
func (cc *Coordinator) onPending(pending []models.CallRecord) {
	cc.mu.Lock()
	cc.lastPending = pending
	busy := cc.busyLocked()
	cc.mu.Unlock()

	var next *models.IncomingCall
	for _, rec := range pending {
		if busy {
			break
		}
		caller, err := cc.cfg.Directory.Lookup(cc.ctx, rec.CallerID)
		if errors.Is(err, registrar.ErrNotFound) {
			log.Warnf("[%s] ignoring call from unknown participant %q", rec.ID, rec.CallerID)
			continue
		}
		if err != nil {
			log.Warnf("[%s] resolving caller %q: %v", rec.ID, rec.CallerID, err)
			continue
		}
		next = &models.IncomingCall{CallID: rec.ID, Caller: caller, CreatedAt: rec.CreatedAt}
		break
	}

	cc.mu.Lock()
	if sameIncoming(cc.incoming, next) {
		cc.mu.Unlock()
		return
	}
	cc.incoming = next
	cc.mu.Unlock()

	if next != nil {
		log.Infof("[%s] incoming call from %s", next.CallID, next.Caller.ID)
	}
	cc.publishIncoming(next)
}

func sameIncoming(a, b *models.IncomingCall) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.CallID == b.CallID
}

// Incoming is the current incoming-call notification, or nil.
func (cc *Coordinator) Incoming() *models.IncomingCall {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.incoming
}

// SubscribeIncoming streams notification changes, starting with the current
// one. A nil value means the notification was cleared.
func (cc *Coordinator) SubscribeIncoming() (<-chan *models.IncomingCall, func()) {
	ch := make(chan *models.IncomingCall, 8)

	cc.subsMu.Lock()
	ch <- cc.Incoming()
	cc.incomingSubs[ch] = struct{}{}
	cc.subsMu.Unlock()

	return ch, func() {
		cc.subsMu.Lock()
		defer cc.subsMu.Unlock()
		if _, ok := cc.incomingSubs[ch]; ok {
			delete(cc.incomingSubs, ch)
			close(ch)
		}
	}
}

func (cc *Coordinator) publishIncoming(in *models.IncomingCall) {
	cc.subsMu.Lock()
	defer cc.subsMu.Unlock()
	for ch := range cc.incomingSubs {
		select {
		case ch <- in:
		default:
			log.Debugf("incoming-call subscriber lagging")
		}
	}
}

func (cc *Coordinator) clearIncoming(callID string) {
	cc.mu.Lock()
	if cc.incoming == nil || cc.incoming.CallID != callID {
		cc.mu.Unlock()
		return
	}
	cc.incoming = nil
	cc.mu.Unlock()
	cc.publishIncoming(nil)
}

// StartCall creates a call record addressed to receiverID and starts the
// caller's session.
func (cc *Coordinator) StartCall(ctx context.Context, receiverID string, opts CallOptions) (*call.Session, error) {
	if receiverID == "" || receiverID == cc.cfg.Self.ID {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReceiver, receiverID)
	}
	if _, err := cc.cfg.Directory.Lookup(ctx, receiverID); err != nil {
		return nil, err
	}
	if cc.busy() {
		return nil, ErrBusy
	}

	callID := uuid.New().String()
	callerID := cc.cfg.Self.ID
	status := models.StatusCalling
	err := cc.cfg.Channel.CreateOrMerge(ctx, callID, models.RecordUpdate{
		CallerID:   &callerID,
		ReceiverID: &receiverID,
		Status:     &status,
	})
	if err != nil {
		return nil, fmt.Errorf("creating call record: %w", err)
	}
	log.Infof("[%s] calling %s", callID, receiverID)
	s, err := cc.Start(callID, models.RoleOfferer, receiverID, opts)
	if s == nil && err != nil {
		cc.endRecord(callID)
	}
	return s, err
}

// Start runs a session for an existing call record. A session that fails to
// start is returned together with its error.
func (cc *Coordinator) Start(callID string, role models.Role, remoteID string, opts CallOptions) (*call.Session, error) {
	cc.mu.Lock()
	if cc.busyLocked() {
		cc.mu.Unlock()
		return nil, ErrBusy
	}
	s, err := call.NewSession(cc.ctx, call.Config{
		CallID:            callID,
		Role:              role,
		LocalID:           cc.cfg.Self.ID,
		RemoteID:          remoteID,
		Channel:           cc.cfg.Channel,
		NewPeerConnection: cc.cfg.NewPeerConnection,
		Capturer:          cc.cfg.Capturer,
		Constraints:       opts.Constraints,
		SecureContext:     opts.SecureContext,
	})
	if err != nil {
		cc.mu.Unlock()
		return nil, err
	}
	cc.sessions[callID] = s
	cc.mu.Unlock()

	utils.ActiveCalls.Inc()
	events, unsubscribe := s.Subscribe()
	go cc.follow(s, events, unsubscribe)

	if err := s.Start(); err != nil {
		return s, err
	}
	return s, nil
}

// follow drops s from the session table once its status stream ends. A
// caller that failed marks its record ended so the receiver stops ringing.
func (cc *Coordinator) follow(s *call.Session, events <-chan call.StatusEvent, unsubscribe func()) {
	defer unsubscribe()
	var last call.StatusEvent
	for ev := range events {
		last = ev
	}
	if last.State == call.StateFailed && s.Role() == models.RoleOfferer {
		cc.endRecord(s.CallID())
	}

	cc.mu.Lock()
	if cc.sessions[s.CallID()] == s {
		delete(cc.sessions, s.CallID())
		delete(cc.flagged, s.CallID())
	}
	pending := cc.lastPending
	cc.mu.Unlock()

	utils.ActiveCalls.Dec()
	log.Infof("[%s] session finished: %s %s", s.CallID(), last.State, last.Message)

	if cc.ctx.Err() == nil {
		cc.onPending(pending)
	}
}

// endRecord writes ended for a call this participant placed but can no
// longer carry. Records that already reached a terminal status are left.
func (cc *Coordinator) endRecord(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), endRecordTimeout)
	defer cancel()
	err := cc.cfg.Channel.Update(ctx, callID, models.WithStatus(models.StatusEnded))
	switch {
	case errors.Is(err, signaling.ErrRecordTerminal):
	case err != nil:
		log.Warnf("[%s] marking failed call ended: %v", callID, err)
	default:
		log.Infof("[%s] failed call marked ended", callID)
	}
}

// AcceptIncoming answers a call waiting for the local participant.
func (cc *Coordinator) AcceptIncoming(ctx context.Context, callID string, opts CallOptions) (*call.Session, error) {
	rec, err := cc.pendingRecord(ctx, callID)
	if err != nil {
		return nil, err
	}
	log.Infof("[%s] accepting call from %s", callID, rec.CallerID)
	s, err := cc.Start(callID, models.RoleAnswerer, rec.CallerID, opts)
	if !errors.Is(err, ErrBusy) {
		cc.clearIncoming(callID)
	}
	return s, err
}

// Reject declines a call waiting for the local participant.
func (cc *Coordinator) Reject(ctx context.Context, callID string) error {
	if _, err := cc.pendingRecord(ctx, callID); err != nil {
		return err
	}
	rejected, calling := models.StatusRejected, models.StatusCalling
	err := cc.cfg.Channel.Update(ctx, callID, models.RecordUpdate{Status: &rejected, IfStatus: &calling})
	if signaling.Refused(err) {
		cc.clearIncoming(callID)
		return fmt.Errorf("%w: %s: %w", ErrNotPending, callID, err)
	}
	if err != nil {
		return fmt.Errorf("rejecting call: %w", err)
	}
	cc.clearIncoming(callID)
	log.Infof("[%s] rejected", callID)
	return nil
}

func (cc *Coordinator) pendingRecord(ctx context.Context, callID string) (*models.CallRecord, error) {
	rec, err := cc.cfg.Channel.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.ReceiverID != cc.cfg.Self.ID || rec.Status != models.StatusCalling {
		return nil, fmt.Errorf("%w: %s is %s for %s", ErrNotPending, callID, rec.Status, rec.ReceiverID)
	}
	return rec, nil
}

func (cc *Coordinator) Hangup(ctx context.Context, callID string) error {
	s, ok := cc.Session(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, callID)
	}
	return s.Hangup(ctx)
}

func (cc *Coordinator) ToggleMute(callID string) (bool, error) {
	s, ok := cc.Session(callID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoSession, callID)
	}
	return s.ToggleMute()
}

func (cc *Coordinator) ToggleCamera(callID string) (bool, error) {
	s, ok := cc.Session(callID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoSession, callID)
	}
	return s.ToggleCamera()
}

func (cc *Coordinator) Session(callID string) (*call.Session, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	s, ok := cc.sessions[callID]
	return s, ok
}

// ActiveCalls lists live sessions, oldest first.
func (cc *Coordinator) ActiveCalls() []models.SessionInfo {
	cc.mu.RLock()
	list := make([]models.SessionInfo, 0, len(cc.sessions))
	for _, s := range cc.sessions {
		list = append(list, s.Info())
	}
	cc.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	return list
}

func (cc *Coordinator) busy() bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.busyLocked()
}

func (cc *Coordinator) busyLocked() bool {
	for _, s := range cc.sessions {
		if !s.Status().State.Terminal() {
			return true
		}
	}
	return false
}

// watchdog flags and, if configured, abandons negotiations that stall.
func (cc *Coordinator) watchdog() {
	ticker := time.NewTicker(cc.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cc.ctx.Done():
			return
		case <-ticker.C:
		}
		cc.scan(time.Now())
	}
}

func (cc *Coordinator) scan(now time.Time) {
	var interrupt, abandon []*call.Session

	cc.mu.Lock()
	for id, s := range cc.sessions {
		info := s.Info()
		if info.State != string(call.StateNegotiating) {
			continue
		}
		elapsed := now.Sub(info.StartTime)
		if cc.cfg.AbandonAfter > 0 && elapsed >= cc.cfg.AbandonAfter {
			abandon = append(abandon, s)
			continue
		}
		if elapsed >= cc.cfg.NegotiationTimeout && !cc.flagged[id] {
			cc.flagged[id] = true
			interrupt = append(interrupt, s)
		}
	}
	cc.mu.Unlock()

	for _, s := range interrupt {
		log.Warnf("[%s] still negotiating after %s", s.CallID(), cc.cfg.NegotiationTimeout)
		s.Interrupt("timeout")
	}
	for _, s := range abandon {
		select {
		case cc.jobQueue <- s:
		default:
			log.Debugf("[%s] abandon queue full, retrying next scan", s.CallID())
		}
	}
}

func (cc *Coordinator) abandonWorker() {
	for {
		select {
		case <-cc.ctx.Done():
			return
		case s := <-cc.jobQueue:
			log.Warnf("[%s] abandoning negotiation after %s", s.CallID(), cc.cfg.AbandonAfter)
			if err := s.Hangup(cc.ctx); err != nil {
				log.Warnf("[%s] abandoning: %v", s.CallID(), err)
			}
		}
	}
}

// Shutdown closes every session and stops watching.
func (cc *Coordinator) Shutdown() {
	cc.mu.RLock()
	sessions := make([]*call.Session, 0, len(cc.sessions))
	for _, s := range cc.sessions {
		sessions = append(sessions, s)
	}
	cc.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	cc.cancel()
}
