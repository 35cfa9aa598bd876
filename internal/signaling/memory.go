package signaling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"peercall/internal/models"
)

// Compile-time interface check.
var _ Channel = (*MemoryStore)(nil)

// MemoryStore is an in-process Channel. Two sessions sharing one MemoryStore
// negotiate exactly as they would through a remote document store: every
// subscription is fed from its own goroutine, so callbacks never run under
// the store lock and may arrive interleaved with writes.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	records    map[string]*models.CallRecord
	candidates map[string][]webrtc.ICECandidateInit // key: "<id>/<collection>"

	nextSub     int
	recordSubs  map[string]map[int]*mailbox[models.CallRecord]
	candSubs    map[string]map[int]*mailbox[webrtc.ICECandidateInit]
	pendingSubs map[string]map[int]*mailbox[[]models.CallRecord]

	// failNext holds one injected error per operation name.
	failNext map[string]error
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		records:     make(map[string]*models.CallRecord),
		candidates:  make(map[string][]webrtc.ICECandidateInit),
		recordSubs:  make(map[string]map[int]*mailbox[models.CallRecord]),
		candSubs:    make(map[string]map[int]*mailbox[webrtc.ICECandidateInit]),
		pendingSubs: make(map[string]map[int]*mailbox[[]models.CallRecord]),
		failNext:    make(map[string]error),
	}
}

// FailNext makes the next call of op ("create", "update", "append") fail
// with err wrapped in ErrChannelIO.
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

// takeFailure must be called with s.mu held.
func (s *MemoryStore) takeFailure(op string) error {
	err, ok := s.failNext[op]
	if !ok {
		return nil
	}
	delete(s.failNext, op)
	return fmt.Errorf("%w: %s: %v", ErrChannelIO, op, err)
}

func (s *MemoryStore) CreateOrMerge(ctx context.Context, id string, u models.RecordUpdate) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelIO, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("create"); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if err := checkUpdate(id, rec, u); err != nil {
		return err
	}
	if !ok {
		rec = &models.CallRecord{ID: id, CreatedAt: s.now().UTC()}
		s.records[id] = rec
	}
	u.Apply(rec)
	s.notifyLocked(rec)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, u models.RecordUpdate) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelIO, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("update"); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err := checkUpdate(id, rec, u); err != nil {
		return err
	}
	u.Apply(rec)
	s.notifyLocked(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	snapshot := *rec
	return &snapshot, nil
}

func (s *MemoryStore) SubscribeRecord(ctx context.Context, id string, fn func(models.CallRecord)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := newMailbox(fn)
	if rec, ok := s.records[id]; ok {
		box.push(*rec)
	}
	key := addSubTo(s, s.recordSubsFor(id), box)
	return bindContext(ctx, func() {
		s.mu.Lock()
		delete(s.recordSubs[id], key)
		s.mu.Unlock()
		box.close()
	}), nil
}

func (s *MemoryStore) SubscribePending(ctx context.Context, receiverID string, fn func([]models.CallRecord)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	box := newMailbox(fn)
	box.push(s.pendingLocked(receiverID))
	subs, ok := s.pendingSubs[receiverID]
	if !ok {
		subs = make(map[int]*mailbox[[]models.CallRecord])
		s.pendingSubs[receiverID] = subs
	}
	key := addSubTo(s, subs, box)
	return bindContext(ctx, func() {
		s.mu.Lock()
		delete(s.pendingSubs[receiverID], key)
		s.mu.Unlock()
		box.close()
	}), nil
}

func (s *MemoryStore) CandidateWriter(id string, role models.Role) CandidateWriter {
	return memoryCandidates{store: s, key: id + "/" + role.Collection()}
}

func (s *MemoryStore) CandidateReader(id string, role models.Role) CandidateReader {
	return memoryCandidates{store: s, key: id + "/" + role.Collection()}
}

// Candidates returns a copy of one sub-collection, for inspection.
func (s *MemoryStore) Candidates(id string, role models.Role) []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.candidates[id+"/"+role.Collection()]
	out := make([]webrtc.ICECandidateInit, len(list))
	copy(out, list)
	return out
}

type memoryCandidates struct {
	store *MemoryStore
	key   string
}

func (c memoryCandidates) Append(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelIO, err)
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure("append"); err != nil {
		return err
	}
	s.candidates[c.key] = append(s.candidates[c.key], candidate)
	for _, box := range s.candSubs[c.key] {
		box.push(candidate)
	}
	return nil
}

func (c memoryCandidates) Subscribe(ctx context.Context, fn func(webrtc.ICECandidateInit)) (func(), error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	box := newMailbox(fn)
	for _, existing := range s.candidates[c.key] {
		box.push(existing)
	}
	subs, ok := s.candSubs[c.key]
	if !ok {
		subs = make(map[int]*mailbox[webrtc.ICECandidateInit])
		s.candSubs[c.key] = subs
	}
	key := addSubTo(s, subs, box)
	return bindContext(ctx, func() {
		s.mu.Lock()
		delete(s.candSubs[c.key], key)
		s.mu.Unlock()
		box.close()
	}), nil
}

func (s *MemoryStore) recordSubsFor(id string) map[int]*mailbox[models.CallRecord] {
	subs, ok := s.recordSubs[id]
	if !ok {
		subs = make(map[int]*mailbox[models.CallRecord])
		s.recordSubs[id] = subs
	}
	return subs
}

func addSubTo[T any](s *MemoryStore, subs map[int]*mailbox[T], box *mailbox[T]) int {
	s.nextSub++
	subs[s.nextSub] = box
	return s.nextSub
}

// bindContext ends a subscription when ctx is done as well as on cancel.
func bindContext(ctx context.Context, cancel func()) func() {
	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}
}

// notifyLocked fans a mutation out to record and pending subscribers.
func (s *MemoryStore) notifyLocked(rec *models.CallRecord) {
	for _, box := range s.recordSubs[rec.ID] {
		box.push(*rec)
	}
	if rec.ReceiverID == "" {
		return
	}
	subs := s.pendingSubs[rec.ReceiverID]
	if len(subs) == 0 {
		return
	}
	pending := s.pendingLocked(rec.ReceiverID)
	for _, box := range subs {
		box.push(pending)
	}
}

func (s *MemoryStore) pendingLocked(receiverID string) []models.CallRecord {
	var pending []models.CallRecord
	for _, rec := range s.records {
		if rec.ReceiverID == receiverID && rec.Status == models.StatusCalling {
			pending = append(pending, *rec)
		}
	}
	sortPending(pending)
	return pending
}

func sortPending(pending []models.CallRecord) {
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
}
