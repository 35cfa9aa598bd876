package call

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"peercall/pkg/utils"
)

// CandidateQueue holds remote candidates until the remote description is
// applied. Drain replays them once, in arrival order; afterwards every
// offered candidate is forwarded straight away. The lock is held while
// forwarding so a candidate offered during Drain lands after the replayed
// ones.
type CandidateQueue struct {
	mu       sync.Mutex
	apply    func(webrtc.ICECandidateInit) error
	buffered []webrtc.ICECandidateInit
	drained  bool
}

// NewCandidateQueue creates a queue that forwards to apply.
func NewCandidateQueue(apply func(webrtc.ICECandidateInit) error) *CandidateQueue {
	return &CandidateQueue{apply: apply}
}

// Offer forwards c if the queue is drained, otherwise buffers it.
func (q *CandidateQueue) Offer(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		q.forward(c)
		return
	}
	q.buffered = append(q.buffered, c)
	utils.Candidates.WithLabelValues("queued").Inc()
}

// Drain replays the buffer and switches the queue to pass-through. Only the
// first call has an effect; it reports whether this call drained.
func (q *CandidateQueue) Drain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return false
	}
	q.drained = true
	pending := q.buffered
	q.buffered = nil
	for _, c := range pending {
		q.forward(c)
	}
	return true
}

// Len is the number of candidates waiting for Drain.
func (q *CandidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffered)
}

func (q *CandidateQueue) forward(c webrtc.ICECandidateInit) {
	if err := q.apply(c); err != nil {
		log.Warnf("adding remote candidate %q: %v", c.Candidate, err)
		utils.Candidates.WithLabelValues("dropped").Inc()
		return
	}
	utils.Candidates.WithLabelValues("applied").Inc()
}
