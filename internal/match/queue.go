package match

import (
	"log"
	"math/rand"
	"sync"
	"time"
)

// Presence is the view of the presence registry the matcher needs.
type Presence interface {
	OnlineUsers() []string
}

// Calls is the view of the call state table the matcher needs.
type Calls interface {
	IsBusy(userID string) bool
	Pair(a, b string)
}

// Result of a match request.
type Result struct {
	Matched bool
	PeerID  string
}

// Queue holds users waiting for a random pairing. Selection among eligible
// peers is uniform-random, not FIFO: a waiting user can be passed over
// indefinitely while newcomers are matched. That is the intended tradeoff.
type Queue struct {
	mu      sync.Mutex
	waiting map[string]*time.Timer

	presence Presence
	calls    Calls
	timeout  time.Duration

	// eligible optionally restricts who may be selected as a peer
	// (role-based matching); nil means everyone online qualifies.
	eligible func(userID string) bool

	// onTimeout fires when a queued user is still waiting after the
	// queue timeout; runs outside the queue lock.
	onTimeout func(userID string)
}

func NewQueue(p Presence, c Calls, timeout time.Duration, eligible func(string) bool, onTimeout func(string)) *Queue {
	return &Queue{
		waiting:   make(map[string]*time.Timer),
		presence:  p,
		calls:     c,
		timeout:   timeout,
		eligible:  eligible,
		onTimeout: onTimeout,
	}
}

// RequestMatch pairs userID with a random eligible online peer, or queues
// them when nobody qualifies. Callers must ensure userID is neither busy
// nor already queued.
func (q *Queue) RequestMatch(userID string) Result {
	// The role predicate may hit the user directory; resolve it before
	// taking the queue lock so a slow lookup cannot stall cancels,
	// timeouts, and concurrent requests.
	var prefiltered []string
	for _, uid := range q.presence.OnlineUsers() {
		if uid == userID {
			continue
		}
		if q.eligible != nil && !q.eligible(uid) {
			continue
		}
		prefiltered = append(prefiltered, uid)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []string
	for _, uid := range prefiltered {
		if q.calls.IsBusy(uid) {
			continue
		}
		if _, queued := q.waiting[uid]; queued {
			continue
		}
		candidates = append(candidates, uid)
	}
	if len(candidates) > 0 {
		peer := candidates[rand.Intn(len(candidates))]
		// Pair immediately so neither side can be grabbed by a
		// concurrent request.
		q.calls.Pair(userID, peer)
		log.Printf("[Match] %s matched with %s (%d candidates)", userID, peer, len(candidates))
		return Result{Matched: true, PeerID: peer}
	}

	timer := time.AfterFunc(q.timeout, func() {
		q.mu.Lock()
		_, still := q.waiting[userID]
		if still {
			delete(q.waiting, userID)
		}
		q.mu.Unlock()

		if still && q.onTimeout != nil {
			log.Printf("[Match] Queue timeout for %s", userID)
			q.onTimeout(userID)
		}
	})
	q.waiting[userID] = timer
	log.Printf("[Match] %s queued for random match", userID)
	return Result{}
}

// Cancel removes userID from the queue and stops its timer; no-op when not
// queued.
func (q *Queue) Cancel(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if timer, ok := q.waiting[userID]; ok {
		timer.Stop()
		delete(q.waiting, userID)
	}
}

// RemoveOnDisconnect is Cancel under its disconnect-cleanup name.
func (q *Queue) RemoveOnDisconnect(userID string) {
	q.Cancel(userID)
}

func (q *Queue) IsQueued(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.waiting[userID]
	return ok
}
