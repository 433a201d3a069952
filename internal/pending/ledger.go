package pending

import (
	"log"
	"sync"
	"time"

	"callbridge/internal/callstate"
)

// Outcome of recording a call attempt.
type Outcome int

const (
	Created Outcome = iota
	Replaced
	ConflictDetected
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Replaced:
		return "replaced"
	case ConflictDetected:
		return "conflict"
	}
	return "unknown"
}

type entry struct {
	callerID   string
	receiverID string
	sessionID  string
	createdAt  time.Time
	conflict   bool

	ringTimer    *time.Timer
	cleanupTimer *time.Timer
}

// Ledger tracks in-flight direct call attempts. Keys are normalized to the
// unordered pair so A-calls-B and B-calls-A land on the same entry and
// simultaneous attempts are always detected.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry

	staleAfter     time.Duration
	ringTimeout    time.Duration
	conflictWindow time.Duration

	// onTimeout fires when a ring timeout elapses with the attempt still
	// pending; it runs outside the ledger lock.
	onTimeout func(callerID, receiverID string)
}

func NewLedger(staleAfter, ringTimeout, conflictWindow time.Duration, onTimeout func(callerID, receiverID string)) *Ledger {
	return &Ledger{
		entries:        make(map[string]*entry),
		staleAfter:     staleAfter,
		ringTimeout:    ringTimeout,
		conflictWindow: conflictWindow,
		onTimeout:      onTimeout,
	}
}

// Attempt records a call attempt from callerID to receiverID, initiated by
// sessionID. A fresh entry already present for the pair means both sides
// dialed each other inside the staleness window; the entry becomes a
// conflict record and is removed after the conflict window.
func (l *Ledger) Attempt(callerID, receiverID, sessionID string) Outcome {
	key := callstate.PairKey(callerID, receiverID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		if time.Since(e.createdAt) < l.staleAfter {
			if e.conflict {
				// Already resolving; treat the repeat as part of it.
				return ConflictDetected
			}
			e.conflict = true
			stopTimer(e.ringTimer)
			e.cleanupTimer = time.AfterFunc(l.conflictWindow, func() {
				l.mu.Lock()
				if cur, ok := l.entries[key]; ok && cur == e {
					delete(l.entries, key)
				}
				l.mu.Unlock()
			})
			log.Printf("[Pending] Conflict on %s (both sides dialing)", key)
			return ConflictDetected
		}
		// Stale leftover; replace it.
		l.removeLocked(key)
		l.createLocked(key, callerID, receiverID, sessionID)
		return Replaced
	}

	l.createLocked(key, callerID, receiverID, sessionID)
	return Created
}

func (l *Ledger) createLocked(key, callerID, receiverID, sessionID string) {
	e := &entry{
		callerID:   callerID,
		receiverID: receiverID,
		sessionID:  sessionID,
		createdAt:  time.Now(),
	}
	e.ringTimer = time.AfterFunc(l.ringTimeout, func() {
		l.mu.Lock()
		cur, ok := l.entries[key]
		fire := ok && cur == e && !e.conflict
		if fire {
			delete(l.entries, key)
		}
		l.mu.Unlock()

		if fire && l.onTimeout != nil {
			log.Printf("[Pending] Ring timeout for %s -> %s", callerID, receiverID)
			l.onTimeout(callerID, receiverID)
		}
	})
	l.entries[key] = e
}

// Clear drops the attempt for the pair and cancels its timers. Clearing an
// absent or already-fired entry is a no-op.
func (l *Ledger) Clear(callerID, receiverID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(callstate.PairKey(callerID, receiverID))
}

// IsStillPending reports whether the attempt is present, fresh, and not a
// conflict record. Used to re-validate after an async lookup.
func (l *Ledger) IsStillPending(callerID, receiverID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[callstate.PairKey(callerID, receiverID)]
	if !ok || e.conflict {
		return false
	}
	return time.Since(e.createdAt) < l.staleAfter
}

// ClearBySession drops every attempt initiated by the given transport
// session; called from disconnect cleanup.
func (l *Ledger) ClearBySession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if e.sessionID == sessionID {
			l.removeLocked(key)
		}
	}
}

func (l *Ledger) removeLocked(key string) {
	e, ok := l.entries[key]
	if !ok {
		return
	}
	stopTimer(e.ringTimer)
	stopTimer(e.cleanupTimer)
	delete(l.entries, key)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
