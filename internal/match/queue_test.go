package match

import (
	"sync"
	"testing"
	"time"

	"callbridge/internal/callstate"
	"callbridge/internal/presence"
)

type timeoutRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *timeoutRecorder) record(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, userID)
}

func (r *timeoutRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func setup(timeout time.Duration, eligible func(string) bool) (*Queue, *presence.Registry, *callstate.Table, *timeoutRecorder) {
	reg := presence.NewRegistry()
	tbl := callstate.NewTable()
	rec := &timeoutRecorder{}
	q := NewQueue(reg, tbl, timeout, eligible, rec.record)
	return q, reg, tbl, rec
}

func TestMatchPairsImmediately(t *testing.T) {
	q, reg, tbl, _ := setup(time.Second, nil)

	reg.Register("alice", "s1")
	reg.Register("bob", "s2")

	res := q.RequestMatch("alice")
	if !res.Matched {
		t.Fatal("Expected a match with bob online")
	}
	if res.PeerID != "bob" {
		t.Errorf("Expected peer bob, got %s", res.PeerID)
	}

	// Matched users are busy right away and never still queued.
	if !tbl.IsBusy("alice") || !tbl.IsBusy("bob") {
		t.Error("Expected both matched users busy")
	}
	if q.IsQueued("alice") || q.IsQueued("bob") {
		t.Error("Expected neither matched user queued")
	}
}

func TestNoEligiblePeerQueues(t *testing.T) {
	q, reg, _, _ := setup(time.Second, nil)

	reg.Register("alice", "s1")

	res := q.RequestMatch("alice")
	if res.Matched {
		t.Fatal("Expected no match with nobody else online")
	}
	if !q.IsQueued("alice") {
		t.Error("Expected alice queued")
	}
	q.Cancel("alice")
}

func TestBusyUsersAreNotEligible(t *testing.T) {
	q, reg, tbl, _ := setup(time.Second, nil)

	reg.Register("alice", "s1")
	reg.Register("bob", "s2")
	reg.Register("carol", "s3")
	tbl.Pair("bob", "carol")

	res := q.RequestMatch("alice")
	if res.Matched {
		t.Errorf("Expected no match, all peers busy; got %s", res.PeerID)
	}
	q.Cancel("alice")
}

func TestQueuedUsersAreNotEligible(t *testing.T) {
	q, reg, _, _ := setup(time.Second, nil)

	reg.Register("alice", "s1")
	if res := q.RequestMatch("alice"); res.Matched {
		t.Fatal("Expected alice queued with nobody else online")
	}

	// alice is waiting, but queued users are excluded from eligibility:
	// bob finds no one and queues too.
	reg.Register("bob", "s2")
	if res := q.RequestMatch("bob"); res.Matched {
		t.Errorf("Expected bob queued, got matched with %s", res.PeerID)
	}

	q.Cancel("alice")
	q.Cancel("bob")
}

func TestRolePredicate(t *testing.T) {
	roles := map[string]string{"alice": "caller", "bob": "caller", "rita": "receiver"}
	eligible := func(uid string) bool { return roles[uid] == "receiver" }

	q, reg, _, _ := setup(time.Second, eligible)
	reg.Register("alice", "s1")
	reg.Register("bob", "s2")
	reg.Register("rita", "s3")

	res := q.RequestMatch("alice")
	if !res.Matched || res.PeerID != "rita" {
		t.Errorf("Expected alice matched with rita, got %+v", res)
	}
}

// The role predicate may query the user directory; a slow lookup must not
// hold the queue lock and block unrelated operations.
func TestSlowPredicateDoesNotBlockQueue(t *testing.T) {
	gate := make(chan struct{})
	eligible := func(uid string) bool {
		<-gate
		return true
	}

	q, reg, _, _ := setup(time.Second, eligible)
	reg.Register("alice", "s1")
	reg.Register("bob", "s2")
	reg.Register("carol", "s3")
	q.waiting["carol"] = time.NewTimer(time.Hour)

	done := make(chan Result, 1)
	go func() { done <- q.RequestMatch("alice") }()

	// While alice's request is stalled in the predicate, queue operations
	// for other users must still complete.
	opsDone := make(chan struct{})
	go func() {
		q.IsQueued("carol")
		q.Cancel("carol")
		close(opsDone)
	}()
	select {
	case <-opsDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Queue operations blocked behind a slow eligibility lookup")
	}

	close(gate)
	res := <-done
	if !res.Matched {
		t.Fatal("Expected alice matched once the lookup completed")
	}
	q.Cancel("bob")
}

func TestQueueTimeout(t *testing.T) {
	q, reg, _, rec := setup(60*time.Millisecond, nil)

	reg.Register("alice", "s1")
	q.RequestMatch("alice")

	time.Sleep(150 * time.Millisecond)

	if rec.count() != 1 {
		t.Errorf("Expected 1 queue timeout, got %d", rec.count())
	}
	if q.IsQueued("alice") {
		t.Error("Expected alice removed from queue after timeout")
	}
}

func TestCancelStopsTimeout(t *testing.T) {
	q, reg, _, rec := setup(60*time.Millisecond, nil)

	reg.Register("alice", "s1")
	q.RequestMatch("alice")
	q.Cancel("alice")
	q.Cancel("alice") // idempotent
	q.RemoveOnDisconnect("alice")

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("Expected no timeout after cancel, got %d", rec.count())
	}
}
