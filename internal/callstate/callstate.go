package callstate

import (
	"strings"
	"sync"
)

// Table records who is paired with whom. Entries are symmetric: Pair(a, b)
// writes both a->b and b->a. The "one call per user" invariant is enforced
// by the callers (the hub checks IsBusy before pairing), not here.
type Table struct {
	mu    sync.RWMutex
	peers map[string]string
}

func NewTable() *Table {
	return &Table{
		peers: make(map[string]string),
	}
}

func (t *Table) Pair(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[a] = b
	t.peers[b] = a
}

func (t *Table) IsBusy(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[userID]
	return ok
}

func (t *Table) PeerOf(userID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.peers[userID]
	return peer, ok
}

// Unpair removes a's pairing and its mirror entry. Removing an absent
// pairing is a no-op.
func (t *Table) Unpair(a string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, ok := t.peers[a]
	if !ok {
		return
	}
	delete(t.peers, a)
	// Only remove the mirror if it still points back at a.
	if t.peers[peer] == a {
		delete(t.peers, peer)
	}
}

// BusyUsers returns every user currently in a call.
func (t *Table) BusyUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.peers))
	for uid := range t.peers {
		out = append(out, uid)
	}
	return out
}

// PairKey returns the canonical unordered key for a call between a and b.
// Both directions map to the same key, so per-call auxiliary state (billing
// cycles, timing records) never splits across two keys.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}
