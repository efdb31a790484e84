package state

import (
	"maps"
	"math"

	"github.com/nodecore/pkg/types"
)

// Txn a draft of the next snapshot. Only valid inside the Mutate callback.
// Maps are copied on first write so untouched parts stay shared with the
// previous snapshot.
type Txn struct {
	base *Snapshot
	next Snapshot

	peersCopied    bool
	countersCopied bool
}

func newTxn(base *Snapshot) *Txn {
	return &Txn{base: base, next: *base}
}

// Generation returns the generation the draft is based on
func (t *Txn) Generation() uint64 { return t.base.Generation }

// Identity returns the draft identity
func (t *Txn) Identity() Identity { return t.next.Identity }

// SetIdentity replaces the node identity
func (t *Txn) SetIdentity(id Identity) {
	t.next.Identity = id
}

// Peer returns a peer from the draft
func (t *Txn) Peer(id string) (types.PeerRecord, bool) {
	rec, ok := t.next.Peers[id]
	return rec, ok
}

// Peers returns the draft peer map for iteration. Do not write to it.
func (t *Txn) Peers() map[string]types.PeerRecord { return t.next.Peers }

// PutPeer inserts or replaces a peer record
func (t *Txn) PutPeer(rec types.PeerRecord) {
	t.copyPeers()
	t.next.Peers[rec.ID] = rec
}

// DeletePeer removes a peer record; reports whether it existed
func (t *Txn) DeletePeer(id string) bool {
	if _, ok := t.next.Peers[id]; !ok {
		return false
	}
	t.copyPeers()
	delete(t.next.Peers, id)
	return true
}

// Counter returns a counter from the draft
func (t *Txn) Counter(name string) int64 { return t.next.Counters[name] }

// Add adds delta to a counter and returns the new value
func (t *Txn) Add(name string, delta int64) int64 {
	t.copyCounters()
	t.next.Counters[name] += delta
	return t.next.Counters[name]
}

// AddChecked is Add that fails with ErrCounterOverflow instead of wrapping
func (t *Txn) AddChecked(name string, delta int64) (int64, error) {
	cur := t.next.Counters[name]
	if (delta > 0 && cur > math.MaxInt64-delta) || (delta < 0 && cur < math.MinInt64-delta) {
		return cur, ErrCounterOverflow
	}
	return t.Add(name, delta), nil
}

// SetCounter sets a counter value
func (t *Txn) SetCounter(name string, v int64) {
	t.copyCounters()
	t.next.Counters[name] = v
}

func (t *Txn) copyPeers() {
	if !t.peersCopied {
		t.next.Peers = maps.Clone(t.base.Peers)
		if t.next.Peers == nil {
			t.next.Peers = map[string]types.PeerRecord{}
		}
		t.peersCopied = true
	}
}

func (t *Txn) copyCounters() {
	if !t.countersCopied {
		t.next.Counters = maps.Clone(t.base.Counters)
		if t.next.Counters == nil {
			t.next.Counters = map[string]int64{}
		}
		t.countersCopied = true
	}
}
