package state

import (
	"sort"

	"github.com/nodecore/pkg/types"
)

// Identity the node's stable id and the address it advertises to peers
type Identity struct {
	NodeID  string `yaml:"node_id" json:"node_id"`
	Address string `yaml:"address" json:"address"`
}

// Snapshot an immutable view of node state at one generation.
// Callers must not modify the maps; use Store.Mutate instead.
type Snapshot struct {
	Identity   Identity
	Peers      map[string]types.PeerRecord
	Counters   map[string]int64
	Generation uint64
}

func emptySnapshot(id Identity) *Snapshot {
	return &Snapshot{
		Identity: id,
		Peers:    map[string]types.PeerRecord{},
		Counters: map[string]int64{},
	}
}

// Peer returns a peer record by id
func (s *Snapshot) Peer(id string) (types.PeerRecord, bool) {
	rec, ok := s.Peers[id]
	return rec, ok
}

// PeerList returns all peers sorted by id
func (s *Snapshot) PeerList() []types.PeerRecord {
	out := make([]types.PeerRecord, 0, len(s.Peers))
	for _, rec := range s.Peers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counter returns a counter value (0 if unset)
func (s *Snapshot) Counter(name string) int64 {
	return s.Counters[name]
}

// CounterNames returns counter names in sorted order
func (s *Snapshot) CounterNames() []string {
	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StatusCounts counts peers per status
func (s *Snapshot) StatusCounts() map[types.PeerStatus]int {
	out := make(map[types.PeerStatus]int, 4)
	for _, rec := range s.Peers {
		out[rec.Status]++
	}
	return out
}

// ActivePeers counts peers currently Active
func (s *Snapshot) ActivePeers() int {
	n := 0
	for _, rec := range s.Peers {
		if rec.Status == types.PeerActive {
			n++
		}
	}
	return n
}
