package telemetry

import (
	"time"

	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

// View JSON form of the node state
type View struct {
	NodeID     string             `json:"node_id"`
	Address    string             `json:"address"`
	Generation uint64             `json:"generation"`
	Phase      string             `json:"phase"`
	Peers      []types.PeerRecord `json:"peers"`
	Counters   map[string]int64   `json:"counters"`
	Sessions   map[string]int     `json:"sessions"`
	Time       time.Time          `json:"time"`
}

// NewView builds a View from one snapshot
func NewView(snap *state.Snapshot, phase types.Phase, sessions map[types.Role]int, now time.Time) View {
	v := View{
		NodeID:     snap.Identity.NodeID,
		Address:    snap.Identity.Address,
		Generation: snap.Generation,
		Phase:      phase.String(),
		Peers:      snap.PeerList(),
		Counters:   make(map[string]int64, len(snap.Counters)),
		Sessions:   make(map[string]int, len(sessions)),
		Time:       now.UTC(),
	}
	for name, val := range snap.Counters {
		v.Counters[name] = val
	}
	for role, n := range sessions {
		v.Sessions[string(role)] = n
	}
	return v
}
