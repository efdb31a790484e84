package state

// Counters maintained by the node itself. Clients may add their own
// through INCR.
const (
	CounterPeersJoined  = "peers_joined"
	CounterPeersEvicted = "peers_evicted"
	CounterPeerErrors   = "peer_errors"
	CounterAdminEvicts  = "admin_evictions"
	CounterSnapshots    = "snapshots_saved"
)
