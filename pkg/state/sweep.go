package state

import (
	"sort"
	"time"

	"github.com/nodecore/pkg/types"
)

// SweepResult peers changed by one sweep
type SweepResult struct {
	Stale   []string
	Evicted []string
	Purged  []string
}

// Empty reports whether the sweep changed nothing
func (r SweepResult) Empty() bool {
	return len(r.Stale) == 0 && len(r.Evicted) == 0 && len(r.Purged) == 0
}

// SweepStale ages the peer table as of now:
//   - a Connecting or Active peer not seen for more than threshold/2 becomes Stale
//   - any peer not seen for more than threshold becomes Evicted
//   - an Evicted peer not seen for more than 2*threshold is removed
//
// A peer whose age equals the threshold is kept. The sweep is one mutation.
func (s *Store) SweepStale(now time.Time, threshold time.Duration) (SweepResult, uint64, error) {
	var res SweepResult
	gen, err := s.Mutate(func(txn *Txn) error {
		res = SweepResult{}
		for id, rec := range txn.Peers() {
			age := rec.Age(now)
			switch {
			case rec.Status == types.PeerEvicted:
				if age > 2*threshold {
					res.Purged = append(res.Purged, id)
				}
			case age > threshold:
				res.Evicted = append(res.Evicted, id)
			case age > threshold/2 && rec.Status != types.PeerStale:
				res.Stale = append(res.Stale, id)
			}
		}
		if res.Empty() {
			return ErrNoop
		}
		sort.Strings(res.Stale)
		sort.Strings(res.Evicted)
		sort.Strings(res.Purged)
		for _, id := range res.Purged {
			txn.DeletePeer(id)
		}
		for _, id := range res.Evicted {
			rec, _ := txn.Peer(id)
			rec.Status = types.PeerEvicted
			txn.PutPeer(rec)
		}
		for _, id := range res.Stale {
			rec, _ := txn.Peer(id)
			rec.Status = types.PeerStale
			txn.PutPeer(rec)
		}
		if len(res.Evicted) > 0 {
			txn.Add(CounterPeersEvicted, int64(len(res.Evicted)))
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, gen, err
	}
	return res, gen, nil
}
