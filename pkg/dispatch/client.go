package dispatch

import (
	"context"
	"fmt"

	"github.com/nodecore/pkg/protocol"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

// Client serves the ClientAPI endpoint: read access to node state plus
// named counters.
type Client struct {
	common
}

func NewClient(store *state.Store, opts ...Option) *Client {
	return &Client{common: newCommon(store, opts)}
}

func (d *Client) Role() types.Role { return types.RoleClientAPI }

func (d *Client) Handle(ctx context.Context, s *session.Session, frame []byte) (string, error) {
	cmd, payload := protocol.SplitFrame(string(frame))
	switch cmd {
	case "":
		return "", nil
	case protocol.CmdPing:
		return protocol.FormatPong(), nil
	case protocol.CmdStatus:
		snap := d.store.Read()
		return protocol.FormatClientStatus(snap.Identity.NodeID, snap.Generation, len(snap.Peers), snap.ActivePeers()), nil
	case protocol.CmdPeers:
		return protocol.FormatPeers(d.store.Read().PeerList()), nil
	case protocol.CmdCounter:
		name := payload
		if !protocol.ValidToken(name) {
			return protocol.FormatError("invalid counter name"), nil
		}
		return protocol.FormatCounter(name, d.store.Read().Counter(name)), nil
	case protocol.CmdCounters:
		snap := d.store.Read()
		return protocol.FormatCounters(snap.CounterNames(), snap.Counters), nil
	case protocol.CmdIncr:
		name, delta, ok := protocol.ParseIncrPayload(payload)
		if !ok {
			return protocol.FormatError("usage: INCR:<name>:<delta>"), nil
		}
		var value int64
		if _, err := d.mutate(ctx, func(txn *state.Txn) error {
			v, err := txn.AddChecked(name, delta)
			value = v
			return err
		}); err != nil {
			return mutationReply(d.Role(), s, cmd, err), nil
		}
		return protocol.FormatCounter(name, value), nil
	}
	return protocol.FormatError(fmt.Sprintf("unknown command %q", cmd)), nil
}
