package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/protocol"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

// ScratchPeerID is the session scratch key holding the peer id announced by HELLO
const ScratchPeerID = "peer_id"

var (
	errUnknownPeer = errors.New("unknown peer")
	errSelf        = errors.New("peer id is this node")
)

// Gossip serves the PeerGossip endpoint. Outbound mesh links feed the
// frames they receive through the same dispatcher, so every change to the
// peer table goes through here.
type Gossip struct {
	common
	sessions    *session.Registry
	onPeerError func(code int, msg string)
}

// GossipOption configures the gossip dispatcher
type GossipOption func(*Gossip)

// WithPeerErrorHook is called for every PEER_ERROR frame
func WithPeerErrorHook(fn func(code int, msg string)) GossipOption {
	return func(g *Gossip) { g.onPeerError = fn }
}

// WithGossipOptions applies common options
func WithGossipOptions(opts ...Option) GossipOption {
	return func(g *Gossip) {
		for _, opt := range opts {
			opt(&g.common)
		}
	}
}

func NewGossip(store *state.Store, sessions *session.Registry, opts ...GossipOption) *Gossip {
	g := &Gossip{common: newCommon(store, nil), sessions: sessions}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (d *Gossip) Role() types.Role { return types.RolePeerGossip }

func (d *Gossip) Handle(ctx context.Context, s *session.Session, frame []byte) (string, error) {
	line := string(frame)
	cmd, payload := protocol.SplitFrame(line)
	switch cmd {
	case "":
		return "", nil
	case protocol.CmdPing:
		return protocol.FormatPong(), nil
	case protocol.CmdHello:
		return d.hello(ctx, s, payload)
	case protocol.CmdHeartbeat:
		return d.heartbeat(ctx, s, payload)
	case protocol.CmdPeers:
		if strings.Contains(line, ":") {
			// A peer list sent to us (reply on an outbound link).
			d.mergePeers(ctx, protocol.ParsePeersPayload(payload))
			return "", nil
		}
		return protocol.FormatPeers(d.store.Read().PeerList()), nil
	case protocol.CmdWelcome:
		return "", d.welcome(ctx, s, payload)
	case protocol.CmdPeerJoined:
		id, addr, ok := protocol.ParseIDAddrPayload(payload)
		if ok && addr != "" {
			d.mergePeers(ctx, []types.PeerRecord{{ID: id, Address: addr, Status: types.PeerConnecting, LastSeen: d.now()}})
		}
		return "", nil
	case protocol.CmdPeerError:
		code, msg, ok := protocol.ParsePeerErrorPayload(payload)
		if !ok {
			return "", protocolErr(d.Role(), s, "malformed PEER_ERROR %q", payload)
		}
		d.peerError(ctx, s, code, msg)
		return "", &Hangup{Reason: session.ReasonPeerError, Detail: fmt.Sprintf("code=%d %s", code, msg)}
	case protocol.CmdOK:
		// Heartbeat ack on an outbound link.
		d.seen(ctx, s)
		return "", nil
	case protocol.CmdError:
		logging.Logf("[gossip] remote error (session=%s remote=%s msg=%q)", s.ID, s.RemoteAddr(), payload)
		return "", nil
	}
	return protocol.FormatError(fmt.Sprintf("unknown command %q", cmd)), nil
}

func (d *Gossip) hello(ctx context.Context, s *session.Session, payload string) (string, error) {
	id, addr, ok := protocol.ParseIDAddrPayload(payload)
	if !ok {
		return protocol.FormatError("usage: HELLO:<peer_id>:<addr>"), nil
	}
	if prev, bound := s.Get(ScratchPeerID); bound && prev != id {
		return "", protocolErr(d.Role(), s, "HELLO as %q on a session bound to %q", id, prev)
	}
	if addr != "" && !validPeerAddr(addr) {
		return protocol.FormatError("invalid peer address"), nil
	}
	if addr == "" {
		addr = s.RemoteAddr()
	}

	self := d.store.Read().Identity
	if id == self.NodeID {
		return protocol.FormatPeerError(1, errSelf.Error()), &Hangup{Reason: session.ReasonPeerError, Detail: errSelf.Error()}
	}

	isNew := false
	if _, err := d.mutate(ctx, func(txn *state.Txn) error {
		rec, known := txn.Peer(id)
		isNew = !known || rec.Status == types.PeerEvicted
		txn.PutPeer(types.PeerRecord{ID: id, Address: addr, Status: types.PeerConnecting, LastSeen: d.now()})
		if isNew {
			txn.Add(state.CounterPeersJoined, 1)
		}
		return nil
	}); err != nil {
		return mutationReply(d.Role(), s, protocol.CmdHello, err), nil
	}
	s.Set(ScratchPeerID, id)

	if isNew {
		logging.Logf("[gossip] peer joined (peer_id=%s addr=%s remote=%s)", id, addr, s.RemoteAddr())
		d.broadcast(s, protocol.FormatPeerJoined(id, addr))
	}
	return protocol.FormatWelcome(self.NodeID, self.Address), nil
}

func (d *Gossip) heartbeat(ctx context.Context, s *session.Session, payload string) (string, error) {
	id := strings.TrimSpace(payload)
	if !protocol.ValidToken(id) {
		return protocol.FormatError("usage: HEARTBEAT:<peer_id>"), nil
	}
	bound, ok := s.Get(ScratchPeerID)
	if !ok {
		return protocol.FormatError("HELLO required"), nil
	}
	if bound != id {
		return "", protocolErr(d.Role(), s, "HEARTBEAT for %q on a session bound to %q", id, bound)
	}
	if _, err := d.mutate(ctx, func(txn *state.Txn) error {
		rec, known := txn.Peer(id)
		if !known {
			return errUnknownPeer
		}
		rec.Status = types.PeerActive
		rec.LastSeen = d.now()
		txn.PutPeer(rec)
		return nil
	}); err != nil {
		return mutationReply(d.Role(), s, protocol.CmdHeartbeat, err), nil
	}
	return protocol.FormatOK(""), nil
}

// welcome records the remote end of an outbound link as Active
func (d *Gossip) welcome(ctx context.Context, s *session.Session, payload string) error {
	id, addr, ok := protocol.ParseIDAddrPayload(payload)
	if !ok {
		return protocolErr(d.Role(), s, "malformed WELCOME %q", payload)
	}
	if addr != "" && !validPeerAddr(addr) {
		return protocolErr(d.Role(), s, "invalid address in WELCOME %q", payload)
	}
	if addr == "" {
		addr = s.RemoteAddr()
	}
	if id == d.store.Read().Identity.NodeID {
		return &Hangup{Reason: session.ReasonPeerError, Detail: errSelf.Error()}
	}
	_, err := d.mutate(ctx, func(txn *state.Txn) error {
		rec, known := txn.Peer(id)
		if !known || rec.Status == types.PeerEvicted {
			txn.Add(state.CounterPeersJoined, 1)
		}
		txn.PutPeer(types.PeerRecord{ID: id, Address: addr, Status: types.PeerActive, LastSeen: d.now()})
		return nil
	})
	if err != nil {
		return err
	}
	s.Set(ScratchPeerID, id)
	return nil
}

// seen refreshes the peer bound to s, if any
func (d *Gossip) seen(ctx context.Context, s *session.Session) {
	id, ok := s.Get(ScratchPeerID)
	if !ok {
		return
	}
	if _, err := d.mutate(ctx, func(txn *state.Txn) error {
		rec, known := txn.Peer(id)
		if !known || rec.Status == types.PeerEvicted {
			return state.ErrNoop
		}
		rec.Status = types.PeerActive
		rec.LastSeen = d.now()
		txn.PutPeer(rec)
		return nil
	}); err != nil {
		logging.Debugf("[gossip] failed to refresh peer %s: %v", id, err)
	}
}

// mergePeers adds peers we have not heard of. Known peers are left alone;
// their status is driven by our own contact with them.
func (d *Gossip) mergePeers(ctx context.Context, peers []types.PeerRecord) {
	self := d.store.Read().Identity.NodeID
	now := d.now()
	_, err := d.mutate(ctx, func(txn *state.Txn) error {
		added := 0
		for _, p := range peers {
			if p.ID == self || p.Status == types.PeerEvicted || !validPeerAddr(p.Address) {
				continue
			}
			if _, known := txn.Peer(p.ID); known {
				continue
			}
			seen := p.LastSeen
			if seen.IsZero() || seen.After(now) {
				seen = now
			}
			txn.PutPeer(types.PeerRecord{ID: p.ID, Address: p.Address, Status: types.PeerConnecting, LastSeen: seen})
			added++
		}
		if added == 0 {
			return state.ErrNoop
		}
		txn.Add(state.CounterPeersJoined, int64(added))
		return nil
	})
	if err != nil {
		logging.Logf("[gossip] failed to merge peer list: %v", err)
	}
}

func (d *Gossip) peerError(ctx context.Context, s *session.Session, code int, msg string) {
	peerID, _ := s.Get(ScratchPeerID)
	logging.Logf("[gossip] peer error (session=%s peer_id=%s code=%d msg=%q)", s.ID, peerID, code, msg)
	if _, err := d.mutate(ctx, func(txn *state.Txn) error {
		txn.Add(state.CounterPeerErrors, 1)
		return nil
	}); err != nil {
		logging.Logf("[gossip] failed to count peer error: %v", err)
	}
	if d.onPeerError != nil {
		d.onPeerError(code, msg)
	}
}

// broadcast sends frame to every other open gossip session
func (d *Gossip) broadcast(from *session.Session, frame string) {
	if d.sessions == nil {
		return
	}
	for _, other := range d.sessions.ByRole(types.RolePeerGossip) {
		if other == from || other.Closed() {
			continue
		}
		go func(o *session.Session) {
			if err := o.Send(frame); err != nil {
				logging.Debugf("[gossip] broadcast to %s failed: %v", o.ID, err)
			}
		}(other)
	}
}

// EvictPeer marks a peer Evicted and closes gossip sessions bound to it.
func (d *Gossip) EvictPeer(ctx context.Context, id string) (closed int, err error) {
	if _, err := d.mutate(ctx, func(txn *state.Txn) error {
		rec, known := txn.Peer(id)
		if !known {
			return errUnknownPeer
		}
		if rec.Status == types.PeerEvicted {
			return state.ErrNoop
		}
		rec.Status = types.PeerEvicted
		txn.PutPeer(rec)
		txn.Add(state.CounterAdminEvicts, 1)
		return nil
	}); err != nil {
		return 0, err
	}
	if d.sessions != nil {
		for _, s := range d.sessions.ByRole(types.RolePeerGossip) {
			if bound, ok := s.Get(ScratchPeerID); ok && bound == id {
				if s.Close(session.ReasonEvicted) {
					closed++
				}
			}
		}
	}
	return closed, nil
}

func validPeerAddr(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n < 65536
}
