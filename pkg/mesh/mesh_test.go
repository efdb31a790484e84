package mesh

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nodecore/pkg/dispatch"
	"github.com/nodecore/pkg/server"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

type dialCounter struct {
	ok, failed atomic.Int32
}

func (d *dialCounter) RecordMeshDial(_ string, ok bool) {
	if ok {
		d.ok.Add(1)
		return
	}
	d.failed.Add(1)
}

// startSeed runs a gossip endpoint for a node named id.
func startSeed(t *testing.T, ctx context.Context, id string) (*state.Store, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	store := state.New(state.Identity{NodeID: id, Address: ln.Addr().String()})
	reg := session.NewRegistry(session.WithWriteTimeout(time.Second))
	fs := server.NewFrameServer(dispatch.NewGossip(store, reg), reg, server.FrameOptions{}, nil)
	go func() { _ = fs.Serve(ctx, ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	return store, ln.Addr().String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLink_JoinsSeedAndStaysActive(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedStore, seedAddr := startSeed(t, ctx, "seed")
	local := state.New(state.Identity{NodeID: "local", Address: "127.0.0.1:4414"})
	gossip := dispatch.NewGossip(local, nil)
	rec := &dialCounter{}

	link := NewLink(seedAddr, local, gossip, LinkOptions{HeartbeatInterval: 20 * time.Millisecond}, rec)
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx) }()

	waitFor(t, "seed active locally", func() bool {
		p, ok := local.Read().Peer("seed")
		return ok && p.Status == types.PeerActive && p.Address == seedAddr
	})
	waitFor(t, "local active on seed", func() bool {
		p, ok := seedStore.Read().Peer("local")
		return ok && p.Status == types.PeerActive && p.Address == "127.0.0.1:4414"
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("link did not stop")
	}
	if rec.ok.Load() < 1 {
		t.Fatalf("dial not recorded")
	}
}

func TestLink_LearnsPeersFromSeed(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seedStore, seedAddr := startSeed(t, ctx, "seed")
	if _, err := seedStore.Mutate(func(txn *state.Txn) error {
		txn.PutPeer(types.PeerRecord{ID: "third", Address: "10.0.0.3:3414", Status: types.PeerActive, LastSeen: time.Now()})
		return nil
	}); err != nil {
		t.Fatalf("seed mutate: %v", err)
	}

	local := state.New(state.Identity{NodeID: "local", Address: "127.0.0.1:4414"})
	link := NewLink(seedAddr, local, dispatch.NewGossip(local, nil), LinkOptions{HeartbeatInterval: 20 * time.Millisecond}, nil)
	go func() { _ = link.Run(ctx) }()

	waitFor(t, "third learned", func() bool {
		p, ok := local.Read().Peer("third")
		return ok && p.Status == types.PeerConnecting
	})
}

func TestRunPeerLink_GivesUpAfterMaxReconnect(t *testing.T) {
	t.Parallel()
	dialErr := errors.New("refused")
	rec := &dialCounter{}
	opts := LinkOptions{
		ReconnectInterval: time.Millisecond,
		MaxReconnect:      2,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, dialErr
		},
	}
	err := RunPeerLink(context.Background(), "127.0.0.1:1", opts, rec, func(context.Context, LinkInfo) error {
		t.Fatalf("handler called without a connection")
		return nil
	})
	if !errors.Is(err, dialErr) {
		t.Fatalf("err=%v", err)
	}
	if got := rec.failed.Load(); got != 3 {
		t.Fatalf("attempts=%d want 3", got)
	}
}

func TestRunPeerLink_StopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	opts := LinkOptions{
		ReconnectInterval: time.Hour,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			cancel()
			return nil, errors.New("refused")
		},
	}
	if err := RunPeerLink(ctx, "127.0.0.1:1", opts, nil, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
}
