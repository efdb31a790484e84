package dispatch

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nodecore/pkg/faults"
	"github.com/nodecore/pkg/protocol"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

type fixture struct {
	store *state.Store
	reg   *session.Registry
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store: state.New(state.Identity{NodeID: "self", Address: "10.0.0.1:3414"}),
		reg:   session.NewRegistry(session.WithWriteTimeout(time.Second)),
		now:   time.Unix(1_700_000_000, 0),
	}
}

func (f *fixture) clock() time.Time { return f.now }

// open returns a registered session and the client end of its connection.
func (f *fixture) open(t *testing.T, role types.Role) (*session.Session, *bufio.Reader) {
	t.Helper()
	srv, cli := net.Pipe()
	t.Cleanup(func() {
		_ = srv.Close()
		_ = cli.Close()
	})
	return f.reg.Open(context.Background(), role, srv), bufio.NewReader(cli)
}

func handle(t *testing.T, d Dispatcher, s *session.Session, frame string) string {
	t.Helper()
	resp, err := d.Handle(context.Background(), s, []byte(frame))
	if err != nil {
		t.Fatalf("%s: unexpected error %v", frame, err)
	}
	return resp
}

func TestClient_Commands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewClient(f.store)
	s, _ := f.open(t, types.RoleClientAPI)

	if got := handle(t, d, s, "ping"); got != "PONG\n" {
		t.Fatalf("PING: %q", got)
	}
	if got := handle(t, d, s, "INCR:blocks:5"); got != "COUNTER:blocks:5\n" {
		t.Fatalf("INCR: %q", got)
	}
	if got := handle(t, d, s, "INCR:blocks:-2"); got != "COUNTER:blocks:3\n" {
		t.Fatalf("INCR: %q", got)
	}
	if got := handle(t, d, s, "COUNTER:blocks"); got != "COUNTER:blocks:3\n" {
		t.Fatalf("COUNTER: %q", got)
	}
	if got := handle(t, d, s, "COUNTERS"); got != "COUNTERS:blocks=3\n" {
		t.Fatalf("COUNTERS: %q", got)
	}
	if got := handle(t, d, s, "STATUS"); got != "STATUS:self:2:0:0\n" {
		t.Fatalf("STATUS: %q", got)
	}
	for _, bad := range []string{"INCR:blocks", "COUNTER:a:b", "FROB"} {
		if got := handle(t, d, s, bad); !strings.HasPrefix(got, "ERROR:") {
			t.Fatalf("%s: expected ERROR, got %q", bad, got)
		}
	}
	if f.store.Generation() != 2 {
		t.Fatalf("failed commands must not mutate: generation %d", f.store.Generation())
	}
}

func TestGossip_HelloHeartbeatAndBroadcast(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewGossip(f.store, f.reg, WithGossipOptions(WithClock(f.clock)))

	a, _ := f.open(t, types.RolePeerGossip)
	_, bOut := f.open(t, types.RolePeerGossip)

	if got := handle(t, d, a, "HEARTBEAT:p1"); got != "ERROR:HELLO required\n" {
		t.Fatalf("heartbeat before hello: %q", got)
	}
	if got := handle(t, d, a, "HELLO:p1:10.0.0.2:3414"); got != "WELCOME:self:10.0.0.1:3414\n" {
		t.Fatalf("HELLO: %q", got)
	}
	rec, ok := f.store.Read().Peer("p1")
	if !ok || rec.Status != types.PeerConnecting || rec.Address != "10.0.0.2:3414" {
		t.Fatalf("after hello: %+v", rec)
	}

	line, err := readLine(bOut)
	if err != nil || line != "PEER_JOINED:p1:10.0.0.2:3414\n" {
		t.Fatalf("broadcast: %q %v", line, err)
	}

	f.now = f.now.Add(5 * time.Second)
	if got := handle(t, d, a, "HEARTBEAT:p1"); got != "OK\n" {
		t.Fatalf("HEARTBEAT: %q", got)
	}
	rec, _ = f.store.Read().Peer("p1")
	if rec.Status != types.PeerActive || !rec.LastSeen.Equal(f.now) {
		t.Fatalf("after heartbeat: %+v", rec)
	}

	if _, err := d.Handle(context.Background(), a, []byte("HEARTBEAT:p2")); err == nil {
		t.Fatalf("heartbeat for another peer id should close the session")
	}
}

func readLine(r *bufio.Reader) (string, error) {
	type res struct {
		line string
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- res{line, err}
	}()
	select {
	case got := <-ch:
		return got.line, got.err
	case <-time.After(2 * time.Second):
		return "", context.DeadlineExceeded
	}
}

func TestGossip_PeerErrorHangsUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	var gotCode int
	d := NewGossip(f.store, f.reg, WithPeerErrorHook(func(code int, msg string) { gotCode = code }))
	s, _ := f.open(t, types.RolePeerGossip)

	resp, err := d.Handle(context.Background(), s, []byte("PEER_ERROR:7:version mismatch"))
	h, ok := AsHangup(err)
	if !ok || h.Reason != session.ReasonPeerError || resp != "" {
		t.Fatalf("expected hangup, got resp=%q err=%v", resp, err)
	}
	if gotCode != 7 || f.store.Read().Counter(state.CounterPeerErrors) != 1 {
		t.Fatalf("peer error not recorded: code=%d", gotCode)
	}
}

func TestGossip_RejectsSelf(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewGossip(f.store, f.reg)
	s, _ := f.open(t, types.RolePeerGossip)

	resp, err := d.Handle(context.Background(), s, []byte("HELLO:self:10.0.0.9:3414"))
	if _, ok := AsHangup(err); !ok || !strings.HasPrefix(resp, "PEER_ERROR:") {
		t.Fatalf("self hello: resp=%q err=%v", resp, err)
	}
	if len(f.store.Read().Peers) != 0 {
		t.Fatalf("self recorded as peer")
	}
}

func TestGossip_IngestFromOutboundLink(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewGossip(f.store, f.reg, WithGossipOptions(WithClock(f.clock)))
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()
	link := session.Detached(context.Background(), types.RolePeerGossip, srv, time.Second)

	handle(t, d, link, "WELCOME:seed1:10.0.0.5:3414")
	handle(t, d, link, "PEERS:seed1|10.0.0.5:3414|active|1700000000,p9|10.0.0.9:3414|active|1699999990,self|10.0.0.1:3414|active|1")
	handle(t, d, link, "PEER_JOINED:p10:10.0.0.10:3414")

	snap := f.store.Read()
	if rec, _ := snap.Peer("seed1"); rec.Status != types.PeerActive {
		t.Fatalf("seed should be active: %+v", rec)
	}
	if rec, _ := snap.Peer("p9"); rec.Status != types.PeerConnecting {
		t.Fatalf("learned peer should be connecting: %+v", rec)
	}
	if _, ok := snap.Peer("self"); ok {
		t.Fatalf("self merged into peer table")
	}
	if _, ok := snap.Peer("p10"); !ok {
		t.Fatalf("PEER_JOINED not merged")
	}

	// Heartbeat acks refresh the linked peer.
	f.now = f.now.Add(30 * time.Second)
	handle(t, d, link, "OK")
	if rec, _ := f.store.Read().Peer("seed1"); !rec.LastSeen.Equal(f.now) {
		t.Fatalf("ack did not refresh seed: %+v", rec)
	}
	if f.reg.Count() != 0 {
		t.Fatalf("detached link must not be registered")
	}
}

func TestAdmin_Commands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	g := NewGossip(f.store, f.reg, WithGossipOptions(WithClock(f.clock)))
	shutdown := make(chan struct{}, 1)
	d := NewAdmin(f.store, f.reg, g, AdminHooks{
		Phase:           func() types.Phase { return types.PhaseRunning },
		RequestShutdown: func() { shutdown <- struct{}{} },
		SaveSnapshot:    func() (uint64, error) { return f.store.Generation(), nil },
	})

	peerSess, _ := f.open(t, types.RolePeerGossip)
	handle(t, g, peerSess, "HELLO:p1:10.0.0.2:3414")
	admin, _ := f.open(t, types.RoleAdminControl)

	if got := handle(t, d, admin, "STATUS"); got != "STATUS:running:1:2\n" {
		t.Fatalf("STATUS: %q", got)
	}
	if got := handle(t, d, admin, "SESSIONS"); got != "SESSIONS:client_api=0,peer_gossip=1,admin_control=1,telemetry=0\n" {
		t.Fatalf("SESSIONS: %q", got)
	}
	if got := handle(t, d, admin, "EVICT:nobody"); !strings.HasPrefix(got, "ERROR:unknown peer") {
		t.Fatalf("EVICT unknown: %q", got)
	}
	if got := handle(t, d, admin, "EVICT:p1"); got != "OK:evicted:p1\n" {
		t.Fatalf("EVICT: %q", got)
	}
	if rec, _ := f.store.Read().Peer("p1"); rec.Status != types.PeerEvicted {
		t.Fatalf("peer not evicted: %+v", rec)
	}
	if peerSess.Reason() != session.ReasonEvicted {
		t.Fatalf("bound gossip session should be closed, reason=%q", peerSess.Reason())
	}
	if got := handle(t, d, admin, "SAVE"); got != "OK:saved:2\n" {
		t.Fatalf("SAVE: %q", got)
	}
	if got := handle(t, d, admin, "SHUTDOWN"); got != "OK:draining\n" {
		t.Fatalf("SHUTDOWN: %q", got)
	}
	select {
	case <-shutdown:
	default:
		t.Fatalf("shutdown hook not called")
	}
}

func TestClient_IncrOverflowIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewClient(f.store)
	s, _ := f.open(t, types.RoleClientAPI)

	if got := handle(t, d, s, "INCR:x:9223372036854775807"); got != "COUNTER:x:9223372036854775807\n" {
		t.Fatalf("INCR max: %q", got)
	}
	if got := handle(t, d, s, "INCR:x:1"); got != "ERROR:counter overflow\n" {
		t.Fatalf("INCR past max: %q", got)
	}
	if got := handle(t, d, s, "INCR:y:-9223372036854775808"); !strings.HasPrefix(got, "COUNTER:y:") {
		t.Fatalf("INCR min: %q", got)
	}
	if got := handle(t, d, s, "INCR:y:-1"); got != "ERROR:counter overflow\n" {
		t.Fatalf("INCR past min: %q", got)
	}
	if v := f.store.Read().Counter("x"); v != 9223372036854775807 {
		t.Fatalf("x=%d", v)
	}
	if f.store.Generation() != 2 {
		t.Fatalf("overflowing INCR must not mutate: generation %d", f.store.Generation())
	}
}

func TestClient_ExpiredDispatchDoesNotCommit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewClient(f.store)
	s, _ := f.open(t, types.RoleClientAPI)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := d.Handle(ctx, s, []byte("INCR:late:1"))
	if err != nil || !strings.HasPrefix(resp, "ERROR:") {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
	if f.store.Generation() != 0 || f.store.Read().Counter("late") != 0 {
		t.Fatalf("expired dispatch committed: generation %d", f.store.Generation())
	}
}

func TestGossip_RejectsUnsafePeerAddress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	d := NewGossip(f.store, f.reg, WithGossipOptions(WithClock(f.clock)))
	s, _ := f.open(t, types.RolePeerGossip)

	for _, frame := range []string{
		"HELLO:p1:1.1.1.1:1,ghost|6.6.6.6:66|active|0",
		"HELLO:p1:10.0.0.2",
		"HELLO:p1:10.0.0.2:99999",
	} {
		if got := handle(t, d, s, frame); got != "ERROR:invalid peer address\n" {
			t.Fatalf("%s: %q", frame, got)
		}
	}
	if len(f.store.Read().Peers) != 0 || f.store.Generation() != 0 {
		t.Fatalf("rejected HELLO recorded a peer")
	}
	if _, bound := s.Get(ScratchPeerID); bound {
		t.Fatalf("rejected HELLO bound the session")
	}

	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()
	link := session.Detached(context.Background(), types.RolePeerGossip, srv, time.Second)
	_, err := d.Handle(context.Background(), link, []byte("WELCOME:seed1:10.0.0.5:3414|x"))
	var pe *faults.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("WELCOME with bad address: err=%v", err)
	}
	if _, ok := f.store.Read().Peer("seed1"); ok {
		t.Fatalf("bad WELCOME recorded a peer")
	}

	// A valid peer still round-trips through PEERS.
	handle(t, d, s, "HELLO:p1:10.0.0.2:3414")
	peers, ok := protocol.ParsePeersLine(handle(t, d, s, "PEERS"))
	if !ok || len(peers) != 1 || peers[0].ID != "p1" {
		t.Fatalf("peers=%+v ok=%v", peers, ok)
	}
}
