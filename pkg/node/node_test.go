package node

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nodecore/pkg/config"
	"github.com/nodecore/pkg/console"
	"github.com/nodecore/pkg/faults"
	"github.com/nodecore/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	for _, role := range types.Roles {
		ep := cfg.Endpoints.Endpoint(role)
		ep.BindAddress = "127.0.0.1"
		ep.Port = 0
	}
	cfg.Lifecycle.DrainDeadline = 1
	return cfg
}

type run struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
	report *Report
	err    error
}

func start(t *testing.T, cfg *config.Config, opts ...Option) *run {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctrl: NewController(opts...), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.report, r.err = r.ctrl.Run(ctx, cfg)
	}()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	select {
	case <-r.ctrl.Ready():
	case <-r.done:
		t.Fatalf("run ended before ready: %v", r.err)
	case <-time.After(5 * time.Second):
		t.Fatalf("node not ready")
	}
	return r
}

func (r *run) wait(t *testing.T, limit time.Duration) *Report {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(limit):
		t.Fatalf("run did not stop within %v", limit)
	}
	if r.err != nil {
		t.Fatalf("run: %v", r.err)
	}
	return r.report
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) roundTrip(t *testing.T, frame string) string {
	t.Helper()
	_ = c.conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.conn.Write([]byte(frame + "\n")); err != nil {
		t.Fatalf("write %s: %v", frame, err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply to %s: %v", frame, err)
	}
	return line
}

func waitPhase(t *testing.T, ctrl *Controller, want types.Phase) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for ctrl.Phase() != want {
		if time.Now().After(deadline) {
			t.Fatalf("phase=%s want %s", ctrl.Phase(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestController_DrainCompletesWhenSessionsClose(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Lifecycle.DrainDeadline = 5
	r := start(t, cfg)
	addrs := r.ctrl.Addrs()
	if len(addrs) != 4 {
		t.Fatalf("addrs=%v", addrs)
	}

	a := dial(t, addrs[types.RoleClientAPI])
	b := dial(t, addrs[types.RoleClientAPI])
	if got := a.roundTrip(t, "PING"); got != "PONG\n" {
		t.Fatalf("ping: %q", got)
	}
	if got := b.roundTrip(t, "INCR:hits:2"); got != "COUNTER:hits:2\n" {
		t.Fatalf("incr: %q", got)
	}

	r.cancel()
	waitPhase(t, r.ctrl, types.PhaseDraining)
	_ = a.conn.Close()
	_ = b.conn.Close()

	report := r.wait(t, 5*time.Second)
	if len(report.Forced) != 0 {
		t.Fatalf("forced=%v", report.Forced)
	}
	if r.ctrl.Phase() != types.PhaseStopped {
		t.Fatalf("phase=%s", r.ctrl.Phase())
	}
	if !report.SnapshotSaved {
		t.Fatalf("snapshot not saved")
	}
	if _, err := os.Stat(cfg.StatePath()); err != nil {
		t.Fatalf("snapshot file: %v", err)
	}
	if report.DrainDuration >= 5*time.Second {
		t.Fatalf("drain waited for the deadline: %v", report.DrainDuration)
	}
}

func TestController_ForcesSessionsOpenAtDeadline(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	r := start(t, cfg)
	addrs := r.ctrl.Addrs()

	const m = 3
	clients := []*client{
		dial(t, addrs[types.RoleClientAPI]),
		dial(t, addrs[types.RoleClientAPI]),
		dial(t, addrs[types.RoleAdminControl]),
	}
	for _, c := range clients {
		if got := c.roundTrip(t, "PING"); got != "PONG\n" {
			t.Fatalf("ping: %q", got)
		}
	}

	r.ctrl.RequestShutdown()
	report := r.wait(t, 5*time.Second)
	if len(report.Forced) != m {
		t.Fatalf("forced=%d want %d", len(report.Forced), m)
	}
	if report.Emergency {
		t.Fatalf("unexpected emergency drain")
	}
	for _, c := range clients {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.r.ReadString('\n'); err == nil {
			t.Fatalf("connection still open after forced termination")
		}
	}
}

func TestController_SecondRequestSkipsDrainWait(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Lifecycle.DrainDeadline = 60
	r := start(t, cfg)
	c := dial(t, r.ctrl.Addrs()[types.RoleClientAPI])
	c.roundTrip(t, "PING")

	r.ctrl.RequestShutdown()
	waitPhase(t, r.ctrl, types.PhaseDraining)
	r.ctrl.RequestShutdown()

	report := r.wait(t, 5*time.Second)
	if !report.Emergency || len(report.Forced) != 1 {
		t.Fatalf("emergency=%v forced=%d", report.Emergency, len(report.Forced))
	}
}

func TestController_AdminShutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	r := start(t, cfg)
	admin := dial(t, r.ctrl.Addrs()[types.RoleAdminControl])

	if got := admin.roundTrip(t, "SHUTDOWN"); got != "OK:draining\n" {
		t.Fatalf("shutdown: %q", got)
	}
	_ = admin.conn.Close()

	report := r.wait(t, 5*time.Second)
	if len(report.Forced) != 0 {
		t.Fatalf("forced=%v", report.Forced)
	}
}

func TestController_BindFailureAbortsStartup(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	freePort := free.Addr().(*net.TCPAddr).Port
	_ = free.Close()

	cfg := testConfig(t)
	cfg.Endpoints.ClientAPI.Port = freePort
	cfg.Endpoints.AdminControl.Port = busy.Addr().(*net.TCPAddr).Port

	ctrl := NewController()
	report, err := ctrl.Run(context.Background(), cfg)
	if report != nil {
		t.Fatalf("report=%+v", report)
	}
	var bf *faults.BindFailure
	if !errors.As(err, &bf) || bf.Role != types.RoleAdminControl {
		t.Fatalf("err=%v", err)
	}
	if ctrl.Phase() != types.PhaseStopped {
		t.Fatalf("phase=%s", ctrl.Phase())
	}
	select {
	case <-ctrl.Ready():
		t.Fatalf("ready after failed bind")
	default:
	}

	// The endpoint that did bind was released.
	again, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort)))
	if err != nil {
		t.Fatalf("client_api port still bound: %v", err)
	}
	_ = again.Close()
}

func TestController_RestoresSnapshot(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	r := start(t, cfg)
	c := dial(t, r.ctrl.Addrs()[types.RoleClientAPI])
	if got := c.roundTrip(t, "INCR:visits:5"); got != "COUNTER:visits:5\n" {
		t.Fatalf("incr: %q", got)
	}
	_ = c.conn.Close()
	r.cancel()
	first := r.wait(t, 5*time.Second)

	r2 := start(t, cfg)
	c2 := dial(t, r2.ctrl.Addrs()[types.RoleClientAPI])
	if got := c2.roundTrip(t, "COUNTER:visits"); got != "COUNTER:visits:5\n" {
		t.Fatalf("restored counter: %q", got)
	}
	if id := r2.ctrl.Store().Read().Identity.NodeID; id != first.NodeID {
		t.Fatalf("node id %q, first run %q", id, first.NodeID)
	}
}

func TestController_OnlyEnabledEndpointsBind(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	off := false
	cfg.Endpoints.PeerGossip.Enabled = &off
	cfg.Endpoints.Telemetry.Enabled = &off

	r := start(t, cfg)
	addrs := r.ctrl.Addrs()
	if len(addrs) != 2 || addrs[types.RoleClientAPI] == "" || addrs[types.RoleAdminControl] == "" {
		t.Fatalf("addrs=%v", addrs)
	}
}

type fakeDisplay struct {
	mu     sync.Mutex
	frames []console.Frame
	done   chan struct{}
	once   sync.Once
}

func (d *fakeDisplay) Render(f console.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, f)
	return nil
}

func (d *fakeDisplay) Start() {}

func (d *fakeDisplay) Stop() { d.once.Do(func() { close(d.done) }) }

func (d *fakeDisplay) Done() <-chan struct{} { return d.done }

func (d *fakeDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

func TestController_ConsoleFollowsState(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Console.Enabled = true
	cfg.Console.RefreshInterval = 10

	display := &fakeDisplay{done: make(chan struct{})}
	var interrupt func()
	r := start(t, cfg, WithDisplay(func(onInterrupt func()) Display {
		interrupt = onInterrupt
		return display
	}))

	c := dial(t, r.ctrl.Addrs()[types.RoleClientAPI])
	c.roundTrip(t, "INCR:renders:1")
	deadline := time.Now().Add(3 * time.Second)
	for display.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("console never rendered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = c.conn.Close()

	// ctrl+c inside the console takes the signal path.
	interrupt()
	r.wait(t, 5*time.Second)
	select {
	case <-display.done:
	default:
		t.Fatalf("display not stopped")
	}
}

func TestController_RepeatedRequestsBeforeDrainAreNotEmergency(t *testing.T) {
	t.Parallel()
	c := NewController()
	c.phase.Store(int32(types.PhaseRunning))

	c.RequestShutdown()
	c.RequestShutdown()
	c.RequestShutdown()
	select {
	case <-c.emergency:
		t.Fatalf("emergency set while running")
	default:
	}

	c.phase.Store(int32(types.PhaseDraining))
	c.RequestShutdown()
	select {
	case <-c.emergency:
	default:
		t.Fatalf("request while draining did not cut the wait")
	}
}

func TestController_ForcesOnlySessionsStillOpen(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Lifecycle.DrainDeadline = 2
	r := start(t, cfg)
	addrs := r.ctrl.Addrs()

	const n, m = 5, 2
	clients := make([]*client, 0, n)
	for i := 0; i < n; i++ {
		role := types.RoleClientAPI
		if i%2 == 1 {
			role = types.RoleAdminControl
		}
		c := dial(t, addrs[role])
		if got := c.roundTrip(t, "PING"); got != "PONG\n" {
			t.Fatalf("ping: %q", got)
		}
		clients = append(clients, c)
	}

	r.ctrl.RequestShutdown()
	waitPhase(t, r.ctrl, types.PhaseDraining)
	// N-M sessions finish during the drain; M stay open past the deadline.
	for _, c := range clients[:n-m] {
		_ = c.conn.Close()
	}

	report := r.wait(t, 6*time.Second)
	if len(report.Forced) != m {
		t.Fatalf("forced=%d want %d", len(report.Forced), m)
	}
	if report.Emergency {
		t.Fatalf("unexpected emergency drain")
	}
	for _, c := range clients[n-m:] {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.r.ReadString('\n'); err == nil {
			t.Fatalf("lingering session still open")
		}
	}
}
