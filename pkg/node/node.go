// Package node wires the node core together and drives its lifecycle:
// Stopped → Starting → Running → Draining → Stopped.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nodecore/pkg/config"
	"github.com/nodecore/pkg/console"
	"github.com/nodecore/pkg/dispatch"
	"github.com/nodecore/pkg/faults"
	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/mesh"
	"github.com/nodecore/pkg/metrics"
	"github.com/nodecore/pkg/nat"
	"github.com/nodecore/pkg/server"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/telemetry"
	"github.com/nodecore/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Display is a console renderer with its own lifetime, such as the
// terminal dashboard.
type Display interface {
	console.Renderer
	Start()
	Stop()
	Done() <-chan struct{}
}

// Report summarizes one run
type Report struct {
	NodeID          string
	Forced          []*faults.ForcedTermination
	Emergency       bool // drain wait was cut short by a second shutdown request
	DrainDuration   time.Duration
	FinalGeneration uint64
	SnapshotSaved   bool
}

// Option configures a Controller
type Option func(*Controller)

// WithDisplay replaces the terminal dashboard used when the console is enabled
func WithDisplay(fn func(onInterrupt func()) Display) Option {
	return func(c *Controller) { c.newDisplay = fn }
}

// WithClock sets the clock used by the sweeper and dispatchers
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the shared state, the sessions and every endpoint for
// the duration of one run.
type Controller struct {
	phase      atomic.Int32
	now        func() time.Time
	newDisplay func(onInterrupt func()) Display

	ready     chan struct{}
	readyOnce sync.Once

	shutdownOnce  sync.Once
	shutdown      chan struct{}
	emergencyOnce sync.Once
	emergency     chan struct{}

	mu        sync.Mutex
	store     *state.Store
	sessions  *session.Registry
	listeners *server.ListenerSet
}

// NewController creates a stopped controller
func NewController(opts ...Option) *Controller {
	c := &Controller{
		now:       time.Now,
		ready:     make(chan struct{}),
		shutdown:  make(chan struct{}),
		emergency: make(chan struct{}),
		newDisplay: func(onInterrupt func()) Display {
			return console.NewTeaRenderer(onInterrupt)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run runs a node with cfg until ctx is done or shutdown is requested.
func Run(ctx context.Context, cfg *config.Config) (*Report, error) {
	return NewController().Run(ctx, cfg)
}

// Phase returns the current lifecycle phase
func (c *Controller) Phase() types.Phase {
	return types.Phase(c.phase.Load())
}

func (c *Controller) setPhase(p types.Phase) {
	prev := types.Phase(c.phase.Swap(int32(p)))
	if prev != p {
		logging.Logf("[lifecycle] %s -> %s", prev, p)
	}
}

// Ready is closed once every enabled endpoint is bound and serving
func (c *Controller) Ready() <-chan struct{} { return c.ready }

// Addrs returns the bound address of every enabled endpoint
func (c *Controller) Addrs() map[types.Role]string {
	c.mu.Lock()
	ls := c.listeners
	c.mu.Unlock()
	if ls == nil {
		return map[types.Role]string{}
	}
	return ls.Addrs()
}

// Store returns the shared state of the current run (nil before Starting)
func (c *Controller) Store() *state.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// RequestShutdown starts draining. A further request made once the node
// is Draining cuts the wait for open sessions short; repeats before that
// are ignored.
func (c *Controller) RequestShutdown() {
	first := false
	c.shutdownOnce.Do(func() {
		first = true
		close(c.shutdown)
	})
	if first || c.Phase() != types.PhaseDraining {
		return
	}
	c.emergencyOnce.Do(func() {
		logging.Logf("[lifecycle] second shutdown request, skipping drain wait")
		close(c.emergency)
	})
}

// Run executes one full lifecycle. It returns after the node is Stopped.
// A bind failure aborts startup with a *faults.StartupError.
func (c *Controller) Run(ctx context.Context, cfg *config.Config) (*Report, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if !c.phase.CompareAndSwap(int32(types.PhaseStopped), int32(types.PhaseStarting)) {
		return nil, fmt.Errorf("node already %s", c.Phase())
	}
	logging.SetLevel(cfg.Log.Level)
	logging.SetFormat(cfg.Log.Format)
	logging.Logf("[lifecycle] %s -> %s", types.PhaseStopped, types.PhaseStarting)

	rt, err := c.start(ctx, cfg)
	if err != nil {
		c.setPhase(types.PhaseStopped)
		return nil, err
	}

	c.setPhase(types.PhaseRunning)
	rt.running(ctx)
	c.readyOnce.Do(func() { close(c.ready) })

	select {
	case <-ctx.Done():
		logging.Logf("[lifecycle] shutdown signal received")
		// Later signals arrive through RequestShutdown.
		c.shutdownOnce.Do(func() { close(c.shutdown) })
	case <-c.shutdown:
	case <-rt.interrupted:
		c.RequestShutdown()
	}

	c.setPhase(types.PhaseDraining)
	report := rt.drain()
	c.setPhase(types.PhaseStopped)
	return report, nil
}

// instance everything built during Starting
type instance struct {
	c        *Controller
	cfg      *config.Config
	store    *state.Store
	sessions *session.Registry
	metrics  *metrics.Collector
	gossip   *dispatch.Gossip
	tel      *telemetry.Server
	ls       *server.ListenerSet

	serveCtx    context.Context
	cancelServe context.CancelFunc
	bgCancel    context.CancelFunc
	bg          sync.WaitGroup

	display     Display
	feed        *console.Feed
	restoreLogs func()
	interrupted chan struct{}
	interOnce   sync.Once
}

func (c *Controller) start(ctx context.Context, cfg *config.Config) (*instance, error) {
	snap, savedGen, err := state.Load(cfg.StatePath())
	switch {
	case err == nil:
		logging.Logf("[state] restored snapshot %s (saved_generation=%d peers=%d counters=%d)",
			cfg.StatePath(), savedGen, len(snap.Peers), len(snap.Counters))
	case errors.Is(err, state.ErrNoSnapshot):
		snap = nil
	default:
		// A corrupt snapshot is not fatal; the node starts empty.
		logging.Logf("[state] ignoring snapshot: %v", err)
		snap = nil
	}

	id := state.Identity{NodeID: cfg.Node.NodeID, Address: cfg.Node.AdvertiseAddr}
	if id.NodeID == "" && snap != nil {
		id.NodeID = snap.Identity.NodeID
	}
	if id.NodeID == "" {
		id.NodeID = uuid.NewString()
	}
	logging.SetNodeID(id.NodeID)

	if id.Address == "" && len(cfg.NAT.STUNServers) > 0 && cfg.Endpoints.PeerGossip.IsEnabled() {
		res, err := nat.Probe(ctx, cfg.NAT.STUNServers, cfg.GetProbeTimeout())
		if err != nil {
			logging.Logf("[nat] probe failed, advertising the bind address: %v", err)
		} else {
			id.Address = res.AdvertiseAddr(cfg.Endpoints.PeerGossip.Port)
			logging.Logf("[nat] public address %s (nat=%s servers=%d)", res.Mapped, res.NATType, res.Servers)
		}
	}

	var store *state.Store
	if snap != nil {
		snap.Identity = id
		store = state.NewFromSnapshot(snap)
	} else {
		store = state.New(id)
	}

	rt := &instance{c: c, cfg: cfg, store: store, interrupted: make(chan struct{})}
	rt.sessions = session.NewRegistry(
		session.WithWriteTimeout(cfg.GetWriteTimeout()),
		session.WithOpenHook(func(s *session.Session) {
			rt.metrics.RecordSessionOpened(s.Role)
		}),
		session.WithCloseHook(func(s *session.Session, reason session.Reason) {
			rt.metrics.RecordSessionClosed(s.Role, string(reason))
		}),
	)
	rt.metrics = metrics.NewCollector(metrics.Sources{
		Snapshot: store.Read,
		Sessions: rt.sessions.CountByRole,
		Phase:    c.Phase,
	})
	promRegistry := prometheus.NewRegistry()
	rt.metrics.Register(promRegistry)

	clock := dispatch.WithClock(c.now)
	rt.gossip = dispatch.NewGossip(store, rt.sessions,
		dispatch.WithGossipOptions(clock),
		dispatch.WithPeerErrorHook(func(code int, _ string) {
			rt.metrics.RecordPeerError(strconv.Itoa(code))
		}),
	)
	admin := dispatch.NewAdmin(store, rt.sessions, rt.gossip, dispatch.AdminHooks{
		Phase:           c.Phase,
		RequestShutdown: c.RequestShutdown,
		SaveSnapshot:    rt.saveSnapshot,
	}, clock)

	frameOpts := server.FrameOptions{
		ReadTimeout:     cfg.GetReadTimeout(),
		DispatchTimeout: cfg.GetDispatchTimeout(),
		MaxFrameBytes:   cfg.Session.MaxFrameBytes,
		ProxyProtocol:   cfg.Session.ProxyProtocol,
	}
	rt.tel = telemetry.New(telemetry.Config{
		MetricsPath:    cfg.Telemetry.Path,
		StreamInterval: cfg.GetStreamInterval(),
		WriteTimeout:   cfg.GetWriteTimeout(),
	}, store, rt.sessions, promRegistry, c.Phase)

	rt.ls = server.NewListenerSet(map[types.Role]server.RoleServer{
		types.RoleClientAPI:    server.NewFrameServer(dispatch.NewClient(store, clock), rt.sessions, frameOpts, rt.metrics),
		types.RolePeerGossip:   server.NewFrameServer(rt.gossip, rt.sessions, frameOpts, rt.metrics),
		types.RoleAdminControl: server.NewFrameServer(admin, rt.sessions, frameOpts, rt.metrics),
		types.RoleTelemetry:    rt.tel,
	})
	if err := rt.ls.Bind(cfg.Descriptors()); err != nil {
		logging.Logf("[lifecycle] %v", err)
		return nil, err
	}

	if id.Address == "" {
		if addr := advertiseFromBind(rt.ls.Addr(types.RolePeerGossip)); addr != "" {
			if _, err := store.Mutate(func(txn *state.Txn) error {
				txn.SetIdentity(state.Identity{NodeID: id.NodeID, Address: addr})
				return nil
			}); err != nil {
				logging.Logf("[state] failed to record advertise address: %v", err)
			}
		}
	}

	c.mu.Lock()
	c.store = store
	c.sessions = rt.sessions
	c.listeners = rt.ls
	c.mu.Unlock()
	return rt, nil
}

// advertiseFromBind turns a wildcard bind address into a dialable one.
func advertiseFromBind(bound string) string {
	host, port, err := net.SplitHostPort(bound)
	if err != nil {
		return ""
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsUnspecified() {
		return bound
	}
	return config.NormalizeAddr(net.JoinHostPort("", port), "127.0.0.1")
}

func (rt *instance) running(ctx context.Context) {
	// Sessions outlive ctx; they end in drain.
	rt.serveCtx, rt.cancelServe = context.WithCancel(context.WithoutCancel(ctx))
	rt.ls.Serve(rt.serveCtx)

	bgCtx, cancel := context.WithCancel(rt.serveCtx)
	rt.bgCancel = cancel

	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		rt.sweep(bgCtx)
	}()

	if rt.cfg.Endpoints.PeerGossip.IsEnabled() {
		opts := mesh.OptionsFromConfig(rt.cfg)
		self := rt.store.Read().Identity.Address
		for _, seed := range rt.cfg.Peer.Seeds {
			addr := config.NormalizeAddr(seed, "127.0.0.1")
			if addr == "" || addr == self {
				logging.Logf("[mesh] skipping seed %q", seed)
				continue
			}
			link := mesh.NewLink(addr, rt.store, rt.gossip, opts, rt.metrics)
			rt.bg.Add(1)
			go func() {
				defer rt.bg.Done()
				if err := link.Run(bgCtx); err != nil {
					logging.Logf("[mesh] giving up on %s: %v", addr, err)
				}
			}()
		}
	}

	if rt.cfg.Console.Enabled {
		rt.startConsole(bgCtx)
	}
}

func (rt *instance) sweep(ctx context.Context) {
	threshold := rt.cfg.GetStalenessThreshold()
	ticker := time.NewTicker(rt.cfg.GetSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, gen, err := rt.store.SweepStale(rt.c.now(), threshold)
			if err != nil {
				logging.Logf("[sweep] failed: %v", err)
				continue
			}
			if !res.Empty() {
				logging.Logf("[sweep] generation=%d stale=%v evicted=%v purged=%v", gen, res.Stale, res.Evicted, res.Purged)
			}
		}
	}
}

func (rt *instance) startConsole(ctx context.Context) {
	buf := logging.NewBuffer(rt.cfg.Console.LogLines)
	prev := logging.SetOutput(buf)
	var restoreOnce sync.Once
	rt.restoreLogs = func() {
		restoreOnce.Do(func() { logging.SetOutput(prev) })
	}

	rt.display = rt.c.newDisplay(func() {
		rt.interOnce.Do(func() { close(rt.interrupted) })
		// ctrl+c during drain is the second signal.
		if rt.c.Phase() == types.PhaseDraining {
			rt.c.RequestShutdown()
		}
	})
	rt.feed = console.NewFeed(rt.store, rt.display, console.Sources{
		Phase:    rt.c.Phase,
		Sessions: rt.sessions.CountByRole,
		Addrs:    rt.ls.Addrs,
		Logs:     buf,
		LogLines: rt.cfg.Console.LogLines,
	}, rt.cfg.GetConsoleRefreshInterval(), console.WithErrorHook(func(err error) {
		rt.metrics.RecordConsoleRenderError()
		logging.Logf("[console] %v", err)
	}))
	rt.display.Start()

	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		rt.feed.Run(ctx)
	}()
	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		select {
		case <-rt.display.Done():
			// Detached: the node keeps running without a console.
			rt.feed.Stop()
			rt.restoreLogs()
			logging.Logf("[console] detached")
		case <-ctx.Done():
		}
	}()
}

// drain runs the Draining phase and returns the run report.
func (rt *instance) drain() *Report {
	start := time.Now()
	cfg := rt.cfg

	rt.ls.Stop()

	rt.bgCancel()
	if rt.feed != nil {
		rt.feed.Stop()
		rt.display.Stop()
		rt.restoreLogs()
	}
	rt.bg.Wait()

	deadline := cfg.GetDrainDeadline()
	logging.Logf("[lifecycle] draining %d sessions (deadline=%v)", rt.sessions.Count(), deadline)
	drainCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	emergency := false
	var mu sync.Mutex
	go func() {
		select {
		case <-rt.c.emergency:
			mu.Lock()
			emergency = true
			mu.Unlock()
			cancel()
		case <-drainCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := rt.tel.Shutdown(drainCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			logging.Logf("[telemetry] shutdown: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		_ = rt.sessions.Wait(drainCtx)
	}()
	wg.Wait()

	forced := rt.sessions.ForceCloseAll()
	for _, ft := range forced {
		logging.Logf("[lifecycle] %v", ft)
	}
	rt.cancelServe()

	report := &Report{
		NodeID:        rt.store.Read().Identity.NodeID,
		Forced:        forced,
		DrainDuration: time.Since(start),
	}
	mu.Lock()
	report.Emergency = emergency
	mu.Unlock()

	if cfg.SnapshotOnShutdown() {
		if _, err := rt.saveSnapshot(); err != nil {
			logging.Logf("[state] snapshot on shutdown failed: %v", err)
		} else {
			report.SnapshotSaved = true
		}
	}
	report.FinalGeneration = rt.store.Generation()
	logging.Logf("[lifecycle] drained in %v (forced=%d generation=%d)", report.DrainDuration.Round(time.Millisecond), len(forced), report.FinalGeneration)
	return report
}

// saveSnapshot persists the current state and returns the saved generation.
func (rt *instance) saveSnapshot() (uint64, error) {
	if _, err := rt.store.Mutate(func(txn *state.Txn) error {
		txn.Add(state.CounterSnapshots, 1)
		return nil
	}); err != nil {
		return 0, err
	}
	snap := rt.store.Read()
	if err := state.Save(rt.cfg.StatePath(), snap); err != nil {
		return 0, err
	}
	logging.Logf("[state] snapshot saved %s (generation=%d)", rt.cfg.StatePath(), snap.Generation)
	return snap.Generation, nil
}
