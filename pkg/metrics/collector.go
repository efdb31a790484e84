package metrics

import (
	"os"
	"sync"
	"time"

	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sources read-only views the collector samples on every scrape
type Sources struct {
	Snapshot func() *state.Snapshot
	Sessions func() map[types.Role]int
	Phase    func() types.Phase
}

// Collector Prometheus metrics collector
type Collector struct {
	src Sources

	// Info metric (always 1)
	nodeInfo *prometheus.Desc

	// State metrics
	stateGeneration *prometheus.Desc
	peersByStatus   *prometheus.Desc
	stateCounter    *prometheus.Desc
	lifecyclePhase  *prometheus.Desc

	// Session metrics
	sessionsOpen        *prometheus.Desc
	sessionsOpenedTotal *prometheus.Desc
	sessionsClosedTotal *prometheus.Desc
	framesTotal         *prometheus.Desc
	protocolErrorsTotal *prometheus.Desc
	forcedTotal         *prometheus.Desc

	// Mesh metrics
	meshDialsTotal    *prometheus.Desc
	meshFailuresTotal *prometheus.Desc
	peerErrorsTotal   *prometheus.Desc

	// Console metrics
	consoleRenderErrors *prometheus.Desc

	// Dispatch latency, registered through promauto
	dispatchSeconds *prometheus.HistogramVec

	// Metrics counters (protected by mutex)
	metricsLock     sync.RWMutex
	opened          map[types.Role]float64
	closedByReason  map[[2]string]float64 // role, reason
	frames          map[types.Role]float64
	protocolErrors  map[[2]string]float64 // role, command
	forced          map[types.Role]float64
	meshDials       map[string]float64 // seed address
	meshFailures    map[string]float64
	peerErrorCodes  map[string]float64
	renderErrorsCnt float64
}

// NewCollector creates a new metrics collector
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,
		nodeInfo: prometheus.NewDesc(
			"nodecore_node_info",
			"Node process info metric (always 1)",
			[]string{"node_id", "node", "pod"},
			nil,
		),
		stateGeneration: prometheus.NewDesc(
			"nodecore_state_generation",
			"Generation of the shared node state (bumped on every successful mutation)",
			[]string{"node", "pod"},
			nil,
		),
		peersByStatus: prometheus.NewDesc(
			"nodecore_peers",
			"Known peers by status",
			[]string{"status", "node", "pod"},
			nil,
		),
		stateCounter: prometheus.NewDesc(
			"nodecore_state_counter",
			"Value of a named counter held in node state",
			[]string{"name", "node", "pod"},
			nil,
		),
		lifecyclePhase: prometheus.NewDesc(
			"nodecore_lifecycle_phase",
			"Current lifecycle phase (1 for the active phase)",
			[]string{"phase", "node", "pod"},
			nil,
		),
		sessionsOpen: prometheus.NewDesc(
			"nodecore_sessions_open",
			"Currently open sessions by endpoint role",
			[]string{"role", "node", "pod"},
			nil,
		),
		sessionsOpenedTotal: prometheus.NewDesc(
			"nodecore_sessions_opened_total",
			"Total sessions accepted by endpoint role",
			[]string{"role", "node", "pod"},
			nil,
		),
		sessionsClosedTotal: prometheus.NewDesc(
			"nodecore_sessions_closed_total",
			"Total sessions closed by endpoint role and reason",
			[]string{"role", "reason", "node", "pod"},
			nil,
		),
		framesTotal: prometheus.NewDesc(
			"nodecore_frames_total",
			"Total inbound frames dispatched by endpoint role",
			[]string{"role", "node", "pod"},
			nil,
		),
		protocolErrorsTotal: prometheus.NewDesc(
			"nodecore_protocol_errors_total",
			"Total protocol errors by endpoint role and command (low cardinality)",
			[]string{"role", "command", "node", "pod"},
			nil,
		),
		forcedTotal: prometheus.NewDesc(
			"nodecore_forced_terminations_total",
			"Sessions forcibly closed at the drain deadline",
			[]string{"role", "node", "pod"},
			nil,
		),
		meshDialsTotal: prometheus.NewDesc(
			"nodecore_mesh_dials_total",
			"Outbound gossip link dial attempts by seed address",
			[]string{"seed", "node", "pod"},
			nil,
		),
		meshFailuresTotal: prometheus.NewDesc(
			"nodecore_mesh_failures_total",
			"Outbound gossip link failures by seed address",
			[]string{"seed", "node", "pod"},
			nil,
		),
		peerErrorsTotal: prometheus.NewDesc(
			"nodecore_peer_errors_total",
			"PEER_ERROR frames received by error code",
			[]string{"code", "node", "pod"},
			nil,
		),
		consoleRenderErrors: prometheus.NewDesc(
			"nodecore_console_render_errors_total",
			"Console render failures (isolated from network components)",
			[]string{"node", "pod"},
			nil,
		),
		opened:         make(map[types.Role]float64),
		closedByReason: make(map[[2]string]float64),
		frames:         make(map[types.Role]float64),
		protocolErrors: make(map[[2]string]float64),
		forced:         make(map[types.Role]float64),
		meshDials:      make(map[string]float64),
		meshFailures:   make(map[string]float64),
		peerErrorCodes: make(map[string]float64),
	}
}

// Register registers the collector, the dispatch latency histogram and the
// Go runtime/process collectors on reg.
func (c *Collector) Register(reg *prometheus.Registry) {
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.dispatchSeconds = promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nodecore_dispatch_duration_seconds",
		Help:    "Time spent in a protocol dispatcher per frame",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"role", "command"})
}

// RecordSessionOpened records an accepted session.
func (c *Collector) RecordSessionOpened(role types.Role) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.opened[role]++
}

// RecordSessionClosed records a closed session by reason.
func (c *Collector) RecordSessionClosed(role types.Role, reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.closedByReason[[2]string{string(role), reason}]++
	if reason == string(session.ReasonForced) {
		c.forced[role]++
	}
}

// RecordDispatch records one dispatched frame and its latency.
func (c *Collector) RecordDispatch(role types.Role, command string, d time.Duration) {
	c.metricsLock.Lock()
	c.frames[role]++
	c.metricsLock.Unlock()
	if c.dispatchSeconds != nil {
		c.dispatchSeconds.WithLabelValues(string(role), command).Observe(d.Seconds())
	}
}

// RecordProtocolError records a protocol error (command is "" for framing errors).
func (c *Collector) RecordProtocolError(role types.Role, command string) {
	if command == "" {
		command = "framing"
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.protocolErrors[[2]string{string(role), command}]++
}

// RecordMeshDial records an outbound gossip dial attempt.
func (c *Collector) RecordMeshDial(seed string, ok bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.meshDials[seed]++
	if !ok {
		c.meshFailures[seed]++
	}
}

// RecordPeerError records a PEER_ERROR frame by code.
func (c *Collector) RecordPeerError(code string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.peerErrorCodes[code]++
}

// RecordConsoleRenderError records an isolated console failure.
func (c *Collector) RecordConsoleRenderError() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.renderErrorsCnt++
}

// ForcedTotal returns forced terminations recorded for role.
func (c *Collector) ForcedTotal(role types.Role) float64 {
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()
	return c.forced[role]
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodeInfo
	ch <- c.stateGeneration
	ch <- c.peersByStatus
	ch <- c.stateCounter
	ch <- c.lifecyclePhase
	ch <- c.sessionsOpen
	ch <- c.sessionsOpenedTotal
	ch <- c.sessionsClosedTotal
	ch <- c.framesTotal
	ch <- c.protocolErrorsTotal
	ch <- c.forcedTotal
	ch <- c.meshDialsTotal
	ch <- c.meshFailuresTotal
	ch <- c.peerErrorsTotal
	ch <- c.consoleRenderErrors
}

func hostLabels() (nodeName, podName string) {
	nodeName = os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}
	podName = os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}
	return nodeName, podName
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName, podName := hostLabels()

	if c.src.Snapshot != nil {
		snap := c.src.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.nodeInfo, prometheus.GaugeValue, 1,
			snap.Identity.NodeID, nodeName, podName)
		ch <- prometheus.MustNewConstMetric(c.stateGeneration, prometheus.GaugeValue,
			float64(snap.Generation), nodeName, podName)

		byStatus := snap.StatusCounts()
		for _, st := range []types.PeerStatus{types.PeerConnecting, types.PeerActive, types.PeerStale, types.PeerEvicted} {
			ch <- prometheus.MustNewConstMetric(c.peersByStatus, prometheus.GaugeValue,
				float64(byStatus[st]), string(st), nodeName, podName)
		}
		for _, name := range snap.CounterNames() {
			ch <- prometheus.MustNewConstMetric(c.stateCounter, prometheus.GaugeValue,
				float64(snap.Counter(name)), name, nodeName, podName)
		}
	}

	if c.src.Phase != nil {
		cur := c.src.Phase()
		for _, p := range []types.Phase{types.PhaseStopped, types.PhaseStarting, types.PhaseRunning, types.PhaseDraining} {
			v := 0.0
			if p == cur {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.lifecyclePhase, prometheus.GaugeValue, v,
				p.String(), nodeName, podName)
		}
	}

	if c.src.Sessions != nil {
		counts := c.src.Sessions()
		for _, role := range types.Roles {
			ch <- prometheus.MustNewConstMetric(c.sessionsOpen, prometheus.GaugeValue,
				float64(counts[role]), string(role), nodeName, podName)
		}
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for role, v := range c.opened {
		ch <- prometheus.MustNewConstMetric(c.sessionsOpenedTotal, prometheus.CounterValue, v,
			string(role), nodeName, podName)
	}
	for key, v := range c.closedByReason {
		ch <- prometheus.MustNewConstMetric(c.sessionsClosedTotal, prometheus.CounterValue, v,
			key[0], key[1], nodeName, podName)
	}
	for role, v := range c.frames {
		ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.CounterValue, v,
			string(role), nodeName, podName)
	}
	for key, v := range c.protocolErrors {
		ch <- prometheus.MustNewConstMetric(c.protocolErrorsTotal, prometheus.CounterValue, v,
			key[0], key[1], nodeName, podName)
	}
	for role, v := range c.forced {
		ch <- prometheus.MustNewConstMetric(c.forcedTotal, prometheus.CounterValue, v,
			string(role), nodeName, podName)
	}
	for seed, v := range c.meshDials {
		ch <- prometheus.MustNewConstMetric(c.meshDialsTotal, prometheus.CounterValue, v,
			seed, nodeName, podName)
	}
	for seed, v := range c.meshFailures {
		ch <- prometheus.MustNewConstMetric(c.meshFailuresTotal, prometheus.CounterValue, v,
			seed, nodeName, podName)
	}
	for code, v := range c.peerErrorCodes {
		ch <- prometheus.MustNewConstMetric(c.peerErrorsTotal, prometheus.CounterValue, v,
			code, nodeName, podName)
	}
	ch <- prometheus.MustNewConstMetric(c.consoleRenderErrors, prometheus.CounterValue, c.renderErrorsCnt,
		nodeName, podName)
}
