// Package console drives the optional terminal dashboard.
//
// The Feed is a pure subscriber of node state: it never mutates state,
// renders at most once per refresh interval and contains every render
// failure so the network side never sees it.
package console

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nodecore/pkg/faults"
	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

// Frame everything one render shows
type Frame struct {
	Snapshot   *state.Snapshot
	Phase      types.Phase
	Sessions   map[types.Role]int
	Addrs      map[types.Role]string
	Logs       []logging.Entry
	RenderedAt time.Time
}

// Renderer draws one frame
type Renderer interface {
	Render(Frame) error
}

// Sources supply the non-state parts of a frame. Any may be nil.
type Sources struct {
	Phase    func() types.Phase
	Sessions func() map[types.Role]int
	Addrs    func() map[types.Role]string
	Logs     *logging.Buffer
	LogLines int
}

// Feed renders state changes at a throttled cadence
type Feed struct {
	store    *state.Store
	renderer Renderer
	src      Sources
	interval time.Duration
	onError  func(error)

	stopOnce sync.Once
	stop     chan struct{}
	renderMu sync.Mutex
	stopped  bool

	rendersMu sync.Mutex
	renders   int
}

// FeedOption configures a Feed
type FeedOption func(*Feed)

// WithErrorHook is called with every *faults.ConsoleRenderError
func WithErrorHook(fn func(error)) FeedOption {
	return func(f *Feed) { f.onError = fn }
}

// NewFeed creates a feed; interval is the minimum time between renders.
func NewFeed(store *state.Store, r Renderer, src Sources, interval time.Duration, opts ...FeedOption) *Feed {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if src.LogLines <= 0 {
		src.LogLines = 12
	}
	f := &Feed{
		store:    store,
		renderer: r,
		src:      src,
		interval: interval,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run renders once, then after every burst of generation changes, until
// ctx is done or Stop is called.
func (f *Feed) Run(ctx context.Context) {
	updates, cancel := f.store.Subscribe()
	defer cancel()

	// Periodic refresh keeps session counts and logs current when state is idle.
	tick := time.NewTicker(4 * f.interval)
	defer tick.Stop()

	last := time.Time{}
	for {
		if wait := f.interval - time.Since(last); wait > 0 && !last.IsZero() {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-f.stop:
				return
			}
		}
		// Drop a notification that arrived while waiting; this render covers it.
		select {
		case <-updates:
		default:
		}
		if !f.render() {
			return
		}
		last = time.Now()

		select {
		case <-updates:
		case <-tick.C:
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		}
	}
}

// Stop prevents new renders and waits for an in-progress render.
func (f *Feed) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	f.renderMu.Lock()
	f.stopped = true
	f.renderMu.Unlock()
}

// Renders returns how many renders were attempted
func (f *Feed) Renders() int {
	f.rendersMu.Lock()
	defer f.rendersMu.Unlock()
	return f.renders
}

func (f *Feed) frame() Frame {
	fr := Frame{Snapshot: f.store.Read(), Phase: types.PhaseRunning, RenderedAt: time.Now()}
	if f.src.Phase != nil {
		fr.Phase = f.src.Phase()
	}
	if f.src.Sessions != nil {
		fr.Sessions = f.src.Sessions()
	}
	if f.src.Addrs != nil {
		fr.Addrs = f.src.Addrs()
	}
	if f.src.Logs != nil {
		fr.Logs = f.src.Logs.Recent(f.src.LogLines)
	}
	return fr
}

// render reports false once the feed is stopped
func (f *Feed) render() bool {
	f.renderMu.Lock()
	defer f.renderMu.Unlock()
	if f.stopped {
		return false
	}
	fr := f.frame()
	f.rendersMu.Lock()
	f.renders++
	f.rendersMu.Unlock()

	if err := f.safeRender(fr); err != nil {
		logging.Logf("[console] %v", err)
		if f.onError != nil {
			f.onError(err)
		}
	}
	return true
}

func (f *Feed) safeRender(fr Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &faults.ConsoleRenderError{Generation: fr.Snapshot.Generation, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if rerr := f.renderer.Render(fr); rerr != nil {
		return &faults.ConsoleRenderError{Generation: fr.Snapshot.Generation, Err: rerr}
	}
	return nil
}
