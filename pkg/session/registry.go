package session

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nodecore/pkg/faults"
	"github.com/nodecore/pkg/types"
)

// CloseHook is called once for every closed session
type CloseHook func(s *Session, reason Reason)

// Option configures a Registry
type Option func(*Registry)

// WithWriteTimeout sets the per-frame write deadline of new sessions
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) { r.writeTimeout = d }
}

// WithOpenHook is called for every opened session
func WithOpenHook(fn func(*Session)) Option {
	return func(r *Registry) { r.onOpen = fn }
}

// WithCloseHook is called for every closed session
func WithCloseHook(fn CloseHook) Option {
	return func(r *Registry) { r.onClose = fn }
}

// Registry tracks open sessions so that shutdown can wait for them
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byRole   map[types.Role]int
	idle     chan struct{} // closed when the last session closes

	writeTimeout time.Duration
	onOpen       func(*Session)
	onClose      CloseHook
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		byRole:   make(map[types.Role]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open registers a new session for conn. The session context derives from ctx.
func (r *Registry) Open(ctx context.Context, role types.Role, conn net.Conn) *Session {
	s := Detached(ctx, role, conn, r.writeTimeout)
	s.registry = r

	r.mu.Lock()
	if len(r.sessions) == 0 {
		r.idle = make(chan struct{})
	}
	r.sessions[s.ID] = s
	r.byRole[role]++
	r.mu.Unlock()

	if r.onOpen != nil {
		r.onOpen(s)
	}
	return s
}

func (r *Registry) release(s *Session, reason Reason) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; ok {
		delete(r.sessions, s.ID)
		r.byRole[s.Role]--
		if len(r.sessions) == 0 && r.idle != nil {
			close(r.idle)
			r.idle = nil
		}
	}
	r.mu.Unlock()

	if r.onClose != nil {
		r.onClose(s, reason)
	}
}

// Count returns the number of open sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CountByRole returns open sessions per role
func (r *Registry) CountByRole() map[types.Role]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.Role]int, len(types.Roles))
	for _, role := range types.Roles {
		out[role] = r.byRole[role]
	}
	return out
}

// Get returns an open session by id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns open sessions, oldest first
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ByRole returns open sessions of one role
func (r *Registry) ByRole(role types.Role) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, r.byRole[role])
	for _, s := range r.sessions {
		if s.Role == role {
			out = append(out, s)
		}
	}
	return out
}

// Wait blocks until no session is open or ctx is done
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.sessions) == 0 {
			r.mu.Unlock()
			return nil
		}
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ForceCloseAll closes every session still open and returns one
// ForcedTermination per session it closed.
func (r *Registry) ForceCloseAll() []*faults.ForcedTermination {
	var forced []*faults.ForcedTermination
	for _, s := range r.List() {
		if s.Close(ReasonForced) {
			forced = append(forced, &faults.ForcedTermination{
				Role:      s.Role,
				SessionID: s.ID,
				Remote:    s.RemoteAddr(),
			})
		}
	}
	return forced
}

// Detached creates a session that is not tracked by any registry. Outbound
// gossip links use it to feed frames through the same dispatcher as
// inbound sessions without counting toward drain.
func Detached(ctx context.Context, role types.Role, conn net.Conn, writeTimeout time.Duration) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:           uuid.NewString(),
		Role:         role,
		CreatedAt:    time.Now(),
		conn:         conn,
		writeTimeout: writeTimeout,
		ctx:          sctx,
		cancel:       cancel,
	}
	s.lastActive.Store(s.CreatedAt.UnixNano())
	if conn != nil && conn.RemoteAddr() != nil {
		s.remote.Store(conn.RemoteAddr().String())
	}
	return s
}
