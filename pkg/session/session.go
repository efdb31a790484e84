// Package session tracks accepted connections from open to close.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodecore/pkg/types"
)

// Reason why a session ended
type Reason string

const (
	ReasonClean           Reason = "clean"
	ReasonProtocolError   Reason = "protocol_error"
	ReasonIdleTimeout     Reason = "idle_timeout"
	ReasonDispatchTimeout Reason = "dispatch_timeout"
	ReasonPeerError       Reason = "peer_error"
	ReasonEvicted         Reason = "evicted"
	ReasonForced          Reason = "forced"
)

// Session one accepted connection, tagged with the role of the endpoint
// that accepted it. A session never outlives its connection.
type Session struct {
	ID        string
	Role      types.Role
	CreatedAt time.Time

	conn         net.Conn
	registry     *Registry
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	remote atomic.Value // string

	writeMu sync.Mutex

	scratchMu sync.Mutex
	scratch   map[string]string

	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	lastActive atomic.Int64 // unix nano

	closeOnce sync.Once
	reason    atomic.Value // Reason
}

// Context is cancelled when the session closes
func (s *Session) Context() context.Context { return s.ctx }

// Conn returns the underlying connection
func (s *Session) Conn() net.Conn { return s.conn }

// RemoteAddr returns the peer address, or the PROXY-protocol source if one was set
func (s *Session) RemoteAddr() string {
	if v, ok := s.remote.Load().(string); ok {
		return v
	}
	return ""
}

// SetRemoteAddr overrides the remote address (PROXY protocol)
func (s *Session) SetRemoteAddr(addr string) {
	if addr != "" {
		s.remote.Store(addr)
	}
}

// Get reads a per-session scratch value
func (s *Session) Get(key string) (string, bool) {
	s.scratchMu.Lock()
	defer s.scratchMu.Unlock()
	v, ok := s.scratch[key]
	return v, ok
}

// Set stores a per-session scratch value
func (s *Session) Set(key, value string) {
	s.scratchMu.Lock()
	defer s.scratchMu.Unlock()
	if s.scratch == nil {
		s.scratch = make(map[string]string)
	}
	s.scratch[key] = value
}

// Send writes one frame to the connection. Safe for concurrent use; frames
// from different goroutines never interleave.
func (s *Session) Send(frame string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := s.conn.Write([]byte(frame)); err != nil {
		return err
	}
	s.framesOut.Add(1)
	return nil
}

// Touch records inbound activity
func (s *Session) Touch() {
	s.framesIn.Add(1)
	s.lastActive.Store(time.Now().UnixNano())
}

// Frames returns the inbound and outbound frame counts
func (s *Session) Frames() (in, out uint64) {
	return s.framesIn.Load(), s.framesOut.Load()
}

// LastActive returns the time of the last inbound frame
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Close closes the connection and removes the session from its registry.
// Only the first call has an effect; it reports whether this call closed it.
func (s *Session) Close(reason Reason) bool {
	closed := false
	s.closeOnce.Do(func() {
		closed = true
		s.reason.Store(reason)
		s.cancel()
		_ = s.conn.Close()
		if s.registry != nil {
			s.registry.release(s, reason)
		}
	})
	return closed
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

// Reason returns why the session closed ("" while open)
func (s *Session) Reason() Reason {
	if v, ok := s.reason.Load().(Reason); ok {
		return v
	}
	return ""
}
