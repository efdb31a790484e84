package server

import (
	"context"
	"net"

	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/types"
)

// TrackListener wraps ln so that every accepted connection is a session in
// reg. The session ends when the connection is closed by either side.
func TrackListener(ctx context.Context, ln net.Listener, role types.Role, reg *session.Registry) net.Listener {
	return &trackedListener{Listener: ln, ctx: ctx, role: role, reg: reg}
}

type trackedListener struct {
	net.Listener
	ctx  context.Context
	role types.Role
	reg  *session.Registry
}

func (l *trackedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	s := l.reg.Open(l.ctx, l.role, conn)
	return &trackedConn{Conn: conn, s: s}, nil
}

type trackedConn struct {
	net.Conn
	s *session.Session
}

func (c *trackedConn) Close() error {
	c.s.Close(session.ReasonClean)
	return nil
}

// Session returns the session of a connection accepted by a tracked listener
func Session(conn net.Conn) (*session.Session, bool) {
	tc, ok := conn.(*trackedConn)
	if !ok {
		return nil, false
	}
	return tc.s, true
}
