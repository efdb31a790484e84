package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/nodecore/pkg/dispatch"
	"github.com/nodecore/pkg/faults"
	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/protocol"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nodecore/pkg/server"

var errDispatchTimeout = errors.New("dispatch timeout")

// Recorder receives per-frame measurements
type Recorder interface {
	RecordDispatch(role types.Role, command string, d time.Duration)
	RecordProtocolError(role types.Role, command string)
}

// FrameOptions per-session limits of a line-protocol endpoint
type FrameOptions struct {
	ReadTimeout     time.Duration // idle timeout, 0 disables
	DispatchTimeout time.Duration // 0 disables
	MaxFrameBytes   int
	ProxyProtocol   bool
}

// FrameServer runs the read-frame, dispatch, write-response loop for every
// connection accepted on a line-protocol endpoint.
type FrameServer struct {
	d        dispatch.Dispatcher
	sessions *session.Registry
	opts     FrameOptions
	rec      Recorder
	tracer   trace.Tracer
}

// NewFrameServer creates a frame server for d's role. rec may be nil.
func NewFrameServer(d dispatch.Dispatcher, sessions *session.Registry, opts FrameOptions, rec Recorder) *FrameServer {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 * 1024
	}
	return &FrameServer{
		d:        d,
		sessions: sessions,
		opts:     opts,
		rec:      rec,
		tracer:   otel.Tracer(tracerName),
	}
}

// Serve implements RoleServer
func (fs *FrameServer) Serve(ctx context.Context, ln net.Listener) error {
	return AcceptLoop(ctx, fs.d.Role(), ln, func(conn net.Conn) {
		fs.ServeConn(ctx, conn)
	})
}

// ServeConn runs one session to completion
func (fs *FrameServer) ServeConn(ctx context.Context, conn net.Conn) {
	role := fs.d.Role()
	s := fs.sessions.Open(ctx, role, conn)
	reason := session.ReasonClean
	defer func() { s.Close(reason) }()

	if logging.DebugEnabled() {
		logging.Debugf("[session] open (role=%s session=%s remote=%s)", role, s.ID, s.RemoteAddr())
	}

	reader := bufio.NewReader(conn)
	first := true
	for {
		if fs.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(fs.opts.ReadTimeout))
		}
		frame, err := protocol.ReadFrame(reader, fs.opts.MaxFrameBytes)
		if err != nil {
			reason = fs.readFailure(s, err)
			return
		}

		if first && protocol.IsProxyLine(frame) {
			first = false
			if !fs.opts.ProxyProtocol {
				fs.recordProtocolError("PROXY")
				_ = s.Send(protocol.FormatError("PROXY protocol not enabled"))
				reason = session.ReasonProtocolError
				return
			}
			src, ok := protocol.ParseProxyV1(string(frame))
			if !ok {
				fs.recordProtocolError("PROXY")
				_ = s.Send(protocol.FormatError("malformed PROXY header"))
				reason = session.ReasonProtocolError
				return
			}
			if src != "" {
				if logging.DebugEnabled() {
					logging.Debugf("[session] proxyproto=v1 (session=%s peer=%s src=%s)", s.ID, s.RemoteAddr(), src)
				}
				s.SetRemoteAddr(src)
			}
			continue
		}
		first = false
		s.Touch()

		resp, cmd, err := fs.dispatch(s, frame)
		if resp != "" {
			if strings.HasPrefix(resp, protocol.CmdError+":") {
				fs.recordProtocolError(cmd)
			}
			if werr := s.Send(resp); werr != nil {
				if logging.DebugEnabled() {
					logging.Debugf("[session] write failed (session=%s err=%v)", s.ID, werr)
				}
				return
			}
		}
		if err != nil {
			reason = fs.dispatchFailure(s, cmd, err)
			return
		}
	}
}

func (fs *FrameServer) readFailure(s *session.Session, err error) session.Reason {
	var ne net.Error
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		fs.recordProtocolError("")
		pe := &faults.ProtocolError{Role: s.Role, SessionID: s.ID, Err: err}
		logging.Logf("[session] %v (remote=%s)", pe, s.RemoteAddr())
		_ = s.Send(protocol.FormatError("frame too large"))
		return session.ReasonProtocolError
	case errors.As(err, &ne) && ne.Timeout():
		if logging.DebugEnabled() {
			logging.Debugf("[session] idle timeout (role=%s session=%s remote=%s)", s.Role, s.ID, s.RemoteAddr())
		}
		return session.ReasonIdleTimeout
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return session.ReasonClean
	}
	if !s.Closed() {
		logging.Logf("[session] read error (role=%s session=%s remote=%s err=%v)", s.Role, s.ID, s.RemoteAddr(), err)
	}
	return session.ReasonClean
}

func (fs *FrameServer) dispatchFailure(s *session.Session, cmd string, err error) session.Reason {
	if s.Closed() {
		return session.ReasonClean
	}
	if h, ok := dispatch.AsHangup(err); ok {
		if logging.DebugEnabled() {
			logging.Debugf("[session] hangup (role=%s session=%s cmd=%s %s)", s.Role, s.ID, cmd, h.Error())
		}
		return h.Reason
	}
	if errors.Is(err, errDispatchTimeout) {
		fs.recordProtocolError(cmd)
		logging.Logf("[session] dispatch timeout (role=%s session=%s cmd=%s limit=%v)", s.Role, s.ID, cmd, fs.opts.DispatchTimeout)
		_ = s.Send(protocol.FormatError("dispatch timeout"))
		return session.ReasonDispatchTimeout
	}
	fs.recordProtocolError(cmd)
	logging.Logf("[session] closing after error (remote=%s): %v", s.RemoteAddr(), err)
	_ = s.Send(protocol.FormatError(err.Error()))
	return session.ReasonProtocolError
}

// dispatch runs the dispatcher under a span and the dispatch timeout.
func (fs *FrameServer) dispatch(s *session.Session, frame []byte) (resp, cmd string, err error) {
	role := fs.d.Role()
	cmd, _ = protocol.SplitFrame(string(frame))
	if !protocol.ValidToken(cmd) || len(cmd) > 32 {
		cmd = "INVALID"
	}

	ctx, span := fs.tracer.Start(s.Context(), "dispatch "+string(role)+" "+cmd,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("nodecore.role", string(role)),
			attribute.String("nodecore.session_id", s.ID),
			attribute.String("nodecore.command", cmd),
			attribute.String("net.peer.addr", s.RemoteAddr()),
		))
	defer span.End()

	if fs.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fs.opts.DispatchTimeout)
		defer cancel()
	}

	type result struct {
		resp string
		err  error
	}
	done := make(chan result, 1)
	owned := append([]byte(nil), frame...)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Logf("[session] dispatcher panic (role=%s session=%s cmd=%s): %v", role, s.ID, cmd, r)
				done <- result{err: &faults.ProtocolError{Role: role, SessionID: s.ID, Err: fmt.Errorf("internal error")}}
			}
		}()
		r, e := fs.d.Handle(ctx, s, owned)
		done <- result{resp: r, err: e}
	}()

	select {
	case r := <-done:
		resp, err = r.resp, r.err
	case <-ctx.Done():
		err = errDispatchTimeout
		if s.Closed() {
			err = ctx.Err()
		}
	}

	if fs.rec != nil {
		fs.rec.RecordDispatch(role, cmd, time.Since(start))
	}
	if err != nil {
		if _, hangup := dispatch.AsHangup(err); !hangup {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return resp, cmd, err
}

func (fs *FrameServer) recordProtocolError(cmd string) {
	if fs.rec != nil {
		fs.rec.RecordProtocolError(fs.d.Role(), cmd)
	}
}
