// Package mesh maintains outbound gossip links to seed peers.
package mesh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nodecore/pkg/config"
	"github.com/nodecore/pkg/dispatch"
	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/protocol"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
)

// DialRecorder receives the outcome of every dial attempt
type DialRecorder interface {
	RecordMeshDial(seed string, ok bool)
}

// LinkOptions timing and limits of an outbound link
type LinkOptions struct {
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	MaxReconnect      int // 0 retries forever
	WriteTimeout      time.Duration
	MaxFrameBytes     int
	Dial              func(ctx context.Context, network, addr string) (net.Conn, error)
}

// OptionsFromConfig builds link options from the peer and session sections
func OptionsFromConfig(cfg *config.Config) LinkOptions {
	return LinkOptions{
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		ReconnectInterval: cfg.GetReconnectInterval(),
		MaxReconnect:      cfg.Peer.MaxReconnect,
		WriteTimeout:      cfg.GetWriteTimeout(),
		MaxFrameBytes:     cfg.Session.MaxFrameBytes,
	}
}

// LinkInfo contains connection metadata for a peer link.
type LinkInfo struct {
	Seed        string
	Conn        net.Conn
	RemoteAddr  string
	ConnectedAt time.Time
}

// Link is one outbound gossip connection kept alive toward a seed.
type Link struct {
	seed  string
	store *state.Store
	d     dispatch.Dispatcher
	opts  LinkOptions
	rec   DialRecorder
}

// NewLink creates a link to seed. Frames received from the seed are
// handled by d, which must be the PeerGossip dispatcher. rec may be nil.
func NewLink(seed string, store *state.Store, d dispatch.Dispatcher, opts LinkOptions, rec DialRecorder) *Link {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 * 1024
	}
	if opts.Dial == nil {
		var dialer net.Dialer
		opts.Dial = dialer.DialContext
	}
	return &Link{seed: seed, store: store, d: d, opts: opts, rec: rec}
}

// Run maintains the link until ctx is done or MaxReconnect consecutive
// attempts have failed.
func (l *Link) Run(ctx context.Context) error {
	return RunPeerLink(ctx, l.seed, l.opts, l.rec, l.converse)
}

// RunPeerLink maintains a long-lived connection to a peer and hands each
// established connection to handler.
func RunPeerLink(ctx context.Context, addr string, opts LinkOptions, rec DialRecorder, handler func(context.Context, LinkInfo) error) error {
	reconnectInterval := opts.ReconnectInterval
	if reconnectInterval <= 0 {
		reconnectInterval = 5 * time.Second
	}
	dial := opts.Dial
	if dial == nil {
		var dialer net.Dialer
		dial = dialer.DialContext
	}

	reconnectCount := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := dial(ctx, "tcp", addr)
		if rec != nil {
			rec.RecordMeshDial(addr, err == nil)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Logf("[mesh] failed to connect to peer %s: %v", addr, err)
			if opts.MaxReconnect > 0 && reconnectCount >= opts.MaxReconnect {
				return err
			}
		} else {
			reconnectCount = 0
			link := LinkInfo{
				Seed:        addr,
				Conn:        conn,
				RemoteAddr:  safeRemoteAddr(conn),
				ConnectedAt: time.Now(),
			}

			err = handler(ctx, link)
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				logging.Logf("[mesh] connection to %s closed: %v", addr, err)
			}
			if opts.MaxReconnect > 0 && reconnectCount >= opts.MaxReconnect {
				return err
			}
		}

		reconnectCount++
		logging.Logf("[mesh] reconnecting to %s in %v (attempt %d)...", addr, reconnectInterval, reconnectCount)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectInterval):
		}
	}
}

var errRemoteHangup = errors.New("remote closed the link")

// converse runs the gossip exchange on one established connection.
func (l *Link) converse(ctx context.Context, info LinkInfo) error {
	s := session.Detached(ctx, types.RolePeerGossip, info.Conn, l.opts.WriteTimeout)
	defer s.Close(session.ReasonClean)

	// Unblock the reader when the link is cancelled.
	go func() {
		<-s.Context().Done()
		_ = info.Conn.Close()
	}()

	self := l.store.Read().Identity
	if err := s.Send(protocol.FormatHello(self.NodeID, self.Address)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	logging.Logf("[mesh] linked to %s (remote=%s)", info.Seed, info.RemoteAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- l.readLoop(ctx, s, info.Conn) }()

	ticker := time.NewTicker(l.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Send(protocol.FormatHeartbeat(self.NodeID)); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			if err := s.Send(protocol.CmdPeers + "\n"); err != nil {
				return fmt.Errorf("request peers: %w", err)
			}
		}
	}
}

func (l *Link) readLoop(ctx context.Context, s *session.Session, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		frame, err := protocol.ReadFrame(reader, l.opts.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errRemoteHangup
			}
			return err
		}
		s.Touch()
		resp, err := l.d.Handle(ctx, s, frame)
		if resp != "" {
			if werr := s.Send(resp); werr != nil {
				return werr
			}
		}
		if err != nil {
			if h, ok := dispatch.AsHangup(err); ok {
				s.Close(h.Reason)
			}
			return err
		}
	}
}

func safeRemoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
