package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodecore/pkg/faults"
	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/types"
)

// RoleServer serves every connection accepted on one endpoint. Serve
// returns once ln is closed.
type RoleServer interface {
	Serve(ctx context.Context, ln net.Listener) error
}

type endpoint struct {
	desc types.EndpointDescriptor
	ln   net.Listener
}

// ListenerSet binds the enabled endpoints as one unit and runs one
// server per endpoint.
type ListenerSet struct {
	servers map[types.Role]RoleServer
	listen  func(network, addr string) (net.Listener, error)

	mu        sync.Mutex
	endpoints []*endpoint
	stopping  atomic.Bool
	wg        sync.WaitGroup
}

// NewListenerSet creates a listener set with one server per role
func NewListenerSet(servers map[types.Role]RoleServer) *ListenerSet {
	return &ListenerSet{servers: servers, listen: net.Listen}
}

// Bind binds every enabled descriptor. If any bind fails, every socket
// bound so far is closed and a *faults.StartupError listing each
// *faults.BindFailure is returned.
func (ls *ListenerSet) Bind(descs []types.EndpointDescriptor) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if len(ls.endpoints) > 0 {
		return errors.New("listener set already bound")
	}

	var (
		bound    []*endpoint
		failures []*faults.BindFailure
	)
	for _, d := range descs {
		if !d.Enabled {
			continue
		}
		if _, ok := ls.servers[d.Role]; !ok {
			failures = append(failures, &faults.BindFailure{Role: d.Role, Addr: d.Addr(), Err: errors.New("no server for role")})
			continue
		}
		ln, err := ls.listen("tcp", d.Addr())
		if err != nil {
			failures = append(failures, &faults.BindFailure{Role: d.Role, Addr: d.Addr(), Err: err})
			continue
		}
		bound = append(bound, &endpoint{desc: d, ln: ln})
	}

	if len(failures) > 0 {
		for _, ep := range bound {
			_ = ep.ln.Close()
		}
		return &faults.StartupError{Failures: failures}
	}
	ls.endpoints = bound
	for _, ep := range bound {
		logging.Logf("[listen] %s addr=%s", ep.desc.Role, ep.ln.Addr())
	}
	return nil
}

// Serve starts one server goroutine per bound endpoint and returns.
func (ls *ListenerSet) Serve(ctx context.Context) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, ep := range ls.endpoints {
		srv := ls.servers[ep.desc.Role]
		ls.wg.Add(1)
		go func(ep *endpoint) {
			defer ls.wg.Done()
			if err := srv.Serve(ctx, ep.ln); err != nil && !ls.stopping.Load() {
				logging.Logf("[listen] %s server stopped: %v", ep.desc.Role, err)
			}
		}(ep)
	}
}

// Stop closes every listening socket and waits for the servers to return.
// Open sessions are left alone.
func (ls *ListenerSet) Stop() {
	if !ls.stopping.CompareAndSwap(false, true) {
		ls.wg.Wait()
		return
	}
	ls.mu.Lock()
	for _, ep := range ls.endpoints {
		_ = ep.ln.Close()
	}
	ls.mu.Unlock()
	ls.wg.Wait()
	logging.Logf("[listen] all listeners closed")
}

// Stopping reports whether Stop has been called
func (ls *ListenerSet) Stopping() bool { return ls.stopping.Load() }

// Addr returns the bound address of a role ("" if not bound)
func (ls *ListenerSet) Addr(role types.Role) string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, ep := range ls.endpoints {
		if ep.desc.Role == role {
			return ep.ln.Addr().String()
		}
	}
	return ""
}

// Addrs returns the bound address of every role
func (ls *ListenerSet) Addrs() map[types.Role]string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make(map[types.Role]string, len(ls.endpoints))
	for _, ep := range ls.endpoints {
		out[ep.desc.Role] = ep.ln.Addr().String()
	}
	return out
}

const (
	acceptBackoffStep = 100 * time.Millisecond
	acceptBackoffMax  = 2 * time.Second
)

// AcceptLoop accepts connections on ln and hands each to handle in its own
// goroutine. Accept errors are retried with a capped backoff; the loop
// returns nil once ln is closed.
func AcceptLoop(ctx context.Context, role types.Role, ln net.Listener, handle func(net.Conn)) error {
	consecutive := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			consecutive++
			delay := time.Duration(consecutive) * acceptBackoffStep
			if delay > acceptBackoffMax {
				delay = acceptBackoffMax
			}
			logging.Logf("[listen] %s accept error (attempt=%d retry_in=%v): %v", role, consecutive, delay, err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return fmt.Errorf("%s accept loop: %w", role, ctx.Err())
			}
		}
		consecutive = 0
		go handle(conn)
	}
}
