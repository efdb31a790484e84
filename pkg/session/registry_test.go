package session

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nodecore/pkg/types"
)

func pipe(t *testing.T) (server, client net.Conn) {
	t.Helper()
	server, client = net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}

func TestRegistry_OpenClose(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	closed := map[string]Reason{}
	r := NewRegistry(WithCloseHook(func(s *Session, reason Reason) {
		mu.Lock()
		closed[s.ID] = reason
		mu.Unlock()
	}))

	c1, _ := pipe(t)
	c2, _ := pipe(t)
	a := r.Open(context.Background(), types.RoleClientAPI, c1)
	b := r.Open(context.Background(), types.RolePeerGossip, c2)
	if a.ID == b.ID || a.ID == "" {
		t.Fatalf("session ids must be unique: %q %q", a.ID, b.ID)
	}
	if r.Count() != 2 || r.CountByRole()[types.RolePeerGossip] != 1 {
		t.Fatalf("counts: %d %v", r.Count(), r.CountByRole())
	}

	if !a.Close(ReasonClean) {
		t.Fatalf("first close should report true")
	}
	if a.Close(ReasonForced) {
		t.Fatalf("second close should report false")
	}
	if a.Reason() != ReasonClean || a.Context().Err() == nil {
		t.Fatalf("reason %q ctx %v", a.Reason(), a.Context().Err())
	}
	if r.Count() != 1 || len(r.ByRole(types.RoleClientAPI)) != 0 {
		t.Fatalf("after close: %d", r.Count())
	}
	mu.Lock()
	defer mu.Unlock()
	if closed[a.ID] != ReasonClean || len(closed) != 1 {
		t.Fatalf("close hook: %v", closed)
	}
}

func TestRegistry_WaitReturnsWhenIdle(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("wait on empty registry: %v", err)
	}

	c, _ := pipe(t)
	s := r.Open(context.Background(), types.RoleClientAPI, c)
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Close(ReasonClean)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestRegistry_WaitTimesOutThenForce(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		c, _ := pipe(t)
		r.Open(context.Background(), types.RoleAdminControl, c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); err == nil {
		t.Fatalf("expected wait to time out")
	}
	forced := r.ForceCloseAll()
	if len(forced) != 3 {
		t.Fatalf("forced: got %d, want 3", len(forced))
	}
	if forced[0].Role != types.RoleAdminControl || forced[0].SessionID == "" {
		t.Fatalf("forced termination: %+v", forced[0])
	}
	if r.Count() != 0 || len(r.ForceCloseAll()) != 0 {
		t.Fatalf("registry should be empty")
	}
}

func TestSession_SendAndScratch(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithWriteTimeout(time.Second))
	srv, cli := pipe(t)
	s := r.Open(context.Background(), types.RolePeerGossip, srv)

	s.Set("peer_id", "p1")
	if v, ok := s.Get("peer_id"); !ok || v != "p1" {
		t.Fatalf("scratch: %q %v", v, ok)
	}

	go func() { _ = s.Send("PONG\n") }()
	line, err := bufio.NewReader(cli).ReadString('\n')
	if err != nil || line != "PONG\n" {
		t.Fatalf("read: %q %v", line, err)
	}
	s.SetRemoteAddr("192.0.2.1:4000")
	if s.RemoteAddr() != "192.0.2.1:4000" {
		t.Fatalf("remote: %q", s.RemoteAddr())
	}
}
