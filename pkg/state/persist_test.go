package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodecore/pkg/types"
)

func TestSaveLoad_RestartsGeneration(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.yaml")
	s := New(Identity{NodeID: "n1", Address: "10.0.0.1:3414"})
	seen := time.Unix(1_700_000_000, 0).UTC()
	if _, err := s.Mutate(func(txn *Txn) error {
		txn.PutPeer(types.PeerRecord{ID: "p1", Address: "10.0.0.2:3414", Status: types.PeerActive, LastSeen: seen})
		txn.Add("blocks", 7)
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := Save(path, s.Read()); err != nil {
		t.Fatalf("save: %v", err)
	}

	snap, saved, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if saved != 1 {
		t.Fatalf("saved generation: got %d", saved)
	}
	restored := NewFromSnapshot(snap)
	got := restored.Read()
	if got.Generation != 0 {
		t.Fatalf("restored generation: got %d, want 0", got.Generation)
	}
	if got.Identity.NodeID != "n1" || got.Counter("blocks") != 7 {
		t.Fatalf("restored state mismatch: %+v", got)
	}
	p, ok := got.Peer("p1")
	if !ok || p.Status != types.PeerActive || !p.LastSeen.Equal(seen) {
		t.Fatalf("restored peer mismatch: %+v", p)
	}
}

func TestLoad_Missing(t *testing.T) {
	t.Parallel()
	if _, _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}
