package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nodecore/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrNoSnapshot no persisted snapshot exists at the given path
var ErrNoSnapshot = errors.New("state: no persisted snapshot")

// persisted on-disk layout of a snapshot
type persisted struct {
	Identity   Identity           `yaml:"identity"`
	Generation uint64             `yaml:"generation"`
	SavedAt    time.Time          `yaml:"saved_at"`
	Peers      []types.PeerRecord `yaml:"peers"`
	Counters   map[string]int64   `yaml:"counters"`
}

// Save writes the snapshot as YAML. The file is replaced atomically.
func Save(path string, snap *Snapshot) error {
	doc := persisted{
		Identity:   snap.Identity,
		Generation: snap.Generation,
		SavedAt:    time.Now().UTC(),
		Peers:      snap.PeerList(),
		Counters:   snap.Counters,
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save. The returned snapshot is at
// generation 0; the saved generation is reported separately.
func Load(path string) (snap *Snapshot, savedGeneration uint64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNoSnapshot
		}
		return nil, 0, fmt.Errorf("read snapshot: %w", err)
	}
	var doc persisted
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("parse snapshot %s: %w", path, err)
	}

	snap = emptySnapshot(doc.Identity)
	for _, rec := range doc.Peers {
		if rec.ID == "" {
			continue
		}
		snap.Peers[rec.ID] = rec
	}
	for name, v := range doc.Counters {
		snap.Counters[name] = v
	}
	return snap, doc.Generation, nil
}

// NewFromSnapshot creates a store seeded from snap, reset to generation 0
func NewFromSnapshot(snap *Snapshot) *Store {
	s := New(snap.Identity)
	seed := emptySnapshot(snap.Identity)
	for id, rec := range snap.Peers {
		seed.Peers[id] = rec
	}
	for name, v := range snap.Counters {
		seed.Counters[name] = v
	}
	s.cur.Store(seed)
	return s
}
