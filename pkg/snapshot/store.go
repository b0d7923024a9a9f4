// Package snapshot persists the "last known good" deployment records
// used as rollback targets. One immutable JSON file is written per
// successful deploy; old snapshots are retained for audit and pruned by
// an external retention policy, never by the controller.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// ErrSnapshotMissing is returned when no eligible rollback target exists
var ErrSnapshotMissing = errors.New("snapshot: no deployment snapshot with rollback_available=true")

// Store keeps one file per snapshot under a directory
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes a new snapshot file. The snapshot is assigned an ID and
// timestamp if missing; existing files are never rewritten.
func (s *Store) Save(snap *models.DeploymentSnapshot) (string, error) {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("snapshot-%s-%s.json", snap.Timestamp.Format("20060102-150405"), snap.ID[:8])
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".tmp-snapshot-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return path, nil
}

// Load reads one snapshot file
func (s *Store) Load(path string) (*models.DeploymentSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	var snap models.DeploymentSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// List returns all snapshots, newest first
func (s *Store) List() ([]*models.DeploymentSnapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var snaps []*models.DeploymentSnapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "snapshot-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		snap, err := s.Load(filepath.Join(s.dir, e.Name()))
		if err != nil {
			// Skip unreadable entries rather than failing the whole listing
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
	return snaps, nil
}

// Latest returns the most recent snapshot with rollback_available=true,
// or ErrSnapshotMissing when none exists.
func (s *Store) Latest() (*models.DeploymentSnapshot, error) {
	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		if snap.RollbackAvailable {
			return snap, nil
		}
	}
	return nil, ErrSnapshotMissing
}
