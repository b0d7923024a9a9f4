package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// Auditor records rollback attempts. Records are append-only: written
// once at the end of every attempt and never mutated or deleted.
type Auditor interface {
	Append(ctx context.Context, rec *models.RollbackRecord) error
}

// FileAuditLog writes one JSON file per rollback record
type FileAuditLog struct {
	dir string
}

func NewFileAuditLog(dir string) (*FileAuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	return &FileAuditLog{dir: dir}, nil
}

func (l *FileAuditLog) Append(ctx context.Context, rec *models.RollbackRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	name := fmt.Sprintf("rollback-%s-%s.json", rec.Timestamp.Format("20060102-150405"), rec.ID[:8])
	tmp, err := os.CreateTemp(l.dir, ".tmp-rollback-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize record: %w", err)
	}
	return nil
}

// List returns all records, newest first
func (l *FileAuditLog) List() ([]*models.RollbackRecord, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	var records []*models.RollbackRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "rollback-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec models.RollbackRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// MultiAuditor tees records to several auditors (file log plus the
// optional database store). The first error wins but all auditors are
// attempted.
type MultiAuditor []Auditor

func (m MultiAuditor) Append(ctx context.Context, rec *models.RollbackRecord) error {
	var firstErr error
	for _, a := range m {
		if err := a.Append(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
