package storage

import (
	"context"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// Store defines the interface for the optional database-backed audit
// history. The file-based stores remain authoritative; the database
// adds queryable history for the list command and dashboards.
type Store interface {
	SaveRollbackRecord(ctx context.Context, rec *models.RollbackRecord) error
	ListRollbackRecords(ctx context.Context, limit int) ([]*models.RollbackRecord, error)

	SaveSnapshot(ctx context.Context, snap *models.DeploymentSnapshot) error
	ListSnapshots(ctx context.Context, environment string, limit int) ([]*models.DeploymentSnapshot, error)

	Ping(ctx context.Context) error
	Close() error
}

// AuditAdapter exposes a Store as a rollback auditor
type AuditAdapter struct {
	S Store
}

func (a AuditAdapter) Append(ctx context.Context, rec *models.RollbackRecord) error {
	return a.S.SaveRollbackRecord(ctx, rec)
}
