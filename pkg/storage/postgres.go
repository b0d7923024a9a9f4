package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

//go:embed migrations/*.sql
var postgresFS embed.FS

// PostgresStore implements Store interface using PostgreSQL
type PostgresStore struct {
	db  *sql.DB
	dsn string
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		db:  db,
		dsn: dsn,
	}

	// Run migrations
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate runs database migrations
func (s *PostgresStore) migrate() error {
	schema, err := postgresFS.ReadFile("migrations/001_postgres_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// SaveRollbackRecord persists one rollback attempt
func (s *PostgresStore) SaveRollbackRecord(ctx context.Context, rec *models.RollbackRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO rollback_records (
			id, rollback_type, reason, target, success,
			cpu_percent, memory_percent, disk_percent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.RollbackType, rec.Reason, rec.Target, rec.Success,
		rec.SystemState.CPUPercent, rec.SystemState.MemoryPercent, rec.SystemState.DiskPercent,
		rec.Timestamp,
	)
	return err
}

// ListRollbackRecords returns recent rollback attempts, newest first
func (s *PostgresStore) ListRollbackRecords(ctx context.Context, limit int) ([]*models.RollbackRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, rollback_type, reason, target, success,
			cpu_percent, memory_percent, disk_percent, created_at
		FROM rollback_records
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.RollbackRecord
	for rows.Next() {
		var rec models.RollbackRecord
		err := rows.Scan(
			&rec.ID, &rec.RollbackType, &rec.Reason, &rec.Target, &rec.Success,
			&rec.SystemState.CPUPercent, &rec.SystemState.MemoryPercent, &rec.SystemState.DiskPercent,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// SaveSnapshot persists a deployment snapshot
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *models.DeploymentSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO deployment_snapshots (
			id, commit_sha, environment, docker_images, active_containers,
			active_color, rollback_available, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		snap.ID, snap.CommitSHA, snap.Environment,
		pq.Array(snap.DockerImages), pq.Array(snap.ActiveContainers),
		snap.ActiveColor, snap.RollbackAvailable, snap.Timestamp,
	)
	return err
}

// ListSnapshots returns snapshots for an environment, newest first.
// An empty environment matches all.
func (s *PostgresStore) ListSnapshots(ctx context.Context, environment string, limit int) ([]*models.DeploymentSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, commit_sha, environment, docker_images, active_containers,
			active_color, rollback_available, created_at
		FROM deployment_snapshots
		WHERE ($1 = '' OR environment = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, environment, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*models.DeploymentSnapshot
	for rows.Next() {
		var snap models.DeploymentSnapshot
		err := rows.Scan(
			&snap.ID, &snap.CommitSHA, &snap.Environment,
			pq.Array(&snap.DockerImages), pq.Array(&snap.ActiveContainers),
			&snap.ActiveColor, &snap.RollbackAvailable, &snap.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// Ping verifies database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
