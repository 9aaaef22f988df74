package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/clinisync/sync-emr-engine/pkg/clock"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

// DefaultMigrationTimeout mirrors spec.md §4.4's 300s bound.
const DefaultMigrationTimeout = 300 * time.Second

// SchemaVersion is one row of the schema_version table: every applied
// migration recorded with the vector clock that was current when it ran
// (spec.md §4.4: "A schema-version table records every applied migration
// with vector clock and metadata").
type SchemaVersion struct {
	Version     int64
	AppliedAt   time.Time
	NodeID      string
	VectorClock *clock.VectorClock
	Description string
}

// Migrate runs every *.sql migration under dir in order, inside goose's
// transaction-per-migration mode, bounded by timeout (default 300s). On
// failure the transaction rolls back and migration_failed is returned with
// the underlying cause; no partial schema changes persist.
func (s *Store) Migrate(ctx context.Context, dir string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultMigrationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	goose.SetTableName("schema_version")
	goose.SetBaseFS(MigrationsFS)
	defer goose.SetBaseFS(nil)

	if dir == "" {
		dir = MigrationsDir
	}

	if err := goose.UpContext(ctx, s.db.DB, dir); err != nil {
		return apperrors.Wrap(err, apperrors.KindMigrationFailed, "storage", "migrate").
			WithDetailsf("migration directory %s", dir)
	}
	return nil
}

// RecordSchemaVersion appends a SUPPLEMENTED FEATURES metadata row
// alongside goose's own bookkeeping table, carrying the vector clock that
// was current at migration time so replays can be correlated against the
// CRDT history (spec.md §4.4).
func (s *Store) RecordSchemaVersion(ctx context.Context, db *sql.DB, sv SchemaVersion) error {
	clockJSON := "{}"
	if sv.VectorClock != nil {
		if b, err := json.Marshal(sv.VectorClock); err == nil {
			clockJSON = string(b)
		}
	}
	if sv.AppliedAt.IsZero() {
		sv.AppliedAt = time.Now()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO schema_version_metadata (id, version, applied_at, node_id, vector_clock_json, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), sv.Version, sv.AppliedAt, sv.NodeID, clockJSON, sv.Description)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindMigrationFailed, "storage", "record_schema_version")
	}
	return nil
}
