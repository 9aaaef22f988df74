// Package storage implements the Local Persistence layer (C4): durable,
// field-level-encrypted storage of CRDT task replicas and their audit
// trail, with bounded-timeout reads and transactional schema migrations
// (spec.md §4.4).
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/clinisync/sync-emr-engine/pkg/clock"
	"github.com/clinisync/sync-emr-engine/pkg/replica"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
	"github.com/clinisync/sync-emr-engine/pkg/shared/logging"
	"github.com/sirupsen/logrus"
)

// DefaultLoadTimeout and DefaultAuditBufferCapacity mirror spec.md §4.4 and
// the SUPPLEMENTED FEATURES ring-buffer sizing.
const (
	DefaultLoadTimeout         = 30 * time.Second
	DefaultAuditBufferCapacity = 4096
)

// Store is the durable replica + audit store.
type Store struct {
	db          *sqlx.DB
	cipher      *fieldCipher
	audit       *RingBuffer
	maxBytes    int64
	loadTimeout time.Duration
	log         *logrus.Entry
}

// Config configures a Store.
type Config struct {
	MaxBytes           int64
	LoadTimeout        time.Duration
	EncryptionKey      []byte // 32 bytes, AES-256
	AuditBufferCapacity int
	Logger             *logrus.Logger
}

// OpenPostgres connects to dsn via the pgx driver and wraps the resulting
// connection in a Store.
func OpenPostgres(dsn string, cfg Config) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorageError, "storage", "open_postgres")
	}
	return Open(db, cfg)
}

// Open wraps an existing *sqlx.DB (callers establish the connection, e.g.
// via sqlx.Open("pgx", dsn), so tests can substitute a sqlmock-backed DB).
func Open(db *sqlx.DB, cfg Config) (*Store, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 30
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.AuditBufferCapacity <= 0 {
		cfg.AuditBufferCapacity = DefaultAuditBufferCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	cipher, err := newFieldCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorageError, "storage", "open")
	}

	return &Store{
		db:          db,
		cipher:      cipher,
		audit:       NewRingBuffer(cfg.AuditBufferCapacity),
		maxBytes:    cfg.MaxBytes,
		loadTimeout: cfg.LoadTimeout,
		log:         cfg.Logger.WithFields(logging.NewFields().Component("storage").ToLogrus()),
	}, nil
}

// replicaRow is the on-disk row shape for the replicas table.
type replicaRow struct {
	ID                string    `db:"id"`
	Title             string    `db:"title"`
	Description       string    `db:"description"`
	Priority          string    `db:"priority"`
	Status            string    `db:"status"`
	AssigneeEnc       string    `db:"assignee_enc"`
	PatientRefEnc     string    `db:"patient_reference_enc"`
	Department        string    `db:"department"`
	EMRPayloadJSON    string    `db:"emr_payload_json"`
	VerificationState string    `db:"verification_state"`
	VectorClockJSON   string    `db:"vector_clock_json"`
	LastModified      time.Time `db:"last_modified"`
	LastModifiedBy    string    `db:"last_modified_by"`
	Tombstone         bool      `db:"tombstone"`
	TombstoneVersion  int64     `db:"tombstone_version"`
	HandoverLockJSON  string    `db:"handover_lock_json"`
	Checksum          string    `db:"checksum"`
}

// checksumOf hashes the fields that determine row integrity, so a tampered
// or truncated write is detected on the next load (spec.md §4.4 "Integrity
// check on startup compares a stored checksum").
func checksumOf(r replicaRow) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s|%d",
		r.ID, r.Title, r.Status, r.Department, r.EMRPayloadJSON,
		r.VerificationState, r.VectorClockJSON, r.LastModifiedBy, r.TombstoneVersion)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) toRow(t *replica.Task) (replicaRow, error) {
	emrJSON, err := json.Marshal(t.EMRPayload)
	if err != nil {
		return replicaRow{}, apperrors.Wrap(err, apperrors.KindStorageError, "storage", "encode_emr_payload")
	}
	clockJSON, err := json.Marshal(t.VectorClock)
	if err != nil {
		return replicaRow{}, apperrors.Wrap(err, apperrors.KindStorageError, "storage", "encode_vector_clock")
	}
	var lockJSON []byte
	if t.HandoverLock != nil {
		lockJSON, err = json.Marshal(t.HandoverLock)
		if err != nil {
			return replicaRow{}, apperrors.Wrap(err, apperrors.KindStorageError, "storage", "encode_handover_lock")
		}
	}

	assigneeEnc, err := s.cipher.encrypt(t.Assignee)
	if err != nil {
		return replicaRow{}, err
	}
	patientEnc, err := s.cipher.encrypt(t.PatientReference)
	if err != nil {
		return replicaRow{}, err
	}

	row := replicaRow{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Priority:          string(t.Priority),
		Status:            string(t.Status),
		AssigneeEnc:       assigneeEnc,
		PatientRefEnc:     patientEnc,
		Department:        t.Department,
		EMRPayloadJSON:    string(emrJSON),
		VerificationState: string(t.VerificationState),
		VectorClockJSON:   string(clockJSON),
		LastModified:      t.LastModified,
		LastModifiedBy:    t.LastModifiedBy,
		Tombstone:         t.Tombstone,
		TombstoneVersion:  int64(t.TombstoneVersion),
		HandoverLockJSON:  string(lockJSON),
	}
	row.Checksum = checksumOf(row)
	return row, nil
}

func (s *Store) fromRow(row replicaRow) (*replica.Task, error) {
	if checksumOf(row) != row.Checksum {
		return nil, apperrors.New(apperrors.KindDataCorruption, "storage", "load").
			WithResource(row.ID).
			WithDetails("stored checksum does not match row contents")
	}

	assignee, err := s.cipher.decrypt(row.AssigneeEnc)
	if err != nil {
		return nil, err
	}
	patientRef, err := s.cipher.decrypt(row.PatientRefEnc)
	if err != nil {
		return nil, err
	}

	var emr replica.EMRPayload
	if row.EMRPayloadJSON != "" {
		if err := json.Unmarshal([]byte(row.EMRPayloadJSON), &emr); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDataCorruption, "storage", "decode_emr_payload").WithResource(row.ID)
		}
	}
	vc := clock.New(clock.PolicyLWW)
	if row.VectorClockJSON != "" {
		if err := json.Unmarshal([]byte(row.VectorClockJSON), vc); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDataCorruption, "storage", "decode_vector_clock").WithResource(row.ID)
		}
	}
	var lock *replica.HandoverLock
	if row.HandoverLockJSON != "" {
		lock = &replica.HandoverLock{}
		if err := json.Unmarshal([]byte(row.HandoverLockJSON), lock); err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindDataCorruption, "storage", "decode_handover_lock").WithResource(row.ID)
		}
	}

	return &replica.Task{
		ID:                row.ID,
		Title:             row.Title,
		Description:       row.Description,
		Priority:          replica.Priority(row.Priority),
		Status:            replica.Status(row.Status),
		Assignee:          assignee,
		PatientReference:  patientRef,
		Department:        row.Department,
		EMRPayload:        emr,
		VerificationState: replica.VerificationState(row.VerificationState),
		VectorClock:       vc,
		LastModified:      row.LastModified,
		LastModifiedBy:    row.LastModifiedBy,
		Tombstone:         row.Tombstone,
		TombstoneVersion:  uint64(row.TombstoneVersion),
		HandoverLock:      lock,
	}, nil
}

// SaveBatch persists replicas atomically (all-or-nothing per batch) and
// appends one audit entry per replica. Exceeding maxBytes aborts the whole
// batch with storage_limit; any other failure rolls back and returns
// storage_error (spec.md §4.4).
func (s *Store) SaveBatch(ctx context.Context, tasks []*replica.Task, nodeID string) error {
	if len(tasks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindStorageError, "storage", "save_batch")
	}
	defer tx.Rollback()

	var used int64
	if err := tx.GetContext(ctx, &used, `SELECT pg_database_size(current_database())`); err == nil && used > s.maxBytes {
		return apperrors.New(apperrors.KindStorageLimit, "storage", "save_batch").
			WithDetailsf("device cap %d bytes exceeded (in use %d)", s.maxBytes, used)
	}

	for _, t := range tasks {
		row, err := s.toRow(t)
		if err != nil {
			return err
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO replicas (
				id, title, description, priority, status, assignee_enc,
				patient_reference_enc, department, emr_payload_json,
				verification_state, vector_clock_json, last_modified,
				last_modified_by, tombstone, tombstone_version,
				handover_lock_json, checksum
			) VALUES (
				:id, :title, :description, :priority, :status, :assignee_enc,
				:patient_reference_enc, :department, :emr_payload_json,
				:verification_state, :vector_clock_json, :last_modified,
				:last_modified_by, :tombstone, :tombstone_version,
				:handover_lock_json, :checksum
			)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title, description = EXCLUDED.description,
				priority = EXCLUDED.priority, status = EXCLUDED.status,
				assignee_enc = EXCLUDED.assignee_enc,
				patient_reference_enc = EXCLUDED.patient_reference_enc,
				department = EXCLUDED.department,
				emr_payload_json = EXCLUDED.emr_payload_json,
				verification_state = EXCLUDED.verification_state,
				vector_clock_json = EXCLUDED.vector_clock_json,
				last_modified = EXCLUDED.last_modified,
				last_modified_by = EXCLUDED.last_modified_by,
				tombstone = EXCLUDED.tombstone,
				tombstone_version = EXCLUDED.tombstone_version,
				handover_lock_json = EXCLUDED.handover_lock_json,
				checksum = EXCLUDED.checksum
		`, row)
		if err != nil {
			return apperrors.Wrap(err, apperrors.KindStorageError, "storage", "save_batch").WithResource(t.ID)
		}

		entry := AuditEntry{Action: "replica_saved", ReplicaID: t.ID, NodeID: nodeID, Detail: string(t.Status)}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, action, replica_id, node_id, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, entryID(entry), entry.Action, entry.ReplicaID, entry.NodeID, entry.Detail, time.Now()); err != nil {
			return apperrors.Wrap(err, apperrors.KindStorageError, "storage", "write_audit").WithResource(t.ID)
		}
		s.audit.Append(entry)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.KindStorageError, "storage", "save_batch")
	}
	return nil
}

// Filter selects which replicas Load returns.
type Filter struct {
	IDs    []string
	Status *replica.Status
	Limit  int
}

// Load retrieves replicas matching filter, bounded by the configured load
// timeout (default 30s). Results are ordered by id for reproducibility.
func (s *Store) Load(ctx context.Context, filter Filter) ([]*replica.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.loadTimeout)
	defer cancel()

	query := `SELECT id, title, description, priority, status, assignee_enc,
		patient_reference_enc, department, emr_payload_json,
		verification_state, vector_clock_json, last_modified,
		last_modified_by, tombstone, tombstone_version,
		handover_lock_json, checksum FROM replicas WHERE 1=1`
	args := map[string]interface{}{}

	if len(filter.IDs) > 0 {
		query += ` AND id IN (:ids)`
		args["ids"] = filter.IDs
	}
	if filter.Status != nil {
		query += ` AND status = :status`
		args["status"] = string(*filter.Status)
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	named, namedArgs, err := sqlx.Named(query, args)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorageError, "storage", "load")
	}
	named, namedArgs, err = sqlx.In(named, namedArgs...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindStorageError, "storage", "load")
	}
	named = s.db.Rebind(named)

	var rows []replicaRow
	if err := s.db.SelectContext(ctx, &rows, named, namedArgs...); err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.KindTimeout, "storage", "load")
		}
		return nil, apperrors.Wrap(err, apperrors.KindStorageError, "storage", "load")
	}

	tasks := make([]*replica.Task, 0, len(rows))
	for _, row := range rows {
		t, err := s.fromRow(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// AuditBuffer exposes the in-front ring buffer for callers that need to
// inspect recent activity or force a drain (e.g. graceful shutdown).
func (s *Store) AuditBuffer() *RingBuffer { return s.audit }

func entryID(e AuditEntry) string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s-%d", e.ReplicaID, time.Now().UnixNano())
}
