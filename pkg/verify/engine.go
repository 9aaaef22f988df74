// Package verify implements the Verification Engine (C9): it decides
// whether a task's verification_state transitions to verified or failed by
// normalizing the EMR payload, applying the EMR Adapter's validation rules,
// optionally cross-checking a scanned barcode, and emitting an audit entry
// (spec.md §4.9).
package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinisync/sync-emr-engine/internal/appcontext"
	"github.com/clinisync/sync-emr-engine/pkg/emr"
	"github.com/clinisync/sync-emr-engine/pkg/replica"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
	"github.com/clinisync/sync-emr-engine/pkg/shared/logging"
	"github.com/clinisync/sync-emr-engine/pkg/storage"
)

// DefaultFreshnessInterval mirrors spec.md §4.9: a verification older than
// this automatically transitions to stale on next read.
const DefaultFreshnessInterval = 15 * time.Minute

// Barcode-format bounds and known medical-identifier prefixes, per spec.md
// §4.9 step 3.
const (
	MinBarcodeLength = 8
	MaxBarcodeLength = 64
)

var medicalIdentifierPrefixes = []string{"MRN", "SSN", "NHS", "FHIR", "HL7"}

// BarcodeData is the optional scanned-barcode confirmation input.
type BarcodeData struct {
	Raw string
}

// Result is the outcome of one verification pass.
type Result struct {
	IsValid    bool
	Errors     []emr.ValidationIssue
	Warnings   []emr.ValidationIssue
	Checksum   string
	VerifiedAt time.Time
}

// AuditSink receives the emr_verification audit entry every Verify call
// emits (spec.md §4.9 step 4).
type AuditSink interface {
	Append(entry storage.AuditEntry)
}

// Engine runs EMR verification and staleness checks.
type Engine struct {
	Freshness time.Duration
	Audit     AuditSink
	log       *logrus.Entry
}

// New builds an Engine. A zero freshness falls back to
// DefaultFreshnessInterval; a nil logger falls back to a default logger.
func New(freshness time.Duration, audit AuditSink, log *logrus.Logger) *Engine {
	if freshness <= 0 {
		freshness = DefaultFreshnessInterval
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		Freshness: freshness,
		Audit:     audit,
		log:       log.WithFields(logging.NewFields().Component("verification_engine").ToLogrus()),
	}
}

// Verify normalizes resource into canonical JSON, validates it against
// local and the HL7 cross-check, optionally confirms a scanned barcode, and
// emits an emr_verification audit entry (spec.md §4.9). The returned
// checksum lets pkg/replica stamp verification_state=verified only when
// emr_payload.version still matches what was actually verified.
func (e *Engine) Verify(ctx context.Context, local *replica.Task, resource emr.Resource, hl7 emr.PatientRecord, barcode *BarcodeData) (Result, error) {
	ctx = appcontext.EnsureCorrelationID(ctx)
	start := time.Now()

	checksum := Checksum(resource.Raw)
	errs, warns := emr.ValidateTask(resource, local, hl7)

	if barcode != nil {
		if err := validateBarcode(barcode.Raw, resource); err != nil {
			errs = append(errs, emr.ValidationIssue{Field: "barcode", Code: "barcode_mismatch", Detail: err.Error()})
		}
	}

	result := Result{
		IsValid:    len(errs) == 0,
		Errors:     errs,
		Warnings:   warns,
		Checksum:   checksum,
		VerifiedAt: start,
	}

	e.emitAudit(local, result)
	e.log.WithFields(logging.NewFields().
		ReplicaID(replicaID(local)).
		Duration(time.Since(start)).
		CorrelationID(appcontext.CorrelationID(ctx)).
		Custom("is_valid", result.IsValid).ToLogrus()).
		Info("emr verification completed")

	if !result.IsValid {
		return result, apperrors.New(apperrors.KindEMRMismatch, "verification_engine", "verify").
			WithResource(replicaID(local)).WithDetails(auditDetail(result))
	}
	return result, nil
}

// IsStale reports whether a verification performed at verifiedAt is older
// than the freshness interval (spec.md §4.9: "a verification older than a
// configurable freshness interval ... automatically transitions to stale
// on next read").
func (e *Engine) IsStale(verifiedAt time.Time, now time.Time) bool {
	if verifiedAt.IsZero() {
		return true
	}
	return now.Sub(verifiedAt) > e.Freshness
}

func (e *Engine) emitAudit(local *replica.Task, result Result) {
	if e.Audit == nil {
		return
	}
	e.Audit.Append(storage.AuditEntry{
		Action:    "emr_verification",
		ReplicaID: replicaID(local),
		Detail:    auditDetail(result),
		CreatedAt: result.VerifiedAt,
	})
}

func replicaID(t *replica.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func auditDetail(r Result) string {
	if r.IsValid {
		return "verified checksum=" + r.Checksum
	}
	codes := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		codes = append(codes, issue.Code)
	}
	return "failed: " + strings.Join(codes, ",")
}

// validateBarcode confirms a scanned barcode is well-formed and matches
// the patient identifier embedded in the EMR payload (spec.md §4.9 step
// 3: "barcode format validated for length 8-64 and known
// medical-identifier prefixes").
func validateBarcode(raw string, resource emr.Resource) error {
	if len(raw) < MinBarcodeLength || len(raw) > MaxBarcodeLength {
		return fmt.Errorf("barcode length %d out of range [%d,%d]", len(raw), MinBarcodeLength, MaxBarcodeLength)
	}

	hasKnownPrefix := false
	for _, prefix := range medicalIdentifierPrefixes {
		if strings.HasPrefix(raw, prefix) {
			hasKnownPrefix = true
			break
		}
	}
	if !hasKnownPrefix {
		return fmt.Errorf("barcode does not carry a known medical-identifier prefix")
	}

	for _, id := range resource.Identifiers {
		if id.Value != "" && strings.Contains(raw, id.Value) {
			return nil
		}
	}
	if resource.ID != "" && strings.Contains(raw, resource.ID) {
		return nil
	}
	return fmt.Errorf("barcode identifier does not match EMR patient identifier")
}

// Checksum normalizes raw into canonical (key-sorted, whitespace-stripped)
// JSON and returns its SHA-256 hex digest (spec.md §4.9 step 1).
func Checksum(raw map[string]interface{}) string {
	enc, _ := json.Marshal(canonicalize(raw))
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:])
}

type kv struct {
	key   string
	value interface{}
}

// orderedFields marshals as a JSON object preserving insertion order, so
// canonicalize can emit keys in sorted order regardless of Go's
// randomized map iteration.
type orderedFields []kv

func (o orderedFields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(pair.key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(pair.value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedFields, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{k, canonicalize(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return val
	}
}
