package emr

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinisync/sync-emr-engine/internal/appcontext"
	"github.com/clinisync/sync-emr-engine/pkg/breaker"
	"github.com/clinisync/sync-emr-engine/pkg/replica"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
	"github.com/clinisync/sync-emr-engine/pkg/shared/logging"
)

// Adapter fetches and cross-verifies EMR resources from one Epic or Cerner
// deployment via FHIR R4 REST and HL7 v2/MLLP, behind a per-system circuit
// breaker and bounded retry (spec.md §4.8).
type Adapter struct {
	System  replica.EMRSystem
	FHIR    *FHIRClient
	HL7     *HL7Client
	Breaker *breaker.Breaker
	Retrier *breaker.Retrier
	Tracer  trace.Tracer
	log     *logrus.Entry
}

// Config configures a per-system Adapter.
type Config struct {
	System  replica.EMRSystem
	FHIR    *FHIRClient
	HL7     *HL7Client
	Breaker *breaker.Breaker
	Retrier *breaker.Retrier
	Tracer  trace.Tracer
	Logger  *logrus.Logger
}

// New builds an Adapter, applying spec.md §4.7/§4.8 defaults for a nil
// Breaker, Logger, Retrier or Tracer. FHIR and HL7 are used as given.
func New(cfg Config) *Adapter {
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New(breaker.Config{Name: string(cfg.System)})
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Retrier == nil {
		cfg.Retrier = breaker.NewRetrier(breaker.DefaultRetryConfig(), cfg.Logger)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = trace.NewNoopTracerProvider().Tracer("emr")
	}

	return &Adapter{
		System:  cfg.System,
		FHIR:    cfg.FHIR,
		HL7:     cfg.HL7,
		Breaker: cfg.Breaker,
		Retrier: cfg.Retrier,
		Tracer:  cfg.Tracer,
		log:     cfg.Logger.WithFields(logging.EMRFields(string(cfg.System), "", "").ToLogrus()),
	}
}

// FetchPatient fetches /Patient/{id} via FHIR, queries the same patient via
// HL7, and cross-checks identifiers (spec.md §4.8 fetch_patient). A
// disagreement yields patient_id_mismatch.
func (a *Adapter) FetchPatient(ctx context.Context, patientID string) (FetchResult, error) {
	ctx = appcontext.EnsureCorrelationID(ctx)
	ctx, span := a.Tracer.Start(ctx, "emr.fetch_patient")
	defer span.End()

	start := time.Now()
	var resource Resource
	err := a.Breaker.Call(ctx, func(ctx context.Context) error {
		return a.Retrier.Do(ctx, func(ctx context.Context, attempt int) error {
			r, err := a.FHIR.GetPatient(ctx, patientID)
			if err != nil {
				return err
			}
			resource = r
			return nil
		})
	})
	if err != nil {
		return FetchResult{CorrelationID: appcontext.CorrelationID(ctx), Elapsed: time.Since(start)}, err
	}

	hl7rec, hl7Err := a.HL7.QueryPatient(ctx, patientID)
	var mismatches []string
	verified := hl7Err == nil
	if hl7Err != nil {
		mismatches = append(mismatches, "hl7_unavailable: "+hl7Err.Error())
		verified = false
	} else if !identifierMatches(resource, hl7rec) {
		verified = false
		mismatches = append(mismatches, "patient identifier disagreement between FHIR and HL7")
	}

	result := FetchResult{
		Resource:      resource,
		Verified:      verified,
		Mismatches:    mismatches,
		CorrelationID: appcontext.CorrelationID(ctx),
		Elapsed:       time.Since(start),
	}

	a.log.WithFields(logging.NewFields().Duration(result.Elapsed).Custom("verified", verified).ToLogrus()).
		Debug("fetch_patient completed")

	if !verified {
		return result, apperrors.New(apperrors.KindPatientIDMismatch, "emr_adapter", "fetch_patient").
			WithResource(patientID).WithDetails(strings.Join(mismatches, "; "))
	}
	return result, nil
}

// FetchTask fetches /Task/{id} via FHIR (spec.md §4.8 fetch_task,
// "analogous" to fetch_patient; the cross-protocol patient-existence check
// lives in VerifyTask, which also needs the local claim).
func (a *Adapter) FetchTask(ctx context.Context, taskID string) (FetchResult, error) {
	ctx = appcontext.EnsureCorrelationID(ctx)
	ctx, span := a.Tracer.Start(ctx, "emr.fetch_task")
	defer span.End()

	start := time.Now()
	var resource Resource
	err := a.Breaker.Call(ctx, func(ctx context.Context) error {
		return a.Retrier.Do(ctx, func(ctx context.Context, attempt int) error {
			r, err := a.FHIR.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			resource = r
			return nil
		})
	})
	elapsed := time.Since(start)
	if err != nil {
		return FetchResult{CorrelationID: appcontext.CorrelationID(ctx), Elapsed: elapsed}, err
	}
	return FetchResult{
		Resource: resource, Verified: true,
		CorrelationID: appcontext.CorrelationID(ctx), Elapsed: elapsed,
	}, nil
}

// VerifyTask fetches the task via FHIR, cross-checks the claimed patient
// via HL7, and runs the §4.8 validation rule set against localClaim
// (spec.md §4.8 verify_task). Rejects tasks whose status is
// entered_in_error or whose referenced patient does not exist in either
// protocol.
func (a *Adapter) VerifyTask(ctx context.Context, taskID string, localClaim *replica.Task) (VerifyResult, error) {
	ctx = appcontext.EnsureCorrelationID(ctx)
	ctx, span := a.Tracer.Start(ctx, "emr.verify_task")
	defer span.End()

	fetchResult, err := a.FetchTask(ctx, taskID)
	if err != nil {
		return VerifyResult{}, err
	}

	var hl7rec PatientRecord
	var hl7Err error
	if localClaim != nil && localClaim.PatientReference != "" {
		hl7rec, hl7Err = a.HL7.QueryPatient(ctx, localClaim.PatientReference)
	}

	errs, warns := ValidateTask(fetchResult.Resource, localClaim, hl7rec)

	if localClaim != nil && localClaim.PatientReference != "" && hl7Err != nil && fetchResult.Resource.References["for"] == "" {
		errs = append(errs, ValidationIssue{
			Field: "patient_reference", Code: "patient_not_found",
			Detail: "referenced patient does not exist in either FHIR or HL7",
		})
	}

	result := VerifyResult{IsValid: len(errs) == 0, Errors: errs, Warnings: warns}

	a.log.WithFields(logging.NewFields().
		Custom("is_valid", result.IsValid).Custom("error_count", len(errs)).Custom("warning_count", len(warns)).
		ToLogrus()).Debug("verify_task completed")

	return result, nil
}
