package emr

import (
	"fmt"

	"github.com/clinisync/sync-emr-engine/pkg/replica"
)

// ValidateTask applies the non-exhaustive rule set of spec.md §4.8 to a
// fetched FHIR task resource, the local claim it is being checked against,
// and the HL7 cross-check record. All returned errs must be empty for
// is_valid to be true; warns never fail validation on their own.
func ValidateTask(resource Resource, localClaim *replica.Task, hl7 PatientRecord) ([]ValidationIssue, []ValidationIssue) {
	var errs, warns []ValidationIssue

	if resource.ResourceType != "" && resource.ResourceType != "Task" {
		errs = append(errs, ValidationIssue{
			Field: "resourceType", Code: "resource_type_mismatch",
			Detail: fmt.Sprintf("expected Task, got %s", resource.ResourceType),
		})
	}

	if resource.ID == "" {
		errs = append(errs, ValidationIssue{Field: "id", Code: "missing_required_field", Detail: "id is required"})
	}
	if resource.Status == "" {
		errs = append(errs, ValidationIssue{Field: "status", Code: "missing_required_field", Detail: "status is required"})
	}

	if resource.Status == "entered-in-error" {
		errs = append(errs, ValidationIssue{Field: "status", Code: "entered_in_error", Detail: "task entered in error"})
	}

	if localClaim != nil && resource.Status != "" {
		if remoteStatus := fhirToLocalStatus(resource.Status); remoteStatus != "" && remoteStatus != localClaim.Status {
			errs = append(errs, ValidationIssue{
				Field: "status", Code: "status_mismatch",
				Detail: fmt.Sprintf("local claims %s, EMR reports %s", localClaim.Status, resource.Status),
			})
		}
	}

	for _, c := range resource.Codings {
		if c.System == "" || c.Code == "" {
			warns = append(warns, ValidationIssue{
				Field: "coding", Code: "incomplete_coding", Detail: "coding missing system or code",
			})
		}
	}

	for name, ref := range resource.References {
		if ref == "" {
			errs = append(errs, ValidationIssue{
				Field: name, Code: "unresolved_reference",
				Detail: name + " reference did not resolve to a non-null string",
			})
		}
	}

	if hl7.PatientID == "" {
		warns = append(warns, ValidationIssue{
			Field: "hl7_patient_id", Code: "hl7_unavailable", Detail: "no HL7 cross-check record returned",
		})
	}

	return errs, warns
}

// fhirToLocalStatus maps a FHIR Task.status code onto the local
// replica.Status vocabulary so verify_task compares like with like. An
// empty return means the FHIR status has no direct local analogue and the
// status comparison is skipped rather than forced into a false mismatch.
func fhirToLocalStatus(fhirStatus string) replica.Status {
	switch fhirStatus {
	case "requested", "received", "accepted", "draft":
		return replica.StatusTodo
	case "in-progress":
		return replica.StatusInProgress
	case "completed":
		return replica.StatusCompleted
	case "on-hold":
		return replica.StatusBlocked
	case "cancelled", "rejected", "failed":
		return replica.StatusCancelled
	default:
		return ""
	}
}

// identifierMatches reports whether resource's own id or any of its
// identifiers agrees with the HL7 cross-check record (spec.md §4.8
// patient_id_mismatch).
func identifierMatches(resource Resource, hl7 PatientRecord) bool {
	if hl7.PatientID == "" {
		return false
	}
	if resource.ID == hl7.PatientID {
		return true
	}
	for _, id := range resource.Identifiers {
		if id.Value == hl7.PatientID {
			return true
		}
	}
	return false
}
