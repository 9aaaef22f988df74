// Package emr implements the EMR Adapter (C8): fetching and cross-verifying
// patient/task resources from Epic and Cerner via a FHIR R4 REST API and an
// HL7 v2/MLLP TCP protocol, behind the circuit breaker and retry in
// pkg/breaker (spec.md §4.8).
package emr

import "time"

// Resource is a normalized view of a FHIR R4 resource: known fields lifted
// out for validation, everything else preserved in Raw so schema-variable
// EMR content never leaks untyped past this boundary into merge or status
// logic (spec.md §9 "Dynamic JSON typing for EMR payloads").
type Resource struct {
	ResourceType string
	ID           string
	Status       string
	Identifiers  []Identifier
	Codings      []Coding
	// References maps a relationship name (e.g. "generalPractitioner") to
	// the reference string FHIR resolved it to; an empty value means the
	// reference did not resolve.
	References map[string]string
	Raw        map[string]interface{}
}

// Identifier is a FHIR Identifier datatype, narrowed to system+value.
type Identifier struct {
	System string
	Value  string
}

// Coding is a FHIR Coding datatype, narrowed to system+code.
type Coding struct {
	System string
	Code   string
}

// FetchResult is the outcome of fetch_patient/fetch_task (spec.md §4.8):
// the normalized resource, whether FHIR and HL7 agreed, and the
// performance/tracing metadata the contract requires.
type FetchResult struct {
	Resource      Resource
	Verified      bool
	Mismatches    []string
	CorrelationID string
	Elapsed       time.Duration
}

// ValidationIssue is one error or warning raised by ValidateTask.
type ValidationIssue struct {
	Field  string
	Code   string
	Detail string
}

// VerifyResult is the outcome of verify_task (spec.md §4.8).
type VerifyResult struct {
	IsValid  bool
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}
