package emr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

func TestFHIRClientGetPatientNormalizesFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"resourceType": "Patient",
			"id":           "p-1",
			"identifier": []interface{}{
				map[string]interface{}{"system": "urn:mrn", "value": "MRN-123"},
			},
			"generalPractitioner": map[string]interface{}{"reference": "Practitioner/gp-1"},
		})
	}))
	defer srv.Close()

	client := &FHIRClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	resource, err := client.GetPatient(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("GetPatient() error = %v", err)
	}
	if resource.ResourceType != "Patient" || resource.ID != "p-1" {
		t.Fatalf("GetPatient() = %+v, want resourceType=Patient id=p-1", resource)
	}
	if len(resource.Identifiers) != 1 || resource.Identifiers[0].Value != "MRN-123" {
		t.Errorf("Identifiers = %+v, want one entry MRN-123", resource.Identifiers)
	}
	if resource.References["generalPractitioner"] != "Practitioner/gp-1" {
		t.Errorf("References[generalPractitioner] = %q, want Practitioner/gp-1", resource.References["generalPractitioner"])
	}
}

func TestFHIRClientGetTaskWrongResourceType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "Patient", "id": "x"})
	}))
	defer srv.Close()

	client := &FHIRClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	_, err := client.GetTask(context.Background(), "t-1")
	if err == nil {
		t.Fatal("GetTask() error = nil, want resource type mismatch")
	}
	if !apperrors.HasKind(err, apperrors.KindValidation) {
		t.Errorf("GetTask() error = %v, want validation kind", err)
	}
}

func TestFHIRClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := &FHIRClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	_, err := client.GetPatient(context.Background(), "missing")
	if !apperrors.HasKind(err, apperrors.KindPatientIDMismatch) {
		t.Errorf("GetPatient() error = %v, want patient_id_mismatch", err)
	}
}

func TestFHIRClientUnprocessableEntityIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := &FHIRClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	_, err := client.GetPatient(context.Background(), "p-1")
	if !apperrors.HasKind(err, apperrors.KindValidation) {
		t.Errorf("GetPatient() error = %v, want validation kind (422 must not be classified as retryable network)", err)
	}
}

func TestFHIRClientUnauthorizedIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := &FHIRClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	_, err := client.GetPatient(context.Background(), "p-1")
	if !apperrors.HasKind(err, apperrors.KindValidation) {
		t.Errorf("GetPatient() error = %v, want validation kind (401 must not be classified as retryable network)", err)
	}
}

func TestFHIRClientServiceUnavailableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := &FHIRClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	_, err := client.GetPatient(context.Background(), "p-1")
	if !apperrors.HasKind(err, apperrors.KindNetwork) {
		t.Errorf("GetPatient() error = %v, want network kind (503 must remain retryable)", err)
	}
}

func TestFHIRClientAttachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "Patient", "id": "p-1"})
	}))
	defer srv.Close()

	client := &FHIRClient{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		TokenFunc:  func(ctx context.Context) (string, error) { return "abc123", nil },
	}
	if _, err := client.GetPatient(context.Background(), "p-1"); err != nil {
		t.Fatalf("GetPatient() error = %v", err)
	}
	if gotAuth != "Bearer abc123" {
		t.Errorf("Authorization header = %q, want Bearer abc123", gotAuth)
	}
}
