package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/clinisync/sync-emr-engine/pkg/breaker"
	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

// FHIRClient fetches FHIR R4 resources over HTTPS (spec.md §4.8, §6 EMR
// REST contract): standard endpoints, Accept: application/fhir+json, a
// bearer token supplied by TokenFunc.
type FHIRClient struct {
	BaseURL    string
	HTTPClient *http.Client
	TokenFunc  func(ctx context.Context) (string, error)
}

// GetPatient fetches /Patient/{id}.
func (c *FHIRClient) GetPatient(ctx context.Context, id string) (Resource, error) {
	return c.get(ctx, "Patient", id)
}

// GetTask fetches /Task/{id}.
func (c *FHIRClient) GetTask(ctx context.Context, id string) (Resource, error) {
	return c.get(ctx, "Task", id)
}

func (c *FHIRClient) get(ctx context.Context, resourceType, id string) (Resource, error) {
	reqURL := fmt.Sprintf("%s/%s/%s", c.BaseURL, resourceType, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Resource{}, apperrors.Wrap(err, apperrors.KindNetwork, "fhir_client", "build_request").WithResource(id)
	}
	req.Header.Set("Accept", "application/fhir+json")

	if c.TokenFunc != nil {
		tok, err := c.TokenFunc(ctx)
		if err != nil {
			return Resource{}, apperrors.Wrap(err, apperrors.KindTokenRequestFailed, "fhir_client", "get").WithResource(id)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Resource{}, apperrors.Wrap(err, apperrors.KindNetwork, "fhir_client", "get").WithResource(id)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Resource{}, apperrors.New(apperrors.KindPatientIDMismatch, "fhir_client", "get").
			WithResource(id).WithDetails("resource not found")
	}
	if resp.StatusCode != http.StatusOK {
		// Only 429/5xx are transient; other 4xx responses are a client error
		// the adapter must surface immediately, not retry (spec.md §4.7).
		if breaker.IsRetryableStatus(resp.StatusCode) {
			return Resource{}, apperrors.New(apperrors.KindNetwork, "fhir_client", "get").
				WithResource(id).WithDetailsf("unexpected status %d", resp.StatusCode)
		}
		return Resource{}, apperrors.New(apperrors.KindValidation, "fhir_client", "get").
			WithResource(id).WithDetailsf("unexpected status %d", resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Resource{}, apperrors.Wrap(err, apperrors.KindInvalidResponse, "fhir_client", "decode").WithResource(id)
	}

	resource := normalizeResource(raw)
	if resource.ResourceType != "" && resource.ResourceType != resourceType {
		return resource, apperrors.New(apperrors.KindValidation, "fhir_client", "get").
			WithResource(id).WithDetailsf("expected resourceType %s, got %s", resourceType, resource.ResourceType)
	}
	return resource, nil
}

// normalizeResource lifts the fields ValidateTask needs out of a raw FHIR
// JSON document, preserving everything else as an opaque extension map
// (spec.md §9).
func normalizeResource(raw map[string]interface{}) Resource {
	r := Resource{Raw: raw, References: map[string]string{}}
	r.ResourceType, _ = raw["resourceType"].(string)
	r.ID, _ = raw["id"].(string)
	r.Status, _ = raw["status"].(string)

	if ids, ok := raw["identifier"].([]interface{}); ok {
		for _, item := range ids {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			sys, _ := m["system"].(string)
			val, _ := m["value"].(string)
			r.Identifiers = append(r.Identifiers, Identifier{System: sys, Value: val})
		}
	}

	for _, key := range []string{"generalPractitioner", "owner", "for", "subject"} {
		extractReferences(raw, key, &r)
	}

	for _, key := range []string{"code", "businessStatus", "priority"} {
		extractCodings(raw, key, &r)
	}

	return r
}

func extractReferences(raw map[string]interface{}, key string, r *Resource) {
	switch v := raw[key].(type) {
	case map[string]interface{}:
		ref, _ := v["reference"].(string)
		r.References[key] = ref
	case []interface{}:
		for i, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ref, _ := m["reference"].(string)
			r.References[fmt.Sprintf("%s[%d]", key, i)] = ref
		}
	}
}

func extractCodings(raw map[string]interface{}, key string, r *Resource) {
	m, ok := raw[key].(map[string]interface{})
	if !ok {
		return
	}
	codings, ok := m["coding"].([]interface{})
	if !ok {
		return
	}
	for _, c := range codings {
		cm, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		sys, _ := cm["system"].(string)
		code, _ := cm["code"].(string)
		r.Codings = append(r.Codings, Coding{System: sys, Code: code})
	}
}
