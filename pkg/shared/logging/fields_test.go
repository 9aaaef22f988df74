package logging

import (
	"errors"
	"testing"
	"time"
)

func TestNewFields(t *testing.T) {
	f := NewFields()
	if len(f) != 0 {
		t.Errorf("NewFields() should be empty, got %d", len(f))
	}
}

func TestChaining(t *testing.T) {
	f := NewFields().
		Component("sync").
		Operation("start_sync").
		ReplicaID("T1").
		NodeID("node-a").
		Duration(250 * time.Millisecond).
		Count(3)

	if f["component"] != "sync" {
		t.Errorf("component = %v", f["component"])
	}
	if f["operation"] != "start_sync" {
		t.Errorf("operation = %v", f["operation"])
	}
	if f["replica_id"] != "T1" {
		t.Errorf("replica_id = %v", f["replica_id"])
	}
	if f["node_id"] != "node-a" {
		t.Errorf("node_id = %v", f["node_id"])
	}
	if f["duration_ms"] != int64(250) {
		t.Errorf("duration_ms = %v", f["duration_ms"])
	}
	if f["count"] != 3 {
		t.Errorf("count = %v", f["count"])
	}
}

func TestErrNilOmitted(t *testing.T) {
	f := NewFields().Err(nil)
	if _, ok := f["error"]; ok {
		t.Error("Err(nil) should not set the error field")
	}

	f2 := NewFields().Err(errors.New("boom"))
	if f2["error"] != "boom" {
		t.Errorf("error = %v, want boom", f2["error"])
	}
}

func TestResourceWithoutName(t *testing.T) {
	f := NewFields().Resource("task", "")
	if f["resource_type"] != "task" {
		t.Errorf("resource_type = %v", f["resource_type"])
	}
	if _, ok := f["resource_name"]; ok {
		t.Error("resource_name should be omitted when empty")
	}
}

func TestToLogrus(t *testing.T) {
	f := NewFields().Component("emr")
	lf := f.ToLogrus()
	if lf["component"] != "emr" {
		t.Errorf("ToLogrus()[component] = %v", lf["component"])
	}
}

func TestSyncFields(t *testing.T) {
	f := SyncFields("node-a", "batch-1")
	if f["component"] != "sync" || f["node_id"] != "node-a" || f["batch_id"] != "batch-1" {
		t.Errorf("SyncFields() = %v", f)
	}
}

func TestEMRFields(t *testing.T) {
	f := EMRFields("epic", "Patient", "p-1")
	if f["component"] != "emr" || f["emr_system"] != "epic" || f["resource_type"] != "Patient" {
		t.Errorf("EMRFields() = %v", f)
	}
}

func TestBreakerFields(t *testing.T) {
	f := BreakerFields("fhir-epic", "open")
	if f["breaker_name"] != "fhir-epic" || f["state"] != "open" {
		t.Errorf("BreakerFields() = %v", f)
	}
}
