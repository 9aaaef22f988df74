// Package logging provides a small structured-field builder layered over
// logrus, so every component logs with the same field names instead of
// ad-hoc key strings.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable builder for structured log fields.
type Fields map[string]interface{}

// NewFields returns an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Err(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) NodeID(id string) Fields {
	if id != "" {
		f["node_id"] = id
	}
	return f
}

func (f Fields) ReplicaID(id string) Fields {
	if id != "" {
		f["replica_id"] = id
	}
	return f
}

func (f Fields) CorrelationID(id string) Fields {
	if id != "" {
		f["correlation_id"] = id
	}
	return f
}

func (f Fields) BatchID(id string) Fields {
	if id != "" {
		f["batch_id"] = id
	}
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus converts Fields to logrus.Fields for use with WithFields.
func (f Fields) ToLogrus() logrus.Fields {
	return logrus.Fields(f)
}

// SyncFields are the standard fields for Sync Orchestrator log lines.
func SyncFields(nodeID, batchID string) Fields {
	return NewFields().Component("sync").NodeID(nodeID).BatchID(batchID)
}

// ReplicaFields are the standard fields for CRDT replica log lines.
func ReplicaFields(replicaID, operation string) Fields {
	return NewFields().Component("replica").Operation(operation).ReplicaID(replicaID)
}

// EMRFields are the standard fields for EMR adapter log lines.
func EMRFields(system, resourceType, resourceID string) Fields {
	return NewFields().Component("emr").Resource(resourceType, resourceID).Custom("emr_system", system)
}

// AuditFields are the standard fields for audit-sink log lines.
func AuditFields(action, targetID string) Fields {
	return NewFields().Component("audit").Operation(action).ReplicaID(targetID)
}

// TokenFields are the standard fields for OAuth2 token manager log lines.
func TokenFields(endpoint, clientID string) Fields {
	return NewFields().Component("token").Custom("endpoint", endpoint).Custom("client_id", clientID)
}

// BreakerFields are the standard fields for circuit-breaker log lines.
func BreakerFields(name string, state interface{}) Fields {
	return NewFields().Component("breaker").Custom("breaker_name", name).Custom("state", state)
}
