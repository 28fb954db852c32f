// Package aicm is a client-side usage-and-cost telemetry SDK: it batches
// usage events, delivers them to a remote tracking service over one of
// three interchangeable strategies, and enforces previously-triggered
// limits locally between deliveries.
package aicm

import "github.com/aicostmanager/aicm-go/internal/model"

// Usage, Record, and the record options mirror internal/model's types —
// the root package is the public-facing alias surface so that callers
// never import an internal package directly.
type (
	Usage          = model.Usage
	Record         = model.Record
	RecordOption   = model.RecordOption
	ThresholdType  = model.ThresholdType
	TriggeredLimit = model.TriggeredLimit
	Schema         = model.Schema
	SchemaRegistry = model.SchemaRegistry
)

const (
	ThresholdWarning = model.ThresholdWarning
	ThresholdLimit   = model.ThresholdLimit
)

var (
	WithResponseID  = model.WithResponseID
	WithTimestamp   = model.WithTimestamp
	WithCustomerKey = model.WithCustomerKey
	WithContext     = model.WithContext
	WithAPIID       = model.WithAPIID
)

// NewRecord builds a Record, filling ResponseID and Timestamp defaults,
// and validates it against schema if schema is non-nil.
func NewRecord(serviceKey string, usage Usage, schema *Schema, opts ...RecordOption) (Record, error) {
	return model.NewRecord(serviceKey, usage, schema, opts...)
}
