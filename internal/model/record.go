// Package model holds the core domain types shared by every internal
// package (limits, transport, delivery, queuedb) and re-exported by the
// root package as public API. Keeping them here instead of in the root
// package lets internal packages depend on the domain without importing
// back up into the root package.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Usage is a service-specific bag of counts (tokens, seconds, characters,
// and so on). Values may be scalars, nested maps, slices, or arbitrary
// provider-defined objects; internal/wire.Reduce flattens the latter.
type Usage map[string]any

// Record is a single usage measurement ready to be handed to a delivery
// strategy. ResponseID, ServiceKey, and Timestamp are fixed at
// construction and never mutated afterward.
type Record struct {
	ServiceKey  string
	Usage       Usage
	ResponseID  string
	Timestamp   time.Time
	CustomerKey string
	Context     map[string]any
	APIID       string
}

// RecordOption customizes a Record at construction time.
type RecordOption func(*Record)

// WithResponseID sets an explicit idempotency key instead of generating
// a UUIDv4.
func WithResponseID(id string) RecordOption {
	return func(r *Record) { r.ResponseID = id }
}

// WithTimestamp overrides the record's creation time.
func WithTimestamp(t time.Time) RecordOption {
	return func(r *Record) { r.Timestamp = t }
}

// WithCustomerKey overrides the tracker-wide default customer key for
// this one record.
func WithCustomerKey(key string) RecordOption {
	return func(r *Record) { r.CustomerKey = key }
}

// WithContext overrides the tracker-wide default context wholesale (it
// is never merged with the default).
func WithContext(ctx map[string]any) RecordOption {
	return func(r *Record) { r.Context = ctx }
}

// WithAPIID attaches a legacy provider hint; accepted on input but never
// required on the wire.
func WithAPIID(id string) RecordOption {
	return func(r *Record) { r.APIID = id }
}

// NewRecord builds a Record, filling ResponseID and Timestamp defaults,
// and validates it against schema if schema is non-nil.
func NewRecord(serviceKey string, usage Usage, schema *Schema, opts ...RecordOption) (Record, error) {
	r := Record{
		ServiceKey: serviceKey,
		Usage:      usage,
		Timestamp:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&r)
	}
	if r.ResponseID == "" {
		r.ResponseID = uuid.NewString()
	}
	if schema != nil {
		if err := schema.Validate(serviceKey, usage); err != nil {
			return Record{}, err
		}
	}
	return r, nil
}

// ThresholdType distinguishes an informational limit from an enforced one.
type ThresholdType string

const (
	ThresholdWarning ThresholdType = "WARNING"
	ThresholdLimit   ThresholdType = "LIMIT"
)

// TriggeredLimit is a server-issued assertion that a given scope has
// passed a usage threshold. Nil scoping fields act as wildcards when
// matching against a Record.
type TriggeredLimit struct {
	LimitID       string
	ThresholdType ThresholdType
	Amount        float64
	Period        string

	APIKeyID     string
	ServiceKey   *string
	CustomerKey  *string
	ConfigIDList []string
	Hostname     string

	ExpiresAt *time.Time
}

// Matches reports whether l's non-nil scoping fields all equal the
// corresponding fields on apiKeyID/serviceKey/customerKey.
func (l TriggeredLimit) Matches(apiKeyID, serviceKey, customerKey string) bool {
	if l.APIKeyID != "" && l.APIKeyID != apiKeyID {
		return false
	}
	if l.ServiceKey != nil && *l.ServiceKey != serviceKey {
		return false
	}
	if l.CustomerKey != nil && *l.CustomerKey != customerKey {
		return false
	}
	return true
}
