// Package delivery implements the three interchangeable ways a Tracker
// can get records to the server: synchronous immediate delivery, an
// in-memory bounded queue with a background worker, and a durable
// on-disk queue backed by internal/queuedb.
package delivery

import (
	"context"

	"github.com/aicostmanager/aicm-go/internal/model"
)

// RecordStatus mirrors the status strings the server reports per record.
type RecordStatus string

const (
	StatusQueued            RecordStatus = "queued"
	StatusServiceKeyUnknown RecordStatus = "service_key_unknown"
	StatusRejected          RecordStatus = "rejected"
	StatusFailed            RecordStatus = "failed"
)

// RecordResult is the per-record outcome a Strategy reports back to the
// Tracker facade.
type RecordResult struct {
	ResponseID  string
	Status      RecordStatus
	CostEventID string
	Err         error
}

// DeliverOutcome is what a Strategy reports back after accepting one
// Deliver call: per-record results (populated synchronously by
// Immediate, asynchronously — i.e. possibly empty — by the queued
// strategies, which only confirm acceptance, not final delivery) plus
// any triggered-limits payload the server attached to a response the
// strategy happened to observe while handling this call.
type DeliverOutcome struct {
	Results         []RecordResult
	TriggeredLimits []model.TriggeredLimit
}

// Strategy is the common contract all three delivery modes satisfy.
type Strategy interface {
	// Deliver hands one or more records to the strategy. For Immediate
	// this blocks until the HTTP call completes (or fails for good);
	// for the queued strategies it returns once the record is durably
	// or safely buffered.
	Deliver(ctx context.Context, records []model.Record) (DeliverOutcome, error)

	// Close signals shutdown and blocks until queued work drains or
	// the deadline embedded in the strategy's settings elapses.
	Close(ctx context.Context) error
}

// OverflowPolicy controls what the in-memory queue does when full.
type OverflowPolicy string

const (
	OverflowBlock       OverflowPolicy = "block"
	OverflowBackpressure OverflowPolicy = "backpressure"
	OverflowRaise       OverflowPolicy = "raise"
)
