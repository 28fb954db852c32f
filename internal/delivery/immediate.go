package delivery

import (
	"context"
	"log/slog"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/model"
	"github.com/aicostmanager/aicm-go/internal/transport"
	"github.com/aicostmanager/aicm-go/internal/wire"
)

// ImmediateDelivery synchronously sends one or many records per call. It
// holds no background worker and no queue — every Deliver call is the
// one and only attempt at that batch.
type ImmediateDelivery struct {
	client   *transport.Client
	settings config.Settings
	log      *slog.Logger
}

// NewImmediate returns a Strategy that sends directly to client.
func NewImmediate(client *transport.Client, settings config.Settings, logger *slog.Logger) *ImmediateDelivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImmediateDelivery{client: client, settings: settings, log: logger.With("component", "delivery.Immediate")}
}

func (d *ImmediateDelivery) Deliver(ctx context.Context, records []model.Record) (DeliverOutcome, error) {
	result, err := d.client.SendBatch(ctx, records)
	if err != nil {
		if d.settings.RaiseOnError {
			return DeliverOutcome{}, err
		}
		d.log.Error("immediate delivery failed", "error", err, "record_count", len(records))
		results := make([]RecordResult, len(records))
		for i, r := range records {
			results[i] = RecordResult{ResponseID: r.ResponseID, Status: StatusFailed, Err: err}
		}
		return DeliverOutcome{Results: results}, nil
	}

	byID := make(map[string]wire.ResultWire, len(result.Results))
	for _, res := range result.Results {
		byID[res.ResponseID] = res
	}

	results := make([]RecordResult, len(records))
	for i, r := range records {
		wireResult, ok := byID[r.ResponseID]
		if !ok {
			results[i] = RecordResult{ResponseID: r.ResponseID, Status: StatusQueued}
			continue
		}
		results[i] = RecordResult{ResponseID: r.ResponseID, Status: RecordStatus(wireResult.Status), CostEventID: wireResult.CostEventID}
	}

	return DeliverOutcome{Results: results, TriggeredLimits: result.TriggeredLimits}, nil
}

func (d *ImmediateDelivery) Close(ctx context.Context) error {
	return nil
}
