package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/limits"
	"github.com/aicostmanager/aicm-go/internal/model"
	"github.com/aicostmanager/aicm-go/internal/queuedb"
	"github.com/aicostmanager/aicm-go/internal/transport"
)

const retentionDone = 24 * time.Hour

const minStaleInflightAge = 60 * time.Second

// PersistentDelivery hands records to an on-disk SQLite queue (internal
// queuedb) and drains it from a single background worker, surviving a
// process crash between enqueue and delivery.
type PersistentDelivery struct {
	db       *queuedb.DB
	client   *transport.Client
	cache    *limits.Cache
	settings config.Settings
	log      *slog.Logger

	staleInflightAge time.Duration

	wake chan struct{}
	done chan struct{}

	drainedC chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// staleInflightReclaimAge is INFLIGHT_RECLAIM: a row claimed by a worker
// that crashed before marking it DONE/FAILED sits INFLIGHT forever unless
// something reclaims it, so the window needs enough headroom past the
// configured request timeout to not reclaim a row still legitimately in
// flight.
func staleInflightReclaimAge(timeout time.Duration) time.Duration {
	if age := 2 * timeout; age > minStaleInflightAge {
		return age
	}
	return minStaleInflightAge
}

// NewPersistent opens the queue database at settings.DBPath, reclaims any
// rows left INFLIGHT by a previous crash, and starts the worker.
func NewPersistent(client *transport.Client, cache *limits.Cache, settings config.Settings, logger *slog.Logger) (*PersistentDelivery, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := queuedb.Open(settings.DBPath)
	if err != nil {
		return nil, fmt.Errorf("aicm: open persistent queue: %w", err)
	}

	log := logger.With("component", "delivery.Persistent")
	staleAge := staleInflightReclaimAge(settings.Timeout)
	if n, err := db.ReclaimStaleInflight(staleAge); err != nil {
		log.Warn("reclaim stale inflight rows failed", "error", err)
	} else if n > 0 {
		log.Info("reclaimed stale inflight rows", "count", n)
	}

	p := &PersistentDelivery{
		db:               db,
		client:           client,
		cache:            cache,
		settings:         settings,
		log:              log,
		staleInflightAge: staleAge,
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
		drainedC:         make(chan struct{}),
	}
	go p.run()
	return p, nil
}

type queuedRecord struct {
	ServiceKey  string         `json:"service_key"`
	ResponseID  string         `json:"response_id"`
	Timestamp   time.Time      `json:"timestamp"`
	CustomerKey string         `json:"customer_key,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	APIID       string         `json:"api_id,omitempty"`
	Usage       model.Usage    `json:"usage"`
}

func toQueued(r model.Record) queuedRecord {
	return queuedRecord{
		ServiceKey:  r.ServiceKey,
		ResponseID:  r.ResponseID,
		Timestamp:   r.Timestamp,
		CustomerKey: r.CustomerKey,
		Context:     r.Context,
		APIID:       r.APIID,
		Usage:       r.Usage,
	}
}

func fromQueued(q queuedRecord) model.Record {
	return model.Record{
		ServiceKey:  q.ServiceKey,
		ResponseID:  q.ResponseID,
		Timestamp:   q.Timestamp,
		CustomerKey: q.CustomerKey,
		Context:     q.Context,
		APIID:       q.APIID,
		Usage:       q.Usage,
	}
}

func (p *PersistentDelivery) Deliver(ctx context.Context, records []model.Record) (DeliverOutcome, error) {
	results := make([]RecordResult, len(records))
	for i, r := range records {
		payload, err := json.Marshal(toQueued(r))
		if err != nil {
			return DeliverOutcome{}, fmt.Errorf("aicm: encode queued record: %w", err)
		}
		if _, err := p.db.Enqueue(payload); err != nil {
			return DeliverOutcome{}, fmt.Errorf("aicm: enqueue record: %w", err)
		}
		results[i] = RecordResult{ResponseID: r.ResponseID, Status: StatusQueued}
	}
	p.nudge()
	return DeliverOutcome{Results: results}, nil
}

// nudge wakes the worker early instead of waiting out the poll interval.
func (p *PersistentDelivery) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *PersistentDelivery) run() {
	defer close(p.drainedC)

	vacuumTicker := time.NewTicker(1 * time.Hour)
	defer vacuumTicker.Stop()

	for {
		claimed := p.drainOnce()

		select {
		case <-p.done:
			return
		case <-vacuumTicker.C:
			if n, err := p.db.Vacuum(retentionDone); err != nil {
				p.log.Warn("vacuum failed", "error", err)
			} else if n > 0 {
				p.log.Debug("vacuumed done rows", "count", n)
			}
		default:
		}

		if claimed > 0 {
			// More work may already be queued; loop again immediately
			// before sleeping on the poll interval.
			continue
		}

		select {
		case <-p.done:
			return
		case <-p.wake:
		case <-time.After(p.settings.PollInterval):
		}
	}
}

// drainOnce claims and delivers at most one batch, returning how many
// rows it claimed (0 means the queue was empty).
func (p *PersistentDelivery) drainOnce() int {
	entries, err := p.db.ClaimBatch(p.settings.MaxBatchSize)
	if err != nil {
		p.log.Error("claim batch failed", "error", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	records := make([]model.Record, 0, len(entries))
	decoded := make([]queuedb.Entry, 0, len(entries))
	for _, e := range entries {
		var q queuedRecord
		if err := json.Unmarshal(e.Payload, &q); err != nil {
			p.log.Error("decode queued payload, quarantining", "id", e.ID, "error", err)
			if err := p.db.MarkFailed(e.ID, err.Error()); err != nil {
				p.log.Error("mark failed errored", "id", e.ID, "error", err)
			}
			continue
		}
		records = append(records, fromQueued(q))
		decoded = append(decoded, e)
	}
	if len(records) == 0 {
		return len(entries)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.settings.Timeout)
	result, err := p.client.SendBatch(ctx, records)
	cancel()

	if err != nil {
		var permErr *model.PermanentServerError
		permanent := errors.As(err, &permErr)
		for _, e := range decoded {
			if permanent || e.AttemptCount+1 >= p.settings.MaxRetries {
				if ferr := p.db.MarkFailed(e.ID, err.Error()); ferr != nil {
					p.log.Error("mark failed errored", "id", e.ID, "error", ferr)
				}
				continue
			}
			if rerr := p.db.Reschedule(e.ID, e.AttemptCount, err.Error()); rerr != nil {
				p.log.Error("reschedule errored", "id", e.ID, "error", rerr)
			}
		}
		p.log.Warn("persistent queue batch failed", "size", len(records), "error", err)
		return len(entries)
	}

	for _, e := range decoded {
		if derr := p.db.MarkDone(e.ID); derr != nil {
			p.log.Error("mark done errored", "id", e.ID, "error", derr)
		}
	}
	if p.cache != nil && len(result.TriggeredLimits) > 0 {
		p.cache.Notify(result.TriggeredLimits)
	}
	p.log.Debug("persistent queue batch delivered", "size", len(records))
	return len(entries)
}

func (p *PersistentDelivery) Close(ctx context.Context) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.closeMu.Unlock()

	select {
	case <-p.drainedC:
	case <-ctx.Done():
		p.db.Close()
		return ctx.Err()
	}

	if n, err := p.db.ReclaimAllInflight(); err != nil {
		p.log.Warn("reclaim all inflight on close failed", "error", err)
	} else if n > 0 {
		p.log.Debug("reclaimed inflight rows on close", "count", n)
	}
	return p.db.Close()
}
