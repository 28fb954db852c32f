package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/limits"
	"github.com/aicostmanager/aicm-go/internal/model"
	"github.com/aicostmanager/aicm-go/internal/transport"
)

// OnDiscardFunc is invoked once per record the backpressure overflow
// policy drops.
type OnDiscardFunc func(model.Record)

// MemQueueDelivery batches records in a bounded channel and dispatches
// them from a single background worker.
type MemQueueDelivery struct {
	client   *transport.Client
	cache    *limits.Cache
	settings config.Settings
	log      *slog.Logger

	overflow  OverflowPolicy
	onDiscard OnDiscardFunc

	ch chan model.Record

	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	discarded atomic.Int64

	done     chan struct{}
	drainedC chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// MemQueueOption customizes a MemQueueDelivery at construction.
type MemQueueOption func(*MemQueueDelivery)

// WithOverflowPolicy sets the overflow policy (default backpressure).
func WithOverflowPolicy(p OverflowPolicy) MemQueueOption {
	return func(m *MemQueueDelivery) { m.overflow = p }
}

// WithOnDiscard registers a hook invoked once per dropped record under
// the backpressure policy.
func WithOnDiscard(fn OnDiscardFunc) MemQueueOption {
	return func(m *MemQueueDelivery) { m.onDiscard = fn }
}

// NewMemQueue starts a worker goroutine and returns the ready strategy.
func NewMemQueue(client *transport.Client, cache *limits.Cache, settings config.Settings, logger *slog.Logger, opts ...MemQueueOption) *MemQueueDelivery {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MemQueueDelivery{
		client:   client,
		cache:    cache,
		settings: settings,
		log:      logger.With("component", "delivery.MemQueue"),
		overflow: OverflowBackpressure,
		ch:       make(chan model.Record, settings.QueueSize),
		done:     make(chan struct{}),
		drainedC: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

func (m *MemQueueDelivery) Deliver(ctx context.Context, records []model.Record) (DeliverOutcome, error) {
	results := make([]RecordResult, len(records))
	for i, r := range records {
		if err := m.enqueue(ctx, r); err != nil {
			return DeliverOutcome{}, err
		}
		results[i] = RecordResult{ResponseID: r.ResponseID, Status: StatusQueued}
	}
	return DeliverOutcome{Results: results}, nil
}

func (m *MemQueueDelivery) enqueue(ctx context.Context, r model.Record) error {
	switch m.overflow {
	case OverflowRaise:
		select {
		case m.ch <- r:
			m.enqueued.Add(1)
			return nil
		default:
			return &model.QueueFull{Capacity: m.settings.QueueSize}
		}

	case OverflowBlock:
		select {
		case m.ch <- r:
			m.enqueued.Add(1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	default: // OverflowBackpressure
		select {
		case m.ch <- r:
			m.enqueued.Add(1)
			return nil
		default:
			// Drop the oldest buffered record, then retry the non-blocking
			// send once; this favors newly-arriving data over stale data,
			// matching the documented "discard oldest" semantics.
			select {
			case oldest := <-m.ch:
				m.discarded.Add(1)
				if m.onDiscard != nil {
					m.onDiscard(oldest)
				}
			default:
			}
			select {
			case m.ch <- r:
				m.enqueued.Add(1)
			default:
				m.discarded.Add(1)
				if m.onDiscard != nil {
					m.onDiscard(r)
				}
			}
			return nil
		}
	}
}

func (m *MemQueueDelivery) run() {
	defer close(m.drainedC)

	var batch []model.Record
	timer := time.NewTimer(m.settings.BatchInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.sendWithRetry(batch)
		batch = nil
	}

	for {
		select {
		case r, ok := <-m.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= m.settings.MaxBatchSize {
				flush()
				timer.Reset(m.settings.BatchInterval)
			}

		case <-timer.C:
			flush()
			timer.Reset(m.settings.BatchInterval)

		case <-m.done:
			deadline := time.NewTimer(m.settings.ShutdownDeadline)
			defer deadline.Stop()
		drain:
			for {
				select {
				case r, ok := <-m.ch:
					if !ok {
						break drain
					}
					batch = append(batch, r)
					if len(batch) >= m.settings.MaxBatchSize {
						flush()
					}
				case <-deadline.C:
					break drain
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}

func (m *MemQueueDelivery) sendWithRetry(batch []model.Record) {
	var lastErr error
	maxRetries := m.settings.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffDelay(attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.settings.Timeout)
		result, err := m.client.SendBatch(ctx, batch)
		cancel()
		if err == nil {
			m.delivered.Add(int64(len(batch)))
			m.log.Debug("mem queue batch delivered", "size", len(batch), "attempt", attempt+1)
			if m.cache != nil && len(result.TriggeredLimits) > 0 {
				m.cache.Notify(result.TriggeredLimits)
			}
			return
		}
		lastErr = err
		var permErr *model.PermanentServerError
		if errors.As(err, &permErr) {
			break
		}
	}
	m.failed.Add(int64(len(batch)))
	m.log.Error("mem queue batch dropped after retries", "size", len(batch), "error", lastErr)
}

func backoffDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond * time.Duration(1<<uint(attempt-1))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Stats reports the strategy's running counters, used by tests and by
// callers wiring up metrics.
func (m *MemQueueDelivery) Stats() (enqueued, delivered, failed, discarded int64) {
	return m.enqueued.Load(), m.delivered.Load(), m.failed.Load(), m.discarded.Load()
}

func (m *MemQueueDelivery) Close(ctx context.Context) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.closeMu.Unlock()

	select {
	case <-m.drainedC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
