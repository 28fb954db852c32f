package aicm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/delivery"
	"github.com/aicostmanager/aicm-go/internal/limits"
	"github.com/aicostmanager/aicm-go/internal/model"
	"github.com/aicostmanager/aicm-go/internal/transport"
)

// TrackResult is the per-record outcome of a successful Track call.
type TrackResult struct {
	ResponseID  string
	Status      string
	CostEventID string
}

// BatchResult holds one TrackResult per record passed to TrackBatch, in
// the same order.
type BatchResult struct {
	Results []TrackResult
}

// TrackResultOrError is delivered on the channel TrackAsync returns.
type TrackResultOrError struct {
	Result TrackResult
	Err    error
}

// BatchResultOrError is delivered on the channel TrackBatchAsync returns.
type BatchResultOrError struct {
	Result BatchResult
	Err    error
}

// Option customizes a Tracker at construction time, beyond what overrides
// config.Settings can express (the logger and config store are wiring
// concerns, not resolved settings).
type Option func(*trackerOptions)

type trackerOptions struct {
	logger    *slog.Logger
	store     *config.Store
	asyncPool int
	overflow  delivery.OverflowPolicy
	schemas   model.SchemaRegistry
}

// WithLogger attaches a logger; every component derives a child logger
// from it via With("component", ...).
func WithLogger(logger *slog.Logger) Option {
	return func(o *trackerOptions) { o.logger = logger }
}

// WithStore attaches an already-open configuration store instead of
// having New open config.DefaultPath() itself.
func WithStore(store *config.Store) Option {
	return func(o *trackerOptions) { o.store = store }
}

// WithAsyncWorkers sets the fixed size of the TrackAsync/TrackBatchAsync
// worker pool (default 4).
func WithAsyncWorkers(n int) Option {
	return func(o *trackerOptions) { o.asyncPool = n }
}

// WithOverflowPolicy sets the in-memory queue's overflow policy when
// DeliveryType is MEM_QUEUE; ignored otherwise.
func WithOverflowPolicy(p delivery.OverflowPolicy) Option {
	return func(o *trackerOptions) { o.overflow = p }
}

// WithSchemas attaches per-service_key validation schemas; Track runs
// NewRecord against reg.Lookup(serviceKey) before handing the record to
// the delivery strategy.
func WithSchemas(reg SchemaRegistry) Option {
	return func(o *trackerOptions) { o.schemas = reg }
}

// Tracker is the SDK's facade: it owns one delivery strategy, one HTTP
// client, and one triggered-limits cache, and exposes the record-
// building and send operations host applications call.
type Tracker struct {
	settings config.Settings
	log      *slog.Logger

	client   *transport.Client
	strategy delivery.Strategy
	cache    *limits.Cache
	schemas  model.SchemaRegistry

	mu          sync.RWMutex
	customerKey string
	ctx         map[string]any

	asyncWork chan func()
	asyncWG   sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// New resolves settings (overrides > AICM_* env > config store > defaults,
// see internal/config.Resolve) and builds a ready-to-use Tracker wired to
// the delivery strategy settings.DeliveryType names.
func New(overrides config.Settings, opts ...Option) (*Tracker, error) {
	o := trackerOptions{asyncPool: 4, overflow: delivery.OverflowBackpressure}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	store := o.store
	if store == nil {
		opened, err := config.Open(config.DefaultPath(), o.logger)
		if err != nil {
			return nil, err
		}
		store = opened
	}

	settings, err := config.Resolve(overrides, store)
	if err != nil {
		return nil, err
	}

	client := transport.New(settings, o.logger)
	cache := limits.New(store, o.logger)
	if settings.LimitsEnabled {
		if err := cache.LoadFromStoreIfEmpty(); err != nil {
			return nil, err
		}
	}

	strategy, err := buildStrategy(settings, client, cache, o, o.logger)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		settings:  settings,
		log:       o.logger.With("component", "Tracker"),
		client:    client,
		strategy:  strategy,
		cache:     cache,
		schemas:   o.schemas,
		asyncWork: make(chan func(), 256),
	}
	for i := 0; i < o.asyncPool; i++ {
		t.asyncWG.Add(1)
		go t.asyncWorker()
	}
	return t, nil
}

func buildStrategy(settings config.Settings, client *transport.Client, cache *limits.Cache, o trackerOptions, logger *slog.Logger) (delivery.Strategy, error) {
	switch settings.DeliveryType {
	case config.MemQueue:
		return delivery.NewMemQueue(client, cache, settings, logger, delivery.WithOverflowPolicy(o.overflow)), nil
	case config.PersistentQueue:
		return delivery.NewPersistent(client, cache, settings, logger)
	default:
		return delivery.NewImmediate(client, settings, logger), nil
	}
}

// asyncWorker drains t.asyncWork until the channel is closed, the fixed
// shape a bounded worker pool takes absent golang.org/x/sync in this
// module's dependency graph (see DESIGN.md).
func (t *Tracker) asyncWorker() {
	defer t.asyncWG.Done()
	for fn := range t.asyncWork {
		fn()
	}
}

// SetCustomerKey sets the default customer key new records pick up when
// no WithCustomerKey option overrides it.
func (t *Tracker) SetCustomerKey(key string) {
	t.mu.Lock()
	t.customerKey = key
	t.mu.Unlock()
}

// SetContext sets the default context map new records pick up when no
// WithContext option overrides it.
func (t *Tracker) SetContext(ctx map[string]any) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
}

func (t *Tracker) defaults() (customerKey string, ctx map[string]any) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.customerKey, t.ctx
}

// Track builds one Record from serviceKey/usage/opts, hands it to the
// active delivery strategy, and — only after the strategy has accepted
// it — checks the triggered-limits cache, so local limit enforcement
// never causes dropped usage data.
func (t *Tracker) Track(ctx context.Context, serviceKey string, usage Usage, opts ...RecordOption) (TrackResult, error) {
	if t.isClosed() {
		return TrackResult{}, ErrTrackerClosed
	}

	customerKey, defaultCtx := t.defaults()
	allOpts := make([]RecordOption, 0, len(opts)+2)
	if customerKey != "" {
		allOpts = append(allOpts, model.WithCustomerKey(customerKey))
	}
	if defaultCtx != nil {
		allOpts = append(allOpts, model.WithContext(defaultCtx))
	}
	allOpts = append(allOpts, opts...)

	schema := t.schemas.Lookup(serviceKey)
	record, err := model.NewRecord(serviceKey, usage, schema, allOpts...)
	if err != nil {
		return TrackResult{}, err
	}

	outcome, err := t.strategy.Deliver(ctx, []model.Record{record})
	if err != nil {
		return TrackResult{}, err
	}
	if len(outcome.TriggeredLimits) > 0 {
		t.cache.Notify(outcome.TriggeredLimits)
	}

	var result TrackResult
	status := delivery.StatusQueued
	if len(outcome.Results) > 0 {
		r := outcome.Results[0]
		status = r.Status
		result = TrackResult{ResponseID: r.ResponseID, Status: string(r.Status), CostEventID: r.CostEventID}
		if r.Err != nil && t.settings.RaiseOnError {
			return result, r.Err
		}
	}

	if t.settings.LimitsEnabled && status != delivery.StatusServiceKeyUnknown {
		if limit := t.cache.Check(t.settings.APIKeyID, record.ServiceKey, record.CustomerKey); limit != nil {
			return result, &model.UsageLimitExceeded{LimitID: limit.LimitID, ServiceKey: record.ServiceKey, CustomerKey: record.CustomerKey}
		}
	}
	return result, nil
}

// TrackBatch is Track's multi-record form: every record is delivered in
// one Deliver call, then checked against the limits cache in order,
// returning the first triggered UsageLimitExceeded if any.
func (t *Tracker) TrackBatch(ctx context.Context, records []Record) (BatchResult, error) {
	if t.isClosed() {
		return BatchResult{}, ErrTrackerClosed
	}

	outcome, err := t.strategy.Deliver(ctx, records)
	if err != nil {
		return BatchResult{}, err
	}
	if len(outcome.TriggeredLimits) > 0 {
		t.cache.Notify(outcome.TriggeredLimits)
	}

	results := make([]TrackResult, len(outcome.Results))
	for i, r := range outcome.Results {
		results[i] = TrackResult{ResponseID: r.ResponseID, Status: string(r.Status), CostEventID: r.CostEventID}
	}
	batch := BatchResult{Results: results}

	if !t.settings.LimitsEnabled {
		return batch, nil
	}
	for i, r := range records {
		if i < len(outcome.Results) && outcome.Results[i].Status == delivery.StatusServiceKeyUnknown {
			continue
		}
		if limit := t.cache.Check(t.settings.APIKeyID, r.ServiceKey, r.CustomerKey); limit != nil {
			return batch, &model.UsageLimitExceeded{LimitID: limit.LimitID, ServiceKey: r.ServiceKey, CustomerKey: r.CustomerKey}
		}
	}
	return batch, nil
}

// TrackAsync runs Track on the worker pool and reports the outcome on
// the returned channel, which always receives exactly one value. The
// closed-check and the send onto asyncWork happen under the same RLock
// as Close's write lock, so a Close racing a TrackAsync call can never
// observe the channel open and then close it out from under a send
// already in flight.
func (t *Tracker) TrackAsync(ctx context.Context, serviceKey string, usage Usage, opts ...RecordOption) <-chan TrackResultOrError {
	out := make(chan TrackResultOrError, 1)
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		out <- TrackResultOrError{Err: ErrTrackerClosed}
		close(out)
		return out
	}
	t.asyncWork <- func() {
		result, err := t.Track(ctx, serviceKey, usage, opts...)
		out <- TrackResultOrError{Result: result, Err: err}
		close(out)
	}
	return out
}

// TrackBatchAsync is TrackBatch's asynchronous counterpart.
func (t *Tracker) TrackBatchAsync(ctx context.Context, records []Record) <-chan BatchResultOrError {
	out := make(chan BatchResultOrError, 1)
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		out <- BatchResultOrError{Err: ErrTrackerClosed}
		close(out)
		return out
	}
	t.asyncWork <- func() {
		result, err := t.TrackBatch(ctx, records)
		out <- BatchResultOrError{Result: result, Err: err}
		close(out)
	}
	return out
}

func (t *Tracker) isClosed() bool {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	return t.closed
}

// Close drains the async worker pool, then closes the delivery strategy,
// bounded by ctx. It is safe to call more than once; every call after
// the first returns nil immediately.
func (t *Tracker) Close(ctx context.Context) error {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return nil
	}
	t.closed = true
	t.closeMu.Unlock()

	close(t.asyncWork)
	t.asyncWG.Wait()

	return t.strategy.Close(ctx)
}
