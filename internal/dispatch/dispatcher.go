// Package dispatch turns raw entity change reports from the
// integrations into batches and drives the rules engine with them.
//
// Submits are debounced per source into a pending batch that keeps the
// earliest changed_at seen, so hold timing stays faithful to when the
// change happened rather than when it was processed. Flushed batches
// pass through a bounded queue that drops the oldest work under
// overload, and a worker pool paced by global and per-source token
// buckets.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/clock"
	"github.com/hearthside-labs/vigil/internal/engine"
	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/metrics"
	"github.com/hearthside-labs/vigil/internal/rules"
	"github.com/hearthside-labs/vigil/internal/telemetry"
)

const (
	batchLockTTL        = time.Minute
	rateLimitRetryDelay = 50 * time.Millisecond
)

// Batch is one unit of dispatch work.
type Batch struct {
	ID        string
	Source    string
	EntityIDs []string
	ChangedAt time.Time
	// Synthetic marks a changed_at substituted from the clock because
	// the integration did not report one.
	Synthetic bool
}

// Status is the operational view returned by the status endpoint.
type Status struct {
	Enabled         bool          `json:"enabled"`
	PendingEntities int           `json:"pending_entities"`
	PendingBatches  int           `json:"pending_batches"`
	QueueDepth      int           `json:"queue_depth"`
	Workers         int           `json:"workers"`
	Stats           StatsSnapshot `json:"stats"`
}

// SuspendedRule is a suspended breaker row joined with rule metadata.
type SuspendedRule struct {
	RuleID              string     `json:"rule_id"`
	Name                string     `json:"name"`
	Kind                string     `json:"kind"`
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	NextAllowedAt       *time.Time `json:"next_allowed_at,omitempty"`
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Rules    *rules.Store
	Runtime  *rules.RuntimeStore
	Entities *entity.Store
	Engine   *engine.Engine
	Locker   BatchLocker
	Clock    clock.Clock
	Bus      *events.Bus
	Log      *zap.Logger
}

// Dispatcher is the single per-process ingestion funnel. Submit never
// blocks; all heavy work happens on the worker pool.
type Dispatcher struct {
	log      *zap.Logger
	clk      clock.Clock
	rules    *rules.Store
	runtime  *rules.RuntimeStore
	entities *entity.Store
	engine   *engine.Engine
	index    *EntityRuleIndex
	locker   BatchLocker
	bus      *events.Bus
	stats    *Stats

	enabled atomic.Bool

	mu        sync.Mutex // guards cfg, pending, buckets
	cfg       Config
	pending   map[string]*pendingBatch
	global    *TokenBucket
	perSource map[string]*TokenBucket

	queue *batchQueue
	wg    sync.WaitGroup
}

type pendingBatch struct {
	entities  map[string]struct{}
	changedAt time.Time
	synthetic bool
	timer     *time.Timer
}

// New creates a dispatcher. The config is used verbatim; callers that
// take config from outside pass it through ConfigFrom or Normalized
// first.
func New(cfg Config, deps Deps) *Dispatcher {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.System()
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	d := &Dispatcher{
		log:       log.Named("dispatch"),
		clk:       clk,
		rules:     deps.Rules,
		runtime:   deps.Runtime,
		entities:  deps.Entities,
		engine:    deps.Engine,
		locker:    locker,
		bus:       deps.Bus,
		stats:     NewStats(),
		cfg:       cfg,
		pending:   make(map[string]*pendingBatch),
		perSource: make(map[string]*TokenBucket),
		queue:     newBatchQueue(cfg.QueueMaxDepth),
	}
	d.global = newBucket(cfg.RateLimitPerSec, cfg.RateLimitBurst, clk.Now)
	d.index = NewEntityRuleIndex(func() (map[string][]string, error) {
		return deps.Rules.EntityRefs()
	})
	d.enabled.Store(true)
	return d
}

// Run starts the worker pool and blocks until ctx is cancelled, then
// drains timers and waits for in-flight workers.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	workers := d.cfg.WorkerConcurrency
	d.mu.Unlock()
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.log.Info("dispatcher started", zap.Int("workers", workers))

	<-ctx.Done()
	d.mu.Lock()
	for source, p := range d.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(d.pending, source)
	}
	d.mu.Unlock()
	d.queue.close()
	d.wg.Wait()
	d.log.Info("dispatcher stopped")
}

// Submit folds entity changes into the source's pending batch. It never
// blocks. A nil changedAt is substituted with the clock and the batch
// marked synthetic.
func (d *Dispatcher) Submit(source string, entityIDs []string, changedAt *time.Time) {
	if !d.enabled.Load() || len(entityIDs) == 0 {
		return
	}
	now := d.clk.Now()
	at := now
	synthetic := changedAt == nil
	if changedAt != nil {
		at = *changedAt
	}

	d.mu.Lock()
	p := d.pending[source]
	if p == nil {
		p = &pendingBatch{
			entities:  make(map[string]struct{}),
			changedAt: at,
			synthetic: synthetic,
		}
		d.pending[source] = p
		p.timer = time.AfterFunc(d.cfg.Debounce(), func() { d.flushSource(source) })
	} else if at.Before(p.changedAt) {
		// Keep the earliest event time so hold conditions measure from
		// the first change, not the last.
		p.changedAt = at
		p.synthetic = synthetic
	}
	added, deduped := 0, 0
	for _, id := range entityIDs {
		if _, seen := p.entities[id]; seen {
			deduped++
			continue
		}
		p.entities[id] = struct{}{}
		added++
	}
	d.mu.Unlock()

	d.stats.submit(source, added, deduped)
	metrics.SubmitsTotal.WithLabelValues(source).Inc()
}

// flushSource emits the source's pending batch, splitting it when it
// exceeds the batch size limit.
func (d *Dispatcher) flushSource(source string) {
	d.mu.Lock()
	p := d.pending[source]
	delete(d.pending, source)
	limit := d.cfg.BatchSizeLimit
	d.mu.Unlock()
	if p == nil || len(p.entities) == 0 {
		return
	}

	ids := make([]string, 0, len(p.entities))
	for id := range p.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for start := 0; start < len(ids); start += limit {
		end := min(start+limit, len(ids))
		d.enqueue(Batch{
			ID:        uuid.NewString(),
			Source:    source,
			EntityIDs: ids[start:end],
			ChangedAt: p.changedAt,
			Synthetic: p.synthetic,
		})
		d.stats.enqueued(source)
	}
}

func (d *Dispatcher) enqueue(b Batch) {
	if dropped := d.queue.push(b); dropped != nil {
		d.stats.dropped()
		metrics.BatchesDroppedTotal.Inc()
		d.log.Warn("dispatch queue full, dropped oldest batch",
			zap.String("batch_id", dropped.ID),
			zap.String("source", dropped.Source),
			zap.Int("entities", len(dropped.EntityIDs)))
	}
	metrics.QueueDepth.Set(float64(d.queue.depth()))
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	log := d.log.With(zap.Int("worker", id))
	for {
		b, ok := d.queue.pop()
		if !ok {
			return
		}
		metrics.QueueDepth.Set(float64(d.queue.depth()))

		if !d.acquireTokens(b.Source) {
			d.stats.rateLimited(b.Source)
			metrics.RateLimitedTotal.WithLabelValues(b.Source).Inc()
			select {
			case <-time.After(rateLimitRetryDelay):
			case <-ctx.Done():
				return
			}
			d.enqueue(b)
			continue
		}

		d.safeDispatch(ctx, log, b)
	}
}

// safeDispatch contains per-batch panics so one bad batch never kills
// a worker.
func (d *Dispatcher) safeDispatch(ctx context.Context, log *zap.Logger, b Batch) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("batch dispatch panic",
				zap.Any("panic", r),
				zap.String("batch_id", b.ID),
				zap.String("source", b.Source))
		}
	}()
	d.dispatch(ctx, b)
}

func (d *Dispatcher) dispatch(ctx context.Context, b Batch) {
	start := time.Now()

	won, err := d.locker.AddIfAbsent(ctx, "vigil:batch:"+b.ID, batchLockTTL)
	if err != nil {
		// A lock backend outage must not halt rule processing; proceed
		// single-process style.
		d.log.Warn("batch lock unavailable", zap.Error(err), zap.String("batch_id", b.ID))
	} else if !won {
		d.stats.lockConflict()
		d.log.Debug("batch already claimed", zap.String("batch_id", b.ID))
		return
	}

	// The batch span is the parent for engine and gateway spans.
	ctx, span := telemetry.StartBatchSpan(ctx, b.Source, b.ID, len(b.EntityIDs))
	var out engine.Outcome
	defer func() { telemetry.EndBatchSpan(span, out.Evaluated, out.Fired, out.Errors) }()

	enabled, err := d.rules.ListEnabled()
	if err != nil {
		d.log.Error("list enabled rules", zap.Error(err), zap.String("batch_id", b.ID))
		return
	}

	hits, err := d.index.Lookup(b.EntityIDs)
	if err != nil {
		d.log.Warn("entity rule index lookup", zap.Error(err))
		hits = nil
	}
	batchSet := make(map[string]bool, len(b.EntityIDs))
	for _, id := range b.EntityIDs {
		batchSet[id] = true
	}

	impacted := make([]rules.Rule, 0, len(hits))
	for _, r := range enabled {
		// The direct reference check covers rules saved after the index
		// was built.
		if hits[r.ID] || referencesAny(r.EntityIDs, batchSet) {
			impacted = append(impacted, r)
		}
	}
	if len(impacted) == 0 {
		d.stats.dispatched()
		metrics.RecordBatchDispatched(b.Source, time.Since(start))
		return
	}

	refSet := make(map[string]struct{})
	for i := range impacted {
		for _, id := range impacted[i].EntityIDs {
			refSet[id] = struct{}{}
		}
	}
	refs := make([]string, 0, len(refSet))
	for id := range refSet {
		refs = append(refs, id)
	}
	states := d.entities.StatesFor(refs)

	out = d.engine.Run(ctx, engine.Request{
		Rules:   impacted,
		States:  states,
		Now:     b.ChangedAt,
		Source:  b.Source,
		BatchID: b.ID,
	})

	d.stats.outcome(out)
	d.stats.dispatched()
	metrics.RecordOutcome(out.Evaluated, out.Fired, out.Errors,
		out.SkippedCooldown, out.SkippedEdge, out.SkippedSuspended)
	metrics.RecordBatchDispatched(b.Source, time.Since(start))

	d.log.Debug("batch dispatched",
		zap.String("batch_id", b.ID),
		zap.String("source", b.Source),
		zap.Int("entities", len(b.EntityIDs)),
		zap.Int("rules", len(impacted)),
		zap.Int("fired", out.Fired),
		zap.Duration("took", time.Since(start)))
}

func (d *Dispatcher) acquireTokens(source string) bool {
	d.mu.Lock()
	global := d.global
	sb := d.perSource[source]
	if sb == nil {
		sb = newBucket(d.cfg.RateLimitPerSec, d.cfg.RateLimitBurst, d.clk.Now)
		d.perSource[source] = sb
	}
	d.mu.Unlock()
	return global.Acquire(1) && sb.Acquire(1)
}

func referencesAny(entityIDs []string, set map[string]bool) bool {
	for _, id := range entityIDs {
		if set[id] {
			return true
		}
	}
	return false
}

// SetEnabled pauses or resumes ingestion. Disabled submits are ignored.
func (d *Dispatcher) SetEnabled(on bool) {
	d.enabled.Store(on)
	d.log.Info("dispatcher toggled", zap.Bool("enabled", on))
}

// Status returns the operational snapshot.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	pendingEntities := 0
	for _, p := range d.pending {
		pendingEntities += len(p.entities)
	}
	pendingBatches := len(d.pending)
	workers := d.cfg.WorkerConcurrency
	d.mu.Unlock()
	return Status{
		Enabled:         d.enabled.Load(),
		PendingEntities: pendingEntities,
		PendingBatches:  pendingBatches,
		QueueDepth:      d.queue.depth(),
		Workers:         workers,
		Stats:           d.stats.Snapshot(),
	}
}

// Config returns the active config.
func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// ApplyConfig normalizes and activates cfg. Buckets are rebuilt; a
// worker concurrency change takes effect on the next restart.
func (d *Dispatcher) ApplyConfig(cfg Config) Config {
	cfg = cfg.Normalized()
	d.mu.Lock()
	workersBefore := d.cfg.WorkerConcurrency
	d.cfg = cfg
	d.global = newBucket(cfg.RateLimitPerSec, cfg.RateLimitBurst, d.clk.Now)
	d.perSource = make(map[string]*TokenBucket)
	d.mu.Unlock()
	d.queue.setMax(cfg.QueueMaxDepth)
	if workersBefore != cfg.WorkerConcurrency {
		d.log.Info("worker concurrency change applies on restart",
			zap.Int("current", workersBefore),
			zap.Int("configured", cfg.WorkerConcurrency))
	}
	return cfg
}

// InvalidateIndex marks the entity-rule index stale after a rule write.
func (d *Dispatcher) InvalidateIndex() {
	d.index.Invalidate()
}

// SuspendedRules lists open breakers joined with rule metadata.
func (d *Dispatcher) SuspendedRules() ([]SuspendedRule, error) {
	rows, err := d.runtime.ListSuspended()
	if err != nil {
		return nil, err
	}
	out := make([]SuspendedRule, 0, len(rows))
	for _, row := range rows {
		sr := SuspendedRule{
			RuleID:              row.RuleID,
			ConsecutiveFailures: row.ConsecutiveFailures,
			LastError:           row.LastError,
			LastFailureAt:       row.LastFailureAt,
			NextAllowedAt:       row.NextAllowedAt,
		}
		if r, err := d.rules.Get(row.RuleID); err == nil {
			sr.Name = r.Name
			sr.Kind = r.Kind
			sr.Enabled = r.Enabled
		}
		out = append(out, sr)
	}
	return out, nil
}

// ClearSuspension resets a rule's breaker. Returns the store's not
// found error when the rule has no active suspension.
func (d *Dispatcher) ClearSuspension(ruleID string) error {
	if err := d.runtime.ClearSuspension(ruleID); err != nil {
		return err
	}
	d.log.Info("rule suspension cleared", zap.String("rule_id", ruleID))
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:    events.RuleSuspensionCleared,
			Subject: ruleID,
			Summary: "rule suspension cleared",
		})
	}
	return nil
}

// batchQueue is a bounded FIFO that drops its oldest entry when full,
// keeping the newest observations live under overload.
type batchQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Batch
	max    int
	closed bool
}

func newBatchQueue(max int) *batchQueue {
	q := &batchQueue{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends b, first dropping the oldest entry when the queue is at
// capacity. The dropped batch is returned for accounting.
func (q *batchQueue) push(b Batch) *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	var dropped *Batch
	if q.max > 0 && len(q.items) >= q.max {
		old := q.items[0]
		q.items = q.items[1:]
		dropped = &old
	}
	q.items = append(q.items, b)
	q.cond.Signal()
	return dropped
}

// pop blocks until an item is available or the queue closes.
func (q *batchQueue) pop() (Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Batch{}, false
	}
	b := q.items[0]
	q.items = q.items[1:]
	return b, true
}

func (q *batchQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// setMax changes capacity. Existing overflow drains through normal
// pushes and pops rather than being dropped eagerly.
func (q *batchQueue) setMax(max int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.max = max
}

func (q *batchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
