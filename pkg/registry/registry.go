// Package registry implements the process-wide ledger of logical API calls.
// Every fetcher reports call lifecycle transitions here; the registry owns
// the records, aggregates progress for the full-page loading overlay, and
// drives bulk retry of failed calls.
//
// The registry is constructed once per session and injected into consumers;
// it is never reached through ambient global state, so tests can swap in
// their own instance.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/glimmerhq/dashcache/pkg/interval"
)

// Status of one logical call.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultWatchdogBound force-resets a loading epoch that never resolves.
const DefaultWatchdogBound = 30 * time.Second

// DefaultMaxRetries caps how often a single record may be reset to pending.
const DefaultMaxRetries = 3

// Meta carries fetcher-reported context on a call record.
type Meta struct {
	Dataset    string `json:"dataset"`
	RequestKey string `json:"request_key"`
	RetryCount int    `json:"retry_count"`
}

// CallRecord is the ledger entry for one logical call. Records are owned
// exclusively by the Registry; accessors hand out copies.
type CallRecord struct {
	ID        string     `json:"id"`
	Component string     `json:"component"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    Status     `json:"status"`
	Meta      Meta       `json:"meta"`
}

// Overview is the aggregate view exposed to the page-level overlay.
type Overview struct {
	GlobalLoading bool
	Progress      float64
	ActiveCount   int
	TotalCount    int
	Failed        []CallRecord
}

// RetryFunc is notified with the records RetryFailed reset to pending, so
// the originating fetchers re-issue their requests.
type RetryFunc func(records []CallRecord)

// Registry is safe for concurrent use. Every mutation is a single critical
// section; no lock is held across anything that blocks.
type Registry struct {
	mu      sync.Mutex
	records map[string]*CallRecord

	epoch      interval.Interval
	epochSet   bool
	loading    bool
	watchdog   *time.Timer
	bound      time.Duration
	maxRetries int
	onRetry    RetryFunc

	now func() time.Time
	log *slog.Logger
}

// Option configures the Registry at construction time.
type Option func(*Registry)

// WithWatchdogBound overrides the stuck-loading reset bound.
func WithWatchdogBound(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.bound = d
		}
	}
}

// WithMaxRetries overrides the per-record retry ceiling.
func WithMaxRetries(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log.With("component", "registry")
		}
	}
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records:    map[string]*CallRecord{},
		bound:      DefaultWatchdogBound,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		log:        slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRetry registers the single retry subscriber. The broker wires this to
// its fetchers before any call is registered.
func (r *Registry) OnRetry(fn RetryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRetry = fn
}

// Register inserts a pending record and starts global loading if idle.
// Re-registering an existing ID resets it to pending in place.
func (r *Registry) Register(id, component string, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = &CallRecord{
		ID:        id,
		Component: component,
		StartedAt: r.now(),
		Status:    StatusPending,
		Meta:      meta,
	}
	r.ensureLoadingLocked()
}

// Complete transitions a pending record to completed or failed, stamping the
// end time. Completing an unknown or already-settled record is a no-op.
func (r *Registry) Complete(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != StatusPending {
		return
	}
	ended := r.now()
	rec.EndedAt = &ended
	if success {
		rec.Status = StatusCompleted
	} else {
		rec.Status = StatusFailed
	}
	r.settleLoadingLocked()
}

// Progress returns 100 * (completed+failed)/total, and 100 when the ledger
// is empty (vacuously done).
func (r *Registry) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

// GlobalLoading is true only while loading has started for the current epoch
// and at least one record is still pending.
func (r *Registry) GlobalLoading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading && r.pendingLocked() > 0
}

// OnIntervalChange compares iv against the epoch interval. A genuine change
// wipes the ledger and starts a fresh epoch; a no-op change (same interval
// within tolerance, e.g. a re-render) leaves in-flight progress untouched.
func (r *Registry) OnIntervalChange(iv interval.Interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epochSet && r.epoch.Equal(iv, interval.EqualTolerance) {
		return
	}
	r.epoch = iv.Normalize()
	r.epochSet = true
	r.resetLocked("interval change")
}

// RetryFailed resets every failed record below the retry ceiling back to
// pending with a fresh start time and an incremented retry count, then
// notifies the retry subscriber. Returns copies of the reset records.
func (r *Registry) RetryFailed() []CallRecord {
	r.mu.Lock()
	var reset []CallRecord
	for _, rec := range r.records {
		if rec.Status != StatusFailed || rec.Meta.RetryCount >= r.maxRetries {
			continue
		}
		rec.Status = StatusPending
		rec.StartedAt = r.now()
		rec.EndedAt = nil
		rec.Meta.RetryCount++
		reset = append(reset, *rec)
	}
	if len(reset) > 0 {
		r.ensureLoadingLocked()
	}
	fn := r.onRetry
	r.mu.Unlock()

	if fn != nil && len(reset) > 0 {
		fn(reset)
	}
	return reset
}

// FailedCalls returns copies of every failed record.
func (r *Registry) FailedCalls() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CallRecord
	for _, rec := range r.records {
		if rec.Status == StatusFailed {
			out = append(out, *rec)
		}
	}
	return out
}

// ActiveCount returns the number of pending records.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

// TotalCount returns the number of registered records.
func (r *Registry) TotalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Snapshot returns the aggregate overlay view in one critical section.
func (r *Registry) Snapshot() Overview {
	r.mu.Lock()
	defer r.mu.Unlock()
	ov := Overview{
		GlobalLoading: r.loading && r.pendingLocked() > 0,
		Progress:      r.progressLocked(),
		ActiveCount:   r.pendingLocked(),
		TotalCount:    len(r.records),
	}
	for _, rec := range r.records {
		if rec.Status == StatusFailed {
			ov.Failed = append(ov.Failed, *rec)
		}
	}
	return ov
}

// Reset wipes the ledger. Exposed for session teardown in tests.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked("manual reset")
}

func (r *Registry) progressLocked() float64 {
	total := len(r.records)
	if total == 0 {
		return 100
	}
	settled := 0
	for _, rec := range r.records {
		if rec.Status != StatusPending {
			settled++
		}
	}
	return 100 * float64(settled) / float64(total)
}

func (r *Registry) pendingLocked() int {
	n := 0
	for _, rec := range r.records {
		if rec.Status == StatusPending {
			n++
		}
	}
	return n
}

// ensureLoadingLocked starts global loading and arms the watchdog if idle.
func (r *Registry) ensureLoadingLocked() {
	if r.loading {
		return
	}
	r.loading = true
	r.watchdog = time.AfterFunc(r.bound, r.watchdogFired)
}

// settleLoadingLocked ends the loading epoch once nothing is pending.
func (r *Registry) settleLoadingLocked() {
	if !r.loading || r.pendingLocked() > 0 {
		return
	}
	r.loading = false
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}

// watchdogFired force-resets a loading epoch that never resolved, so the
// overlay can never wedge indefinitely on a hung call.
func (r *Registry) watchdogFired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loading || r.pendingLocked() == 0 {
		return
	}
	r.log.Warn("loading watchdog fired, resetting ledger",
		"pending", r.pendingLocked(), "total", len(r.records))
	r.resetLocked("watchdog")
}

func (r *Registry) resetLocked(reason string) {
	r.records = map[string]*CallRecord{}
	r.loading = false
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
	r.log.Debug("ledger reset", "reason", reason)
}
