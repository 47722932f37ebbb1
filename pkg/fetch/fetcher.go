// Package fetch implements the per-dataset fetch lifecycle and the shared
// broker that fans one fetcher's output out to every subscribing widget.
//
// A fetcher is a restartable state machine (Idle -> Pending -> Resolved or
// Failed -> Idle) driven entirely by the currently selected interval. It owns
// no durable state: the cache manager keeps payloads, the registry keeps call
// records.
package fetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimmerhq/dashcache/pkg/apiclient"
	"github.com/glimmerhq/dashcache/pkg/cache"
	"github.com/glimmerhq/dashcache/pkg/dataset"
	"github.com/glimmerhq/dashcache/pkg/errmodel"
	"github.com/glimmerhq/dashcache/pkg/interval"
	"github.com/glimmerhq/dashcache/pkg/registry"
)

// DefaultDebounce coalesces rapid interval changes (calendar dragging) into
// one fetch fired after a quiet period.
const DefaultDebounce = 300 * time.Millisecond

// Source is the data dependency of a fetcher. *apiclient.Client implements
// it; the broker wraps it with single-flight dedupe before handing it down.
type Source interface {
	FetchDataset(ctx context.Context, path string, iv interval.Interval, extra map[string]string) (json.RawMessage, error)
}

// State is the reactive triple every subscriber observes, plus the raw
// payload so widgets needing a different projection of the same response
// never trigger a second fetch.
type State struct {
	Data    json.RawMessage
	Raw     json.RawMessage
	Loading bool
	Err     error
}

// Config tunes one fetcher.
type Config struct {
	// Debounce is the quiet period before a cache miss turns into a request.
	// Zero means DefaultDebounce; negative disables debouncing.
	Debounce time.Duration
	// MinDisplay keeps the loading state visible for at least this long,
	// measured from when loading started, to avoid flicker on fast fetches.
	MinDisplay time.Duration
	// Retry is the backoff policy for failed requests.
	Retry RetryPolicy
}

// Fetcher owns the fetch lifecycle for a single dataset.
type Fetcher struct {
	desc   dataset.Descriptor
	source Source
	cache  *cache.Manager
	reg    *registry.Registry
	cfg    Config
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	iv       interval.Interval
	ivSet    bool
	token    string // fencing: id of the newest request; stale results are discarded
	debounce *time.Timer
	loadedAt time.Time // when the current loading state was committed
	closed   bool
	onCommit func(State)
}

// NewFetcher constructs a fetcher for one dataset descriptor.
func NewFetcher(desc dataset.Descriptor, source Source, cm *cache.Manager, reg *registry.Registry, cfg Config) *Fetcher {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		desc:   desc,
		source: source,
		cache:  cm,
		reg:    reg,
		cfg:    cfg,
		log:    slog.Default().With("component", "fetcher", "dataset", desc.Name),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnCommit registers the broker's fan-out callback. Must be set before the
// first interval change.
func (f *Fetcher) OnCommit(fn func(State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCommit = fn
}

// State returns the current snapshot.
func (f *Fetcher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// ValidFor reports whether this dataset's predicate accepts the interval.
func (f *Fetcher) ValidFor(iv interval.Interval) bool {
	return interval.Matches(f.desc.Kind, iv)
}

// SetInterval drives the state machine on every interval change:
// predicate gate, cache consult, then debounced fetch on a miss.
func (f *Fetcher) SetInterval(iv interval.Interval) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.iv = iv.Normalize()
	f.ivSet = true
	f.stopDebounceLocked()

	// Gate: an ineligible interval is a no-op, not an error.
	if !interval.Matches(f.desc.Kind, iv) {
		f.token = "" // supersede anything in flight
		f.commitLocked(State{})
		f.mu.Unlock()
		return
	}

	// Cache consult before any network activity.
	key := f.desc.RequestKey(iv)
	f.mu.Unlock()
	if data, ok := f.cache.Get(f.ctx, key, iv); ok {
		f.mu.Lock()
		if !f.closed && f.iv.Equal(iv, interval.EqualTolerance) {
			f.token = ""
			f.commitLocked(f.projected(data))
		}
		f.mu.Unlock()
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.iv.Equal(iv, interval.EqualTolerance) {
		return
	}
	if f.cfg.Debounce < 0 {
		f.beginLocked(f.iv, uuid.NewString(), false)
		return
	}
	target := f.iv
	f.debounce = time.AfterFunc(f.cfg.Debounce, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed || !f.iv.Equal(target, interval.EqualTolerance) {
			return
		}
		f.beginLocked(target, uuid.NewString(), false)
	})
}

// Refetch bypasses the cache and issues a fresh request for the current
// interval. Unlike the SetInterval gate, an explicit refetch of an unset or
// ineligible interval is reported as an interval error.
func (f *Fetcher) Refetch() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	if !f.ivSet || !interval.Matches(f.desc.Kind, f.iv) {
		return errmodel.IntervalRejected("not_eligible", "interval not eligible for "+f.desc.Name,
			map[string]any{"dataset": f.desc.Name, "interval": f.iv.String()})
	}
	f.stopDebounceLocked()
	f.beginLocked(f.iv, uuid.NewString(), false)
	return nil
}

// Reissue re-runs the request for a call record the registry reset to
// pending. The record keeps its id, so completion settles the same entry.
func (f *Fetcher) Reissue(rec registry.CallRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.ivSet || !interval.Matches(f.desc.Kind, f.iv) {
		return
	}
	f.beginLocked(f.iv, rec.ID, true)
}

// ClearCache drops the cached entry for the current interval.
func (f *Fetcher) ClearCache() {
	f.mu.Lock()
	iv, ok := f.iv, f.ivSet
	f.mu.Unlock()
	if ok {
		f.cache.Clear(f.desc.RequestKey(iv))
	}
}

// Close marks the fetcher unmounted: in-flight results are discarded before
// any state commit and the transport context is canceled best-effort.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.stopDebounceLocked()
	f.mu.Unlock()
	f.cancel()
}

// beginLocked commits the loading state, registers the call, and launches
// the request goroutine. Caller must hold mu.
func (f *Fetcher) beginLocked(iv interval.Interval, token string, reissued bool) {
	f.token = token
	f.loadedAt = time.Now()
	f.commitLocked(State{Loading: true})
	if !reissued {
		f.reg.Register(token, f.desc.Name, registry.Meta{
			Dataset:    f.desc.Name,
			RequestKey: f.desc.RequestKey(iv),
		})
	}
	go f.run(iv, token)
}

// run performs the network request with retry/backoff, then commits the
// result under the fencing check.
func (f *Fetcher) run(iv interval.Interval, token string) {
	tr := otel.Tracer("fetch")
	ctx, span := tr.Start(f.ctx, "Fetcher.run", trace.WithAttributes(
		attribute.String("dataset", f.desc.Name),
		attribute.String("interval", iv.String()),
	))
	defer span.End()

	operation := func() (json.RawMessage, error) {
		raw, err := f.source.FetchDataset(ctx, f.desc.Path, iv, f.desc.Extra)
		if err != nil {
			if !errmodel.Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if err := apiclient.ValidateShape(f.desc.Schema, raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(f.cfg.Retry.backOff()),
		backoff.WithMaxTries(f.cfg.Retry.maxTries()),
	)
	if err != nil {
		span.RecordError(err)
	}

	f.smooth()
	f.commitResult(iv, token, raw, err)
}

// smooth delays the loading->resolved transition so a fetch faster than the
// configured floor still shows loading for at least that long.
func (f *Fetcher) smooth() {
	if f.cfg.MinDisplay <= 0 {
		return
	}
	f.mu.Lock()
	elapsed := time.Since(f.loadedAt)
	f.mu.Unlock()
	if remaining := f.cfg.MinDisplay - elapsed; remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-f.ctx.Done():
		}
	}
}

// commitResult notifies the registry, writes the cache, then applies the
// fencing check before committing state. A result whose token has been
// superseded is discarded, but its registry record is still settled so
// progress cannot wedge; the cache write stays, since the payload is valid
// for its key regardless of who committed last.
func (f *Fetcher) commitResult(iv interval.Interval, token string, raw json.RawMessage, err error) {
	f.reg.Complete(token, err == nil)
	if err == nil {
		ttl := f.desc.TTL
		if ttl <= 0 {
			ttl = cache.DefaultTTL
		}
		f.cache.Set(f.ctx, f.desc.RequestKey(iv), iv, raw, ttl)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.token != token {
		f.log.Debug("discarding superseded result", "token", token)
		return
	}
	if err != nil {
		f.commitLocked(State{Err: errmodel.From(err)})
		return
	}
	f.commitLocked(f.projected(raw))
}

// projected builds the resolved state from a raw payload.
func (f *Fetcher) projected(raw json.RawMessage) State {
	if f.desc.Project == nil {
		return State{Data: raw, Raw: raw}
	}
	data, err := f.desc.Project(raw)
	if err != nil {
		return State{Raw: raw, Err: errmodel.DataShape("projection", "project payload", nil, err)}
	}
	return State{Data: data, Raw: raw}
}

// commitLocked stores the state and fans it out. The callback only feeds
// non-blocking subscriber channels, so holding mu across it is safe.
func (f *Fetcher) commitLocked(s State) {
	f.state = s
	if f.onCommit != nil {
		f.onCommit(s)
	}
}

func (f *Fetcher) stopDebounceLocked() {
	if f.debounce != nil {
		f.debounce.Stop()
		f.debounce = nil
	}
}
