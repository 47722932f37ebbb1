package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/glimmerhq/dashcache/pkg/cache"
	"github.com/glimmerhq/dashcache/pkg/dataset"
	"github.com/glimmerhq/dashcache/pkg/interval"
	"github.com/glimmerhq/dashcache/pkg/registry"
)

// subscriberBuffer is the channel depth per subscriber; a slow widget drops
// intermediate snapshots rather than blocking commits.
const subscriberBuffer = 16

// Broker wraps exactly one Fetcher per dataset and re-exposes its reactive
// output to every subscribing widget. Subscribing never issues a network
// call, and a single-flight group keyed by request key guarantees one round
// trip per dataset+interval no matter how many consumers demand it.
type Broker struct {
	mu       sync.Mutex
	fetchers map[string]*Fetcher
	subs     map[string]map[int]chan State
	nextSub  int

	reg *registry.Registry
	log *slog.Logger
}

// sharedSource collapses concurrent identical requests before they reach the
// transport. The group key carries the extra discriminators: requests to the
// same path that differ in a discriminator are distinct and must not share a
// response.
type sharedSource struct {
	inner Source
	group singleflight.Group
}

func (s *sharedSource) FetchDataset(ctx context.Context, path string, iv interval.Interval, extra map[string]string) (json.RawMessage, error) {
	pairs := make([]string, 0, len(extra))
	for k, v := range extra {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	key := interval.RequestKey(path, iv, pairs...)
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.inner.FetchDataset(ctx, path, iv, extra)
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// NewBroker builds one fetcher per descriptor over a shared source and wires
// the registry's bulk-retry notifications back to the owning fetchers.
func NewBroker(source Source, cm *cache.Manager, reg *registry.Registry, cfg Config, descriptors ...dataset.Descriptor) *Broker {
	b := &Broker{
		fetchers: map[string]*Fetcher{},
		subs:     map[string]map[int]chan State{},
		reg:      reg,
		log:      slog.Default().With("component", "broker"),
	}
	shared := &sharedSource{inner: source}
	for _, d := range descriptors {
		f := NewFetcher(d, shared, cm, reg, cfg)
		name := d.Name
		f.OnCommit(func(s State) { b.fanOut(name, s) })
		b.fetchers[name] = f
		b.subs[name] = map[int]chan State{}
	}
	reg.OnRetry(b.reissue)
	return b
}

// SetInterval propagates a date-interval change: the registry starts a fresh
// aggregation epoch on a genuine change, then every fetcher re-evaluates.
func (b *Broker) SetInterval(iv interval.Interval) {
	b.reg.OnIntervalChange(iv)
	b.mu.Lock()
	fetchers := b.fetcherList()
	b.mu.Unlock()
	for _, f := range fetchers {
		f.SetInterval(iv)
	}
}

// Subscribe attaches a widget to a dataset. It returns the current state,
// a channel receiving every committed state, and a cancel func. The error is
// non-nil only for an unknown dataset.
func (b *Broker) Subscribe(datasetName string) (State, <-chan State, func(), error) {
	b.mu.Lock()
	f, ok := b.fetchers[datasetName]
	if !ok {
		b.mu.Unlock()
		return State{}, nil, nil, fmt.Errorf("unknown dataset %q", datasetName)
	}
	id := b.nextSub
	b.nextSub++
	ch := make(chan State, subscriberBuffer)
	b.subs[datasetName][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[datasetName][id]; ok {
			delete(b.subs[datasetName], id)
			close(c)
		}
	}
	// State read happens outside b.mu: commits lock the fetcher first and
	// the broker second, and Subscribe must not invert that order.
	return f.State(), ch, cancel, nil
}

// State returns a dataset's current snapshot.
func (b *Broker) State(datasetName string) (State, bool) {
	b.mu.Lock()
	f, ok := b.fetchers[datasetName]
	b.mu.Unlock()
	if !ok {
		return State{}, false
	}
	return f.State(), true
}

// Refetch re-issues the named dataset's request, bypassing the cache.
func (b *Broker) Refetch(datasetName string) error {
	f := b.fetcher(datasetName)
	if f == nil {
		return fmt.Errorf("unknown dataset %q", datasetName)
	}
	return f.Refetch()
}

// ClearCache drops the named dataset's cached entry for the current interval.
func (b *Broker) ClearCache(datasetName string) {
	if f := b.fetcher(datasetName); f != nil {
		f.ClearCache()
	}
}

// Global returns the page-level loading overview.
func (b *Broker) Global() registry.Overview {
	return b.reg.Snapshot()
}

// RetryFailed re-issues every failed call, page-wide.
func (b *Broker) RetryFailed() []registry.CallRecord {
	return b.reg.RetryFailed()
}

// Close tears down every fetcher and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	fetchers := b.fetcherList()
	subs := b.subs
	b.subs = map[string]map[int]chan State{}
	b.mu.Unlock()

	for _, f := range fetchers {
		f.Close()
	}
	for _, group := range subs {
		for _, ch := range group {
			close(ch)
		}
	}
}

// reissue routes registry-reset records back to their originating fetchers.
func (b *Broker) reissue(records []registry.CallRecord) {
	for _, rec := range records {
		if f := b.fetcher(rec.Meta.Dataset); f != nil {
			f.Reissue(rec)
		}
	}
}

// fanOut delivers a committed state to every subscriber without blocking:
// a full channel drops the snapshot, the subscriber catches up on the next.
func (b *Broker) fanOut(datasetName string, s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[datasetName] {
		select {
		case ch <- s:
		default:
		}
	}
}

func (b *Broker) fetcher(name string) *Fetcher {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchers[name]
}

// fetcherList snapshots the fetcher set. Caller must hold mu.
func (b *Broker) fetcherList() []*Fetcher {
	out := make([]*Fetcher, 0, len(b.fetchers))
	for _, f := range b.fetchers {
		out = append(out, f)
	}
	return out
}
