// Package fetch orchestrates cache-first reads against the remote source:
// show whatever the cache has immediately, refresh over the network when
// the device is online, and fall back to an explicit empty state when
// neither is available.
package fetch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"plantao/internal/cache"
	"plantao/internal/connectivity"
	"plantao/internal/remote"
)

// State of a logical query identified by its cache key.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoadedFromCache
	StateLoadedFresh
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoadedFromCache:
		return "loaded_from_cache"
	case StateLoadedFresh:
		return "loaded_fresh"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Request describes a logical query. CacheKey namespaces the query shape;
// two requests with the same key share the single-flight guard.
type Request struct {
	CacheKey   string
	Collection string
	RecordID   string // single-record fetch when set
	Options    remote.QueryOptions
	TTL        time.Duration
}

// Snapshot is one observed point of the query state machine. Items is
// never nil once the state leaves LOADING: an offline miss yields an
// explicit empty collection, and an error retains the last shown data.
type Snapshot struct {
	State     State
	Items     []json.RawMessage
	FromCache bool
	Stale     bool
	Err       error
}

// Fetcher owns the per-key single-flight accounting shared by all
// watchers.
type Fetcher struct {
	Cache   *cache.Store
	Source  remote.Source
	Monitor connectivity.Monitor
	Now     func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

// New wires a fetcher over the given collaborators.
func New(store *cache.Store, source remote.Source, monitor connectivity.Monitor) *Fetcher {
	return &Fetcher{
		Cache:    store,
		Source:   source,
		Monitor:  monitor,
		inflight: make(map[string]bool),
	}
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fetcher) tryAcquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[key] {
		return false
	}
	f.inflight[key] = true
	return true
}

func (f *Fetcher) release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, key)
}

func (f *Fetcher) inflightFor(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[key]
}

// Watch activates a query. The returned watcher emits snapshots until the
// context is canceled or Close is called; teardown discards any in-flight
// result without a final emission.
func (f *Fetcher) Watch(ctx context.Context, req Request) *Watcher {
	wctx, cancel := context.WithCancel(ctx)
	// Subscribe before the state machine starts so a transition fired
	// right after Watch returns is never missed.
	transitions, unsubscribe := f.Monitor.Subscribe()
	w := &Watcher{
		fetcher:     f,
		req:         req,
		cancel:      cancel,
		transitions: transitions,
		unsubscribe: unsubscribe,
		updates:     make(chan Snapshot, 16),
		refreshCh:   make(chan struct{}, 1),
	}
	go w.run(wctx)
	return w
}

// Watcher is one consumer of a logical query.
type Watcher struct {
	fetcher     *Fetcher
	req         Request
	cancel      context.CancelFunc
	transitions <-chan bool
	unsubscribe func()
	updates     chan Snapshot
	refreshCh   chan struct{}

	mu     sync.Mutex
	closed bool
	last   Snapshot
}

// Updates delivers snapshots in order. The channel is buffered; a
// consumer that stops reading loses newer snapshots rather than blocking
// the state machine.
func (w *Watcher) Updates() <-chan Snapshot {
	return w.updates
}

// Last returns the most recent snapshot.
func (w *Watcher) Last() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Refresh requests another remote fetch. It is ignored while a fetch for
// the same cache key is in flight.
func (w *Watcher) Refresh() {
	if w.fetcher.inflightFor(w.req.CacheKey) {
		return
	}
	select {
	case w.refreshCh <- struct{}{}:
	default:
	}
}

// Close tears the watcher down. No snapshot is emitted after Close
// returns.
func (w *Watcher) Close() {
	w.cancel()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *Watcher) emit(s Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.last = s
	select {
	case w.updates <- s:
	default:
	}
}

func (w *Watcher) state() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.State
}

func (w *Watcher) run(ctx context.Context) {
	f := w.fetcher
	defer w.unsubscribe()
	w.emit(Snapshot{State: StateLoading})

	cached, hasCache := f.Cache.Get(ctx, w.req.CacheKey)
	if hasCache {
		items := decodeItems(cached.Value)
		w.emit(Snapshot{
			State:     StateLoadedFromCache,
			Items:     items,
			FromCache: true,
			Stale:     !cached.Fresh(f.now()),
		})
	}

	if f.Monitor.Online() {
		w.fetch(ctx)
	} else if !hasCache {
		// Offline with nothing cached is an explicit empty state, not an
		// error.
		w.emit(Snapshot{State: StateLoadedFresh, Items: []json.RawMessage{}})
	}

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			return
		case online := <-w.transitions:
			// One refetch per offline-to-online transition, and only while
			// showing cached or errored data; the monitor collapses rapid
			// toggles to the latest status.
			if online {
				switch w.state() {
				case StateLoadedFromCache, StateError:
					w.fetch(ctx)
				}
			}
		case <-w.refreshCh:
			w.fetch(ctx)
		}
	}
}

// fetch performs one guarded remote query. At most one fetch per cache
// key runs at a time; losers of the guard return without side effects.
func (w *Watcher) fetch(ctx context.Context) {
	f := w.fetcher
	if !f.tryAcquire(w.req.CacheKey) {
		return
	}
	defer f.release(w.req.CacheKey)

	items, err := w.query(ctx)
	if ctx.Err() != nil {
		// Torn down mid-flight: discard the result.
		return
	}
	if err != nil {
		prev := w.Last()
		w.emit(Snapshot{
			State:     StateError,
			Items:     prev.Items,
			FromCache: prev.FromCache,
			Stale:     prev.Stale,
			Err:       err,
		})
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	// A cache write failure degrades to not-cached; the fresh result still
	// reaches the consumer.
	_ = f.Cache.Set(ctx, w.req.CacheKey, items, w.req.TTL)
	w.emit(Snapshot{State: StateLoadedFresh, Items: items})
}

func (w *Watcher) query(ctx context.Context) ([]json.RawMessage, error) {
	f := w.fetcher
	if w.req.RecordID != "" {
		item, err := f.Source.QueryOne(ctx, w.req.Collection, w.req.RecordID)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{item}, nil
	}
	return f.Source.Query(ctx, w.req.Collection, w.req.Options)
}

func decodeItems(value json.RawMessage) []json.RawMessage {
	var items []json.RawMessage
	if err := json.Unmarshal(value, &items); err != nil {
		// Not a collection; treat the whole value as a single item.
		return []json.RawMessage{value}
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items
}
