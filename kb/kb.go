// Package kb holds the canonical set of known entities for each layer and the
// spatial index snapshot derived from it.
package kb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/model"
	"github.com/signalsfoundry/aqmap/spatial"
)

// EventType indicates what kind of change happened in a store.
type EventType int

const (
	EventMerged EventType = iota
	EventReplaced
	EventEvicted
	EventCleared
)

func (t EventType) String() string {
	switch t {
	case EventMerged:
		return "merged"
	case EventReplaced:
		return "replaced"
	case EventEvicted:
		return "evicted"
	case EventCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers after a membership or attribute change,
// once the new index snapshot is visible. Concurrent writers may deliver
// events out of order; Version increases with every change to the store.
type Event struct {
	Type    EventType
	Layer   model.Layer
	Added   int
	Updated int
	Removed int
	Count   int
	Version uint64
}

// MetricsRecorder receives per-layer entity counts whenever a store changes.
type MetricsRecorder interface {
	SetLayerCount(layer model.Layer, count int)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxFanOut caps the index fan-out. Zero leaves it at the entity count.
func WithMaxFanOut(n int) StoreOption {
	return func(s *Store) { s.maxFanOut = n }
}

// WithLogger sets the store logger.
func WithLogger(log logging.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetricsRecorder wires a recorder that tracks entity counts.
func WithMetricsRecorder(r MetricsRecorder) StoreOption {
	return func(s *Store) { s.metrics = r }
}

// Store is the entity set for one layer. Writes are serialised by mu; the
// index pointer is swapped atomically so readers never block on a rebuild and
// always see a complete, possibly stale, snapshot.
type Store struct {
	mu sync.RWMutex

	layer    model.Layer
	entities map[model.Key]model.Entity
	index    atomic.Pointer[spatial.Index]

	subs    map[int]func(Event)
	nextSub int
	version uint64

	maxFanOut int
	log       logging.Logger
	metrics   MetricsRecorder
}

// NewStore constructs an empty store for layer.
func NewStore(layer model.Layer, opts ...StoreOption) *Store {
	s := &Store{
		layer:    layer,
		entities: make(map[model.Key]model.Entity),
		subs:     make(map[int]func(Event)),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("layer", layer.String()))
	s.index.Store(spatial.New(2))
	return s
}

// Layer is the layer this store belongs to.
func (s *Store) Layer() model.Layer { return s.layer }

// Merge unions entities into the store by identity. Entities whose identity
// is already present are dropped, as are entities of a foreign kind. When the
// set grew, the index is rebuilt and subscribers are notified. It returns the
// number of entities added.
func (s *Store) Merge(entities []model.Entity) int {
	s.mu.Lock()
	added, foreign := 0, 0
	for _, e := range entities {
		if e.Kind() != s.layer.Kind() {
			foreign++
			continue
		}
		if _, exists := s.entities[e.Key()]; exists {
			continue
		}
		s.entities[e.Key()] = e
		added++
	}
	if added == 0 {
		s.mu.Unlock()
		if foreign > 0 {
			s.log.Debug(context.Background(), "dropped entities of foreign kind", logging.Int("count", foreign))
		}
		return 0
	}
	s.rebuildLocked()
	event, subs := s.changedLocked(Event{Type: EventMerged, Layer: s.layer, Added: added})
	s.mu.Unlock()

	s.publish(event, subs)
	return added
}

// Replace upserts entities: existing identities take the new attributes. This
// is the explicit remove-then-merge path for refreshed data.
func (s *Store) Replace(entities []model.Entity) (added, updated int) {
	s.mu.Lock()
	for _, e := range entities {
		if e.Kind() != s.layer.Kind() {
			continue
		}
		old, exists := s.entities[e.Key()]
		switch {
		case !exists:
			added++
		case !old.SameState(e):
			updated++
		default:
			continue
		}
		s.entities[e.Key()] = e
	}
	if added == 0 && updated == 0 {
		s.mu.Unlock()
		return 0, 0
	}
	s.rebuildLocked()
	event, subs := s.changedLocked(Event{Type: EventReplaced, Layer: s.layer, Added: added, Updated: updated})
	s.mu.Unlock()

	s.publish(event, subs)
	return added, updated
}

// Evict removes the given identities. It returns how many were present.
func (s *Store) Evict(keys ...model.Key) int {
	s.mu.Lock()
	removed := 0
	for _, k := range keys {
		if _, ok := s.entities[k]; ok {
			delete(s.entities, k)
			removed++
		}
	}
	if removed == 0 {
		s.mu.Unlock()
		return 0
	}
	s.rebuildLocked()
	event, subs := s.changedLocked(Event{Type: EventEvicted, Layer: s.layer, Removed: removed})
	s.mu.Unlock()

	s.publish(event, subs)
	return removed
}

// Clear evicts every entity, as on layer teardown.
func (s *Store) Clear() int {
	s.mu.Lock()
	removed := len(s.entities)
	if removed == 0 {
		s.mu.Unlock()
		return 0
	}
	s.entities = make(map[model.Key]model.Entity)
	s.rebuildLocked()
	event, subs := s.changedLocked(Event{Type: EventCleared, Layer: s.layer, Removed: removed})
	s.mu.Unlock()

	s.publish(event, subs)
	return removed
}

// RebuildIndex builds a fresh index over the full current set and makes it
// the current snapshot. An empty store yields an empty index.
func (s *Store) RebuildIndex() *spatial.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked()
}

// Index returns the current index snapshot. It never returns nil.
func (s *Store) Index() *spatial.Index {
	return s.index.Load()
}

// Len is the number of entities in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Get returns the entity with the given identity.
func (s *Store) Get(key model.Key) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[key]
	return e, ok
}

// Keys returns a snapshot of every identity, sorted.
func (s *Store) Keys() []model.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedKeysLocked()
}

// List returns a snapshot of every entity, sorted by identity.
func (s *Store) List() []model.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

// Subscribe registers a callback for store events. It returns an unsubscribe
// function.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) rebuildLocked() *spatial.Index {
	entities := s.listLocked()
	fanOut := spatial.FanOut(len(entities))
	if s.maxFanOut > 0 {
		fanOut = min(fanOut, max(2, s.maxFanOut))
	}
	idx := spatial.Build(entities, fanOut)
	s.index.Store(idx)
	return idx
}

func (s *Store) sortedKeysLocked() []model.Key {
	keys := make([]model.Key, 0, len(s.entities))
	for k := range s.entities {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func (s *Store) listLocked() []model.Entity {
	keys := s.sortedKeysLocked()
	res := make([]model.Entity, 0, len(keys))
	for _, k := range keys {
		res = append(res, s.entities[k])
	}
	return res
}

func (s *Store) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	return subs
}

// changedLocked stamps event with the new version and count and records the
// count while the lock still orders writers.
func (s *Store) changedLocked(event Event) (Event, []func(Event)) {
	s.version++
	event.Version = s.version
	event.Count = len(s.entities)
	if s.metrics != nil {
		s.metrics.SetLayerCount(s.layer, event.Count)
	}
	return event, s.subscribersLocked()
}

// publish notifies subscribers outside the lock to avoid deadlocks.
func (s *Store) publish(event Event, subs []func(Event)) {
	s.log.Debug(context.Background(), "store changed",
		logging.String("event", event.Type.String()),
		logging.Int("added", event.Added),
		logging.Int("updated", event.Updated),
		logging.Int("removed", event.Removed),
		logging.Int("count", event.Count),
	)
	for _, sub := range subs {
		sub(event)
	}
}

// LayerSet owns one Store per layer.
type LayerSet struct {
	stores map[model.Layer]*Store
}

// NewLayerSet creates a store for every known layer, each built with opts.
func NewLayerSet(opts ...StoreOption) *LayerSet {
	ls := &LayerSet{stores: make(map[model.Layer]*Store, len(model.AllLayers))}
	for _, l := range model.AllLayers {
		ls.stores[l] = NewStore(l, opts...)
	}
	return ls
}

// Store returns the store for layer, or nil for an unknown layer.
func (ls *LayerSet) Store(layer model.Layer) *Store {
	return ls.stores[layer]
}

// Lookup is Store with an error for unknown layers.
func (ls *LayerSet) Lookup(layer model.Layer) (*Store, error) {
	s, ok := ls.stores[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %v", model.ErrUnknownLayer, layer)
	}
	return s, nil
}

// Layers lists the layers in display order.
func (ls *LayerSet) Layers() []model.Layer {
	return append([]model.Layer(nil), model.AllLayers...)
}

// Counts returns the entity count of every layer.
func (ls *LayerSet) Counts() map[model.Layer]int {
	out := make(map[model.Layer]int, len(ls.stores))
	for l, s := range ls.stores {
		out[l] = s.Len()
	}
	return out
}

// Route merges a mixed batch into the stores matching each entity's kind.
// Entities of unknown kind are skipped. It returns the number added per layer.
func (ls *LayerSet) Route(entities []model.Entity) map[model.Layer]int {
	added := make(map[model.Layer]int)
	for l, batch := range GroupByLayer(entities) {
		if s := ls.stores[l]; s != nil {
			added[l] = s.Merge(batch)
		}
	}
	return added
}

// ReplaceCounts is the outcome of a Replace on one layer.
type ReplaceCounts struct {
	Added   int
	Updated int
}

// Replace upserts a mixed batch into the stores matching each entity's kind,
// so known identities take the new attributes. Entities of unknown kind are
// skipped.
func (ls *LayerSet) Replace(entities []model.Entity) map[model.Layer]ReplaceCounts {
	out := make(map[model.Layer]ReplaceCounts)
	for l, batch := range GroupByLayer(entities) {
		if s := ls.stores[l]; s != nil {
			added, updated := s.Replace(batch)
			out[l] = ReplaceCounts{Added: added, Updated: updated}
		}
	}
	return out
}

// Evict removes identities of any kind from their layers' stores and returns
// the number removed.
func (ls *LayerSet) Evict(keys ...model.Key) int {
	byLayer := make(map[model.Layer][]model.Key)
	for _, k := range keys {
		if l, ok := model.LayerForKind(k.Kind); ok {
			byLayer[l] = append(byLayer[l], k)
		}
	}
	removed := 0
	for l, batch := range byLayer {
		if s := ls.stores[l]; s != nil {
			removed += s.Evict(batch...)
		}
	}
	return removed
}

// GroupByLayer splits entities by the layer that displays their kind.
func GroupByLayer(entities []model.Entity) map[model.Layer][]model.Entity {
	out := make(map[model.Layer][]model.Entity)
	for _, e := range entities {
		if l, ok := model.LayerForKind(e.Kind()); ok {
			out[l] = append(out[l], e)
		}
	}
	return out
}
