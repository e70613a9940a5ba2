package render

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/signalsfoundry/aqmap/core"
	"github.com/signalsfoundry/aqmap/internal/logging"
	"github.com/signalsfoundry/aqmap/kb"
	"github.com/signalsfoundry/aqmap/model"
)

// Surface tracks the markers currently on screen. Deltas are applied to it on
// the interactive context; other goroutines read copies via Snapshot.
type Surface struct {
	mu        sync.RWMutex
	displayed map[model.Key]model.Entity
	applied   uint64
	discarded int

	onApply func(Delta)
}

// NewSurface constructs an empty surface. onApply, if non-nil, is called
// after each delta is applied, still on the interactive context.
func NewSurface(onApply func(Delta)) *Surface {
	return &Surface{
		displayed: make(map[model.Key]model.Entity),
		onApply:   onApply,
	}
}

// Apply clears foreign markers, then applies removals, additions, and
// updates. It satisfies ApplyFunc. Stale deltas were diffed against a display
// that a newer recompute already targets, so they are discarded.
func (s *Surface) Apply(d Delta) {
	s.mu.Lock()
	if d.Stale {
		s.discarded++
		s.mu.Unlock()
		return
	}
	d.ApplyTo(s.displayed)
	if d.Generation > s.applied {
		s.applied = d.Generation
	}
	s.mu.Unlock()

	if s.onApply != nil {
		s.onApply(d)
	}
}

// ClearForeign removes every marker not belonging to layer and returns them.
func (s *Surface) ClearForeign(layer model.Layer) []model.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	own, foreign := core.LayerPolicy{Layer: layer}.Partition(s.displayed)
	s.displayed = own
	return foreign
}

// Snapshot returns a copy of the displayed set.
func (s *Surface) Snapshot() map[model.Key]model.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Key]model.Entity, len(s.displayed))
	for k, e := range s.displayed {
		out[k] = e
	}
	return out
}

// Len is the number of markers on screen.
func (s *Surface) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.displayed)
}

// AppliedGeneration is the newest generation applied so far.
func (s *Surface) AppliedGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// Discarded is the number of stale deltas dropped by Apply.
func (s *Surface) Discarded() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discarded
}

// Controller ties layer stores, a scheduler, and a surface together: it
// tracks the active layer and viewport and schedules a recompute whenever
// either changes or the active layer's data changes.
type Controller struct {
	stores   *kb.LayerSet
	sched    *Scheduler
	surface  *Surface
	limit    int
	log      logging.Logger
	consumer string

	mu       sync.Mutex
	layer    model.Layer
	viewport model.BBox

	unsubs []func()
}

// NewController constructs a controller showing layer with the given cap.
func NewController(stores *kb.LayerSet, sched *Scheduler, surface *Surface, layer model.Layer, limit int, log logging.Logger) *Controller {
	if log == nil {
		log = logging.Noop()
	}
	return &Controller{
		stores:   stores,
		sched:    sched,
		surface:  surface,
		limit:    limit,
		log:      log,
		layer:    layer,
		viewport: model.World,
		consumer: "controller:" + uuid.NewString(),
	}
}

// Watch recomputes whenever the active layer's store changes. Call the
// returned function to stop watching.
func (c *Controller) Watch(ctx context.Context) (stop func()) {
	c.mu.Lock()
	for _, l := range c.stores.Layers() {
		unsub := c.stores.Store(l).Subscribe(func(kb.Event) {
			if c.Layer() != l {
				return
			}
			if _, err := c.Refresh(ctx); err != nil {
				c.log.Warn(ctx, "recompute after store change failed", logging.Err(err))
			}
		})
		c.unsubs = append(c.unsubs, unsub)
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = nil
	}
}

// Layer is the active layer.
func (c *Controller) Layer() model.Layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.layer
}

// Viewport is the current viewport.
func (c *Controller) Viewport() model.BBox {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

// SetViewport records the viewport and schedules a recompute.
func (c *Controller) SetViewport(ctx context.Context, vp model.BBox) (Ticket, error) {
	c.mu.Lock()
	c.viewport = vp
	c.mu.Unlock()
	return c.Refresh(ctx)
}

// SetLayer switches the active layer. Foreign markers are cleared from the
// surface before the new layer's recompute is scheduled.
func (c *Controller) SetLayer(ctx context.Context, layer model.Layer) (Ticket, error) {
	if _, err := c.stores.Lookup(layer); err != nil {
		return Ticket{}, err
	}
	c.mu.Lock()
	c.layer = layer
	c.mu.Unlock()

	cleared := c.surface.ClearForeign(layer)
	c.log.Info(ctx, "switched layer",
		logging.String("layer", layer.String()),
		logging.Int("cleared", len(cleared)),
	)
	return c.Refresh(ctx)
}

// Refresh schedules a recompute for the active layer and viewport.
func (c *Controller) Refresh(ctx context.Context) (Ticket, error) {
	c.mu.Lock()
	layer, vp := c.layer, c.viewport
	c.mu.Unlock()

	store, err := c.stores.Lookup(layer)
	if err != nil {
		return Ticket{}, err
	}
	return c.sched.ScheduleRecompute(ctx, Request{
		Policy:    core.LayerPolicy{Layer: layer},
		Index:     store.Index(),
		Viewport:  vp,
		Cap:       c.limit,
		Displayed: c.surface.Snapshot(),
		Consumer:  c.consumer,
	}, c.surface.Apply)
}
