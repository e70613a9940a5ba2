package core

import (
	"math/rand/v2"

	"github.com/signalsfoundry/aqmap/model"
)

// LayerPolicy restricts reconciliation to the marker kind of one layer.
type LayerPolicy struct {
	Layer model.Layer
}

// Admits reports whether e belongs to the policy's layer.
func (p LayerPolicy) Admits(e model.Entity) bool {
	return e.Kind() == p.Layer.Kind()
}

// Partition splits displayed into the entities of the active layer and the
// foreign ones, which the consumer must clear before applying a delta.
// Foreign entities are sorted by identity.
func (p LayerPolicy) Partition(displayed map[model.Key]model.Entity) (own map[model.Key]model.Entity, foreign []model.Entity) {
	own = make(map[model.Key]model.Entity, len(displayed))
	for _, k := range sortedKeys(displayed) {
		e := displayed[k]
		if p.Admits(e) {
			own[k] = e
		} else {
			foreign = append(foreign, e)
		}
	}
	return own, foreign
}

// Request is the input to one recompute.
type Request struct {
	Policy    LayerPolicy
	Index     Querier
	Viewport  model.BBox
	Cap       int
	Displayed map[model.Key]model.Entity

	// SkipUpdates disables attribute-change detection.
	SkipUpdates bool

	// Consumer names the display the result is for. Schedulers only treat a
	// recompute as superseded by a newer one from the same consumer.
	Consumer string
}

// Result is the output of one recompute.
type Result struct {
	Delta

	// Foreign lists displayed entities outside the active layer. They are
	// never part of Add or Remove.
	Foreign []model.Entity
	// Target is the size of the selected set.
	Target int
}

// ApplyTo clears foreign entities, then applies the delta.
func (r Result) ApplyTo(displayed map[model.Key]model.Entity) {
	for _, e := range r.Foreign {
		delete(displayed, e.Key())
	}
	r.Delta.Apply(displayed)
}

// Compute runs the query, sample, and diff pipeline for one request. Layers
// that persist between updates are added wholesale with no cap.
func Compute(req Request, rng *rand.Rand) Result {
	own, foreign := req.Policy.Partition(req.Displayed)

	var target []model.Entity
	if req.Policy.Layer.PersistsBetweenUpdates() {
		if req.Index != nil {
			target = req.Index.Query(model.World)
		}
	} else {
		target = Sample(req.Index, req.Viewport, req.Cap, own, rng)
	}

	filtered := target[:0:0]
	for _, e := range target {
		if req.Policy.Admits(e) {
			filtered = append(filtered, e)
		}
	}

	return Result{
		Delta:   DiffWith(filtered, own, DiffOptions{DetectUpdates: !req.SkipUpdates}),
		Foreign: foreign,
		Target:  len(filtered),
	}
}
