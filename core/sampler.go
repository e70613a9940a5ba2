// Package core holds the pure compute half of marker reconciliation: viewport
// sampling under a display cap and identity-keyed diffing against the
// displayed set. Nothing here blocks, logs, or touches shared state.
package core

import (
	"math/rand/v2"
	"sort"

	"github.com/signalsfoundry/aqmap/model"
)

// Querier answers closed bounding-box queries. *spatial.Index implements it.
type Querier interface {
	Query(box model.BBox) []model.Entity
}

// Sample selects at most limit entities from idx inside viewport.
//
// When everything visible fits under limit it is returned unchanged. Otherwise
// displayed entities still inside the viewport are kept first, then the
// remainder is filled from a uniform shuffle of the visible set. A displayed
// entity counts as in bounds by its indexed coordinate, so one that moved out
// of the viewport or left the index is not kept. Kept entities take the
// index's current attributes.
//
// A nil rng uses the package-level generator.
func Sample(idx Querier, viewport model.BBox, limit int, displayed map[model.Key]model.Entity, rng *rand.Rand) []model.Entity {
	if limit <= 0 || idx == nil || viewport.Area() == 0 {
		return nil
	}
	visible := idx.Query(viewport)
	if len(visible) <= limit {
		return visible
	}

	current := make(map[model.Key]model.Entity, len(visible))
	for _, e := range visible {
		current[e.Key()] = e
	}

	chosen := make(map[model.Key]struct{}, limit)
	preferred := make([]model.Entity, 0, limit)
	for _, k := range sortedKeys(displayed) {
		e, ok := current[k]
		if !ok {
			continue
		}
		chosen[k] = struct{}{}
		preferred = append(preferred, e)
	}

	shuffle(rng, visible)
	for _, e := range visible {
		if len(preferred) >= limit {
			break
		}
		if _, dup := chosen[e.Key()]; dup {
			continue
		}
		chosen[e.Key()] = struct{}{}
		preferred = append(preferred, e)
	}

	if len(preferred) > limit {
		preferred = preferred[:limit]
	}
	return preferred
}

func shuffle(rng *rand.Rand, entities []model.Entity) {
	swap := func(i, j int) { entities[i], entities[j] = entities[j], entities[i] }
	if rng == nil {
		rand.Shuffle(len(entities), swap)
		return
	}
	rng.Shuffle(len(entities), swap)
}

func sortedKeys(m map[model.Key]model.Entity) []model.Key {
	keys := make([]model.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}
