package core

import (
	"github.com/signalsfoundry/aqmap/model"
)

// Update pairs the displayed version of an entity with its new attributes.
type Update struct {
	Old model.Entity
	New model.Entity
}

// Delta is the set of operations that moves a displayed set to a target.
// Add, Remove, and the kept entities are pairwise disjoint by identity.
type Delta struct {
	Add    []model.Entity
	Remove []model.Entity
	Update []Update
}

// Empty reports whether applying the delta would change nothing.
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0 && len(d.Update) == 0
}

// Apply mutates displayed by the delta: removals and additions first, then
// updates.
func (d Delta) Apply(displayed map[model.Key]model.Entity) {
	for _, e := range d.Remove {
		delete(displayed, e.Key())
	}
	for _, e := range d.Add {
		displayed[e.Key()] = e
	}
	for _, u := range d.Update {
		displayed[u.New.Key()] = u.New
	}
}

// DiffOptions tunes Diff.
type DiffOptions struct {
	// DetectUpdates emits Update pairs for kept entities whose coordinate or
	// payload changed. When false, kept entities never produce work.
	DetectUpdates bool
}

// Diff computes the delta from displayed to target, detecting attribute
// updates.
func Diff(target []model.Entity, displayed map[model.Key]model.Entity) Delta {
	return DiffWith(target, displayed, DiffOptions{DetectUpdates: true})
}

// DiffWith is Diff with explicit options. Add follows target order; Remove is
// sorted by identity, so the result depends only on the inputs.
func DiffWith(target []model.Entity, displayed map[model.Key]model.Entity, opts DiffOptions) Delta {
	var d Delta
	kept := make(map[model.Key]struct{}, len(target))
	for _, e := range target {
		k := e.Key()
		if _, dup := kept[k]; dup {
			continue
		}
		kept[k] = struct{}{}

		old, shown := displayed[k]
		if !shown {
			d.Add = append(d.Add, e)
			continue
		}
		if opts.DetectUpdates && !old.SameState(e) {
			d.Update = append(d.Update, Update{Old: old, New: e})
		}
	}

	for _, k := range sortedKeys(displayed) {
		if _, ok := kept[k]; !ok {
			d.Remove = append(d.Remove, displayed[k])
		}
	}
	return d
}
