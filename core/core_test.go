package core

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/aqmap/model"
	"github.com/signalsfoundry/aqmap/spatial"
)

func sensor(id string, lat, lon float64) model.Entity {
	return model.Entity{ID: id, Coordinate: model.Coordinate{Lat: lat, Lon: lon}, Payload: model.Sensor{Name: id}}
}

func city(id string, lat, lon float64) model.Entity {
	return model.Entity{ID: id, Coordinate: model.Coordinate{Lat: lat, Lon: lon}, Payload: model.City{Name: id}}
}

func idSet(entities []model.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID)
	}
	sort.Strings(out)
	return out
}

func keysOf(m map[model.Key]model.Entity) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k.ID)
	}
	sort.Strings(out)
	return out
}

var box = model.BBox{MinLat: -1, MinLon: -1, MaxLat: 3, MaxLon: 3}

func TestSampleCapZero(t *testing.T) {
	idx := spatial.Build([]model.Entity{sensor("a", 0, 0)}, 2)
	if got := Sample(idx, box, 0, nil, nil); len(got) != 0 {
		t.Fatalf("Sample(cap=0) returned %d entities", len(got))
	}
}

func TestSampleZeroAreaViewport(t *testing.T) {
	idx := spatial.Build([]model.Entity{sensor("a", 0, 0)}, 2)
	if got := Sample(idx, model.PointBox(model.Coordinate{}), 5, nil, nil); len(got) != 0 {
		t.Fatalf("Sample(zero-area) returned %d entities", len(got))
	}
}

func TestSampleUnderCapReturnsVisible(t *testing.T) {
	idx := spatial.Build([]model.Entity{sensor("a", 0, 0), sensor("b", 1, 1), sensor("c", 2, 2), sensor("far", 50, 50)}, 2)
	for range 10 {
		got := Sample(idx, box, 5, nil, nil)
		if diff := cmp.Diff([]string{"a", "b", "c"}, idSet(got)); diff != "" {
			t.Fatalf("Sample mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSamplePrefersDisplayed(t *testing.T) {
	a, b, c := sensor("a", 0, 0), sensor("b", 1, 1), sensor("c", 2, 2)
	idx := spatial.Build([]model.Entity{a, b, c}, 2)
	displayed := model.KeySet([]model.Entity{b})

	sawA, sawC := false, false
	for i := range 200 {
		rng := rand.New(rand.NewPCG(uint64(i), 7))
		got := Sample(idx, box, 2, displayed, rng)
		ids := idSet(got)
		if len(ids) != 2 || (ids[0] != "b" && ids[1] != "b") {
			t.Fatalf("Sample = %v, want b plus one of a/c", ids)
		}
		switch {
		case ids[0] == "a":
			sawA = true
		case ids[1] == "c":
			sawC = true
		}

		d := Diff(got, displayed)
		if len(d.Remove) != 0 || len(d.Add) != 1 || d.Add[0].ID == "b" {
			t.Fatalf("Diff = %+v, want one add and no removals", d)
		}
	}
	if !sawA || !sawC {
		t.Fatalf("shuffle never picked both candidates (a=%v c=%v)", sawA, sawC)
	}
}

func TestSampleKeptEntitiesTakeFreshAttributes(t *testing.T) {
	stale := sensor("a", 0, 0)
	fresh := stale
	fresh.Payload = model.Sensor{Name: "a", AQI: 180}
	idx := spatial.Build([]model.Entity{fresh, sensor("b", 1, 1), sensor("c", 2, 2)}, 2)

	got := Sample(idx, box, 1, model.KeySet([]model.Entity{stale}), nil)
	if len(got) != 1 || got[0] != fresh {
		t.Fatalf("Sample = %+v, want fresh a", got)
	}
}

func TestSampleDropsDisplayedThatMovedOut(t *testing.T) {
	before := sensor("a", 0, 0)
	moved := sensor("a", 40, 40)
	idx := spatial.Build([]model.Entity{moved, sensor("b", 1, 1), sensor("c", 2, 2)}, 2)
	displayed := model.KeySet([]model.Entity{before})

	for i := range 50 {
		got := Sample(idx, box, 1, displayed, rand.New(rand.NewPCG(uint64(i), 3)))
		if len(got) != 1 || got[0].ID == "a" {
			t.Fatalf("Sample = %+v, want one of b/c", got)
		}
		d := Diff(got, displayed)
		if len(d.Remove) != 1 || d.Remove[0].ID != "a" {
			t.Fatalf("Diff removes %+v, want a", d.Remove)
		}
	}
}

func TestSampleDropsDisplayedNoLongerIndexed(t *testing.T) {
	idx := spatial.Build([]model.Entity{sensor("b", 1, 1), sensor("c", 2, 2)}, 2)
	displayed := model.KeySet([]model.Entity{sensor("gone", 0, 0)})

	got := Sample(idx, box, 1, displayed, rand.New(rand.NewPCG(1, 1)))
	if len(got) != 1 || got[0].ID == "gone" {
		t.Fatalf("Sample = %+v, want one of b/c", got)
	}
}

func TestSampleTruncatesPreferredToCap(t *testing.T) {
	var all []model.Entity
	for i := range 10 {
		all = append(all, sensor(fmt.Sprintf("s%d", i), 0, float64(i)/10))
	}
	idx := spatial.Build(all, 4)
	got := Sample(idx, box, 3, model.KeySet(all), nil)
	if len(got) != 3 {
		t.Fatalf("Sample returned %d entities, want 3", len(got))
	}
}

func TestSampleNeverExceedsCapOrViewport(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	var all []model.Entity
	for i := range 500 {
		all = append(all, sensor(fmt.Sprintf("s%d", i), rng.Float64()*20, rng.Float64()*20))
	}
	idx := spatial.Build(all, 16)

	displayed := map[model.Key]model.Entity{}
	for range 100 {
		vp := model.BBoxOf(
			model.Coordinate{Lat: rng.Float64() * 20, Lon: rng.Float64() * 20},
			model.Coordinate{Lat: rng.Float64() * 20, Lon: rng.Float64() * 20},
		)
		limit := rng.IntN(40)
		got := Sample(idx, vp, limit, displayed, rng)
		if len(got) > limit {
			t.Fatalf("Sample returned %d > cap %d", len(got), limit)
		}
		for _, e := range got {
			if !vp.Contains(e.Coordinate) {
				t.Fatalf("entity %s at %v outside viewport %v", e.ID, e.Coordinate, vp)
			}
		}
		Diff(got, displayed).Apply(displayed)
		if len(displayed) > limit {
			t.Fatalf("displayed %d > cap %d after apply", len(displayed), limit)
		}
	}
}

func TestDiffApplyYieldsTarget(t *testing.T) {
	displayed := model.KeySet([]model.Entity{sensor("a", 0, 0), sensor("b", 1, 1), sensor("x", 9, 9)})
	target := []model.Entity{sensor("b", 1, 1), sensor("c", 2, 2), sensor("c", 2, 2), sensor("a", 0, 0)}

	d := Diff(target, displayed)

	if diff := cmp.Diff([]string{"c"}, idSet(d.Add)); diff != "" {
		t.Fatalf("Add mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x"}, idSet(d.Remove)); diff != "" {
		t.Fatalf("Remove mismatch (-want +got):\n%s", diff)
	}
	for _, add := range d.Add {
		for _, rm := range d.Remove {
			if add.Key() == rm.Key() {
				t.Fatalf("%s in both Add and Remove", add.Key())
			}
		}
	}

	d.Apply(displayed)
	if diff := cmp.Diff([]string{"a", "b", "c"}, keysOf(displayed)); diff != "" {
		t.Fatalf("applied set mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffIsIdempotent(t *testing.T) {
	displayed := model.KeySet([]model.Entity{sensor("a", 0, 0), sensor("b", 1, 1), sensor("d", 3, 3), sensor("e", 4, 4)})
	target := []model.Entity{sensor("c", 2, 2), sensor("b", 1, 1), sensor("f", 5, 5)}

	first := Diff(target, displayed)
	second := Diff(target, displayed)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("Diff not repeatable (-first +second):\n%s", diff)
	}
}

func TestDiffEmptyDisplayed(t *testing.T) {
	a, b, c := sensor("a", 0, 0), sensor("b", 1, 1), sensor("c", 2, 2)
	idx := spatial.Build([]model.Entity{a, b, c}, 2)

	target := Sample(idx, box, 5, nil, nil)
	d := Diff(target, nil)
	if len(d.Add) != 3 || len(d.Remove) != 0 || len(d.Update) != 0 {
		t.Fatalf("Diff = %+v, want 3 adds only", d)
	}
}

func TestDiffDetectsUpdates(t *testing.T) {
	old := sensor("a", 0, 0)
	updated := old
	updated.Payload = model.Sensor{Name: "a", AQI: 120}

	d := Diff([]model.Entity{updated}, model.KeySet([]model.Entity{old}))
	want := Delta{Update: []Update{{Old: old, New: updated}}}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Fatalf("Diff mismatch (-want +got):\n%s", diff)
	}

	quiet := DiffWith([]model.Entity{updated}, model.KeySet([]model.Entity{old}), DiffOptions{})
	if !quiet.Empty() {
		t.Fatalf("DiffWith(no updates) = %+v, want empty", quiet)
	}

	displayed := model.KeySet([]model.Entity{old})
	d.Apply(displayed)
	if displayed[old.Key()] != updated {
		t.Fatalf("Apply did not install updated attributes")
	}
}

func TestComputeNeverMixesKindsOnLayerSwitch(t *testing.T) {
	cities := []model.Entity{city("denver", 0, 0), city("boulder", 1, 1), city("golden", 2, 2)}
	idx := spatial.Build(cities, 2)
	displayed := model.KeySet([]model.Entity{sensor("sensor1", 0, 0), sensor("sensor2", 1, 1)})

	res := Compute(Request{
		Policy:    LayerPolicy{Layer: model.LayerCities},
		Index:     idx,
		Viewport:  box,
		Cap:       10,
		Displayed: displayed,
	}, nil)

	if diff := cmp.Diff([]string{"sensor1", "sensor2"}, idSet(res.Foreign)); diff != "" {
		t.Fatalf("Foreign mismatch (-want +got):\n%s", diff)
	}
	if len(res.Remove) != 0 {
		t.Fatalf("Remove = %v, want none (foreign handled separately)", idSet(res.Remove))
	}
	for _, e := range res.Add {
		if e.Kind() != model.KindCity {
			t.Fatalf("Add contains %v of kind %v", e.ID, e.Kind())
		}
	}

	res.ApplyTo(displayed)
	if diff := cmp.Diff([]string{"boulder", "denver", "golden"}, keysOf(displayed)); diff != "" {
		t.Fatalf("displayed after apply mismatch (-want +got):\n%s", diff)
	}
}

func TestComputePersistentLayerIgnoresCapAndViewport(t *testing.T) {
	fires := []model.Entity{
		{ID: "f1", Coordinate: model.Coordinate{Lat: 40, Lon: -105}, Payload: model.Wildfire{Name: "f1"}},
		{ID: "f2", Coordinate: model.Coordinate{Lat: 34, Lon: -118}, Payload: model.Wildfire{Name: "f2"}},
		{ID: "f3", Coordinate: model.Coordinate{Lat: -33, Lon: 151}, Payload: model.Wildfire{Name: "f3"}},
	}
	res := Compute(Request{
		Policy:   LayerPolicy{Layer: model.LayerWildfires},
		Index:    spatial.Build(fires, 2),
		Viewport: box,
		Cap:      1,
	}, nil)
	if res.Target != 3 || len(res.Add) != 3 {
		t.Fatalf("Compute added %d of target %d, want 3 of 3", len(res.Add), res.Target)
	}
}
