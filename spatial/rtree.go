// Package spatial provides an in-memory R-tree over point entities, used to
// answer viewport bounding-box queries.
package spatial

import (
	"math"
	"sort"

	"github.com/signalsfoundry/aqmap/model"
)

// FanOut returns the maximum children per node used when indexing count
// entities. Small stores still get a usable tree.
func FanOut(count int) int {
	return max(2, count)
}

// Index is an R-tree of point entities. It is not safe for concurrent
// mutation; once built it is only read, so concurrent queries are safe.
type Index struct {
	maxChildren int
	minChildren int

	root *node
	size int
}

type node struct {
	leaf    bool
	entries []entry
}

// entry points either to a child node (inner nodes) or to an entity (leaves).
type entry struct {
	box   model.BBox
	child *node
	item  model.Entity
}

// New constructs an empty index. maxChildren values below 2 are raised to 2.
func New(maxChildren int) *Index {
	maxChildren = max(2, maxChildren)
	return &Index{
		maxChildren: maxChildren,
		minChildren: max(1, maxChildren*2/5),
	}
}

// Build indexes entities with the given fan-out.
func Build(entities []model.Entity, maxChildren int) *Index {
	idx := New(maxChildren)
	for _, e := range entities {
		idx.Insert(e)
	}
	return idx
}

// Len is the number of indexed entities.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return x.size
}

// MaxChildren is the configured fan-out.
func (x *Index) MaxChildren() int { return x.maxChildren }

// Bounds is the box covering every indexed entity. The second result is
// false for an empty index.
func (x *Index) Bounds() (model.BBox, bool) {
	if x == nil || x.root == nil || len(x.root.entries) == 0 {
		return model.BBox{}, false
	}
	return x.root.bound(), true
}

// Depth is the number of levels from root to leaves.
func (x *Index) Depth() int {
	if x == nil || x.root == nil {
		return 0
	}
	d := 1
	for n := x.root; !n.leaf; n = n.entries[0].child {
		d++
	}
	return d
}

// Insert adds one entity at its coordinate.
func (x *Index) Insert(e model.Entity) {
	box := model.PointBox(e.Coordinate)
	if x.root == nil {
		x.root = &node{leaf: true}
	}

	path, slots := x.chooseLeaf(box)
	leaf := path[len(path)-1]
	leaf.entries = append(leaf.entries, entry{box: box, item: e})
	x.size++

	var split *node
	for i := len(path) - 1; i >= 0; i-- {
		n := path[i]
		if split != nil {
			n.entries = append(n.entries, entry{box: split.bound(), child: split})
			split = nil
		}
		if len(n.entries) > x.maxChildren {
			split = x.splitNode(n)
		}
		if i > 0 {
			parent := path[i-1]
			parent.entries[slots[i-1]].box = n.bound()
		}
	}

	if split != nil {
		old := x.root
		x.root = &node{entries: []entry{
			{box: old.bound(), child: old},
			{box: split.bound(), child: split},
		}}
	}
}

// Query returns every entity whose coordinate lies inside the closed box, in
// no particular order. An empty box yields nil.
func (x *Index) Query(box model.BBox) []model.Entity {
	var out []model.Entity
	x.Search(box, func(e model.Entity) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Search calls fn for each entity inside box until fn returns false.
func (x *Index) Search(box model.BBox, fn func(model.Entity) bool) {
	if x == nil || x.root == nil || box.IsEmpty() {
		return
	}
	var recurse func(*node) bool
	recurse = func(n *node) bool {
		for _, ent := range n.entries {
			if !ent.box.Intersects(box) {
				continue
			}
			if n.leaf {
				if !box.Contains(ent.item.Coordinate) {
					continue
				}
				if !fn(ent.item) {
					return false
				}
			} else if !recurse(ent.child) {
				return false
			}
		}
		return true
	}
	recurse(x.root)
}

// chooseLeaf descends from the root picking the child needing the least
// enlargement, breaking ties on smaller area. It returns the visited nodes
// and, for each inner node, the slot of the child that was followed.
func (x *Index) chooseLeaf(box model.BBox) ([]*node, []int) {
	path := []*node{x.root}
	var slots []int
	n := x.root
	for !n.leaf {
		best := 0
		bestEnlarge := math.Inf(1)
		bestArea := math.Inf(1)
		for i, ent := range n.entries {
			area := ent.box.Area()
			enlarge := ent.box.Union(box).Area() - area
			if enlarge < bestEnlarge || (enlarge == bestEnlarge && area < bestArea) {
				best, bestEnlarge, bestArea = i, enlarge, area
			}
		}
		slots = append(slots, best)
		n = n.entries[best].child
		path = append(path, n)
	}
	return path, slots
}

// splitNode divides an overflowing node in two. For each axis the entries are
// sorted and every legal split point is scored; the distribution whose two
// groups overlap least wins, ties going to the smaller combined area. n keeps
// the first group and the returned sibling holds the second.
func (x *Index) splitNode(n *node) *node {
	m := min(x.minChildren, len(n.entries)/2)
	m = max(1, m)

	var (
		bestEntries []entry
		bestCut     = -1
		bestOverlap = math.Inf(1)
		bestArea    = math.Inf(1)
	)

	for _, axis := range []func(model.BBox) float64{latCenter, lonCenter} {
		sorted := append([]entry(nil), n.entries...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return axis(sorted[i].box) < axis(sorted[j].box)
		})

		prefix := make([]model.BBox, len(sorted))
		suffix := make([]model.BBox, len(sorted))
		prefix[0] = sorted[0].box
		for i := 1; i < len(sorted); i++ {
			prefix[i] = prefix[i-1].Union(sorted[i].box)
		}
		suffix[len(sorted)-1] = sorted[len(sorted)-1].box
		for i := len(sorted) - 2; i >= 0; i-- {
			suffix[i] = suffix[i+1].Union(sorted[i].box)
		}

		for cut := m; cut <= len(sorted)-m; cut++ {
			left, right := prefix[cut-1], suffix[cut]
			overlap := overlapArea(left, right)
			area := left.Area() + right.Area()
			if overlap < bestOverlap || (overlap == bestOverlap && area < bestArea) {
				bestEntries, bestCut, bestOverlap, bestArea = sorted, cut, overlap, area
			}
		}
	}

	left := append([]entry(nil), bestEntries[:bestCut]...)
	right := append([]entry(nil), bestEntries[bestCut:]...)
	n.entries = left
	return &node{leaf: n.leaf, entries: right}
}

func (n *node) bound() model.BBox {
	bb := n.entries[0].box
	for _, ent := range n.entries[1:] {
		bb = bb.Union(ent.box)
	}
	return bb
}

func latCenter(b model.BBox) float64 { return (b.MinLat + b.MaxLat) / 2 }
func lonCenter(b model.BBox) float64 { return (b.MinLon + b.MaxLon) / 2 }

func overlapArea(a, b model.BBox) float64 {
	dLat := math.Min(a.MaxLat, b.MaxLat) - math.Max(a.MinLat, b.MinLat)
	dLon := math.Min(a.MaxLon, b.MaxLon) - math.Max(a.MinLon, b.MinLon)
	if dLat <= 0 || dLon <= 0 {
		return 0
	}
	return dLat * dLon
}
