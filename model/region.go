package model

import (
	"fmt"
	"math"
)

// metersPerDegreeLat is the approximate length of one degree of latitude.
const metersPerDegreeLat = 111_320.0

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.5f, %.5f)", c.Lat, c.Lon)
}

// Valid reports whether the coordinate lies within the lat/lon domain.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lon)
}

// BBox is a closed, axis-aligned box in latitude/longitude space. The
// viewport handed to the sampler is a BBox.
type BBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// Viewport is the currently visible geographic bounding box.
type Viewport = BBox

// World covers every valid coordinate.
var World = BBox{MinLat: -90, MinLon: -180, MaxLat: 90, MaxLon: 180}

// BBoxOf returns the smallest box containing the given corners, in any order.
func BBoxOf(a, b Coordinate) BBox {
	return BBox{
		MinLat: math.Min(a.Lat, b.Lat),
		MinLon: math.Min(a.Lon, b.Lon),
		MaxLat: math.Max(a.Lat, b.Lat),
		MaxLon: math.Max(a.Lon, b.Lon),
	}
}

// PointBox is the degenerate box covering a single coordinate.
func PointBox(c Coordinate) BBox {
	return BBox{MinLat: c.Lat, MinLon: c.Lon, MaxLat: c.Lat, MaxLon: c.Lon}
}

// IsEmpty reports whether the box is inverted or contains NaN bounds. A
// zero-area box is not empty: it still contains its single point.
func (b BBox) IsEmpty() bool {
	return !(b.MinLat <= b.MaxLat && b.MinLon <= b.MaxLon)
}

// Contains reports whether c lies inside the closed box.
func (b BBox) Contains(c Coordinate) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat &&
		c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// Intersects reports whether the two closed boxes share any point.
func (b BBox) Intersects(o BBox) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat &&
		b.MinLon <= o.MaxLon && o.MinLon <= b.MaxLon
}

// Union returns the smallest box containing both boxes.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		MinLat: math.Min(b.MinLat, o.MinLat),
		MinLon: math.Min(b.MinLon, o.MinLon),
		MaxLat: math.Max(b.MaxLat, o.MaxLat),
		MaxLon: math.Max(b.MaxLon, o.MaxLon),
	}
}

// Area is the box area in square degrees; zero for empty boxes.
func (b BBox) Area() float64 {
	if b.IsEmpty() {
		return 0
	}
	return (b.MaxLat - b.MinLat) * (b.MaxLon - b.MinLon)
}

// TopLeft is the north-west corner.
func (b BBox) TopLeft() Coordinate { return Coordinate{Lat: b.MaxLat, Lon: b.MinLon} }

// BottomRight is the south-east corner.
func (b BBox) BottomRight() Coordinate { return Coordinate{Lat: b.MinLat, Lon: b.MaxLon} }

func (b BBox) String() string {
	return fmt.Sprintf("[%.5f,%.5f .. %.5f,%.5f]", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// Region is a map camera: a center plus the latitude/longitude span in
// degrees that is visible around it.
type Region struct {
	Center   Coordinate
	LatDelta float64
	LonDelta float64
}

// NewRegionMeters builds a region spanning the given distances around center.
func NewRegionMeters(center Coordinate, latMeters, lonMeters float64) Region {
	cos := math.Cos(center.Lat * math.Pi / 180)
	lonDelta := 360.0
	if cos > 1e-9 {
		lonDelta = lonMeters / (metersPerDegreeLat * cos)
	}
	return Region{
		Center:   center,
		LatDelta: latMeters / metersPerDegreeLat,
		LonDelta: math.Min(lonDelta, 360),
	}
}

// BBox derives the viewport as center ± span/2. Regions crossing the
// antimeridian are not split, so the resulting box wraps incorrectly there.
func (r Region) BBox() BBox {
	halfLat := math.Abs(r.LatDelta) / 2
	halfLon := math.Abs(r.LonDelta) / 2
	return BBox{
		MinLat: r.Center.Lat - halfLat,
		MinLon: r.Center.Lon - halfLon,
		MaxLat: r.Center.Lat + halfLat,
		MaxLon: r.Center.Lon + halfLon,
	}
}
