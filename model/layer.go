package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownLayer is returned when a layer name cannot be resolved.
var ErrUnknownLayer = errors.New("unknown layer")

// Layer is a mutually exclusive partition of entity space. Only one layer's
// markers are shown at a time.
type Layer int

const (
	LayerSensors Layer = iota
	LayerPollen
	LayerCities
	LayerWildfires
	LayerAirNow
)

// AllLayers lists every layer in display order.
var AllLayers = []Layer{LayerSensors, LayerPollen, LayerCities, LayerWildfires, LayerAirNow}

var layerInfo = map[Layer]struct {
	name    string
	kind    Kind
	persist bool
}{
	LayerSensors:   {name: "sensors", kind: KindSensor},
	LayerPollen:    {name: "pollen", kind: KindPollenSensor},
	LayerCities:    {name: "cities", kind: KindCity},
	LayerWildfires: {name: "wildfires", kind: KindWildfire, persist: true},
	LayerAirNow:    {name: "airnow", kind: KindAirNowStation, persist: true},
}

func (l Layer) String() string {
	if info, ok := layerInfo[l]; ok {
		return info.name
	}
	return fmt.Sprintf("layer(%d)", int(l))
}

// Kind is the marker kind associated with the layer.
func (l Layer) Kind() Kind {
	return layerInfo[l].kind
}

// PersistsBetweenUpdates reports whether the layer's markers are added
// wholesale and kept across viewport changes instead of being sampled.
func (l Layer) PersistsBetweenUpdates() bool {
	return layerInfo[l].persist
}

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	_, ok := layerInfo[l]
	return ok
}

// ParseLayer resolves a layer by name.
func ParseLayer(s string) (Layer, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, info := range layerInfo {
		if info.name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLayer, s)
}

// LayerForKind returns the layer that displays the given kind.
func LayerForKind(k Kind) (Layer, bool) {
	for l, info := range layerInfo {
		if info.kind == k {
			return l, true
		}
	}
	return 0, false
}
