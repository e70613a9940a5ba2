package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/biter777/countries"
)

// Kind tags the marker variant an entity renders as.
type Kind int

const (
	KindUnknown Kind = iota
	KindSensor
	KindPollenSensor
	KindCity
	KindWildfire
	KindAirNowStation
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindSensor:        "sensor",
	KindPollenSensor:  "pollen",
	KindCity:          "city",
	KindWildfire:      "wildfire",
	KindAirNowStation: "airnow",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name back to its Kind. Unknown names return
// KindUnknown and false.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if k != KindUnknown && name == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// Payload carries the mutable attributes of an entity. The set of
// implementations is closed; consumers switch on the concrete type.
//
// Every implementation is a comparable value type, so two payloads are equal
// exactly when == holds.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Sensor is an individual air-quality sensor reading.
type Sensor struct {
	Name         string
	AQI          int
	TemperatureC float64
	Humidity     float64
	Indoor       bool
}

// PollenReading is a pollen sensor reading.
type PollenReading struct {
	Name     string
	Index    int
	Dominant string
}

// City is an air-quality summary aggregated over a city.
type City struct {
	Name        string
	CountryCode string
	AQI         int
	SensorCount int
}

// Wildfire is an active fire incident.
type Wildfire struct {
	Name        string
	Description string
	AcresBurned float64
}

// AirNowStation is a reporting station from the AirNow network.
type AirNowStation struct {
	Name        string
	AQI         int
	LastUpdated time.Time
}

func (Sensor) Kind() Kind        { return KindSensor }
func (PollenReading) Kind() Kind { return KindPollenSensor }
func (City) Kind() Kind          { return KindCity }
func (Wildfire) Kind() Kind      { return KindWildfire }
func (AirNowStation) Kind() Kind { return KindAirNowStation }

func (Sensor) isPayload()        {}
func (PollenReading) isPayload() {}
func (City) isPayload()          {}
func (Wildfire) isPayload()      {}
func (AirNowStation) isPayload() {}

// CountryName resolves the ISO country code to a display name, falling back
// to the raw code.
func (c City) CountryName() string {
	if c.CountryCode == "" {
		return ""
	}
	cc := countries.ByName(c.CountryCode)
	if cc == countries.Unknown {
		return c.CountryCode
	}
	return cc.String()
}

// Key is the identity of an entity. Two entities with equal keys are the same
// entity, possibly with different attributes.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string { return k.Kind.String() + "/" + k.ID }

// Less orders keys by kind, then ID.
func (k Key) Less(o Key) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	return k.ID < o.ID
}

// Entity is a geo-tagged point with a stable identity and mutable payload.
type Entity struct {
	ID         string
	Coordinate Coordinate
	Payload    Payload
}

// Kind returns the payload's kind, or KindUnknown when no payload is set.
func (e Entity) Kind() Kind {
	if e.Payload == nil {
		return KindUnknown
	}
	return e.Payload.Kind()
}

// Key returns the entity identity.
func (e Entity) Key() Key { return Key{Kind: e.Kind(), ID: e.ID} }

// SameState reports whether two entities carry identical coordinates and
// payload. Identity is not compared.
func (e Entity) SameState(o Entity) bool {
	return e.Coordinate == o.Coordinate && e.Payload == o.Payload
}

// AQI returns the air quality index carried by the payload, if any.
func (e Entity) AQI() (int, bool) {
	switch p := e.Payload.(type) {
	case Sensor:
		return p.AQI, true
	case City:
		return p.AQI, true
	case AirNowStation:
		return p.AQI, true
	default:
		return 0, false
	}
}

// KeySet indexes entities by identity. Later duplicates are ignored.
func KeySet(entities []Entity) map[Key]Entity {
	set := make(map[Key]Entity, len(entities))
	for _, e := range entities {
		if _, ok := set[e.Key()]; !ok {
			set[e.Key()] = e
		}
	}
	return set
}
