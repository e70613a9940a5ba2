// Package source feeds entities into the layer stores from outside the data
// server: GeoJSON files, a live websocket stream and a Postgres table of
// sensors.
package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/aqmap/model"
)

// ErrBadRecord is wrapped by every record conversion failure.
var ErrBadRecord = errors.New("bad record")

// Record is the flat wire form of an entity shared by the stream and the
// Postgres loader. Fields that do not apply to the record's kind are ignored.
type Record struct {
	ID   string  `json:"id"`
	Kind string  `json:"kind"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name"`

	AQI          int     `json:"aqi,omitempty"`
	TemperatureC float64 `json:"temperatureC,omitempty"`
	Humidity     float64 `json:"humidity,omitempty"`
	Indoor       bool    `json:"indoor,omitempty"`

	PollenIndex int    `json:"pollenIndex,omitempty"`
	Dominant    string `json:"dominant,omitempty"`

	CountryCode string  `json:"countryCode,omitempty"`
	SensorCount int     `json:"sensorCount,omitempty"`
	Description string  `json:"description,omitempty"`
	Acres       float64 `json:"acres,omitempty"`

	LastUpdated time.Time `json:"lastUpdated,omitzero"`
}

// Entity converts the record.
func (r Record) Entity() (model.Entity, error) {
	if r.ID == "" {
		return model.Entity{}, fmt.Errorf("%w: missing id", ErrBadRecord)
	}
	coord := model.Coordinate{Lat: r.Lat, Lon: r.Lon}
	if !coord.Valid() {
		return model.Entity{}, fmt.Errorf("%w: %s has invalid coordinate %s", ErrBadRecord, r.ID, coord)
	}
	kind, ok := model.ParseKind(r.Kind)
	if !ok {
		return model.Entity{}, fmt.Errorf("%w: %s has unknown kind %q", ErrBadRecord, r.ID, r.Kind)
	}

	var p model.Payload
	switch kind {
	case model.KindSensor:
		p = model.Sensor{Name: r.Name, AQI: r.AQI, TemperatureC: r.TemperatureC, Humidity: r.Humidity, Indoor: r.Indoor}
	case model.KindPollenSensor:
		p = model.PollenReading{Name: r.Name, Index: r.PollenIndex, Dominant: r.Dominant}
	case model.KindCity:
		p = model.City{Name: r.Name, CountryCode: r.CountryCode, AQI: r.AQI, SensorCount: r.SensorCount}
	case model.KindWildfire:
		p = model.Wildfire{Name: r.Name, Description: r.Description, AcresBurned: r.Acres}
	case model.KindAirNowStation:
		p = model.AirNowStation{Name: r.Name, AQI: r.AQI, LastUpdated: r.LastUpdated.UTC()}
	}
	return model.Entity{ID: r.ID, Coordinate: coord, Payload: p}, nil
}

// RecordOf flattens an entity.
func RecordOf(e model.Entity) Record {
	r := Record{
		ID:   e.ID,
		Kind: e.Kind().String(),
		Lat:  e.Coordinate.Lat,
		Lon:  e.Coordinate.Lon,
	}
	switch p := e.Payload.(type) {
	case model.Sensor:
		r.Name, r.AQI, r.TemperatureC, r.Humidity, r.Indoor = p.Name, p.AQI, p.TemperatureC, p.Humidity, p.Indoor
	case model.PollenReading:
		r.Name, r.PollenIndex, r.Dominant = p.Name, p.Index, p.Dominant
	case model.City:
		r.Name, r.CountryCode, r.AQI, r.SensorCount = p.Name, p.CountryCode, p.AQI, p.SensorCount
	case model.Wildfire:
		r.Name, r.Description, r.Acres = p.Name, p.Description, p.AcresBurned
	case model.AirNowStation:
		r.Name, r.AQI, r.LastUpdated = p.Name, p.AQI, p.LastUpdated
	}
	return r
}

// Entities converts a batch, returning the good entities and every failure
// joined together.
func Entities(records []Record) ([]model.Entity, error) {
	out := make([]model.Entity, 0, len(records))
	var errs []error
	for _, r := range records {
		e, err := r.Entity()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errors.Join(errs...)
}
