package source

import (
	"fmt"
	"io"
	"strconv"
	"time"

	geojson "github.com/paulmach/go.geojson"
	"github.com/signalsfoundry/aqmap/model"
)

// ExportGeoJSON renders entities as a FeatureCollection of points. Each
// feature carries the entity id, kind and payload attributes as properties.
func ExportGeoJSON(entities []model.Entity) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, e := range entities {
		f := geojson.NewPointFeature([]float64{e.Coordinate.Lon, e.Coordinate.Lat})
		f.ID = e.ID
		r := RecordOf(e)
		f.SetProperty("id", r.ID)
		f.SetProperty("kind", r.Kind)
		f.SetProperty("name", r.Name)
		if aqi, ok := e.AQI(); ok {
			f.SetProperty("aqi", aqi)
			f.SetProperty("category", model.CategoryForAQI(aqi).String())
		}
		switch e.Kind() {
		case model.KindSensor:
			f.SetProperty("temperatureC", r.TemperatureC)
			f.SetProperty("humidity", r.Humidity)
			f.SetProperty("indoor", r.Indoor)
		case model.KindPollenSensor:
			f.SetProperty("pollenIndex", r.PollenIndex)
			f.SetProperty("dominant", r.Dominant)
		case model.KindCity:
			f.SetProperty("countryCode", r.CountryCode)
			f.SetProperty("sensorCount", r.SensorCount)
		case model.KindWildfire:
			f.SetProperty("description", r.Description)
			f.SetProperty("acres", r.Acres)
		case model.KindAirNowStation:
			if !r.LastUpdated.IsZero() {
				f.SetProperty("lastUpdated", r.LastUpdated.UTC().Format(time.RFC3339))
			}
		}
		fc.AddFeature(f)
	}
	return fc.MarshalJSON()
}

// LoadGeoJSON reads a FeatureCollection of point features back into
// entities. Non-point features are skipped; malformed points are reported.
func LoadGeoJSON(r io.Reader) ([]model.Entity, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}

	records := make([]Record, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil || !f.Geometry.IsPoint() {
			continue
		}
		if len(f.Geometry.Point) < 2 {
			return nil, fmt.Errorf("%w: feature %d has a short point", ErrBadRecord, i)
		}
		rec := Record{
			ID:   featureID(f),
			Kind: f.PropertyMustString("kind", model.KindSensor.String()),
			Lon:  f.Geometry.Point[0],
			Lat:  f.Geometry.Point[1],
			Name: f.PropertyMustString("name", ""),

			AQI:          int(f.PropertyMustFloat64("aqi", 0)),
			TemperatureC: f.PropertyMustFloat64("temperatureC", 0),
			Humidity:     f.PropertyMustFloat64("humidity", 0),
			Indoor:       f.PropertyMustBool("indoor", false),
			PollenIndex:  int(f.PropertyMustFloat64("pollenIndex", 0)),
			Dominant:     f.PropertyMustString("dominant", ""),
			CountryCode:  f.PropertyMustString("countryCode", ""),
			SensorCount:  int(f.PropertyMustFloat64("sensorCount", 0)),
			Description:  f.PropertyMustString("description", ""),
			Acres:        f.PropertyMustFloat64("acres", 0),
		}
		if ts := f.PropertyMustString("lastUpdated", ""); ts != "" {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("%w: feature %d lastUpdated: %v", ErrBadRecord, i, err)
			}
			rec.LastUpdated = t
		}
		records = append(records, rec)
	}
	return Entities(records)
}

func featureID(f *geojson.Feature) string {
	if id := f.PropertyMustString("id", ""); id != "" {
		return id
	}
	switch v := f.ID.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
