package fetch

import (
	"strings"
	"time"

	"github.com/signalsfoundry/aqmap/model"
)

type entityDTO interface {
	entity() (model.Entity, bool)
}

type cityDTO struct {
	PlaceID     string  `json:"placeId"`
	Name        string  `json:"name"`
	CountryCode string  `json:"countryCode"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	AQI         int     `json:"aqi"`
	SensorCount int     `json:"sensorCount"`
}

func (d cityDTO) entity() (model.Entity, bool) {
	id := d.PlaceID
	if id == "" {
		id = strings.ToLower(d.Name + "," + d.CountryCode)
	}
	return model.Entity{
		ID:         id,
		Coordinate: model.Coordinate{Lat: d.Latitude, Lon: d.Longitude},
		Payload: model.City{
			Name:        d.Name,
			CountryCode: strings.ToUpper(d.CountryCode),
			AQI:         d.AQI,
			SensorCount: d.SensorCount,
		},
	}, d.Name != ""
}

type wildfireDTO struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Acres       float64 `json:"acres"`
}

func (d wildfireDTO) entity() (model.Entity, bool) {
	return model.Entity{
		ID:         d.ID,
		Coordinate: model.Coordinate{Lat: d.Latitude, Lon: d.Longitude},
		Payload: model.Wildfire{
			Name:        d.Name,
			Description: d.Description,
			AcresBurned: d.Acres,
		},
	}, d.ID != ""
}

type airNowDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	AQI         int       `json:"aqi"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func (d airNowDTO) entity() (model.Entity, bool) {
	return model.Entity{
		ID:         d.ID,
		Coordinate: model.Coordinate{Lat: d.Latitude, Lon: d.Longitude},
		Payload: model.AirNowStation{
			Name:        d.Name,
			AQI:         d.AQI,
			LastUpdated: d.LastUpdated.UTC(),
		},
	}, d.ID != ""
}

// convert drops records without an identity or with an out-of-range
// coordinate.
func convert[T entityDTO](dtos []T) []model.Entity {
	out := make([]model.Entity, 0, len(dtos))
	for _, d := range dtos {
		e, ok := d.entity()
		if !ok || !e.Coordinate.Valid() {
			continue
		}
		out = append(out, e)
	}
	return out
}
