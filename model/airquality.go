package model

// AQICategory is an EPA air quality band.
type AQICategory int

const (
	AQIGood AQICategory = iota
	AQIModerate
	AQIUnhealthySensitive
	AQIUnhealthy
	AQIVeryUnhealthy
	AQIHazardous
)

var aqiCategoryNames = [...]string{
	"good",
	"moderate",
	"unhealthy for sensitive groups",
	"unhealthy",
	"very unhealthy",
	"hazardous",
}

func (c AQICategory) String() string {
	if c < 0 || int(c) >= len(aqiCategoryNames) {
		return "unknown"
	}
	return aqiCategoryNames[c]
}

// CategoryForAQI maps an index value onto its band.
func CategoryForAQI(aqi int) AQICategory {
	switch {
	case aqi <= 50:
		return AQIGood
	case aqi <= 100:
		return AQIModerate
	case aqi <= 150:
		return AQIUnhealthySensitive
	case aqi <= 200:
		return AQIUnhealthy
	case aqi <= 300:
		return AQIVeryUnhealthy
	default:
		return AQIHazardous
	}
}

// TemperatureUnit selects how sensor temperatures are displayed.
type TemperatureUnit int

const (
	Celsius TemperatureUnit = iota
	Fahrenheit
	Kelvin
)

// FromCelsius converts a Celsius reading into the unit.
func (u TemperatureUnit) FromCelsius(c float64) float64 {
	switch u {
	case Fahrenheit:
		return c*9/5 + 32
	case Kelvin:
		return c + 273.15
	default:
		return c
	}
}

// Symbol is the display suffix for the unit.
func (u TemperatureUnit) Symbol() string {
	switch u {
	case Fahrenheit:
		return "°F"
	case Kelvin:
		return "K"
	default:
		return "°C"
	}
}
