// Package locate centres the initial viewport on a client's approximate
// position using a MaxMind city database.
package locate

import (
	"errors"
	"fmt"
	"net"

	"github.com/biter777/countries"
	"github.com/oschwald/maxminddb-golang"
	"github.com/signalsfoundry/aqmap/model"
)

// DefaultSpanMeters is the side of the region centred on a located client.
const DefaultSpanMeters = 1000

var (
	// ErrBadIP is returned for unparseable addresses.
	ErrBadIP = errors.New("invalid ip address")
	// ErrNoLocation is returned when the database has no coordinates for the address.
	ErrNoLocation = errors.New("no location for address")
)

// Place is what the database knows about an address.
type Place struct {
	Coordinate  model.Coordinate
	City        string
	CountryCode string
	Country     string
}

type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  *float64 `maxminddb:"latitude"`
		Longitude *float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// Locator resolves addresses against an open database.
type Locator struct {
	reader *maxminddb.Reader
}

// Open memory-maps the database at path.
func Open(path string) (*Locator, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Locator{reader: r}, nil
}

// FromBytes reads a database held in memory.
func FromBytes(b []byte) (*Locator, error) {
	r, err := maxminddb.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("read geoip database: %w", err)
	}
	return &Locator{reader: r}, nil
}

// Close releases the database.
func (l *Locator) Close() error {
	return l.reader.Close()
}

// Lookup resolves addr.
func (l *Locator) Lookup(addr string) (Place, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return Place{}, fmt.Errorf("%w: %q", ErrBadIP, addr)
	}
	var rec cityRecord
	if err := l.reader.Lookup(ip, &rec); err != nil {
		return Place{}, fmt.Errorf("lookup %s: %w", addr, err)
	}
	return placeOf(rec, addr)
}

// InitialViewport resolves addr and returns the place with the viewport of a
// DefaultSpanMeters region centred on it.
func (l *Locator) InitialViewport(addr string) (Place, model.Viewport, error) {
	p, err := l.Lookup(addr)
	if err != nil {
		return Place{}, model.Viewport{}, err
	}
	return p, ViewportOf(p), nil
}

// ViewportOf is the DefaultSpanMeters region centred on p.
func ViewportOf(p Place) model.Viewport {
	return model.NewRegionMeters(p.Coordinate, DefaultSpanMeters, DefaultSpanMeters).BBox()
}

func placeOf(rec cityRecord, addr string) (Place, error) {
	if rec.Location.Latitude == nil || rec.Location.Longitude == nil {
		return Place{}, fmt.Errorf("%w: %s", ErrNoLocation, addr)
	}
	p := Place{
		Coordinate:  model.Coordinate{Lat: *rec.Location.Latitude, Lon: *rec.Location.Longitude},
		City:        rec.City.Names["en"],
		CountryCode: rec.Country.ISOCode,
	}
	if !p.Coordinate.Valid() {
		return Place{}, fmt.Errorf("%w: %s", ErrNoLocation, addr)
	}
	if c := countries.ByName(p.CountryCode); c != countries.Unknown {
		p.Country = c.String()
	}
	return p, nil
}
