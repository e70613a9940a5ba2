package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/signalsfoundry/aqmap/model"
)

const sensorColumns = `id, kind, lat, lon, name, aqi, temperature_c, humidity, indoor, pollen_index, dominant`

// PostgresSensors loads sensor and pollen readings from the sensors table.
type PostgresSensors struct {
	db *sql.DB
}

// OpenPostgres opens a pooled connection to dsn.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}

// NewPostgresSensors wraps an open database.
func NewPostgresSensors(db *sql.DB) *PostgresSensors {
	return &PostgresSensors{db: db}
}

// InViewport returns readings inside vp, skipping the excluded ids.
func (p *PostgresSensors) InViewport(ctx context.Context, vp model.BBox, excluded []string) ([]model.Entity, error) {
	if vp.IsEmpty() {
		return nil, nil
	}
	if excluded == nil {
		excluded = []string{}
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sensorColumns+` FROM sensors
		 WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4
		   AND NOT (id = ANY($5))
		 ORDER BY id`,
		vp.MinLat, vp.MaxLat, vp.MinLon, vp.MaxLon, pq.Array(excluded))
	if err != nil {
		return nil, fmt.Errorf("query sensors: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			name     sql.NullString
			aqi      sql.NullInt64
			temp     sql.NullFloat64
			humidity sql.NullFloat64
			indoor   sql.NullBool
			pollen   sql.NullInt64
			dominant sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Lat, &r.Lon, &name, &aqi, &temp, &humidity, &indoor, &pollen, &dominant); err != nil {
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		r.Name = name.String
		r.AQI = int(aqi.Int64)
		r.TemperatureC = temp.Float64
		r.Humidity = humidity.Float64
		r.Indoor = indoor.Bool
		r.PollenIndex = int(pollen.Int64)
		r.Dominant = dominant.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensors: %w", err)
	}
	return Entities(records)
}

// Upsert writes readings, replacing rows with the same id.
func (p *PostgresSensors) Upsert(ctx context.Context, entities []model.Entity) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sensors (`+sensorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		  kind = EXCLUDED.kind, lat = EXCLUDED.lat, lon = EXCLUDED.lon, name = EXCLUDED.name,
		  aqi = EXCLUDED.aqi, temperature_c = EXCLUDED.temperature_c, humidity = EXCLUDED.humidity,
		  indoor = EXCLUDED.indoor, pollen_index = EXCLUDED.pollen_index, dominant = EXCLUDED.dominant`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entities {
		if e.Kind() != model.KindSensor && e.Kind() != model.KindPollenSensor {
			continue
		}
		r := RecordOf(e)
		if _, err := stmt.ExecContext(ctx, r.ID, r.Kind, r.Lat, r.Lon, r.Name, r.AQI,
			r.TemperatureC, r.Humidity, r.Indoor, r.PollenIndex, r.Dominant); err != nil {
			return fmt.Errorf("upsert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// EnsureSchema creates the sensors table when missing.
func (p *PostgresSensors) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sensors (
		id            TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		lat           DOUBLE PRECISION NOT NULL,
		lon           DOUBLE PRECISION NOT NULL,
		name          TEXT,
		aqi           INTEGER,
		temperature_c DOUBLE PRECISION,
		humidity      DOUBLE PRECISION,
		indoor        BOOLEAN,
		pollen_index  INTEGER,
		dominant      TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create sensors table: %w", err)
	}
	return nil
}
