package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"stm-tracker/internal/bus"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Store persists lines, path points, units and location logs.
//
// Creates and inserts pass through a single-permit write gate; reads go
// straight to the pool. A write that has started is not abandoned when
// the caller's context is cancelled.
type Store struct {
	db   *sql.DB
	gate *semaphore.Weighted
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, gate: semaphore.NewWeighted(1)}
}

func (s *Store) write(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.gate.Release(1)
	return fn(ctx)
}

// CreateLine inserts a new line. The variant id must be unused.
func (s *Store) CreateLine(ctx context.Context, l bus.Line) (bus.Line, error) {
	err := s.write(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO lines (bus, destination, going, variant_id) VALUES ($1, $2, $3, $4) RETURNING id`,
			l.Bus, l.Destination, l.Going, l.VariantID,
		).Scan(&l.ID)
	})
	if err != nil {
		return bus.Line{}, &WriteError{Entity: "line", Attrs: l, Err: err}
	}
	return l, nil
}

// LinesByBus returns every line (one per variant) of a bus code.
func (s *Store) LinesByBus(ctx context.Context, busCode string) ([]bus.Line, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bus, destination, going, variant_id FROM lines WHERE bus = $1 ORDER BY variant_id`, busCode)
	if err != nil {
		return nil, errors.Wrapf(err, "query lines for bus %s", busCode)
	}
	defer rows.Close()

	var lines []bus.Line
	for rows.Next() {
		var l bus.Line
		if err := rows.Scan(&l.ID, &l.Bus, &l.Destination, &l.Going, &l.VariantID); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// LineByVariant returns nil, nil when no line has the variant.
func (s *Store) LineByVariant(ctx context.Context, variantID int) (*bus.Line, error) {
	var l bus.Line
	err := s.db.QueryRowContext(ctx,
		`SELECT id, bus, destination, going, variant_id FROM lines WHERE variant_id = $1`, variantID,
	).Scan(&l.ID, &l.Bus, &l.Destination, &l.Going, &l.VariantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query line for variant %d", variantID)
	}
	return &l, nil
}

// PathPoints returns the line's path ordered by sequence.
func (s *Store) PathPoints(ctx context.Context, lineID int64) ([]bus.PathPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, line_id, sequence, external_id, name, type
           FROM path_points WHERE line_id = $1 ORDER BY sequence`, lineID)
	if err != nil {
		return nil, errors.Wrapf(err, "query path points for line %d", lineID)
	}
	defer rows.Close()

	var pts []bus.PathPoint
	for rows.Next() {
		var p bus.PathPoint
		if err := rows.Scan(&p.ID, &p.LineID, &p.Sequence, &p.ExternalID, &p.Name, &p.Type); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

func (s *Store) CreatePathPoint(ctx context.Context, p bus.PathPoint) (bus.PathPoint, error) {
	err := s.write(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO path_points (line_id, sequence, external_id, name, type) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			p.LineID, p.Sequence, p.ExternalID, p.Name, p.Type,
		).Scan(&p.ID)
	})
	if err != nil {
		return bus.PathPoint{}, &WriteError{Entity: "path point", Attrs: p, Err: err}
	}
	return p, nil
}

// UnitByKey returns nil, nil for an unknown unit.
func (s *Store) UnitByKey(ctx context.Context, key bus.UnitKey) (*bus.Unit, error) {
	var u bus.Unit
	err := s.db.QueryRowContext(ctx,
		`SELECT id, unit_id, universal_access FROM units WHERE unit_id = $1`, int(key),
	).Scan(&u.ID, &u.UnitID, &u.UniversalAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", key)
	}
	return &u, nil
}

// GetOrCreateUnit returns the unit with the given natural key, inserting it
// first if needed. Concurrent callers for the same unit id converge on one
// row and always get it fully populated.
func (s *Store) GetOrCreateUnit(ctx context.Context, unitID int, universalAccess bool) (bus.Unit, error) {
	if u, err := s.UnitByKey(ctx, bus.UnitKey(unitID)); err != nil || u != nil {
		if err != nil {
			return bus.Unit{}, err
		}
		return *u, nil
	}

	u := bus.Unit{UnitID: unitID, UniversalAccess: universalAccess}
	err := s.write(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO units (unit_id, universal_access) VALUES ($1, $2) ON CONFLICT (unit_id) DO NOTHING`,
			unitID, universalAccess,
		); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx,
			`SELECT id, unit_id, universal_access FROM units WHERE unit_id = $1`, unitID,
		).Scan(&u.ID, &u.UnitID, &u.UniversalAccess)
	})
	if err != nil {
		return bus.Unit{}, &WriteError{Entity: "unit", Attrs: u, Err: err}
	}
	return u, nil
}

func (s *Store) AppendLocationLog(ctx context.Context, l bus.LocationLog) (bus.LocationLog, error) {
	err := s.write(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO location_logs (line_id, unit_id, expected_time, route_id, latitude, longitude, "timestamp")
             VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			l.LineID, l.UnitID, l.ExpectedTime, l.RouteID, l.Latitude, l.Longitude, l.Timestamp,
		).Scan(&l.ID)
	})
	if err != nil {
		return bus.LocationLog{}, &WriteError{Entity: "location log", Attrs: l, Err: err}
	}
	return l, nil
}

// LastLocationLog returns the unit's most recent log, or nil if it has none.
func (s *Store) LastLocationLog(ctx context.Context, unitRowID int64) (*bus.LocationLog, error) {
	var l bus.LocationLog
	err := s.db.QueryRowContext(ctx,
		`SELECT id, line_id, unit_id, expected_time, route_id, latitude, longitude, "timestamp"
           FROM location_logs WHERE unit_id = $1 ORDER BY "timestamp" DESC, id DESC LIMIT 1`, unitRowID,
	).Scan(&l.ID, &l.LineID, &l.UnitID, &l.ExpectedTime, &l.RouteID, &l.Latitude, &l.Longitude, &l.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query last location of unit row %d", unitRowID)
	}
	return &l, nil
}
