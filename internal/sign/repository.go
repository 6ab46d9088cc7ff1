package sign

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines persistence for signs.
// This abstraction allows SQLite in production and mocks in tests.
type Repository interface {
	// GetByID retrieves a sign. Returns ErrSignNotFound if absent.
	GetByID(ctx context.Context, id string) (*Sign, error)

	// List retrieves every sign ordered by ID.
	List(ctx context.Context) ([]Sign, error)

	// Create inserts a new sign. Returns ErrSignExists on duplicate IDs.
	Create(ctx context.Context, s *Sign) error

	// Save overwrites the mutable fields of an existing sign.
	// Returns ErrSignNotFound if the sign does not exist.
	Save(ctx context.Context, s *Sign) error
}

// SQLiteRepository implements Repository using the signs table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectSigns = `
	SELECT id, name, status, battery, signal, latitude, longitude,
		heading, last_seen, current_mode
	FROM signs`

// GetByID retrieves a sign by ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Sign, error) {
	s, err := scanSign(r.db.QueryRowContext(ctx, selectSigns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSignNotFound
		}
		return nil, fmt.Errorf("querying sign %s: %w", id, err)
	}
	return s, nil
}

// List retrieves all signs ordered by ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Sign, error) {
	rows, err := r.db.QueryContext(ctx, selectSigns+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying signs: %w", err)
	}
	defer rows.Close()

	var signs []Sign
	for rows.Next() {
		s, err := scanSign(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sign: %w", err)
		}
		signs = append(signs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signs: %w", err)
	}
	return signs, nil
}

// Create inserts a new sign.
func (r *SQLiteRepository) Create(ctx context.Context, s *Sign) error {
	now := time.Now().UTC().Format(time.RFC3339)
	lat, lon := positionColumns(s.Position)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signs (id, name, status, battery, signal, latitude, longitude,
			heading, last_seen, current_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, string(s.Status), nullableInt(s.Battery), nullableInt(s.Signal),
		lat, lon, s.Heading, nullableTime(s.LastSeen), int(s.CurrentMode), now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSignExists
		}
		return fmt.Errorf("inserting sign %s: %w", s.ID, err)
	}
	return nil
}

// Save overwrites every mutable column of an existing sign.
func (r *SQLiteRepository) Save(ctx context.Context, s *Sign) error {
	lat, lon := positionColumns(s.Position)

	res, err := r.db.ExecContext(ctx, `
		UPDATE signs SET name = ?, status = ?, battery = ?, signal = ?,
			latitude = ?, longitude = ?, heading = ?, last_seen = ?,
			current_mode = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, string(s.Status), nullableInt(s.Battery), nullableInt(s.Signal),
		lat, lon, s.Heading, nullableTime(s.LastSeen), int(s.CurrentMode),
		time.Now().UTC().Format(time.RFC3339), s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating sign %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrSignNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSign(scanner rowScanner) (*Sign, error) {
	var s Sign
	var status string
	var battery, signal sql.NullInt64
	var lat, lon sql.NullFloat64
	var lastSeen sql.NullString
	var mode int

	if err := scanner.Scan(&s.ID, &s.Name, &status, &battery, &signal,
		&lat, &lon, &s.Heading, &lastSeen, &mode); err != nil {
		return nil, err
	}

	s.Status = Status(status)
	s.CurrentMode = Mode(mode)
	if battery.Valid {
		v := int(battery.Int64)
		s.Battery = &v
	}
	if signal.Valid {
		v := int(signal.Int64)
		s.Signal = &v
	}
	if lat.Valid && lon.Valid {
		s.Position = &Position{Lat: lat.Float64, Lon: lon.Float64}
	}
	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		s.LastSeen = &t
	}
	return &s, nil
}

func positionColumns(p *Position) (lat, lon sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lat, Valid: true}, sql.NullFloat64{Float64: p.Lon, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// nullableTime stores times as RFC3339 with nanoseconds so LastSeen
// round-trips exactly.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
