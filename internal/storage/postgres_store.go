package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/example/tow-dispatch/internal/models"
)

// PostgresStore keeps one row per dispatch request in dispatch_requests.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the bundled schema files in name order. Every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return applied, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		applied = append(applied, e.Name())
	}
	return applied, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type requestRow struct {
	ID                string          `db:"id"`
	CustomerID        string          `db:"customer_id"`
	CustomerName      string          `db:"customer_name"`
	CustomerPhone     string          `db:"customer_phone"`
	Lat               float64         `db:"lat"`
	Lng               float64         `db:"lng"`
	DestLat           sql.NullFloat64 `db:"dest_lat"`
	DestLng           sql.NullFloat64 `db:"dest_lng"`
	Priority          string          `db:"priority"`
	VehicleType       string          `db:"vehicle_type"`
	Description       string          `db:"description"`
	EstimatedDuration int             `db:"estimated_duration"`
	Status            string          `db:"status"`
	AssignedDriver    sql.NullString  `db:"assigned_driver"`
	CompletedBy       sql.NullString  `db:"completed_by"`
	CreatedAt         time.Time       `db:"created_at"`
	AssignedAt        sql.NullTime    `db:"assigned_at"`
	ExpiresAt         sql.NullTime    `db:"expires_at"`
	AcceptedAt        sql.NullTime    `db:"accepted_at"`
	RejectedAt        sql.NullTime    `db:"rejected_at"`
	CompletedAt       sql.NullTime    `db:"completed_at"`
}

const selectColumns = `id, customer_id, customer_name, customer_phone, lat, lng, dest_lat, dest_lng,
	priority, vehicle_type, description, estimated_duration, status, assigned_driver, completed_by,
	created_at, assigned_at, expires_at, accepted_at, rejected_at, completed_at`

const upsertRequest = `INSERT INTO dispatch_requests (` + selectColumns + `)
VALUES (:id, :customer_id, :customer_name, :customer_phone, :lat, :lng, :dest_lat, :dest_lng,
	:priority, :vehicle_type, :description, :estimated_duration, :status, :assigned_driver, :completed_by,
	:created_at, :assigned_at, :expires_at, :accepted_at, :rejected_at, :completed_at)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	assigned_driver = EXCLUDED.assigned_driver,
	completed_by = EXCLUDED.completed_by,
	assigned_at = EXCLUDED.assigned_at,
	expires_at = EXCLUDED.expires_at,
	accepted_at = EXCLUDED.accepted_at,
	rejected_at = EXCLUDED.rejected_at,
	completed_at = EXCLUDED.completed_at`

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.DispatchRequest, error) {
	var row requestRow
	err := p.db.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM dispatch_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DispatchRequest{}, ErrNotFound
	}
	if err != nil {
		return models.DispatchRequest{}, fmt.Errorf("get request %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r models.DispatchRequest) error {
	if _, err := p.db.NamedExecContext(ctx, upsertRequest, rowFromModel(r)); err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) ListRequests(ctx context.Context, f Filter) ([]models.DispatchRequest, error) {
	query, args, err := buildListQuery(f)
	if err != nil {
		return nil, err
	}
	var rows []requestRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	out := make([]models.DispatchRequest, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// buildListQuery renders the filter with ? placeholders; callers Rebind for the driver.
func buildListQuery(f Filter) (string, []interface{}, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.DriverID != "" {
		where = append(where, "assigned_driver = ?")
		args = append(args, f.DriverID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		clause, inArgs, err := sqlx.In("status IN (?)", statuses)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
		args = append(args, inArgs...)
	}
	query := `SELECT ` + selectColumns + ` FROM dispatch_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	return query, args, nil
}

func rowFromModel(r models.DispatchRequest) requestRow {
	row := requestRow{
		ID:                r.ID,
		CustomerID:        r.CustomerID,
		CustomerName:      r.CustomerName,
		CustomerPhone:     r.CustomerPhone,
		Lat:               r.Location.Lat,
		Lng:               r.Location.Lng,
		Priority:          string(r.Priority),
		VehicleType:       r.VehicleType,
		Description:       r.Description,
		EstimatedDuration: r.EstimatedDuration,
		Status:            string(r.Status),
		AssignedDriver:    nullString(r.AssignedDriver),
		CompletedBy:       nullString(r.CompletedBy),
		CreatedAt:         r.CreatedAt,
		AssignedAt:        nullTime(r.AssignedAt),
		ExpiresAt:         nullTime(r.ExpiresAt),
		AcceptedAt:        nullTime(r.AcceptedAt),
		RejectedAt:        nullTime(r.RejectedAt),
		CompletedAt:       nullTime(r.CompletedAt),
	}
	if r.Destination != nil {
		row.DestLat = sql.NullFloat64{Float64: r.Destination.Lat, Valid: true}
		row.DestLng = sql.NullFloat64{Float64: r.Destination.Lng, Valid: true}
	}
	return row
}

func (row requestRow) toModel() models.DispatchRequest {
	r := models.DispatchRequest{
		ID:                row.ID,
		CustomerID:        row.CustomerID,
		CustomerName:      row.CustomerName,
		CustomerPhone:     row.CustomerPhone,
		Location:          models.Coord{Lat: row.Lat, Lng: row.Lng},
		Priority:          models.Priority(row.Priority),
		VehicleType:       row.VehicleType,
		Description:       row.Description,
		EstimatedDuration: row.EstimatedDuration,
		Status:            models.RequestStatus(row.Status),
		AssignedDriver:    row.AssignedDriver.String,
		CompletedBy:       row.CompletedBy.String,
		CreatedAt:         row.CreatedAt,
		AssignedAt:        timePtr(row.AssignedAt),
		ExpiresAt:         timePtr(row.ExpiresAt),
		AcceptedAt:        timePtr(row.AcceptedAt),
		RejectedAt:        timePtr(row.RejectedAt),
		CompletedAt:       timePtr(row.CompletedAt),
	}
	if row.DestLat.Valid && row.DestLng.Valid {
		r.Destination = &models.Coord{Lat: row.DestLat.Float64, Lng: row.DestLng.Float64}
	}
	return r
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
