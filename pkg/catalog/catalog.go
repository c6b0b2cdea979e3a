// Package catalog stores car records for the public listing. Records are
// opaque JSON objects; only the admin session may change them.
package catalog

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no car has the given id.
	ErrNotFound = errors.New("car not found")
	// ErrInvalidPayload is returned when a payload is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")
)

// Car is one catalog record.
type Car struct {
	ID        uuid.UUID       `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Repository persists cars.
type Repository interface {
	Insert(ctx context.Context, id uuid.UUID, payload json.RawMessage) (Car, error)
	Update(ctx context.Context, id uuid.UUID, payload json.RawMessage) (Car, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ValidatePayload requires a JSON object.
func ValidatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrInvalidPayload
	}
	return nil
}

// PostgresRepository stores cars in the cars table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over an open database.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert implements Repository.
func (r *PostgresRepository) Insert(ctx context.Context, id uuid.UUID, payload json.RawMessage) (Car, error) {
	const q = `INSERT INTO cars (id, payload, created_at, updated_at)
VALUES ($1, $2, now(), now())
RETURNING id, payload, created_at, updated_at`
	return scanCar(r.db.QueryRowContext(ctx, q, id, []byte(payload)))
}

// Update implements Repository.
func (r *PostgresRepository) Update(ctx context.Context, id uuid.UUID, payload json.RawMessage) (Car, error) {
	const q = `UPDATE cars SET payload = $2, updated_at = now()
WHERE id = $1
RETURNING id, payload, created_at, updated_at`
	return scanCar(r.db.QueryRowContext(ctx, q, id, []byte(payload)))
}

// Delete implements Repository.
func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM cars WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete car: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete car: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCar(row *sql.Row) (Car, error) {
	var (
		car     Car
		payload []byte
	)
	if err := row.Scan(&car.ID, &payload, &car.CreatedAt, &car.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Car{}, ErrNotFound
		}
		return Car{}, fmt.Errorf("scan car: %w", err)
	}
	car.Payload = payload
	return car, nil
}
