package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DescriptorRecord is one remotely enrolled face. Ciphertext is opaque
// vault output; the plaintext descriptor is never stored.
type DescriptorRecord struct {
	ID         string
	Label      string
	Ciphertext string
	CreatedAt  time.Time
}

// DescriptorRepository stores encrypted descriptors.
type DescriptorRepository interface {
	List(ctx context.Context) ([]DescriptorRecord, error)
	Put(ctx context.Context, rec DescriptorRecord) error
	Delete(ctx context.Context, id string) error
}

// PostgresDescriptors implements DescriptorRepository on the
// authorized_descriptors table.
type PostgresDescriptors struct {
	db *sql.DB
}

// NewPostgresDescriptors creates a repository over db.
func NewPostgresDescriptors(db *sql.DB) *PostgresDescriptors {
	return &PostgresDescriptors{db: db}
}

// List returns every record ordered by id.
func (r *PostgresDescriptors) List(ctx context.Context) ([]DescriptorRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, label, ciphertext, created_at FROM authorized_descriptors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []DescriptorRecord
	for rows.Next() {
		var rec DescriptorRecord
		if err := rows.Scan(&rec.ID, &rec.Label, &rec.Ciphertext, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// Put inserts or replaces a record.
func (r *PostgresDescriptors) Put(ctx context.Context, rec DescriptorRecord) error {
	if rec.ID == "" || rec.Ciphertext == "" {
		return errors.New("descriptor record needs id and ciphertext")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	query :=
		`INSERT INTO authorized_descriptors (id, label, ciphertext, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET label = EXCLUDED.label, ciphertext = EXCLUDED.ciphertext`

	if _, err := r.db.ExecContext(ctx, query, rec.ID, rec.Label, rec.Ciphertext, created); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Delete removes a record.
func (r *PostgresDescriptors) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM authorized_descriptors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
