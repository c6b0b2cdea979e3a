package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/facegate/pkg/storage/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Open connects to Postgres through the pgx stdlib driver and applies the
// embedded migrations.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return db, nil
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// PostgresStore implements CredentialStore on the admin_credentials table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a credential store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get loads the credential for email.
func (s *PostgresStore) Get(ctx context.Context, email string) (*AdminCredential, error) {
	query :=
		`SELECT email, password_hash, updated_at FROM admin_credentials
		 WHERE email = $1`

	cred := &AdminCredential{}
	err := s.db.QueryRowContext(ctx, query, NormalizeEmail(email)).
		Scan(&cred.Email, &cred.PasswordHash, &cred.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return cred, nil
}

// Put inserts or replaces the credential in a single statement.
func (s *PostgresStore) Put(ctx context.Context, cred AdminCredential) error {
	email := NormalizeEmail(cred.Email)
	if email == "" || cred.PasswordHash == "" {
		return errors.New("credential needs email and password hash")
	}
	updated := cred.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query :=
		`INSERT INTO admin_credentials (email, password_hash, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO UPDATE
		 SET password_hash = EXCLUDED.password_hash, updated_at = EXCLUDED.updated_at`

	if _, err := s.db.ExecContext(ctx, query, email, cred.PasswordHash, updated); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Delete removes the credential for email.
func (s *PostgresStore) Delete(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admin_credentials WHERE email = $1`, NormalizeEmail(email))
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
