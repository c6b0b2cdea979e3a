// Package storage persists admin credentials and remotely enrolled face
// descriptors. Descriptors are stored only as vault ciphertext.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrCodeEU/facegate/pkg/logging"
)

// AdminCredential is the stored password hash for one admin email.
type AdminCredential struct {
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CredentialStore reads and atomically overwrites admin credentials.
// Put replaces any previous credential for the same email; no history is kept.
type CredentialStore interface {
	Get(ctx context.Context, email string) (*AdminCredential, error)
	Put(ctx context.Context, cred AdminCredential) error
	Delete(ctx context.Context, email string) error
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStorageAccess is returned when storage cannot be accessed.
var ErrStorageAccess = errors.New("failed to access storage")

// NormalizeEmail lower-cases and trims an email so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FileStore implements CredentialStore with one JSON file per credential.
type FileStore struct {
	dataDir string
}

// NewFileStore creates a new FileStore rooted at dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	credDir := filepath.Join(dataDir, "credentials")
	if err := os.MkdirAll(credDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// credentialPath names the file by a digest so emails never appear in
// directory listings.
func (fs *FileStore) credentialPath(email string) string {
	sum := sha256.Sum256([]byte(NormalizeEmail(email)))
	return filepath.Join(fs.dataDir, "credentials", hex.EncodeToString(sum[:])+".json")
}

// Get loads the credential for email.
func (fs *FileStore) Get(ctx context.Context, email string) (*AdminCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.credentialPath(email))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	var cred AdminCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

// Put writes the credential through a temp file and rename, so readers see
// either the old or the new record.
func (fs *FileStore) Put(ctx context.Context, cred AdminCredential) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cred.Email = NormalizeEmail(cred.Email)
	if cred.Email == "" || cred.PasswordHash == "" {
		return errors.New("credential needs email and password hash")
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	path := fs.credentialPath(cred.Email)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cred-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageAccess, err)
	}

	logging.Debugf("Saved credential for: %s", cred.Email)
	return nil
}

// Delete removes the credential for email.
func (fs *FileStore) Delete(ctx context.Context, email string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(fs.credentialPath(email)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	logging.Infof("Deleted credential for: %s", NormalizeEmail(email))
	return nil
}
