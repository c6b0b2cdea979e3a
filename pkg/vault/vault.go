package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/sirupsen/logrus"
)

// EncryptedDescriptor is vault ciphertext for one face descriptor.
type EncryptedDescriptor struct {
	Ciphertext string
}

// Vault is the credential component used by the public process. It never
// holds key material; every operation goes through its Backend.
type Vault struct {
	backend Backend
	creds   storage.CredentialStore
	log     *logrus.Entry

	decoyMu sync.Mutex
	decoy   string
}

// New creates a Vault. creds may be nil for processes that never write
// credentials.
func New(backend Backend, creds storage.CredentialStore) *Vault {
	return &Vault{backend: backend, creds: creds, log: logging.Component("vault")}
}

// HashPassword returns an opaque hash for password.
func (v *Vault) HashPassword(ctx context.Context, password string) (string, error) {
	return v.backend.HashPassword(ctx, password)
}

// VerifyPassword reports whether password matches hash.
func (v *Vault) VerifyPassword(ctx context.Context, password, hash string) (bool, error) {
	return v.backend.VerifyPassword(ctx, password, hash)
}

// EncryptDescriptor seals a descriptor.
func (v *Vault) EncryptDescriptor(ctx context.Context, vector []float32) (EncryptedDescriptor, error) {
	c, err := v.backend.EncryptBiometric(ctx, vector)
	if err != nil {
		return EncryptedDescriptor{}, err
	}
	return EncryptedDescriptor{Ciphertext: c}, nil
}

// DecryptDescriptor opens a sealed descriptor.
func (v *Vault) DecryptDescriptor(ctx context.Context, enc EncryptedDescriptor) ([]float32, error) {
	return v.backend.DecryptBiometric(ctx, enc.Ciphertext)
}

// UpsertCredential hashes password and stores it as the credential for
// email, replacing any previous one. Nothing is written when hashing fails;
// when the write fails the previous credential stays in place.
func (v *Vault) UpsertCredential(ctx context.Context, email, password string) error {
	if v.creds == nil {
		return errors.New("no credential store configured")
	}
	email = storage.NormalizeEmail(email)
	if email == "" {
		return errors.New("email is required")
	}
	if password == "" {
		return errors.New("password is required")
	}

	hash, err := v.backend.HashPassword(ctx, password)
	if err != nil {
		return err
	}

	if err := v.creds.Put(ctx, storage.AdminCredential{Email: email, PasswordHash: hash}); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	v.log.WithField("email", email).Info("Credential updated")
	return nil
}

// DecoyHash returns a hash of a random password, made with the same
// parameters as real credentials. Verifying against it costs the same as a
// real check, so unknown emails cannot be told apart by timing.
func (v *Vault) DecoyHash(ctx context.Context) (string, error) {
	v.decoyMu.Lock()
	defer v.decoyMu.Unlock()

	if v.decoy != "" {
		return v.decoy, nil
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}
	hash, err := v.backend.HashPassword(ctx, base64.RawStdEncoding.EncodeToString(buf))
	if err != nil {
		return "", err
	}
	v.decoy = hash
	return hash, nil
}
