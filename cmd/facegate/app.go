package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/registry"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/vault"
)

// app holds the resources a command opens. Close releases them in reverse.
type app struct {
	db          *sql.DB
	creds       storage.CredentialStore
	descriptors storage.DescriptorRepository
	vaultClient *vault.Client
	vault       *vault.Vault
	recognizer  *recognition.Recognizer
	closers     []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Warnf("Failed to release resource: %v", err)
		}
	}
}

// openStores opens the credential store and, with the postgres backend, the
// descriptor repository.
func (a *app) openStores(ctx context.Context) error {
	switch cfg.Storage.Backend {
	case "postgres":
		db, err := storage.Open(ctx, cfg.Storage.DatabaseDSN)
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		a.creds = storage.NewPostgresStore(db)
		a.descriptors = storage.NewPostgresDescriptors(db)
	default:
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		fs, err := storage.NewFileStore(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		a.creds = fs
	}
	return nil
}

func (a *app) dialVault() error {
	if cfg.Vault.ServiceToken == "" {
		return fmt.Errorf("vault service token is not set (%s)", config.EnvVaultToken)
	}
	client, err := vault.Dial(vault.ClientConfig{
		Address:     cfg.Vault.Address,
		Token:       cfg.Vault.ServiceToken,
		CallTimeout: cfg.Vault.CallTimeout,
		TLSCAFile:   cfg.Vault.TLSCAFile,
	})
	if err != nil {
		return err
	}
	a.vaultClient = client
	a.closers = append(a.closers, client.Close)
	a.vault = vault.New(client, a.creds)
	return nil
}

func (a *app) loadRecognizer() error {
	rec := recognition.NewRecognizer()
	if err := rec.LoadModels(cfg.Recognition.ModelPath); err != nil {
		return fmt.Errorf("%w (run 'facegate download-models')", err)
	}
	a.recognizer = rec
	a.closers = append(a.closers, rec.Close)
	return nil
}

func (a *app) requireDescriptors() error {
	if a.descriptors == nil {
		return errors.New("remote descriptors need the postgres storage backend")
	}
	return nil
}

// newRegistry builds and loads the registry from configuration.
func (a *app) newRegistry(ctx context.Context) (*registry.Registry, error) {
	loader := registry.SchemeLoader{}
	for _, ref := range cfg.Registry.References {
		if strings.HasPrefix(ref.Source, "s3://") {
			s3, err := registry.NewS3LoaderFromConfig(ctx, cfg.S3)
			if err != nil {
				return nil, err
			}
			loader.S3 = s3
			break
		}
	}

	opts := []registry.Option{
		registry.WithLoader(loader),
		registry.WithExtractor(a.recognizer),
		registry.WithRemoteTimeout(cfg.Registry.RemoteTimeout),
		registry.WithRemoteRequired(cfg.Registry.RemoteRequired),
	}
	if cfg.Registry.RemoteEnabled {
		if err := a.requireDescriptors(); err != nil {
			return nil, err
		}
		if a.vault == nil {
			return nil, errors.New("remote descriptors need the vault")
		}
		opts = append(opts, registry.WithRemote(a.descriptors, a.vault))
	}

	reg, err := registry.New(registry.ReferencesFromConfig(cfg.Registry), opts...)
	if err != nil {
		return nil, err
	}
	if err := reg.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return reg, nil
}
