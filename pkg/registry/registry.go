// Package registry holds the set of faces allowed into the admin area.
//
// Static references come from configuration and are resolved to
// descriptors once at startup. Remote references are encrypted records in
// the descriptor store; they are decrypted through the vault on every read
// so revocations take effect immediately.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/vault"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrEmptyRegistry is returned when no static reference is configured.
var ErrEmptyRegistry = errors.New("registry has no authorized faces")

// ErrUnavailable is returned when a required source cannot be read.
var ErrUnavailable = errors.New("registry source unavailable")

// ErrNotLoaded is returned when descriptors are requested before Load.
var ErrNotLoaded = errors.New("registry not loaded")

// FaceReference names one statically authorized image.
type FaceReference struct {
	ID             string
	SourceImageURI string
}

// Candidate is a descriptor the matcher may compare against. The matcher
// does not learn where it came from.
type Candidate struct {
	ID         string
	Descriptor recognition.Descriptor
}

// Decrypter opens remote descriptor ciphertext.
type Decrypter interface {
	DecryptDescriptor(ctx context.Context, enc vault.EncryptedDescriptor) ([]float32, error)
}

// Registry merges static and remote authorized faces.
type Registry struct {
	refs      []FaceReference
	loader    ImageLoader
	extractor recognition.Extractor

	remote         storage.DescriptorRepository
	decrypter      Decrypter
	remoteTimeout  time.Duration
	remoteRequired bool

	mu     sync.RWMutex
	static []Candidate
	loaded bool

	group singleflight.Group
	log   *logrus.Entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoader sets the image loader used by Load.
func WithLoader(l ImageLoader) Option {
	return func(r *Registry) { r.loader = l }
}

// WithExtractor sets the descriptor extractor used by Load.
func WithExtractor(e recognition.Extractor) Option {
	return func(r *Registry) { r.extractor = e }
}

// WithRemote enables the remote descriptor store.
func WithRemote(repo storage.DescriptorRepository, d Decrypter) Option {
	return func(r *Registry) {
		r.remote = repo
		r.decrypter = d
	}
}

// WithRemoteTimeout bounds a single remote read.
func WithRemoteTimeout(d time.Duration) Option {
	return func(r *Registry) { r.remoteTimeout = d }
}

// WithRemoteRequired makes an unreachable remote store fail reads instead
// of being treated as empty.
func WithRemoteRequired(required bool) Option {
	return func(r *Registry) { r.remoteRequired = required }
}

// ReferencesFromConfig converts configured references.
func ReferencesFromConfig(cfg config.RegistryConfig) []FaceReference {
	refs := make([]FaceReference, len(cfg.References))
	for i, ref := range cfg.References {
		refs[i] = FaceReference{ID: ref.ID, SourceImageURI: ref.Source}
	}
	return refs
}

// New creates a registry. An empty reference list is a deployment error.
func New(refs []FaceReference, opts ...Option) (*Registry, error) {
	if len(refs) == 0 {
		return nil, ErrEmptyRegistry
	}

	r := &Registry{
		refs:          append([]FaceReference(nil), refs...),
		loader:        SchemeLoader{},
		remoteTimeout: 3 * time.Second,
		log:           logging.Component("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ListReferences returns a copy of the configured references in order.
func (r *Registry) ListReferences() []FaceReference {
	return append([]FaceReference(nil), r.refs...)
}

// Load resolves every static reference to a descriptor. Any reference that
// cannot be read, or that does not hold exactly one face, fails the load.
func (r *Registry) Load(ctx context.Context) error {
	if r.extractor == nil {
		return errors.New("registry has no descriptor extractor")
	}

	static := make([]Candidate, 0, len(r.refs))
	for _, ref := range r.refs {
		data, err := r.loader.Load(ctx, ref.SourceImageURI)
		if err != nil {
			return fmt.Errorf("reference %s: %w", ref.ID, err)
		}
		desc, err := r.extractor.ExtractDescriptor(data)
		if err != nil {
			return fmt.Errorf("reference %s: %w", ref.ID, err)
		}
		static = append(static, Candidate{ID: ref.ID, Descriptor: desc})
	}

	r.mu.Lock()
	r.static = static
	r.loaded = true
	r.mu.Unlock()

	r.log.WithField("count", len(static)).Info("Static references loaded")
	return nil
}

// RemoteEnabled reports whether a remote store is configured.
func (r *Registry) RemoteEnabled() bool {
	return r.remote != nil
}

// ListRemoteDescriptors reads the remote store once, bounded by the remote
// timeout. Without a remote store it returns nothing.
func (r *Registry) ListRemoteDescriptors(ctx context.Context) ([]storage.DescriptorRecord, error) {
	if r.remote == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.remoteTimeout)
	defer cancel()

	recs, err := r.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return recs, nil
}

// ListAuthorizedDescriptors returns static candidates followed by the
// decryptable remote ones. Records that fail to decrypt are logged and
// skipped. An unreachable remote source yields only static candidates
// unless the remote source is required.
func (r *Registry) ListAuthorizedDescriptors(ctx context.Context) ([]Candidate, error) {
	r.mu.RLock()
	loaded := r.loaded
	static := r.static
	r.mu.RUnlock()

	if !loaded {
		return nil, ErrNotLoaded
	}

	out := append([]Candidate(nil), static...)
	if r.remote == nil {
		return out, nil
	}

	// Concurrent logins share one fetch. It runs detached so that one
	// caller giving up does not fail the others.
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan("remote", func() (interface{}, error) {
		return r.fetchRemote(detached)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res.Err != nil {
		if r.remoteRequired {
			return nil, res.Err
		}
		r.log.WithError(res.Err).Warn("Remote descriptors unavailable, using static references only")
		return out, nil
	}

	return append(out, res.Val.([]Candidate)...), nil
}

func (r *Registry) fetchRemote(ctx context.Context) ([]Candidate, error) {
	recs, err := r.ListRemoteDescriptors(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(recs))
	for _, rec := range recs {
		vec, err := r.decrypter.DecryptDescriptor(ctx, vault.EncryptedDescriptor{Ciphertext: rec.Ciphertext})
		if err != nil {
			if errors.Is(err, vault.ErrDecryption) || errors.Is(err, vault.ErrProtocol) {
				r.log.WithField("id", rec.ID).WithError(err).Error("Excluding undecryptable descriptor")
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, Candidate{ID: rec.ID, Descriptor: recognition.Descriptor(vec)})
	}
	return out, nil
}
