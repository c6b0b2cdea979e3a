package gate

import (
	"context"
	"sync/atomic"

	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/registry"
	"github.com/MrCodeEU/facegate/pkg/session"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

// MockSource implements camera.Source for testing
type MockSource struct {
	OpenFunc    func(ctx context.Context) error
	CaptureFunc func(ctx context.Context) (camera.Frame, error)

	opens  atomic.Int32
	closes atomic.Int32
}

func (m *MockSource) Open(ctx context.Context) (camera.Session, error) {
	if m.OpenFunc != nil {
		if err := m.OpenFunc(ctx); err != nil {
			return nil, err
		}
	}
	m.opens.Add(1)
	return &mockSession{src: m}, nil
}

type mockSession struct {
	src *MockSource
}

func (s *mockSession) Capture(ctx context.Context) (camera.Frame, error) {
	if s.src.CaptureFunc != nil {
		return s.src.CaptureFunc(ctx)
	}
	return camera.Frame{Data: []byte("frame"), Format: "jpeg"}, nil
}

func (s *mockSession) Close() error {
	s.src.closes.Add(1)
	return nil
}

// MockLimiter implements throttle.Limiter for testing
type MockLimiter struct {
	AcquireFunc func(ctx context.Context, key string) error

	releases atomic.Int32
}

func (m *MockLimiter) Acquire(ctx context.Context, key string) error {
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx, key)
	}
	return nil
}

func (m *MockLimiter) Release(ctx context.Context, key string) error {
	m.releases.Add(1)
	return nil
}

func (m *MockLimiter) Reset(ctx context.Context, key string) error {
	return nil
}

// MockExtractor implements recognition.Extractor for testing
type MockExtractor struct {
	ExtractDescriptorFunc func(data []byte) (recognition.Descriptor, error)
	calls                 atomic.Int32
}

func (m *MockExtractor) ExtractDescriptor(data []byte) (recognition.Descriptor, error) {
	m.calls.Add(1)
	if m.ExtractDescriptorFunc != nil {
		return m.ExtractDescriptorFunc(data)
	}
	return recognition.Descriptor{0.4, 0}, nil
}

// MockRegistry implements Registry for testing
type MockRegistry struct {
	ListFunc func(ctx context.Context) ([]registry.Candidate, error)
}

func (m *MockRegistry) ListAuthorizedDescriptors(ctx context.Context) ([]registry.Candidate, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return []registry.Candidate{
		{ID: "owner", Descriptor: recognition.Descriptor{0, 0}},
		{ID: "manager", Descriptor: recognition.Descriptor{5, 5}},
	}, nil
}

// MockCredentials implements CredentialLookup for testing
type MockCredentials struct {
	GetFunc func(ctx context.Context, email string) (*storage.AdminCredential, error)
}

func (m *MockCredentials) Get(ctx context.Context, email string) (*storage.AdminCredential, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, email)
	}
	if email == "owner@dealer.example" {
		return &storage.AdminCredential{Email: email, PasswordHash: "hash:correct horse"}, nil
	}
	return nil, storage.ErrNotFound
}

// MockVerifier implements PasswordVerifier for testing
type MockVerifier struct {
	VerifyPasswordFunc func(ctx context.Context, password, hash string) (bool, error)
	DecoyHashFunc      func(ctx context.Context) (string, error)

	verifies atomic.Int32
}

func (m *MockVerifier) VerifyPassword(ctx context.Context, password, hash string) (bool, error) {
	m.verifies.Add(1)
	if m.VerifyPasswordFunc != nil {
		return m.VerifyPasswordFunc(ctx, password, hash)
	}
	return hash == "hash:"+password, nil
}

func (m *MockVerifier) DecoyHash(ctx context.Context) (string, error) {
	if m.DecoyHashFunc != nil {
		return m.DecoyHashFunc(ctx)
	}
	return "hash:decoy-not-a-password", nil
}

// MockIssuer implements SessionIssuer for testing
type MockIssuer struct {
	IssueFunc func(subject string, factors []string) (session.Token, error)
	issued    atomic.Int32
}

func (m *MockIssuer) Issue(subject string, factors []string) (session.Token, error) {
	m.issued.Add(1)
	if m.IssueFunc != nil {
		return m.IssueFunc(subject, factors)
	}
	return session.Token{Value: "token-for-" + subject, Factors: factors}, nil
}
