package gate

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/registry"
	"github.com/MrCodeEU/facegate/pkg/session"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/throttle"
	"github.com/MrCodeEU/facegate/pkg/vault"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type testGate struct {
	*Gate
	limiter   *throttle.MemoryLimiter
	extractor *MockExtractor
	registry  *MockRegistry
	creds     *MockCredentials
	verifier  *MockVerifier
	issuer    *MockIssuer
}

func newTestGate(t *testing.T, requirePassword bool) *testGate {
	t.Helper()
	tg := &testGate{
		limiter:   throttle.NewMemoryLimiter(throttle.Policy{MaxAttempts: 5, Window: 15 * time.Minute}),
		extractor: &MockExtractor{},
		registry:  &MockRegistry{},
		creds:     &MockCredentials{},
		verifier:  &MockVerifier{},
		issuer:    &MockIssuer{},
	}
	g, err := New(Deps{
		Limiter:     tg.limiter,
		Extractor:   tg.extractor,
		Registry:    tg.registry,
		Credentials: tg.creds,
		Verifier:    tg.verifier,
		Sessions:    tg.issuer,
	}, Options{
		Threshold:       0.6,
		Metric:          recognition.MetricEuclidean,
		RequirePassword: requirePassword,
		CaptureTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tg.Gate = g
	return tg
}

func ownerAttempt(src camera.Source) Attempt {
	return Attempt{
		ClientKey: "10.0.0.7",
		Email:     "Owner@Dealer.example ",
		Password:  "correct horse",
		Camera:    src,
	}
}

func farFace(data []byte) (recognition.Descriptor, error) {
	return recognition.Descriptor{0.8, 0}, nil
}

func assertDenied(t *testing.T, res Result, code ErrorCode, reason string) {
	t.Helper()
	if res.Granted() {
		t.Fatal("expected login to be denied")
	}
	if res.State != StateDenied {
		t.Errorf("State = %s, want %s", res.State, StateDenied)
	}
	if res.Error == nil {
		t.Fatal("expected AuthError")
	}
	if res.Error.Code != code {
		t.Errorf("Code = %s, want %s", res.Error.Code, code)
	}
	if res.Error.Message != GetErrorMessage(code) {
		t.Errorf("Message = %q, want %q", res.Error.Message, GetErrorMessage(code))
	}
	if res.Reason != reason {
		t.Errorf("Reason = %q, want %q", res.Reason, reason)
	}
}

func TestNew(t *testing.T) {
	deps := Deps{
		Limiter:   throttle.NewMemoryLimiter(throttle.Policy{MaxAttempts: 5, Window: time.Minute}),
		Extractor: &MockExtractor{},
		Registry:  &MockRegistry{},
		Sessions:  &MockIssuer{},
	}

	if _, err := New(deps, Options{Threshold: 0.6}); err != nil {
		t.Errorf("face-only gate: unexpected error %v", err)
	}
	if _, err := New(deps, Options{Threshold: 0.6, RequirePassword: true}); err == nil {
		t.Error("expected error when password factor has no verifier")
	}
	if _, err := New(deps, Options{}); err == nil {
		t.Error("expected error for zero threshold")
	}
	if _, err := New(Deps{}, Options{Threshold: 0.6}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig() error = %v", err)
	}
	if opts.Threshold != 0.6 || opts.Metric != recognition.MetricEuclidean || !opts.RequirePassword {
		t.Errorf("unexpected defaults: %+v", opts)
	}

	cfg.Recognition.Metric = "manhattan"
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestLogin_GrantedWithPassword(t *testing.T) {
	tg := newTestGate(t, true)
	src := &MockSource{}

	res := tg.Login(context.Background(), ownerAttempt(src))
	if !res.Granted() {
		t.Fatalf("expected grant, got %s (%s)", res.State, res.Reason)
	}
	if res.Subject != "owner@dealer.example" {
		t.Errorf("Subject = %q", res.Subject)
	}
	if got := res.Session.Factors; len(got) != 2 || got[0] != session.FactorFace || got[1] != session.FactorPassword {
		t.Errorf("Factors = %v", got)
	}
	if res.Error != nil {
		t.Errorf("unexpected error %v", res.Error)
	}
	if res.Decision.Distance < 0.39 || res.Decision.Distance > 0.41 {
		t.Errorf("Distance = %v, want 0.4", res.Decision.Distance)
	}
	if !res.Decision.Matched || !res.Decision.CredentialChecked || res.Decision.ReferenceID != "owner" {
		t.Errorf("Decision = %+v", res.Decision)
	}
	if src.opens.Load() != 1 || src.closes.Load() != 1 {
		t.Errorf("camera opens=%d closes=%d, want 1/1", src.opens.Load(), src.closes.Load())
	}
}

func TestLogin_FaceOnly(t *testing.T) {
	tg := newTestGate(t, false)

	res := tg.Login(context.Background(), Attempt{ClientKey: "c", Camera: &MockSource{}})
	if !res.Granted() {
		t.Fatalf("expected grant, got %s", res.Reason)
	}
	if res.Subject != "owner" {
		t.Errorf("Subject = %q, want matched reference id", res.Subject)
	}
	if len(res.Session.Factors) != 1 {
		t.Errorf("Factors = %v", res.Session.Factors)
	}
	if tg.verifier.verifies.Load() != 0 {
		t.Error("password should not be checked")
	}
	if res.Decision.CredentialChecked {
		t.Error("CredentialChecked should be false for face-only logins")
	}
}

func TestLogin_FaceTooFar(t *testing.T) {
	tg := newTestGate(t, true)
	tg.extractor.ExtractDescriptorFunc = farFace

	res := tg.Login(context.Background(), ownerAttempt(&MockSource{}))
	assertDenied(t, res, ErrCodeAuthFailed, ReasonNoMatch)
	if tg.verifier.verifies.Load() != 0 {
		t.Error("password should not be checked after a failed match")
	}
	if tg.issuer.issued.Load() != 0 {
		t.Error("no session should be issued")
	}
}

func TestLogin_EmptyCandidates(t *testing.T) {
	tg := newTestGate(t, false)
	tg.registry.ListFunc = func(ctx context.Context) ([]registry.Candidate, error) { return nil, nil }

	res := tg.Login(context.Background(), ownerAttempt(&MockSource{}))
	assertDenied(t, res, ErrCodeAuthFailed, ReasonNoMatch)
}

func TestLogin_PasswordFailuresLookAlike(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
		reason   string
	}{
		{"wrong password", "owner@dealer.example", "tr0ub4dor", ReasonPasswordMismatch},
		{"unknown email", "intruder@example.com", "correct horse", ReasonUnknownEmail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGate(t, true)
			att := ownerAttempt(&MockSource{})
			att.Email, att.Password = tt.email, tt.password

			res := tg.Login(context.Background(), att)
			assertDenied(t, res, ErrCodeAuthFailed, tt.reason)
			if tg.verifier.verifies.Load() != 1 {
				t.Errorf("verifications = %d, want 1", tg.verifier.verifies.Load())
			}
		})
	}
}

func TestLogin_RateLimitedBeforeMatching(t *testing.T) {
	tg := newTestGate(t, true)
	tg.extractor.ExtractDescriptorFunc = farFace
	src := &MockSource{}

	for i := 0; i < 5; i++ {
		res := tg.Login(context.Background(), ownerAttempt(src))
		assertDenied(t, res, ErrCodeAuthFailed, ReasonNoMatch)
	}
	opens, extracts := src.opens.Load(), tg.extractor.calls.Load()

	res := tg.Login(context.Background(), ownerAttempt(src))
	assertDenied(t, res, ErrCodeAuthFailed, ReasonRateLimited)

	if src.opens.Load() != opens {
		t.Error("camera opened for a rate limited attempt")
	}
	if tg.extractor.calls.Load() != extracts {
		t.Error("matcher ran for a rate limited attempt")
	}

	other := ownerAttempt(src)
	other.ClientKey = "10.0.0.8"
	if res := tg.Login(context.Background(), other); !res.Granted() {
		t.Errorf("other client should not be limited, got %s", res.Reason)
	}
}

func TestLogin_SuccessResetsThrottle(t *testing.T) {
	tg := newTestGate(t, true)

	tg.extractor.ExtractDescriptorFunc = farFace
	for i := 0; i < 4; i++ {
		tg.Login(context.Background(), ownerAttempt(&MockSource{}))
	}

	tg.extractor.ExtractDescriptorFunc = nil
	if res := tg.Login(context.Background(), ownerAttempt(&MockSource{})); !res.Granted() {
		t.Fatalf("expected grant, got %s", res.Reason)
	}

	tg.extractor.ExtractDescriptorFunc = farFace
	for i := 0; i < 5; i++ {
		res := tg.Login(context.Background(), ownerAttempt(&MockSource{}))
		if res.Reason == ReasonRateLimited {
			t.Fatalf("attempt %d rate limited after a successful login", i+1)
		}
	}
}

func TestLogin_DetectionErrorsAreNotCounted(t *testing.T) {
	tg := newTestGate(t, true)

	for _, detErr := range []error{recognition.ErrNoFaceDetected, recognition.ErrAmbiguousFace} {
		tg.extractor.ExtractDescriptorFunc = func(data []byte) (recognition.Descriptor, error) {
			return nil, detErr
		}
		for i := 0; i < 4; i++ {
			res := tg.Login(context.Background(), ownerAttempt(&MockSource{}))
			assertDenied(t, res, ErrCodeDetection, ReasonDetection)
			if !res.Error.Retry {
				t.Error("detection errors should be retryable")
			}
		}
	}

	tg.extractor.ExtractDescriptorFunc = nil
	if res := tg.Login(context.Background(), ownerAttempt(&MockSource{})); !res.Granted() {
		t.Errorf("expected grant after detection errors, got %s", res.Reason)
	}
}

func TestLogin_CameraReleasedOnEveryPath(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(tg *testGate, src *MockSource)
		code   ErrorCode
		reason string
	}{
		{
			name:   "invalid frame",
			setup:  func(tg *testGate, src *MockSource) { src.CaptureFunc = failCapture(camera.ErrInvalidFrame) },
			code:   ErrCodeDetection,
			reason: ReasonInvalidFrame,
		},
		{
			name:   "no frame",
			setup:  func(tg *testGate, src *MockSource) { src.CaptureFunc = failCapture(camera.ErrNoFrame) },
			code:   ErrCodeUnavailable,
			reason: ReasonCameraFailed,
		},
		{
			name: "extractor down",
			setup: func(tg *testGate, src *MockSource) {
				tg.extractor.ExtractDescriptorFunc = func([]byte) (recognition.Descriptor, error) {
					return nil, recognition.ErrModelNotLoaded
				}
			},
			code:   ErrCodeUnavailable,
			reason: ReasonRecognizerDown,
		},
		{
			name: "registry down",
			setup: func(tg *testGate, src *MockSource) {
				tg.registry.ListFunc = func(ctx context.Context) ([]registry.Candidate, error) {
					return nil, registry.ErrUnavailable
				}
			},
			code:   ErrCodeUnavailable,
			reason: ReasonRegistryDown,
		},
		{
			name: "vault down",
			setup: func(tg *testGate, src *MockSource) {
				tg.verifier.VerifyPasswordFunc = func(ctx context.Context, p, h string) (bool, error) {
					return false, vault.ErrUnavailable
				}
			},
			code:   ErrCodeUnavailable,
			reason: ReasonVaultDown,
		},
		{
			name: "credential store down",
			setup: func(tg *testGate, src *MockSource) {
				tg.creds.GetFunc = func(ctx context.Context, email string) (*storage.AdminCredential, error) {
					return nil, storage.ErrStorageAccess
				}
			},
			code:   ErrCodeUnavailable,
			reason: ReasonCredentialsDown,
		},
		{
			name: "throttle store down",
			setup: func(tg *testGate, src *MockSource) {
				tg.deps.Limiter = &MockLimiter{AcquireFunc: func(context.Context, string) error {
					return throttle.ErrUnavailable
				}}
			},
			code:   ErrCodeUnavailable,
			reason: ReasonThrottleDown,
		},
		{
			name: "session issue fails",
			setup: func(tg *testGate, src *MockSource) {
				tg.issuer.IssueFunc = func(string, []string) (session.Token, error) {
					return session.Token{}, errors.New("sign failed")
				}
			},
			code:   ErrCodeUnavailable,
			reason: ReasonSessionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGate(t, true)
			src := &MockSource{}
			tt.setup(tg, src)

			res := tg.Login(context.Background(), ownerAttempt(src))
			assertDenied(t, res, tt.code, tt.reason)
			if src.opens.Load() != src.closes.Load() {
				t.Errorf("camera opens=%d closes=%d", src.opens.Load(), src.closes.Load())
			}
		})
	}
}

func failCapture(err error) func(ctx context.Context) (camera.Frame, error) {
	return func(ctx context.Context) (camera.Frame, error) {
		return camera.Frame{}, err
	}
}

func TestLogin_OpenFailure(t *testing.T) {
	tg := newTestGate(t, true)
	src := &MockSource{OpenFunc: func(ctx context.Context) error { return camera.ErrCameraNotFound }}

	res := tg.Login(context.Background(), ownerAttempt(src))
	assertDenied(t, res, ErrCodeUnavailable, ReasonCameraFailed)
}

func TestLogin_NoCamera(t *testing.T) {
	tg := newTestGate(t, true)
	res := tg.Login(context.Background(), ownerAttempt(nil))
	assertDenied(t, res, ErrCodeDetection, ReasonInvalidFrame)
}

func TestLogin_CaptureTimeout(t *testing.T) {
	tg := newTestGate(t, true)
	tg.opts.CaptureTimeout = 20 * time.Millisecond
	src := &MockSource{CaptureFunc: func(ctx context.Context) (camera.Frame, error) {
		<-ctx.Done()
		return camera.Frame{}, ctx.Err()
	}}

	res := tg.Login(context.Background(), ownerAttempt(src))
	assertDenied(t, res, ErrCodeUnavailable, ReasonCaptureTimeout)
	if src.closes.Load() != 1 {
		t.Error("camera session not closed after timeout")
	}
}

func TestLogin_CanceledDuringCapture(t *testing.T) {
	tg := newTestGate(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	src := &MockSource{CaptureFunc: func(c context.Context) (camera.Frame, error) {
		cancel()
		<-c.Done()
		return camera.Frame{}, c.Err()
	}}

	res := tg.Login(ctx, ownerAttempt(src))
	assertDenied(t, res, ErrCodeCanceled, ReasonCanceled)
	if src.closes.Load() != 1 {
		t.Error("camera session not closed after cancellation")
	}
	if tg.extractor.calls.Load() != 0 {
		t.Error("matcher ran after cancellation")
	}
}

func TestLogin_CanceledDuringVaultCall(t *testing.T) {
	tg := newTestGate(t, true)
	ctx, cancel := context.WithCancel(context.Background())

	var vaultCtxErr error
	tg.verifier.VerifyPasswordFunc = func(vctx context.Context, p, h string) (bool, error) {
		cancel()
		vaultCtxErr = vctx.Err()
		return true, nil
	}

	res := tg.Login(ctx, ownerAttempt(&MockSource{}))
	assertDenied(t, res, ErrCodeCanceled, ReasonCanceled)
	if vaultCtxErr != nil {
		t.Errorf("vault call saw caller cancellation: %v", vaultCtxErr)
	}
	if tg.issuer.issued.Load() != 0 {
		t.Error("session issued for a canceled login")
	}
}

func TestLogin_ConcurrentExclusiveCamera(t *testing.T) {
	tg := newTestGate(t, false)

	inner := &MockSource{}
	release := make(chan struct{})
	inner.CaptureFunc = func(ctx context.Context) (camera.Frame, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return camera.Frame{}, ctx.Err()
		}
		return camera.Frame{Data: []byte("frame")}, nil
	}
	src := camera.NewExclusive(inner)

	done := make(chan Result, 2)
	for _, key := range []string{"a", "b"} {
		go func(key string) {
			done <- tg.Login(context.Background(), Attempt{ClientKey: key, Camera: src})
		}(key)
	}

	time.Sleep(50 * time.Millisecond)
	if got := inner.opens.Load(); got != 1 {
		t.Errorf("concurrent sessions = %d, want 1", got)
	}
	close(release)

	for i := 0; i < 2; i++ {
		if res := <-done; !res.Granted() {
			t.Errorf("login %d denied: %s", i, res.Reason)
		}
	}
	if inner.closes.Load() != 2 {
		t.Errorf("closes = %d, want 2", inner.closes.Load())
	}
}

func TestGetErrorMessage(t *testing.T) {
	if got := GetErrorMessage(ErrCodeAuthFailed); got != "authentication failed" {
		t.Errorf("got %q", got)
	}
	if got := GetErrorMessage(ErrorCode("BOGUS")); got != "authentication failed" {
		t.Errorf("unknown code leaked %q", got)
	}
	if err := NewAuthError(ErrCodeUnavailable, true); err.Error() != "service unavailable, try again later" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestLogin_ThrottleUnavailableFailsClosed(t *testing.T) {
	tg := newTestGate(t, true)
	tg.deps.Limiter = &MockLimiter{AcquireFunc: func(context.Context, string) error {
		return throttle.ErrUnavailable
	}}
	src := &MockSource{}

	res := tg.Login(context.Background(), ownerAttempt(src))
	assertDenied(t, res, ErrCodeUnavailable, ReasonThrottleDown)
	if !res.Error.Retry {
		t.Error("throttle outage should be retryable")
	}
	if src.opens.Load() != 0 {
		t.Errorf("camera opened %d times while throttle was down", src.opens.Load())
	}
	if tg.extractor.calls.Load() != 0 {
		t.Error("extractor ran while throttle was down")
	}
	if tg.issuer.issued.Load() != 0 {
		t.Error("session issued while throttle was down")
	}
}

// startVault serves a real vault engine over an in-memory listener.
func startVault(t *testing.T) *vault.Vault {
	t.Helper()

	ring, err := vault.NewKeyRing("k1", make([]byte, vault.KeySize), nil)
	if err != nil {
		t.Fatalf("NewKeyRing() error = %v", err)
	}
	engine := vault.NewEngine(ring, vault.Argon2Params{MemoryKiB: 1024, Time: 1, Threads: 1}, nil)

	lis := bufconn.Listen(1 << 20)
	srv, err := vault.NewServer(engine, vault.ServerConfig{Token: "gate-test"}).GRPCServer()
	if err != nil {
		t.Fatalf("GRPCServer() error = %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := vault.Dial(
		vault.ClientConfig{Address: "passthrough:///bufnet", Token: "gate-test", CallTimeout: 5 * time.Second},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return vault.New(client, nil)
}

func TestLogin_PasswordEdgeCasesThroughVault(t *testing.T) {
	v := startVault(t)
	hash, err := v.HashPassword(context.Background(), "correct horse")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name     string
		password string
		granted  bool
	}{
		{"correct", "correct horse", true},
		{"empty", "", false},
		{"oversized", strings.Repeat("x", vault.MaxPasswordLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := newTestGate(t, true)
			tg.deps.Verifier = v
			tg.creds.GetFunc = func(ctx context.Context, email string) (*storage.AdminCredential, error) {
				return &storage.AdminCredential{Email: email, PasswordHash: hash}, nil
			}

			att := ownerAttempt(&MockSource{})
			att.Password = tt.password
			res := tg.Login(context.Background(), att)

			if tt.granted {
				if !res.Granted() {
					t.Fatalf("expected grant, got %s (%s)", res.State, res.Reason)
				}
				return
			}
			assertDenied(t, res, ErrCodeAuthFailed, ReasonPasswordMismatch)
		})
	}
}
