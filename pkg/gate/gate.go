// Package gate runs an admin login attempt through throttling, frame
// capture, face matching and the optional password check, and issues the
// privileged session on success.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/registry"
	"github.com/MrCodeEU/facegate/pkg/session"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/MrCodeEU/facegate/pkg/throttle"
	"github.com/sirupsen/logrus"
)

// State is a step of the login flow.
type State string

const (
	StateIdle           State = "idle"
	StateCapturingFrame State = "capturing_frame"
	StateMatching       State = "matching"
	StatePasswordCheck  State = "password_check"
	StateGranted        State = "granted"
	StateDenied         State = "denied"
)

// Internal reasons. They are logged and never sent to the client.
const (
	ReasonRateLimited      = "rate_limited"
	ReasonThrottleDown     = "throttle_unavailable"
	ReasonCameraFailed     = "camera_failed"
	ReasonCaptureTimeout   = "capture_timeout"
	ReasonInvalidFrame     = "invalid_frame"
	ReasonDetection        = "detection_failed"
	ReasonRecognizerDown   = "recognizer_unavailable"
	ReasonRegistryDown     = "registry_unavailable"
	ReasonNoMatch          = "match_denied"
	ReasonUnknownEmail     = "unknown_email"
	ReasonPasswordMismatch = "password_mismatch"
	ReasonCredentialsDown  = "credentials_unavailable"
	ReasonVaultDown        = "vault_unavailable"
	ReasonSessionFailed    = "session_issue_failed"
	ReasonCanceled         = "canceled"
)

// Attempt is one login request.
type Attempt struct {
	// ClientKey identifies the client for throttling, normally its IP.
	ClientKey string
	Email     string
	Password  string
	// Camera yields the frame to match. Shared devices must be wrapped in
	// camera.Exclusive.
	Camera camera.Source
}

// AuthDecision records what the flow established about an attempt.
type AuthDecision struct {
	Matched           bool
	Distance          float64
	CredentialChecked bool
	ReferenceID       string
}

// Result is the outcome of an attempt. Every failure ends in StateDenied
// with a non-nil Error.
type Result struct {
	State    State
	Session  session.Token
	Subject  string
	Error    *AuthError
	Reason   string
	Decision AuthDecision
	Duration time.Duration
}

// Granted reports whether a session was issued.
func (r Result) Granted() bool {
	return r.State == StateGranted
}

// Registry lists the descriptors an attempt may match.
type Registry interface {
	ListAuthorizedDescriptors(ctx context.Context) ([]registry.Candidate, error)
}

// CredentialLookup loads the stored password hash for an email.
type CredentialLookup interface {
	Get(ctx context.Context, email string) (*storage.AdminCredential, error)
}

// PasswordVerifier checks passwords through the vault.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, password, hash string) (bool, error)
	DecoyHash(ctx context.Context) (string, error)
}

// SessionIssuer signs the privileged session.
type SessionIssuer interface {
	Issue(subject string, factors []string) (session.Token, error)
}

// Deps are the collaborators of a Gate.
type Deps struct {
	Limiter     throttle.Limiter
	Extractor   recognition.Extractor
	Registry    Registry
	Credentials CredentialLookup
	Verifier    PasswordVerifier
	Sessions    SessionIssuer
}

// Options tune the flow.
type Options struct {
	Threshold       float64
	Metric          recognition.Metric
	RequirePassword bool
	CaptureTimeout  time.Duration
}

// OptionsFromConfig reads the gate options from configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	metric, err := recognition.ParseMetric(cfg.Recognition.Metric)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Threshold:       cfg.Recognition.Threshold,
		Metric:          metric,
		RequirePassword: cfg.Gate.RequirePassword,
		CaptureTimeout:  cfg.Gate.CaptureTimeout,
	}, nil
}

// Gate runs login attempts.
type Gate struct {
	deps Deps
	opts Options
	log  *logrus.Entry
}

// New creates a gate. Credentials and Verifier are only required when the
// password factor is enabled.
func New(deps Deps, opts Options) (*Gate, error) {
	if deps.Limiter == nil || deps.Extractor == nil || deps.Registry == nil || deps.Sessions == nil {
		return nil, errors.New("gate: missing dependency")
	}
	if opts.RequirePassword && (deps.Credentials == nil || deps.Verifier == nil) {
		return nil, errors.New("gate: password factor needs credentials and a verifier")
	}
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("gate: invalid threshold %v", opts.Threshold)
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = 10 * time.Second
	}
	return &Gate{deps: deps, opts: opts, log: logging.Component("gate")}, nil
}

// attempt carries per-login state through the flow.
type attempt struct {
	Attempt
	start  time.Time
	state  State
	result Result
	log    *logrus.Entry
}

func (a *attempt) enter(s State) {
	a.state = s
	a.log.WithField("state", s).Debug("Login state")
}

// Login runs one attempt to completion.
func (g *Gate) Login(ctx context.Context, att Attempt) Result {
	a := &attempt{
		Attempt: att,
		start:   time.Now(),
		state:   StateIdle,
		log:     g.log.WithField("client", att.ClientKey),
	}
	g.run(ctx, a)

	a.result.Duration = time.Since(a.start)
	entry := a.log.WithFields(logrus.Fields{
		"state":    a.result.State,
		"reason":   a.result.Reason,
		"duration": a.result.Duration,
	})
	if a.result.Granted() {
		entry.WithField("subject", a.result.Subject).Info("Admin session granted")
	} else {
		entry.Warn("Admin login denied")
	}
	return a.result
}

func (g *Gate) run(ctx context.Context, a *attempt) {
	if err := g.deps.Limiter.Acquire(ctx, a.ClientKey); err != nil {
		switch {
		case errors.Is(err, throttle.ErrRateLimited):
			g.deny(a, ErrCodeAuthFailed, ReasonRateLimited, nil)
		case ctx.Err() != nil:
			g.deny(a, ErrCodeCanceled, ReasonCanceled, err)
		default:
			g.deny(a, ErrCodeUnavailable, ReasonThrottleDown, err)
		}
		return
	}

	a.enter(StateCapturingFrame)
	frame, ok := g.capture(ctx, a)
	if !ok {
		return
	}

	a.enter(StateMatching)
	match, ok := g.match(ctx, a, frame)
	if !ok {
		return
	}

	factors := []string{session.FactorFace}
	subject := match.ID
	if g.opts.RequirePassword {
		a.enter(StatePasswordCheck)
		if !g.checkPassword(ctx, a) {
			return
		}
		factors = append(factors, session.FactorPassword)
		subject = storage.NormalizeEmail(a.Email)
	}

	if ctx.Err() != nil {
		g.release(a)
		g.deny(a, ErrCodeCanceled, ReasonCanceled, ctx.Err())
		return
	}

	tok, err := g.deps.Sessions.Issue(subject, factors)
	if err != nil {
		g.deny(a, ErrCodeUnavailable, ReasonSessionFailed, err)
		return
	}

	if err := g.deps.Limiter.Reset(context.WithoutCancel(ctx), a.ClientKey); err != nil {
		a.log.WithError(err).Warn("Failed to reset login throttle")
	}

	a.enter(StateGranted)
	a.result.State = StateGranted
	a.result.Session = tok
	a.result.Subject = subject
}

// capture takes one frame. The camera session is closed before returning.
func (g *Gate) capture(ctx context.Context, a *attempt) (camera.Frame, bool) {
	if a.Camera == nil {
		g.release(a)
		g.deny(a, ErrCodeDetection, ReasonInvalidFrame, errors.New("no camera source"))
		return camera.Frame{}, false
	}

	capCtx, cancel := context.WithTimeout(ctx, g.opts.CaptureTimeout)
	defer cancel()

	sess, err := a.Camera.Open(capCtx)
	if err != nil {
		g.captureFailed(ctx, capCtx, a, err)
		return camera.Frame{}, false
	}
	frame, err := sess.Capture(capCtx)
	if cerr := sess.Close(); cerr != nil {
		a.log.WithError(cerr).Warn("Failed to close camera session")
	}
	if err != nil {
		g.captureFailed(ctx, capCtx, a, err)
		return camera.Frame{}, false
	}
	return frame, true
}

func (g *Gate) captureFailed(ctx, capCtx context.Context, a *attempt, err error) {
	g.release(a)
	switch {
	case ctx.Err() != nil:
		g.deny(a, ErrCodeCanceled, ReasonCanceled, err)
	case capCtx.Err() != nil:
		g.deny(a, ErrCodeUnavailable, ReasonCaptureTimeout, err)
	case errors.Is(err, camera.ErrInvalidFrame):
		g.deny(a, ErrCodeDetection, ReasonInvalidFrame, err)
	default:
		g.deny(a, ErrCodeUnavailable, ReasonCameraFailed, err)
	}
}

func (g *Gate) match(ctx context.Context, a *attempt, frame camera.Frame) (registry.Candidate, bool) {
	probe, err := g.deps.Extractor.ExtractDescriptor(frame.Data)
	if err != nil {
		g.release(a)
		if errors.Is(err, recognition.ErrDetection) {
			g.deny(a, ErrCodeDetection, ReasonDetection, err)
		} else {
			g.deny(a, ErrCodeUnavailable, ReasonRecognizerDown, err)
		}
		return registry.Candidate{}, false
	}

	candidates, err := g.deps.Registry.ListAuthorizedDescriptors(ctx)
	if err != nil {
		g.release(a)
		if ctx.Err() != nil {
			g.deny(a, ErrCodeCanceled, ReasonCanceled, err)
		} else {
			g.deny(a, ErrCodeUnavailable, ReasonRegistryDown, err)
		}
		return registry.Candidate{}, false
	}

	descs := make([]recognition.Descriptor, len(candidates))
	for i, c := range candidates {
		descs[i] = c.Descriptor
	}
	decision := recognition.Match(probe, descs, g.opts.Threshold, g.opts.Metric)
	a.result.Decision.Distance = decision.Distance
	a.log.WithFields(logrus.Fields{
		"distance":   decision.Distance,
		"threshold":  g.opts.Threshold,
		"candidates": len(descs),
	}).Debug("Match decision")

	if !decision.Matched {
		g.deny(a, ErrCodeAuthFailed, ReasonNoMatch, nil)
		return registry.Candidate{}, false
	}
	a.result.Decision.Matched = true
	a.result.Decision.ReferenceID = candidates[decision.Index].ID
	return candidates[decision.Index], true
}

// checkPassword verifies the password. Unknown emails are checked against
// a decoy hash so both paths cost one verification. Vault calls are
// detached from ctx; a cancellation observed afterwards discards their
// result.
func (g *Gate) checkPassword(ctx context.Context, a *attempt) bool {
	vctx := context.WithoutCancel(ctx)
	email := storage.NormalizeEmail(a.Email)

	known := true
	var hash string
	cred, err := g.deps.Credentials.Get(vctx, email)
	switch {
	case err == nil:
		hash = cred.PasswordHash
	case errors.Is(err, storage.ErrNotFound):
		known = false
		hash, err = g.deps.Verifier.DecoyHash(vctx)
		if err != nil {
			g.deny(a, ErrCodeUnavailable, ReasonVaultDown, err)
			return false
		}
	default:
		g.deny(a, ErrCodeUnavailable, ReasonCredentialsDown, err)
		return false
	}

	ok, err := g.deps.Verifier.VerifyPassword(vctx, a.Password, hash)
	if ctx.Err() != nil {
		g.release(a)
		g.deny(a, ErrCodeCanceled, ReasonCanceled, ctx.Err())
		return false
	}
	if err != nil {
		g.deny(a, ErrCodeUnavailable, ReasonVaultDown, err)
		return false
	}
	if !known {
		g.deny(a, ErrCodeAuthFailed, ReasonUnknownEmail, nil)
		return false
	}
	if !ok {
		g.deny(a, ErrCodeAuthFailed, ReasonPasswordMismatch, nil)
		return false
	}
	a.result.Decision.CredentialChecked = true
	return true
}

// release uncounts an attempt that failed for reasons outside the client's
// credentials.
func (g *Gate) release(a *attempt) {
	if err := g.deps.Limiter.Release(context.Background(), a.ClientKey); err != nil {
		a.log.WithError(err).Warn("Failed to release login throttle")
	}
}

func (g *Gate) deny(a *attempt, code ErrorCode, reason string, cause error) {
	entry := a.log.WithFields(logrus.Fields{"from": a.state, "reason": reason})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Debug("Denying login")

	a.state = StateDenied
	a.result.State = StateDenied
	a.result.Reason = reason
	a.result.Error = NewAuthError(code, code.retryable())
}
