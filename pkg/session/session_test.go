package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSessionConfig = config.SessionConfig{
	Secret:   "test-session-secret",
	Issuer:   "facegate",
	Audience: "admin-save-car",
	TTL:      30 * time.Minute,
}

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := NewIssuer(testSessionConfig)
	require.NoError(t, err)
	return i
}

func TestNewIssuer_Validation(t *testing.T) {
	_, err := NewIssuer(config.SessionConfig{TTL: time.Minute})
	assert.Error(t, err)

	_, err = NewIssuer(config.SessionConfig{Secret: "s"})
	assert.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	i := newTestIssuer(t)

	tok, err := i.Issue("owner@dealer.example", []string{FactorFace, FactorPassword})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), tok.ExpiresAt, 5*time.Second)

	claims, err := i.Verify(tok.Value)
	require.NoError(t, err)
	assert.True(t, claims.Privileged)
	assert.Equal(t, "owner@dealer.example", claims.Subject)
	assert.Equal(t, []string{FactorFace, FactorPassword}, claims.Factors)
	assert.NotEmpty(t, claims.ID)
}

func TestIssue_UniqueIDs(t *testing.T) {
	i := newTestIssuer(t)
	a, err := i.Issue("s", []string{FactorFace})
	require.NoError(t, err)
	b, err := i.Issue("s", []string{FactorFace})
	require.NoError(t, err)

	ca, err := i.Verify(a.Value)
	require.NoError(t, err)
	cb, err := i.Verify(b.Value)
	require.NoError(t, err)
	assert.NotEqual(t, ca.ID, cb.ID)
}

func TestVerify_Rejects(t *testing.T) {
	i := newTestIssuer(t)
	good, err := i.Issue("s", []string{FactorFace})
	require.NoError(t, err)

	expired := newTestIssuer(t)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Issue("s", []string{FactorFace})
	require.NoError(t, err)

	otherCfg := testSessionConfig
	otherCfg.Secret = "another-secret"
	other, err := NewIssuer(otherCfg)
	require.NoError(t, err)
	forged, err := other.Issue("s", []string{FactorFace})
	require.NoError(t, err)

	audCfg := testSessionConfig
	audCfg.Audience = "somewhere-else"
	aud, err := NewIssuer(audCfg)
	require.NoError(t, err)
	wrongAud, err := aud.Issue("s", []string{FactorFace})
	require.NoError(t, err)

	unprivileged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "facegate",
			Audience:  jwt.ClaimStrings{"admin-save-car"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSessionConfig.Secret))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Privileged: true}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"expired":        old.Value,
		"wrong secret":   forged.Value,
		"wrong audience": wrongAud.Value,
		"unprivileged":   unprivileged,
		"alg none":       none,
		"malformed":      "not.a.jwt",
		"tampered":       good.Value + "x",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := i.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestMiddleware(t *testing.T) {
	i := newTestIssuer(t)
	tok, err := i.Issue("owner", []string{FactorFace})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/private", Middleware(i), func(c *gin.Context) {
		claims, ok := FromContext(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + tok.Value, http.StatusOK},
		{"lowercase scheme", "bearer " + tok.Value, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + tok.Value, http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "owner", w.Body.String())
			}
		})
	}
}
