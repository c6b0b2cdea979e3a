package server

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/MrCodeEU/facegate/pkg/camera"
	"github.com/MrCodeEU/facegate/pkg/gate"
	"github.com/gin-gonic/gin"
)

// LoginRequest is the body of the login endpoint.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// FacialImage is a base64 JPEG or PNG. A data URL prefix is accepted.
	FacialImage string `json:"facial_image"`
}

// LoginResponse is returned on a granted login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Method    string    `json:"method"`
}

var statusByCode = map[gate.ErrorCode]int{
	gate.ErrCodeAuthFailed:  http.StatusUnauthorized,
	gate.ErrCodeDetection:   http.StatusUnprocessableEntity,
	gate.ErrCodeUnavailable: http.StatusServiceUnavailable,
	gate.ErrCodeCanceled:    499,
}

func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var src camera.Source
	if img, err := decodeImage(req.FacialImage); err == nil {
		src = camera.NewStaticSource(img, s.limits)
	}

	res := s.deps.Gate.Login(c.Request.Context(), gate.Attempt{
		ClientKey: c.ClientIP(),
		Email:     req.Email,
		Password:  req.Password,
		Camera:    src,
	})

	if !res.Granted() {
		status, ok := statusByCode[res.Error.Code]
		if !ok {
			status = http.StatusUnauthorized
		}
		body := gin.H{"error": res.Error.Message}
		if res.Error.Retry {
			body["retry"] = true
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:     res.Session.Value,
		ExpiresAt: res.Session.ExpiresAt,
		Method:    strings.Join(res.Session.Factors, "+"),
	})
}

func decodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
