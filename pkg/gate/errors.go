package gate

// ErrorCode is the public class of a denied login.
type ErrorCode string

const (
	ErrCodeAuthFailed  ErrorCode = "AUTH_FAILED"
	ErrCodeDetection   ErrorCode = "DETECTION_FAILED"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeCanceled    ErrorCode = "CANCELED"
)

// AuthError is the client-facing error of a denied login. It never says
// which factor failed.
type AuthError struct {
	Code    ErrorCode
	Message string
	Retry   bool
}

func (e *AuthError) Error() string {
	return e.Message
}

// Client-facing messages
var errorMessages = map[ErrorCode]string{
	ErrCodeAuthFailed:  "authentication failed",
	ErrCodeDetection:   "position a single face in front of the camera and retry",
	ErrCodeUnavailable: "service unavailable, try again later",
	ErrCodeCanceled:    "request canceled",
}

// GetErrorMessage returns the public message for an error code.
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return errorMessages[ErrCodeAuthFailed]
}

// NewAuthError creates a new authentication error.
func NewAuthError(code ErrorCode, retry bool) *AuthError {
	return &AuthError{
		Code:    code,
		Message: GetErrorMessage(code),
		Retry:   retry,
	}
}

func (c ErrorCode) retryable() bool {
	return c == ErrCodeDetection || c == ErrCodeUnavailable
}
