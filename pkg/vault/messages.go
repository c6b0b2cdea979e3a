package vault

import "fmt"

// MaxPasswordLen bounds the password carried by one request. No stored
// hash can match a longer password.
const MaxPasswordLen = 4096

const (
	maxVectorLen = 4096
	maxCipherLen = 64 * 1024
)

// validator is implemented by every request and response.
type validator interface {
	Validate() error
}

// HashPasswordRequest asks the vault to hash a password. Any string up to
// MaxPasswordLen is accepted, including the empty one.
type HashPasswordRequest struct {
	Password string `json:"password"`
}

// Validate bounds the password length.
func (r *HashPasswordRequest) Validate() error {
	if len(r.Password) > MaxPasswordLen {
		return protocolError("password too long")
	}
	return nil
}

// HashPasswordResponse carries the encoded hash.
type HashPasswordResponse struct {
	Hash string `json:"hash"`
}

// Validate requires a hash.
func (r *HashPasswordResponse) Validate() error {
	if r.Hash == "" {
		return protocolError("hash is empty")
	}
	return nil
}

// VerifyPasswordRequest asks whether password matches hash.
type VerifyPasswordRequest struct {
	Password string `json:"password"`
	Hash     string `json:"hash"`
}

// Validate bounds the password and requires a hash.
func (r *VerifyPasswordRequest) Validate() error {
	if len(r.Password) > MaxPasswordLen {
		return protocolError("password too long")
	}
	if r.Hash == "" {
		return protocolError("hash is empty")
	}
	return nil
}

// VerifyPasswordResponse reports whether the password matched.
type VerifyPasswordResponse struct {
	Match bool `json:"match"`
}

// Validate always succeeds.
func (r *VerifyPasswordResponse) Validate() error { return nil }

// EncryptBiometricRequest carries a descriptor to encrypt.
type EncryptBiometricRequest struct {
	Vector []float32 `json:"vector"`
}

// Validate requires a non-empty, bounded vector.
func (r *EncryptBiometricRequest) Validate() error {
	return validateVector(r.Vector)
}

// EncryptBiometricResponse carries the descriptor ciphertext.
type EncryptBiometricResponse struct {
	Ciphertext string `json:"ciphertext"`
}

// Validate requires a non-empty, bounded ciphertext.
func (r *EncryptBiometricResponse) Validate() error {
	return validateCiphertext(r.Ciphertext)
}

// DecryptBiometricRequest carries a descriptor ciphertext to decrypt.
type DecryptBiometricRequest struct {
	Ciphertext string `json:"ciphertext"`
}

// Validate requires a non-empty, bounded ciphertext.
func (r *DecryptBiometricRequest) Validate() error {
	return validateCiphertext(r.Ciphertext)
}

// DecryptBiometricResponse carries the recovered descriptor.
type DecryptBiometricResponse struct {
	Vector []float32 `json:"vector"`
}

// Validate requires a non-empty, bounded vector.
func (r *DecryptBiometricResponse) Validate() error {
	return validateVector(r.Vector)
}

func validateVector(v []float32) error {
	if len(v) == 0 {
		return protocolError("vector is empty")
	}
	if len(v) > maxVectorLen {
		return protocolError("vector too long")
	}
	return nil
}

func validateCiphertext(c string) error {
	if c == "" {
		return protocolError("ciphertext is empty")
	}
	if len(c) > maxCipherLen {
		return protocolError("ciphertext too long")
	}
	return nil
}

func protocolError(msg string) error {
	return fmt.Errorf("%w: %s", ErrProtocol, msg)
}
