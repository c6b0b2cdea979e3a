// Package vault holds password hashing and biometric descriptor encryption.
//
// The Engine owns key material and runs only inside the privileged
// facegate-vault process. The public process reaches it through Client,
// which speaks the gRPC contract defined in this package, and consumes it
// through the Vault component.
package vault

import "errors"

var (
	// ErrHashing is returned when a password hash cannot be produced.
	ErrHashing = errors.New("password hashing failed")

	// ErrVerification is returned when a stored hash is malformed.
	// A wrong password is not an error.
	ErrVerification = errors.New("password verification failed")

	// ErrEncryption is returned when a descriptor cannot be encrypted.
	ErrEncryption = errors.New("descriptor encryption failed")

	// ErrDecryption is returned for corrupt ciphertext or unknown keys.
	ErrDecryption = errors.New("descriptor decryption failed")

	// ErrProtocol is returned for malformed requests or responses.
	ErrProtocol = errors.New("vault protocol violation")

	// ErrUnavailable is returned when the vault cannot be reached.
	ErrUnavailable = errors.New("vault unavailable")
)
