package vault

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/MrCodeEU/facegate/pkg/config"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/nacl/secretbox"
)

// Backend is the set of opaque operations the vault offers.
type Backend interface {
	HashPassword(ctx context.Context, password string) (string, error)
	VerifyPassword(ctx context.Context, password, hash string) (bool, error)
	EncryptBiometric(ctx context.Context, vector []float32) (string, error)
	DecryptBiometric(ctx context.Context, ciphertext string) ([]float32, error)
}

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	MemoryKiB uint32
	Time      uint32
	Threads   uint8
}

const (
	saltLen   = 16
	hashLen   = 32
	nonceLen  = 24
	cipherTag = "fgv1"

	// Upper bounds for parameters read back from stored hashes.
	maxMemoryKiB = 1 << 20
	maxTime      = 64
)

// Engine performs the privileged operations. It holds key material and
// must only be constructed inside the vault process.
type Engine struct {
	keys   *KeyRing
	params Argon2Params
	pepper []byte
	rand   io.Reader
}

// NewEngine creates an engine.
func NewEngine(keys *KeyRing, params Argon2Params, pepper []byte) *Engine {
	return &Engine{keys: keys, params: params, pepper: pepper, rand: rand.Reader}
}

// NewEngineFromConfig builds an engine from vault server settings.
func NewEngineFromConfig(cfg config.VaultServerConfig) (*Engine, error) {
	ring, err := ParseKeyRing(cfg.KeyID, cfg.Key, cfg.RetiredKeys)
	if err != nil {
		return nil, err
	}
	params := Argon2Params{
		MemoryKiB: cfg.Argon2.MemoryKiB,
		Time:      cfg.Argon2.Time,
		Threads:   cfg.Argon2.Threads,
	}
	return NewEngine(ring, params, []byte(cfg.Pepper)), nil
}

func (e *Engine) prepare(password string) []byte {
	if len(e.pepper) == 0 {
		return []byte(password)
	}
	mac := hmac.New(sha256.New, e.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// HashPassword returns an argon2id PHC string with a fresh salt.
func (e *Engine) HashPassword(ctx context.Context, password string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(e.rand, salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHashing, err)
	}

	key := argon2.IDKey(e.prepare(password), salt, e.params.Time, e.params.MemoryKiB, e.params.Threads, hashLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, e.params.MemoryKiB, e.params.Time, e.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword compares password against hash in constant time.
// A mismatch is (false, nil); a malformed hash is ErrVerification.
func (e *Engine) VerifyPassword(ctx context.Context, password, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if isBcrypt(hash) {
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, fmt.Errorf("%w: %v", ErrVerification, err)
		}
	}

	p, salt, want, err := decodeArgon2(hash)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	got := argon2.IDKey(e.prepare(password), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}

func decodeArgon2(hash string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params

	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, errors.New("unrecognized hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, fmt.Errorf("bad version: %w", err)
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("bad parameters: %w", err)
	}
	if p.MemoryKiB == 0 || p.MemoryKiB > maxMemoryKiB || p.Time == 0 || p.Time > maxTime || p.Threads == 0 {
		return p, nil, nil, errors.New("parameters out of range")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, errors.New("bad salt encoding")
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, errors.New("bad hash encoding")
	}
	return p, salt, key, nil
}

// EncryptBiometric seals vector under the active key with a fresh nonce.
func (e *Engine) EncryptBiometric(ctx context.Context, vector []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(vector) == 0 {
		return "", fmt.Errorf("%w: empty descriptor", ErrEncryption)
	}

	plain := make([]byte, 4*len(vector))
	for i, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return "", fmt.Errorf("%w: non-finite value at %d", ErrEncryption, i)
		}
		binary.LittleEndian.PutUint32(plain[4*i:], math.Float32bits(v))
	}

	var nonce [nonceLen]byte
	if _, err := io.ReadFull(e.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	kid, key := e.keys.Active()
	sealed := secretbox.Seal(nonce[:], plain, &nonce, key)

	return cipherTag + "." + kid + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptBiometric opens ciphertext produced by EncryptBiometric under any
// key in the ring. It never returns a partial or zero vector.
func (e *Engine) DecryptBiometric(ctx context.Context, ciphertext string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parts := strings.Split(ciphertext, ".")
	if len(parts) != 3 || parts[0] != cipherTag {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryption)
	}

	key, err := e.keys.Lookup(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v %q", ErrDecryption, err, parts[1])
	}

	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrDecryption)
	}
	if len(sealed) < nonceLen+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	var nonce [nonceLen]byte
	copy(nonce[:], sealed[:nonceLen])
	plain, ok := secretbox.Open(nil, sealed[nonceLen:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	if len(plain) == 0 || len(plain)%4 != 0 {
		return nil, fmt.Errorf("%w: bad plaintext length %d", ErrDecryption, len(plain))
	}

	vector := make([]float32, len(plain)/4)
	for i := range vector {
		v := math.Float32frombits(binary.LittleEndian.Uint32(plain[4*i:]))
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite value", ErrDecryption)
		}
		vector[i] = v
	}
	return vector, nil
}
