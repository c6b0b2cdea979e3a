package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the secretbox key length.
const KeySize = 32

// KeyRing holds the active descriptor key and any retired keys that are
// still accepted for decryption.
type KeyRing struct {
	active string
	keys   map[string]*[KeySize]byte
}

// NewKeyRing builds a key ring. Key ids may not contain '.'.
func NewKeyRing(activeID string, active []byte, retired map[string][]byte) (*KeyRing, error) {
	ring := &KeyRing{active: activeID, keys: make(map[string]*[KeySize]byte, len(retired)+1)}

	if err := ring.add(activeID, active); err != nil {
		return nil, err
	}
	for id, key := range retired {
		if id == activeID {
			return nil, fmt.Errorf("retired key %s shadows the active key", id)
		}
		if err := ring.add(id, key); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

// ParseKeyRing decodes base64 keys as they appear in configuration.
func ParseKeyRing(activeID, active string, retired map[string]string) (*KeyRing, error) {
	activeKey, err := base64.StdEncoding.DecodeString(active)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", activeID, err)
	}
	old := make(map[string][]byte, len(retired))
	for id, enc := range retired {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", id, err)
		}
		old[id] = raw
	}
	return NewKeyRing(activeID, activeKey, old)
}

func (r *KeyRing) add(id string, key []byte) error {
	if id == "" || strings.Contains(id, ".") {
		return fmt.Errorf("invalid key id %q", id)
	}
	if len(key) != KeySize {
		return fmt.Errorf("key %s must be %d bytes, got %d", id, KeySize, len(key))
	}
	var k [KeySize]byte
	copy(k[:], key)
	r.keys[id] = &k
	return nil
}

// Active returns the id and key used for new ciphertext.
func (r *KeyRing) Active() (string, *[KeySize]byte) {
	return r.active, r.keys[r.active]
}

// Lookup returns the key for id.
func (r *KeyRing) Lookup(id string) (*[KeySize]byte, error) {
	k, ok := r.keys[id]
	if !ok {
		return nil, errors.New("unknown key id")
	}
	return k, nil
}
