package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

const minKeyLength = 32

// KeySet holds the ordered signing keys, newest first. The newest key signs
// everything; verification succeeds under any held key, so rotating in a new
// key does not invalidate outstanding credentials. Rotation only ever
// prepends a key or retires the oldest, never rewrites key bytes in place.
type KeySet struct {
	mu   sync.RWMutex
	keys [][]byte
}

func New(raw ...[]byte) (*KeySet, error) {
	if len(raw) == 0 {
		return nil, errors.New("keyset requires at least one key")
	}
	ks := make([][]byte, 0, len(raw))
	for i, k := range raw {
		if len(k) < minKeyLength {
			return nil, errors.Errorf("key %d too short, must be >= %d bytes", i, minKeyLength)
		}
		cp := make([]byte, len(k))
		copy(cp, k)
		ks = append(ks, cp)
	}
	return &KeySet{keys: ks}, nil
}

// Parse loads a keyset from its persisted form: a JSON array of base64
// strings, newest first. A bare string is treated as a single-key set so a
// fresh deployment can bootstrap from one secret.
func Parse(raw string) (*KeySet, error) {
	var encoded []string
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		encoded = []string{raw}
	}
	keys := make([][]byte, 0, len(encoded))
	for _, e := range encoded {
		k, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, errors.Wrap(err, "decode signing key")
		}
		keys = append(keys, k)
	}
	return New(keys...)
}

func Generate() ([]byte, error) {
	k := make([]byte, minKeyLength)
	if _, err := rand.Read(k); err != nil {
		return nil, errors.Wrap(err, "generate signing key")
	}
	return k, nil
}

// Sign computes an HMAC-SHA256 over data with the newest key.
func (k *KeySet) Sign(data []byte) []byte {
	k.mu.RLock()
	key := k.keys[0]
	k.mu.RUnlock()
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (k *KeySet) SignString(s string) string {
	return base64.RawURLEncoding.EncodeToString(k.Sign([]byte(s)))
}

// Verify reports whether sig matches data under any currently held key.
func (k *KeySet) Verify(data, sig []byte) bool {
	k.mu.RLock()
	held := k.keys
	k.mu.RUnlock()
	for _, key := range held {
		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		if hmac.Equal(mac.Sum(nil), sig) {
			return true
		}
	}
	return false
}

// VerifyString decodes sig strictly: trailing padding bits must be zero, so
// every MAC has exactly one accepted encoding.
func (k *KeySet) VerifyString(s, sig string) bool {
	raw, err := base64.RawURLEncoding.Strict().DecodeString(sig)
	if err != nil {
		return false
	}
	return k.Verify([]byte(s), raw)
}

// Rotate prepends a new signing key. Existing keys stay valid for
// verification until retired.
func (k *KeySet) Rotate(newKey []byte) error {
	if len(newKey) < minKeyLength {
		return errors.Errorf("key too short, must be >= %d bytes", minKeyLength)
	}
	cp := make([]byte, len(newKey))
	copy(cp, newKey)
	k.mu.Lock()
	k.keys = append([][]byte{cp}, k.keys...)
	k.mu.Unlock()
	return nil
}

// Retire drops the oldest key. The last remaining key cannot be retired.
func (k *KeySet) Retire() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) <= 1 {
		return errors.New("cannot retire the only signing key")
	}
	k.keys = k.keys[:len(k.keys)-1]
	return nil
}

func (k *KeySet) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Export returns the persisted form accepted by Parse.
func (k *KeySet) Export() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	encoded := make([]string, len(k.keys))
	for i, key := range k.keys {
		encoded[i] = base64.StdEncoding.EncodeToString(key)
	}
	out, err := json.Marshal(encoded)
	if err != nil {
		return "", errors.Wrap(err, "marshal keyset")
	}
	return string(out), nil
}
