package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// fernetNoTTL disables the fernet timestamp check; stored content does not expire.
const fernetNoTTL = -1 * time.Second

// ErrUndecryptable means no configured key opens a stored payload.
var ErrUndecryptable = errors.New("security: payload cannot be decrypted with any configured key")

// Encryptor seals message content at rest with AES-256-GCM keyed by the
// SHA-256 of the configured secret. Secrets rotated out into the legacy
// list still open old rows; a legacy entry that parses as a fernet key
// also opens fernet tokens.
type Encryptor struct {
	ring   []cipher.AEAD // ring[0] seals
	fernet []*fernet.Key
}

func NewEncryptor(key []byte, legacyKeys []string) (*Encryptor, error) {
	if len(key) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	current, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	e := &Encryptor{ring: []cipher.AEAD{current}}
	if fk := parseFernetKey(string(key)); fk != nil {
		e.fernet = append(e.fernet, fk)
	}

	for i, raw := range legacyKeys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if fk := parseFernetKey(raw); fk != nil {
			e.fernet = append(e.fernet, fk)
		}
		aead, err := newAEAD([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("legacy key %d: %w", i, err)
		}
		e.ring = append(e.ring, aead)
	}
	return e, nil
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	sum := sha256.Sum256(secret)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func parseFernetKey(raw string) *fernet.Key {
	key, err := fernet.DecodeKey(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return key
}

// Encrypt seals plain with the current key as base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(plain string) (string, error) {
	aead := e.ring[0]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, []byte(plain), nil)), nil
}

// Decrypt tries the current key, then each legacy key, then the fernet keys.
func (e *Encryptor) Decrypt(enc string) (string, error) {
	if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
		for _, aead := range e.ring {
			n := aead.NonceSize()
			if len(raw) < n {
				break
			}
			if plain, err := aead.Open(nil, raw[:n], raw[n:], nil); err == nil {
				return string(plain), nil
			}
		}
	}
	if len(e.fernet) > 0 {
		if plain := fernet.VerifyAndDecrypt([]byte(enc), fernetNoTTL, e.fernet); plain != nil {
			return string(plain), nil
		}
	}
	return "", ErrUndecryptable
}
