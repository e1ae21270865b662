// Package secrets encrypts sensitive configuration values at rest and redacts
// secrets from data headed for logs and error messages.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// KeyName is the loader key (and environment variable) holding the vault key.
const KeyName = "AGENTDECK_ENCRYPTION_KEY"

// Prefix marks values produced by Encrypt.
const Prefix = "enc:v1:"

// EncryptionFailedMarker replaces a field whose encryption failed in
// EncryptFields. It never decrypts.
const EncryptionFailedMarker = "[ENCRYPTION_FAILED]"

const keySize = 32

var (
	// ErrMissingKey is returned by NewVault when the loader yields no key.
	ErrMissingKey = errors.New("encryption key not configured")
	// ErrInvalidKey is returned by NewVault when the key is not 32 bytes of base64 or hex.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes, base64 or hex encoded")
	// ErrDecryption covers every decrypt failure: wrong key, tampering, bad encoding.
	ErrDecryption = errors.New("decryption failed")
)

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault encrypts and decrypts strings with AES-256-GCM. The key is loaded
// through a Loader at construction and can be swapped with Reload.
type Vault struct {
	mu     sync.RWMutex
	aead   cipher.AEAD
	loader Loader
}

// NewVault creates a Vault, calling the loader once for the key. A missing
// or malformed key fails here, never on first use.
func NewVault(loader Loader) (*Vault, error) {
	aead, err := loadAEAD(loader)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead, loader: loader}, nil
}

// Reload calls the loader and swaps in the new key atomically.
// If the loader fails or the key is invalid, the existing key is preserved.
func (v *Vault) Reload() error {
	aead, err := loadAEAD(v.loader)
	if err != nil {
		return fmt.Errorf("reload encryption key: %w", err)
	}
	v.mu.Lock()
	v.aead = aead
	v.mu.Unlock()
	return nil
}

func loadAEAD(loader Loader) (cipher.AEAD, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	raw := strings.TrimSpace(vals[KeyName])
	if raw == "" {
		return nil, ErrMissingKey
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

func decodeKey(raw string) ([]byte, error) {
	for _, dec := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	} {
		if key, err := dec(raw); err == nil && len(key) == keySize {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}

// GenerateKey returns a fresh random key in the base64 form NewVault accepts.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("rand key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// IsEncrypted reports whether s looks like a value produced by Encrypt.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// Encrypt seals plaintext. The empty string encrypts to the empty string so
// absent optional fields stay absent.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	v.mu.RLock()
	aead := v.aead
	v.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}
	// nonce is prepended to the sealed box
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Every failure is ErrDecryption.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !IsEncrypted(ciphertext) {
		return "", ErrDecryption
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, Prefix))
	if err != nil {
		return "", ErrDecryption
	}
	v.mu.RLock()
	aead := v.aead
	v.mu.RUnlock()

	ns := aead.NonceSize()
	if len(data) < ns+aead.Overhead() {
		return "", ErrDecryption
	}
	plaintext, err := aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// EncryptFields returns a shallow copy of cfg with the named string fields
// encrypted. Values that are already encrypted are left alone. A field that
// fails to encrypt is replaced by EncryptionFailedMarker; the other fields
// are still processed.
func (v *Vault) EncryptFields(cfg map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, val := range cfg {
		out[k] = val
	}
	for _, f := range fields {
		s, ok := out[f].(string)
		if !ok || s == "" || IsEncrypted(s) || s == EncryptionFailedMarker {
			continue
		}
		enc, err := v.Encrypt(s)
		if err != nil {
			slog.Warn("field encryption failed", "field", f, "error", err)
			out[f] = EncryptionFailedMarker
			continue
		}
		out[f] = enc
	}
	return out
}

// DecryptFields returns a shallow copy of cfg with the named string fields
// decrypted. Unlike EncryptFields, any failure aborts with ErrDecryption.
func (v *Vault) DecryptFields(cfg map[string]any, fields []string) (map[string]any, error) {
	out := make(map[string]any, len(cfg))
	for k, val := range cfg {
		out[k] = val
	}
	for _, f := range fields {
		s, ok := out[f].(string)
		if !ok || s == "" {
			continue
		}
		plain, err := v.Decrypt(s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f, err)
		}
		out[f] = plain
	}
	return out, nil
}
