// Package vault stores SNMP credentials encrypted at rest. Blobs are sealed
// with AES-256-GCM before they reach the database and decrypted on demand,
// with a per-process read-through cache so workers do not hit the database on
// every poll.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	keyLength   = 32
	nonceLength = 12
)

var (
	// ErrInvalidKeyLength indicates the provided key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("vault: encryption key must be 32 bytes")
	// ErrCiphertextTooShort indicates the payload is shorter than the nonce.
	ErrCiphertextTooShort = errors.New("vault: ciphertext too short")
	// ErrNotFound indicates no credential exists for the requested id.
	ErrNotFound = errors.New("vault: credential not found")
)

// Credential is the decrypted SNMP secret material for one device.
type Credential struct {
	Version   string `json:"version"` // "2c" or "3"
	Community string `json:"community,omitempty"`

	V3User      string `json:"v3_user,omitempty"`
	V3AuthProto string `json:"v3_auth_proto,omitempty"` // "sha", "sha256", "md5"
	V3AuthPass  string `json:"v3_auth_pass,omitempty"`
	V3PrivProto string `json:"v3_priv_proto,omitempty"` // "aes", "aes256", "des"
	V3PrivPass  string `json:"v3_priv_pass,omitempty"`
}

// Cipher wraps AES-GCM helpers for sealing credential blobs.
type Cipher struct {
	key []byte
}

// NewCipher constructs a Cipher from raw key bytes.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keyLength {
		return nil, ErrInvalidKeyLength
	}
	buf := make([]byte, keyLength)
	copy(buf, key)
	return &Cipher{key: buf}, nil
}

// NewCipherFromHex constructs a Cipher from a 64-character hex key, the form
// CREDENTIAL_KEY takes in the environment.
func NewCipherFromHex(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	return NewCipher(key)
}

// Encrypt seals plaintext with AES-256-GCM and returns a base64 payload with
// the nonce prepended.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: init gcm: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: decode ciphertext: %w", err)
	}
	if len(payload) < nonceLength {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := payload[:nonceLength], payload[nonceLength:]
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt payload: %w", err)
	}
	return plaintext, nil
}

// Source fetches encrypted credential blobs by id; the store package
// implements it over the device_credentials table.
type Source interface {
	FetchEncryptedCredential(ctx context.Context, id int64) (string, error)
}

// Vault resolves credential ids to decrypted secrets with caching. Safe for
// concurrent use by all SNMP workers in the process.
type Vault struct {
	cipher *Cipher
	source Source

	mu    sync.RWMutex
	cache map[int64]Credential
}

// New builds a Vault over the given cipher and blob source.
func New(cipher *Cipher, source Source) *Vault {
	return &Vault{
		cipher: cipher,
		source: source,
		cache:  make(map[int64]Credential),
	}
}

// Get returns the decrypted credential for id, hitting the source only on
// cache miss.
func (v *Vault) Get(ctx context.Context, id int64) (Credential, error) {
	v.mu.RLock()
	cred, ok := v.cache[id]
	v.mu.RUnlock()
	if ok {
		return cred, nil
	}

	blob, err := v.source.FetchEncryptedCredential(ctx, id)
	if err != nil {
		return Credential{}, err
	}
	plaintext, err := v.cipher.Decrypt(blob)
	if err != nil {
		return Credential{}, err
	}
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return Credential{}, fmt.Errorf("vault: unmarshal credential %d: %w", id, err)
	}

	v.mu.Lock()
	v.cache[id] = cred
	v.mu.Unlock()
	return cred, nil
}

// Seal encrypts a credential for storage. Used by registry tooling when
// loading devices.
func (v *Vault) Seal(cred Credential) (string, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("vault: marshal credential: %w", err)
	}
	return v.cipher.Encrypt(plaintext)
}

// Invalidate drops a cached credential, for when the registry rotates it.
func (v *Vault) Invalidate(id int64) {
	v.mu.Lock()
	delete(v.cache, id)
	v.mu.Unlock()
}
