// Package security implements the gateway's cryptographic primitives:
// authenticated encryption for payload blobs at rest in the session
// store, and HMAC-signed opaque session tokens. Secret material is held
// in guarded memory via memguard for as long as the process runs, rather
// than sitting in ordinary heap-allocated byte slices.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

// payloadVersion is prefixed to every ciphertext so future key or cipher
// rotations can be distinguished from legacy blobs without guessing.
const payloadVersion byte = 1

var (
	// ErrInvalidCiphertext covers truncated blobs, bad versions, and
	// AEAD authentication failures — callers must not distinguish these
	// cases to avoid turning decrypt into a padding oracle.
	ErrInvalidCiphertext = errors.New("security: invalid ciphertext")
	// ErrTokenExpired is returned by ValidateToken for a syntactically
	// valid token whose exp claim has passed.
	ErrTokenExpired = errors.New("security: token expired")
	// ErrTokenInvalid covers bad signatures and malformed tokens.
	ErrTokenInvalid = errors.New("security: token invalid")
)

// Service bundles the encryption and token-signing keys behind guarded
// memory buffers. Construct exactly one per process from config.
type Service struct {
	encKey    *memguard.LockedBuffer
	tokenKey  *memguard.LockedBuffer
}

// NewService derives 32-byte keys from the configured secrets via
// SHA-256 and stores them in locked, non-swappable memory. It returns an
// error if either secret is empty, since a zero-value key would silently
// make every token forgeable.
func NewService(encryptionSecret, tokenSecret string) (*Service, error) {
	if encryptionSecret == "" || tokenSecret == "" {
		return nil, fmt.Errorf("security: encryption and token secrets must be non-empty")
	}
	encSum := sha256.Sum256([]byte(encryptionSecret))
	tokenSum := sha256.Sum256([]byte(tokenSecret))

	s := &Service{
		encKey:   memguard.NewBufferFromBytes(encSum[:]),
		tokenKey: memguard.NewBufferFromBytes(tokenSum[:]),
	}
	return s, nil
}

// Destroy wipes both keys from memory. Call during graceful shutdown.
func (s *Service) Destroy() {
	s.encKey.Destroy()
	s.tokenKey.Destroy()
}

// Encrypt seals plaintext with AES-256-GCM under the service's
// encryption key, returning a base64url blob safe for storage as a
// string field. A fresh random nonce is generated per call.
func (s *Service) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.encKey.Bytes())
	if err != nil {
		return "", fmt.Errorf("security: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("security: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("security: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, 1+len(sealed))
	out[0] = payloadVersion
	copy(out[1:], sealed)
	return base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any tamper, truncation, or unknown version
// byte returns ErrInvalidCiphertext without further detail.
func (s *Service) Decrypt(blob string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(blob)
	if err != nil || len(raw) < 2 || raw[0] != payloadVersion {
		return nil, ErrInvalidCiphertext
	}
	block, err := aes.NewCipher(s.encKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: new gcm: %w", err)
	}
	body := raw[1:]
	if len(body) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// SessionToken is the opaque, HMAC-signed value returned to clients.
// The wire format is base64url(sessionId-bytes || exp-unix-seconds || mac).
func (s *Service) SessionToken(sessionID string, exp time.Time) string {
	payload := tokenPayload(sessionID, exp)
	mac := hmac.New(sha256.New, s.tokenKey.Bytes())
	mac.Write(payload)
	sig := mac.Sum(nil)
	return base64.URLEncoding.EncodeToString(append(payload, sig...))
}

// ValidateToken verifies the signature and expiry of a token minted by
// SessionToken, returning the bound session id on success.
func (s *Service) ValidateToken(token string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrTokenInvalid
	}
	const macSize = sha256.Size
	if len(raw) < 8+macSize+1 {
		return "", ErrTokenInvalid
	}
	payload, sig := raw[:len(raw)-macSize], raw[len(raw)-macSize:]

	mac := hmac.New(sha256.New, s.tokenKey.Bytes())
	mac.Write(payload)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, sig) != 1 {
		return "", ErrTokenInvalid
	}

	expUnix := int64(binary.BigEndian.Uint64(payload[len(payload)-8:]))
	sessionID := string(payload[:len(payload)-8])
	if time.Now().After(time.Unix(expUnix, 0)) {
		return "", ErrTokenExpired
	}
	return sessionID, nil
}

func tokenPayload(sessionID string, exp time.Time) []byte {
	out := make([]byte, 0, len(sessionID)+8)
	out = append(out, sessionID...)
	expBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(expBuf, uint64(exp.Unix()))
	return append(out, expBuf...)
}
