package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinKeyBytes is the minimum accepted HMAC-SHA256 secret length.
const MinKeyBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// KeyFromEnv returns the trimmed key bytes stored in envKey, enforcing a
// minimum byte length.
func KeyFromEnv(envKey string, minBytes int) ([]byte, error) {
	return ParseKey(os.Getenv(envKey), minBytes)
}

// ParseKey validates a raw secret.
func ParseKey(raw string, minBytes int) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrKeyTooShort
	}
	return b, nil
}

// Signer signs resource paths with an expiry.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer. The key must satisfy MinKeyBytes.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

func signingInput(resource string, exp int64) string {
	return resource + "\n" + strconv.FormatInt(exp, 10)
}

// Sign returns the hex signature and the unix expiry for resource.
func (s *Signer) Sign(resource string, expiresAt time.Time) (sig string, exp int64) {
	exp = expiresAt.Unix()
	return HashHMACSHA256Hex(signingInput(resource, exp), s.key), exp
}

// Verify checks sig for resource and rejects expired signatures.
func (s *Signer) Verify(resource string, exp int64, sig string, now time.Time) error {
	want := HashHMACSHA256Hex(signingInput(resource, exp), s.key)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(sig)))) {
		return ErrSignatureBad
	}
	if now.Unix() > exp {
		return ErrSignatureExpiry
	}
	return nil
}
