package app

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"classchat/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
// Fail-fast: a production posture (auth required) never falls back to
// development shortcuts.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.Auth.Required && cfg.Auth.PublicKeyHex == "" && cfg.Auth.SecretKeyHex == "" {
		return errors.New("security policy: CLASSCHAT_AUTH_REQUIRED=true but no PASETO key is configured")
	}
	if cfg.Auth.Required && cfg.WS.InsecureSkipVerify {
		return errors.New("security policy: CLASSCHAT_WS_INSECURE_SKIP_VERIFY cannot be combined with CLASSCHAT_AUTH_REQUIRED")
	}

	switch cfg.BlobBackend {
	case "local":
		if cfg.BlobSigningKey == "" {
			if cfg.Auth.Required {
				return errors.New("security policy: CLASSCHAT_AUTH_REQUIRED=true but CLASSCHAT_BLOB_SIGNING_KEY is missing")
			}
			return nil
		}
		if _, err := token.ParseKey(cfg.BlobSigningKey, token.MinKeyBytes); err != nil {
			if errors.Is(err, token.ErrKeyTooShort) {
				return fmt.Errorf("security policy: CLASSCHAT_BLOB_SIGNING_KEY is too short (min %d bytes)", token.MinKeyBytes)
			}
			return err
		}
	case "s3":
		if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
			return errors.New("config: CLASSCHAT_BLOB_BACKEND=s3 requires CLASSCHAT_S3_ENDPOINT and CLASSCHAT_S3_BUCKET")
		}
	}
	return nil
}

// blobSigningKey returns the configured key, or an ephemeral one for
// development. Ephemeral keys invalidate every signed URL on restart.
func blobSigningKey(cfg Config) (key []byte, ephemeral bool, err error) {
	if cfg.BlobSigningKey != "" {
		key, err = token.ParseKey(cfg.BlobSigningKey, token.MinKeyBytes)
		return key, false, err
	}
	raw := make([]byte, token.MinKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, false, err
	}
	return []byte(hex.EncodeToString(raw)), true, nil
}
