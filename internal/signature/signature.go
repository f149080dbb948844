// Package signature decides whether a score submission was produced by the
// holder of a session's secret. The MAC covers the canonical encoding of the
// submission fields, so the client and server agree on the signed bytes no
// matter how either side ordered them.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/minigames-dev/scoreguard/internal/canonical"
	"github.com/minigames-dev/scoreguard/internal/errors"
)

// Sign computes the hex HMAC-SHA256 digest of payload's canonical encoding,
// keyed with the session secret.
func Sign(secret string, payload any) (string, error) {
	enc, err := canonical.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("signature: encode payload: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(enc))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks sig against the expected digest for payload under secret.
// The comparison runs in constant time. No partial credit: any difference is
// a mismatch.
func Verify(secret, sig string, payload any) error {
	expected, err := Sign(secret, payload)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("signature verification failed"))
	}

	return nil
}

// Digest returns the hex SHA-256 of s. Used for deterministic fingerprints of
// opaque values, such as nonce bookkeeping keys.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
