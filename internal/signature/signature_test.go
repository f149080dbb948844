package signature_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minigames-dev/scoreguard/internal/errors"
	"github.com/minigames-dev/scoreguard/internal/signature"
)

func payload(score int64) map[string]any {
	return map[string]any{
		"sessionId": "s1",
		"name":      "ada",
		"score":     score,
		"timestamp": int64(1700000000000),
		"nonce":     "n1",
	}
}

func TestSignVerify(t *testing.T) {
	sig, err := signature.Sign("secret", payload(1250))
	require.NoError(t, err)
	require.Len(t, sig, 64)

	require.NoError(t, signature.Verify("secret", sig, payload(1250)))
}

func TestSign_Deterministic(t *testing.T) {
	a, err := signature.Sign("secret", payload(1250))
	require.NoError(t, err)
	b, err := signature.Sign("secret", payload(1250))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSign_FieldOrderDoesNotMatter(t *testing.T) {
	a, err := signature.Sign("secret", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	b, err := signature.Sign("secret", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSign_ScoreChangesSignature(t *testing.T) {
	a, err := signature.Sign("secret", payload(1250))
	require.NoError(t, err)
	b, err := signature.Sign("secret", payload(1251))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVerify_Mismatch(t *testing.T) {
	sig, err := signature.Sign("secret", payload(1250))
	require.NoError(t, err)

	tests := map[string]struct {
		secret  string
		sig     string
		payload any
	}{
		"tampered score":   {secret: "secret", sig: sig, payload: payload(9999)},
		"wrong secret":     {secret: "other", sig: sig, payload: payload(1250)},
		"garbage sig":      {secret: "secret", sig: "deadbeef", payload: payload(1250)},
		"empty sig":        {secret: "secret", sig: "", payload: payload(1250)},
		"truncated digest": {secret: "secret", sig: sig[:32], payload: payload(1250)},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			err := signature.Verify(tt.secret, tt.sig, tt.payload)
			require.Error(t, err)
			require.Equal(t, errors.CodePermissionDenied, errors.Convert(err).Code)
		})
	}
}

func TestDigest_KnownVectors(t *testing.T) {
	require.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		signature.Digest("hello"))
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		signature.Digest(""))
}
