package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signChallenge(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestGenerateChallengeIsRandom(t *testing.T) {
	auth := NewAuthHandler("secret")

	a, err := auth.GenerateChallenge()
	require.NoError(t, err)
	b, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestVerifySignature(t *testing.T) {
	auth := NewAuthHandler("secret")
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.True(t, auth.VerifySignature(challenge, signChallenge("secret", challenge)))
	assert.False(t, auth.VerifySignature(challenge, signChallenge("wrong", challenge)))
	assert.False(t, auth.VerifySignature(challenge, "garbage"))
}

func TestHandleAuthResponseSuccess(t *testing.T) {
	auth := NewAuthHandler("secret")
	client := &Client{ID: "c1", Challenge: "abc", State: StateAuthenticating}

	result := auth.HandleAuthResponse(client, signChallenge("secret", "abc"))

	assert.True(t, result.Success)
	assert.True(t, client.Authenticated)
	assert.Equal(t, StateAuthenticated, client.State)
	assert.Empty(t, client.Challenge, "challenge is single-use")
}

func TestHandleAuthResponseFailures(t *testing.T) {
	auth := NewAuthHandler("secret")

	client := &Client{ID: "c1"}
	result := auth.HandleAuthResponse(client, "sig")
	assert.False(t, result.Success)
	assert.Equal(t, "No challenge found", result.Message)

	client = &Client{ID: "c2", Challenge: "abc"}
	for i := 0; i < 2; i++ {
		result = auth.HandleAuthResponse(client, "bad")
		assert.False(t, result.Success)
		assert.Equal(t, "Invalid signature", result.Message)
	}
	result = auth.HandleAuthResponse(client, "bad")
	assert.False(t, result.Success)
	assert.Equal(t, "Too many failed attempts", result.Message)
	assert.False(t, client.Authenticated)
}
