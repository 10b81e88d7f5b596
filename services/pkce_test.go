package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Verifier/challenge pair from RFC 7636 appendix B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestComputeCodeChallenge(t *testing.T) {
	assert.Equal(t, rfcChallenge, ComputeCodeChallenge(rfcVerifier))
}

func TestVerifyCodeChallenge(t *testing.T) {
	assert.True(t, VerifyCodeChallenge(rfcChallenge, rfcVerifier))
	assert.False(t, VerifyCodeChallenge(rfcChallenge, rfcVerifier+"x"))
	assert.False(t, VerifyCodeChallenge(rfcChallenge, ""))
	assert.False(t, VerifyCodeChallenge("", rfcVerifier))
}

func TestChallengeIsUnpadded(t *testing.T) {
	// base64url without padding never contains '=', '+' or '/'
	challenge := ComputeCodeChallenge("short")
	assert.NotContains(t, challenge, "=")
	assert.NotContains(t, challenge, "+")
	assert.NotContains(t, challenge, "/")
	assert.Len(t, challenge, 43)
}
