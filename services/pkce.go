package services

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// CodeChallengeMethodS256 is the only PKCE method this server accepts.
// The plain method is rejected per the OAuth 2.1 mandate.
const CodeChallengeMethodS256 = "S256"

// ComputeCodeChallenge derives the S256 challenge for a verifier:
// base64url(SHA256(verifier)) without padding.
func ComputeCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyCodeChallenge checks a presented verifier against the stored S256
// challenge using a constant-time comparison.
func VerifyCodeChallenge(challenge, verifier string) bool {
	computed := ComputeCodeChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
