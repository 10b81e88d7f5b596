package services

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	serrors "go.collegium.dev/sso/errors"
)

// TokenSigner signs and verifies bearer tokens with the process signing key.
type TokenSigner struct {
	key    *rsa.PrivateKey
	keyID  string
	issuer string
}

// NewTokenSigner creates a new TokenSigner instance.
func NewTokenSigner(key *rsa.PrivateKey, keyID, issuer string) *TokenSigner {
	return &TokenSigner{
		key:    key,
		keyID:  keyID,
		issuer: issuer,
	}
}

// KeyID returns the identifier embedded in the kid header of signed tokens.
func (s *TokenSigner) KeyID() string {
	return s.keyID
}

// Sign produces a compact RS256 JWT carrying the claims and the kid header.
func (s *TokenSigner) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyOptions narrows what Verify checks beyond signature and expiry.
type VerifyOptions struct {
	// Audience, when non-empty, must appear in the aud claim.
	Audience string
	// CheckIssuer toggles iss verification against the signer's issuer.
	CheckIssuer bool
}

// Verify parses the token, checking signature and expiry always, and issuer
// and audience when requested. Failures map to the named sentinel errors so
// callers can tell the cases apart without string matching.
func (s *TokenSigner) Verify(tokenValue string, opts VerifyOptions) (jwt.MapClaims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if opts.CheckIssuer {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenValue, &claims, func(token *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, parserOpts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, serrors.ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, serrors.ErrTokenSignatureInvalid
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, serrors.ErrTokenBadIssuer
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, serrors.ErrTokenBadAudience
		default:
			return nil, fmt.Errorf("%w: %w", serrors.ErrTokenMalformed, err)
		}
	}

	return claims, nil
}
