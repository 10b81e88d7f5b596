package services

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog/log"

	"go.collegium.dev/sso/api"
	"go.collegium.dev/sso/internal/crypto"
)

// KeyMaterial tells the KeyService where the signing keypair comes from.
// Exactly one of InlinePEM or FilePath is normally set; when both are empty
// an ephemeral key is generated, which is only acceptable for development
// because restarts invalidate all outstanding tokens.
type KeyMaterial struct {
	InlinePEM string
	FilePath  string
}

// KeyService owns the process-wide signing keypair. The key is loaded once,
// on first use, and the JWKS and discovery documents are cached after first
// generation. Safe for unlimited concurrent readers after initialization.
type KeyService struct {
	issuer          string
	material        KeyMaterial
	supportedScopes []string

	once      sync.Once
	loadErr   error
	key       *rsa.PrivateKey
	keyID     string
	signer    *TokenSigner
	jwks      api.JSONWebKeySet
	discovery *api.OpenIDConfiguration
}

// NewKeyService creates a KeyService. No key material is touched until the
// first call that needs it.
func NewKeyService(issuer string, material KeyMaterial, supportedScopes []string) *KeyService {
	return &KeyService{
		issuer:          issuer,
		material:        material,
		supportedScopes: supportedScopes,
	}
}

func (s *KeyService) load() {
	var key *rsa.PrivateKey
	var err error

	switch {
	case s.material.InlinePEM != "":
		key, err = crypto.ParseRSAPrivateKeyPEM([]byte(s.material.InlinePEM))
	case s.material.FilePath != "":
		key, err = crypto.LoadRSAPrivateKeyFile(s.material.FilePath)
	default:
		log.Warn().Msg("no signing key configured, generating ephemeral RSA key")
		key, err = crypto.GenerateRSAKey()
	}
	if err != nil {
		s.loadErr = fmt.Errorf("failed to load signing key: %w", err)
		return
	}

	keyID, err := crypto.KeyID(&key.PublicKey)
	if err != nil {
		s.loadErr = fmt.Errorf("failed to derive key id: %w", err)
		return
	}

	s.key = key
	s.keyID = keyID
	s.signer = NewTokenSigner(key, keyID, s.issuer)
	s.jwks = buildJWKS(&key.PublicKey, keyID)
	s.discovery = buildDiscovery(s.issuer, s.supportedScopes)

	log.Info().Str("kid", keyID).Msg("signing key loaded")
}

// Signer returns the process token signer, loading the key on first call.
func (s *KeyService) Signer() (*TokenSigner, error) {
	s.once.Do(s.load)
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.signer, nil
}

// JWKS returns the cached public key set.
func (s *KeyService) JWKS() (api.JSONWebKeySet, error) {
	s.once.Do(s.load)
	if s.loadErr != nil {
		return api.JSONWebKeySet{}, s.loadErr
	}
	return s.jwks, nil
}

func buildJWKS(pub *rsa.PublicKey, keyID string) api.JSONWebKeySet {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())

	return api.JSONWebKeySet{
		Keys: []api.JSONWebKey{
			{
				Kid: keyID,
				Kty: "RSA",
				Alg: "RS256",
				Use: "sig",
				N:   n,
				E:   e,
			},
		},
	}
}

// Discovery returns the OpenID Connect discovery document, built once under
// the same initialization barrier as the key itself.
func (s *KeyService) Discovery() (*api.OpenIDConfiguration, error) {
	s.once.Do(s.load)
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.discovery, nil
}

func buildDiscovery(base string, supportedScopes []string) *api.OpenIDConfiguration {
	return &api.OpenIDConfiguration{
		Issuer:                base,
		AuthorizationEndpoint: base + "/oauth2/authorize",
		TokenEndpoint:         base + "/oauth2/token",
		UserInfoEndpoint:      base + "/oauth2/userinfo",
		JwksURI:               base + "/.well-known/jwks.json",
		RegistrationEndpoint:  api.ToPtr(base + "/clients"),
		RevocationEndpoint:    api.ToPtr(base + "/oauth2/revoke"),
		RevocationEndpointAuthMethodsSupported:    []string{"client_secret_post"},
		IntrospectionEndpoint:                     api.ToPtr(base + "/oauth2/introspect"),
		IntrospectionEndpointAuthMethodsSupported: []string{"client_secret_post"},
		ScopesSupported:                   supportedScopes,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
		CodeChallengeMethodsSupported:     []string{CodeChallengeMethodS256},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		UserinfoSigningAlgValuesSupported: []string{"RS256"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "nonce",
			"name", "given_name", "family_name", "email", "email_verified",
		},
	}
}
