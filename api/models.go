// Package api holds the wire-level request and response shapes of the
// protocol endpoints.
package api

const (
	TokenTypeAccessToken  = "access_token"
	TokenTypeRefreshToken = "refresh_token"
	TokenTypeIDToken      = "id_token"
)

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	IDToken      string `json:"id_token,omitempty"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse represents the response format defined in RFC 7662.
//
//nolint:tagliatelle
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Nbf       int64  `json:"nbf,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Jti       string `json:"jti,omitempty"`
}

// ConsentRequiredResponse describes the client and the scopes awaiting
// approval when the authorization endpoint cannot issue a code yet.
type ConsentRequiredResponse struct {
	ConsentRequired bool     `json:"consent_required"`
	RequestID       string   `json:"request_id"`
	ClientID        string   `json:"client_id"`
	ClientName      string   `json:"client_name"`
	Scopes          []string `json:"scopes"`
}

// ClientRegistrationResponse carries the one-time plaintext secret back to
// the registering user. The secret is never retrievable again.
type ClientRegistrationResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// OpenIDConfiguration represents the OpenID Connect discovery document
//
//nolint:tagliatelle
type OpenIDConfiguration struct {
	Issuer                                    string   `json:"issuer"`
	AuthorizationEndpoint                     string   `json:"authorization_endpoint"`
	TokenEndpoint                             string   `json:"token_endpoint"`
	UserInfoEndpoint                          string   `json:"userinfo_endpoint"`
	JwksURI                                   string   `json:"jwks_uri"`
	RegistrationEndpoint                      *string  `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                        *string  `json:"revocation_endpoint,omitempty"`
	RevocationEndpointAuthMethodsSupported    []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`
	IntrospectionEndpoint                     *string  `json:"introspection_endpoint,omitempty"`
	IntrospectionEndpointAuthMethodsSupported []string `json:"introspection_endpoint_auth_methods_supported,omitempty"`
	ScopesSupported                           []string `json:"scopes_supported"`
	ResponseTypesSupported                    []string `json:"response_types_supported"`
	ResponseModesSupported                    []string `json:"response_modes_supported"`
	GrantTypesSupported                       []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported             []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported                     []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported          []string `json:"id_token_signing_alg_values_supported"`
	UserinfoSigningAlgValuesSupported         []string `json:"userinfo_signing_alg_values_supported,omitempty"`
	ClaimsSupported                           []string `json:"claims_supported,omitempty"`
}

// UserInfo is the OIDC userinfo response. Claims beyond sub are filled in
// according to the scopes granted on the presented access token.
type UserInfo struct {
	Sub string `json:"sub"`

	// Profile Claims (requested with profile scope):
	Name       *string `json:"name,omitempty"`
	GivenName  *string `json:"given_name,omitempty"`
	FamilyName *string `json:"family_name,omitempty"`
	UpdatedAt  *int64  `json:"updated_at,omitempty"`

	// Email Claims (requested with email scope):
	Email         *string `json:"email,omitempty"`
	EmailVerified *bool   `json:"email_verified,omitempty"`
}

// JSONWebKey represents a public key in JWK format.
type JSONWebKey struct {
	Kid string `json:"kid"` // Key ID
	Kty string `json:"kty"` // Key type
	Alg string `json:"alg"` // Algorithm
	Use string `json:"use"` // Key usage ("sig" for signature)
	N   string `json:"n"`   // RSA modulus
	E   string `json:"e"`   // RSA public exponent
}

// JSONWebKeySet is the published set of public keys used to verify signed tokens.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// ToPtr returns a pointer to the given value. Its a helper function to provide a more readable code
func ToPtr[T any](s T) *T {
	return &s
}
