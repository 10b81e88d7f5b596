package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.collegium.dev/sso/api"
	"go.collegium.dev/sso/cache"
	"go.collegium.dev/sso/domain"
	serrors "go.collegium.dev/sso/errors"
	"go.collegium.dev/sso/internal/metrics"
)

// TokenConfig carries the lifetimes and rotation policy of the token issuer.
type TokenConfig struct {
	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration

	// RotateRefreshTokens mints a new generation on every refresh and
	// supersedes the presented token. Disabling it keeps the presented token
	// live, which also disables reuse detection for rotation.
	RotateRefreshTokens bool

	// RevokeFamilyOnReuse sweeps the whole family when a superseded or
	// revoked token is presented. When disabled the request still fails.
	RevokeFamilyOnReuse bool

	// MaxLiveFamilies caps concurrently live families per (client, user).
	// The oldest family is evicted on overflow. Zero means no cap.
	MaxLiveFamilies int
}

// TokenService implements the token, introspection, revocation and userinfo
// endpoints: code exchange, refresh rotation with reuse detection, and the
// stateless/stateful introspection split.
type TokenService struct {
	clients       *ClientService
	codes         domain.AuthCodeRepository
	refreshTokens domain.RefreshTokenRepository
	users         domain.IdentityStore
	keys          *KeyService
	revocations   cache.RevocationStore

	cfg TokenConfig
}

// NewTokenService creates a TokenService.
func NewTokenService(
	clients *ClientService,
	codes domain.AuthCodeRepository,
	refreshTokens domain.RefreshTokenRepository,
	users domain.IdentityStore,
	keys *KeyService,
	revocations cache.RevocationStore,
	cfg TokenConfig,
) *TokenService {
	return &TokenService{
		clients:       clients,
		codes:         codes,
		refreshTokens: refreshTokens,
		users:         users,
		keys:          keys,
		revocations:   revocations,
		cfg:           cfg,
	}
}

type accessTokenClaims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce,omitempty"`
}

// ExchangeRequest carries the authorization_code grant parameters.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeAuthorizationCode redeems a code for a token triple. The code is
// consumed with a single conditional update, so concurrent exchanges of the
// same code resolve to exactly one winner.
func (s *TokenService) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest, actor ActorContext) (*api.TokenResponse, error) {
	// A missing verifier is a request-shape error; the code record must not
	// be touched (and therefore not consumed) before this check.
	if req.CodeVerifier == "" {
		return nil, serrors.NewInvalidRequest("code_verifier is required")
	}
	if req.Code == "" || req.RedirectURI == "" {
		return nil, serrors.NewInvalidRequest("code and redirect_uri are required")
	}

	cli, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	authCode, err := s.codes.ConsumeAuthCode(ctx, req.Code, cli.ID, req.RedirectURI, actor.IP)
	if err != nil {
		log.Info().Str("client_id", cli.ID).Str("ip", actor.IP).Msg("authorization code exchange rejected")
		return nil, serrors.NewInvalidGrant("invalid, expired or already used authorization code")
	}

	if !VerifyCodeChallenge(authCode.CodeChallenge, req.CodeVerifier) {
		return nil, serrors.NewInvalidGrant("PKCE verification failed")
	}

	metrics.CodesExchangedTotal.Inc()

	familyID := uuid.NewString()
	if err := s.enforceFamilyCap(ctx, cli.ID, authCode.UserID); err != nil {
		return nil, err
	}

	return s.mintTokens(ctx, mintRequest{
		clientID:   cli.ID,
		userID:     authCode.UserID,
		scope:      authCode.Scope,
		nonce:      authCode.Nonce,
		familyID:   familyID,
		generation: 1,
	})
}

// RefreshRequest carries the refresh_token grant parameters.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Refresh rotates a refresh token. Presenting a revoked or superseded token
// is treated as reuse: the entire family is revoked and the request fails.
func (s *TokenService) Refresh(ctx context.Context, req RefreshRequest, actor ActorContext) (*api.TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, serrors.NewInvalidRequest("refresh_token is required")
	}

	cli, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	tokenHash := HashToken(req.RefreshToken)
	record, err := s.refreshTokens.GetRefreshToken(ctx, tokenHash)
	if err != nil {
		return nil, serrors.NewInvalidGrant("unknown refresh token")
	}
	if record.ClientID != cli.ID {
		return nil, serrors.NewInvalidGrant("unknown refresh token")
	}

	now := time.Now().UTC()
	if record.IsRevoked || record.Superseded {
		return nil, s.handleReuse(ctx, record, actor)
	}
	if !now.Before(record.ExpiresAt) {
		return nil, serrors.NewInvalidGrant("refresh token expired")
	}

	if !s.cfg.RotateRefreshTokens {
		resp, err := s.mintTokens(ctx, mintRequest{
			clientID:     cli.ID,
			userID:       record.UserID,
			scope:        record.Scope,
			familyID:     record.FamilyID,
			generation:   record.Generation,
			reuseRefresh: req.RefreshToken,
		})
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	// Conditional flip from live to superseded. Losing the race to another
	// rotation attempt means the token was already used, which is reuse.
	if err := s.refreshTokens.SupersedeRefreshToken(ctx, tokenHash); err != nil {
		if errors.Is(err, domain.ErrRefreshTokenRotated) {
			return nil, s.handleReuse(ctx, record, actor)
		}
		return nil, fmt.Errorf("failed to supersede refresh token: %w", err)
	}

	metrics.TokensRotatedTotal.Inc()

	return s.mintTokens(ctx, mintRequest{
		clientID:   cli.ID,
		userID:     record.UserID,
		scope:      record.Scope,
		familyID:   record.FamilyID,
		generation: record.Generation + 1,
	})
}

// handleReuse is the theft response: the family is swept and the caller gets
// the same invalid_grant it would get for any other dead token.
func (s *TokenService) handleReuse(ctx context.Context, record *domain.RefreshToken, actor ActorContext) error {
	metrics.ReuseDetectedTotal.Inc()

	event := log.Error().
		Str("client_id", record.ClientID).
		Str("user_id", record.UserID).
		Str("family_id", record.FamilyID).
		Int("generation", record.Generation).
		Str("ip", actor.IP).
		Str("user_agent", actor.UserAgent)

	if s.cfg.RevokeFamilyOnReuse {
		revoked, err := s.refreshTokens.RevokeFamily(ctx, record.FamilyID)
		if err != nil {
			event.Err(err).Msg("refresh token reuse detected, family revocation failed")
			return fmt.Errorf("failed to revoke token family: %w", err)
		}
		metrics.FamiliesRevokedTotal.Inc()
		event.Int64("tokens_revoked", revoked).Msg("refresh token reuse detected, family revoked")
	} else {
		event.Msg("refresh token reuse detected")
	}

	return serrors.NewInvalidGrant("refresh token is no longer valid")
}

func (s *TokenService) enforceFamilyCap(ctx context.Context, clientID, userID string) error {
	if s.cfg.MaxLiveFamilies <= 0 {
		return nil
	}
	families, err := s.refreshTokens.ListLiveFamilies(ctx, clientID, userID)
	if err != nil {
		return fmt.Errorf("failed to list token families: %w", err)
	}
	for len(families) >= s.cfg.MaxLiveFamilies {
		oldest := families[0]
		if _, err := s.refreshTokens.RevokeFamily(ctx, oldest.FamilyID); err != nil {
			return fmt.Errorf("failed to evict token family: %w", err)
		}
		metrics.FamiliesRevokedTotal.Inc()
		log.Info().
			Str("client_id", clientID).
			Str("user_id", userID).
			Str("family_id", oldest.FamilyID).
			Msg("evicted oldest token family")
		families = families[1:]
	}
	return nil
}

type mintRequest struct {
	clientID   string
	userID     string
	scope      string
	nonce      string
	familyID   string
	generation int

	// reuseRefresh, when set, is echoed back instead of minting a new
	// refresh token (rotation disabled).
	reuseRefresh string
}

func (s *TokenService) mintTokens(ctx context.Context, req mintRequest) (*api.TokenResponse, error) {
	signer, err := s.keys.Signer()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	jti := uuid.NewString()

	accessToken, err := signer.Sign(accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    signer.issuer,
			Subject:   req.userID,
			Audience:  jwt.ClaimStrings{req.clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
		},
		Scope:    req.scope,
		ClientID: req.clientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	resp := &api.TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       req.scope,
	}

	if containsScope(strings.Fields(req.scope), ScopeOpenID) {
		idToken, err := signer.Sign(idTokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    signer.issuer,
				Subject:   req.userID,
				Audience:  jwt.ClaimStrings{req.clientID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.IDTokenTTL)),
			},
			Nonce: req.nonce,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sign id token: %w", err)
		}
		resp.IDToken = idToken
	}

	if req.reuseRefresh != "" {
		resp.RefreshToken = req.reuseRefresh
		metrics.TokensIssuedTotal.Inc()
		return resp, nil
	}

	refreshValue, err := generateOpaqueToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	if err := s.refreshTokens.StoreRefreshToken(ctx, &domain.RefreshToken{
		TokenHash:     HashToken(refreshValue),
		FamilyID:      req.familyID,
		ClientID:      req.clientID,
		UserID:        req.userID,
		Scope:         req.scope,
		AccessTokenID: jti,
		Generation:    req.generation,
		ExpiresAt:     now.Add(s.cfg.RefreshTokenTTL),
		CreatedAt:     now,
	}); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	resp.RefreshToken = refreshValue

	metrics.TokensIssuedTotal.Inc()
	log.Debug().
		Str("client_id", req.clientID).
		Str("user_id", req.userID).
		Str("family_id", req.familyID).
		Int("generation", req.generation).
		Msg("token pair issued")

	return resp, nil
}

// Introspect reports token state per RFC 7662. Access tokens are verified
// statelessly (signature, expiry, denylist); refresh tokens are looked up by
// hash. A dead or unknown token is active:false, never an error.
func (s *TokenService) Introspect(ctx context.Context, clientID, clientSecret, token, hint string) (*api.IntrospectionResponse, error) {
	if _, err := s.clients.Authenticate(ctx, clientID, clientSecret); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, serrors.NewInvalidRequest("token is required")
	}

	if hint == api.TokenTypeRefreshToken {
		return s.introspectRefresh(ctx, token), nil
	}

	if resp := s.introspectAccess(ctx, token); resp.Active || hint == api.TokenTypeAccessToken {
		return resp, nil
	}
	// no hint and not a valid JWT, fall back to a refresh lookup
	return s.introspectRefresh(ctx, token), nil
}

func (s *TokenService) introspectAccess(ctx context.Context, token string) *api.IntrospectionResponse {
	signer, err := s.keys.Signer()
	if err != nil {
		return &api.IntrospectionResponse{Active: false}
	}
	claims, err := signer.Verify(token, VerifyOptions{CheckIssuer: true})
	if err != nil {
		return &api.IntrospectionResponse{Active: false}
	}

	jti, _ := claims["jti"].(string)
	if jti != "" {
		revoked, err := s.revocations.IsRevoked(ctx, jti)
		if err != nil || revoked {
			return &api.IntrospectionResponse{Active: false}
		}
	}

	resp := &api.IntrospectionResponse{
		Active:    true,
		TokenType: api.TokenTypeAccessToken,
		Jti:       jti,
	}
	resp.Sub, _ = claims["sub"].(string)
	resp.Iss, _ = claims["iss"].(string)
	resp.Scope, _ = claims["scope"].(string)
	resp.ClientID, _ = claims["client_id"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		resp.Exp = exp.Unix()
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		resp.Iat = iat.Unix()
	}
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		resp.Aud = aud[0]
	}
	return resp
}

func (s *TokenService) introspectRefresh(ctx context.Context, token string) *api.IntrospectionResponse {
	record, err := s.refreshTokens.GetRefreshToken(ctx, HashToken(token))
	if err != nil {
		return &api.IntrospectionResponse{Active: false}
	}
	if !record.Live(time.Now().UTC()) {
		return &api.IntrospectionResponse{Active: false}
	}
	return &api.IntrospectionResponse{
		Active:    true,
		TokenType: api.TokenTypeRefreshToken,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		Sub:       record.UserID,
		Exp:       record.ExpiresAt.Unix(),
		Iat:       record.CreatedAt.Unix(),
	}
}

// Revoke marks a single token revoked per RFC 7009. Revoking one refresh
// token does not sweep its family; only reuse detection and suspension do.
// Unknown tokens are not an error.
func (s *TokenService) Revoke(ctx context.Context, clientID, clientSecret, token, hint string) error {
	cli, err := s.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}
	if token == "" {
		return serrors.NewInvalidRequest("token is required")
	}

	if hint != api.TokenTypeAccessToken {
		record, err := s.refreshTokens.GetRefreshToken(ctx, HashToken(token))
		if err == nil {
			if record.ClientID != cli.ID {
				return nil
			}
			if err := s.refreshTokens.RevokeRefreshToken(ctx, record.TokenHash); err != nil {
				return fmt.Errorf("failed to revoke refresh token: %w", err)
			}
			// Deny the sibling access token for its worst-case remaining
			// lifetime; its real expiry is not recoverable from the record.
			if record.AccessTokenID != "" {
				until := time.Now().UTC().Add(s.cfg.AccessTokenTTL)
				if err := s.revocations.Revoke(ctx, record.AccessTokenID, until); err != nil {
					log.Warn().Err(err).Str("jti", record.AccessTokenID).Msg("failed to denylist sibling access token")
				}
			}
			log.Info().Str("client_id", cli.ID).Str("family_id", record.FamilyID).Msg("refresh token revoked")
			return nil
		}
		if hint == api.TokenTypeRefreshToken {
			return nil
		}
	}

	signer, err := s.keys.Signer()
	if err != nil {
		return err
	}
	claims, err := signer.Verify(token, VerifyOptions{CheckIssuer: true})
	if err != nil {
		// dead or foreign token, nothing to do
		return nil
	}
	if owner, _ := claims["client_id"].(string); owner != cli.ID {
		return nil
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return nil
	}
	until := time.Now().UTC().Add(s.cfg.AccessTokenTTL)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		until = exp.Time
	}
	if err := s.revocations.Revoke(ctx, jti, until); err != nil {
		return fmt.Errorf("failed to denylist access token: %w", err)
	}
	log.Info().Str("client_id", cli.ID).Str("jti", jti).Msg("access token revoked")
	return nil
}

// UserInfo resolves the claims for a bearer access token. The token must be
// valid, not denylisted, and carry the openid scope.
func (s *TokenService) UserInfo(ctx context.Context, accessToken string) (*api.UserInfo, error) {
	signer, err := s.keys.Signer()
	if err != nil {
		return nil, err
	}
	claims, err := signer.Verify(accessToken, VerifyOptions{CheckIssuer: true})
	if err != nil {
		return nil, err
	}

	if jti, _ := claims["jti"].(string); jti != "" {
		revoked, err := s.revocations.IsRevoked(ctx, jti)
		if err != nil {
			return nil, fmt.Errorf("failed to check token denylist: %w", err)
		}
		if revoked {
			return nil, serrors.ErrTokenRevoked
		}
	}

	scope, _ := claims["scope"].(string)
	scopes := strings.Fields(scope)
	if !containsScope(scopes, ScopeOpenID) {
		return nil, serrors.NewInvalidScope("openid scope required")
	}

	sub, _ := claims["sub"].(string)
	user, err := s.users.GetUserByID(ctx, sub)
	if err != nil {
		return nil, err
	}

	info := &api.UserInfo{Sub: user.ID}
	if containsScope(scopes, "profile") {
		if user.Name != "" {
			info.Name = api.ToPtr(user.Name)
		}
		if user.GivenName != "" {
			info.GivenName = api.ToPtr(user.GivenName)
		}
		if user.FamilyName != "" {
			info.FamilyName = api.ToPtr(user.FamilyName)
		}
		if !user.UpdatedAt.IsZero() {
			info.UpdatedAt = api.ToPtr(user.UpdatedAt.Unix())
		}
	}
	if containsScope(scopes, "email") {
		if user.Email != "" {
			info.Email = api.ToPtr(user.Email)
			info.EmailVerified = api.ToPtr(user.EmailVerified)
		}
	}
	return info, nil
}
