package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"go.collegium.dev/sso/domain"
	serrors "go.collegium.dev/sso/errors"
	"go.collegium.dev/sso/internal/metrics"
	"go.collegium.dev/sso/internal/oidcflow"
)

// ScopeOpenID must be present in every authorization request.
const ScopeOpenID = "openid"

// AuthorizationRequest carries the /oauth2/authorize query parameters.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeResult is the outcome of consent resolution: either a redirect
// carrying a code (or a denial), or a consent prompt.
type AuthorizeResult struct {
	RedirectURL string

	ConsentRequired bool
	RequestID       string
	ClientName      string
	Scopes          []string
}

// AuthorizeService implements the authorization endpoint: request
// validation in a fixed order, consent resolution and code issuance.
type AuthorizeService struct {
	clients  domain.ClientRepository
	codes    domain.AuthCodeRepository
	consents *ConsentService
	pending  *oidcflow.PendingStore

	codeTTL        time.Duration
	requireConsent bool
}

// NewAuthorizeService creates an AuthorizeService. When requireConsent is
// disabled, codes are issued without prompting (useful for trusted
// first-party deployments and tests).
func NewAuthorizeService(
	clients domain.ClientRepository,
	codes domain.AuthCodeRepository,
	consents *ConsentService,
	pending *oidcflow.PendingStore,
	codeTTL time.Duration,
	requireConsent bool,
) *AuthorizeService {
	return &AuthorizeService{
		clients:        clients,
		codes:          codes,
		consents:       consents,
		pending:        pending,
		codeTTL:        codeTTL,
		requireConsent: requireConsent,
	}
}

// Validate checks the authorization request parameters in order, each
// failure carrying its own OAuth error code, and returns the client on
// success. Unknown and unapproved clients are indistinguishable.
func (s *AuthorizeService) Validate(ctx context.Context, req AuthorizationRequest) (*domain.Client, error) {
	if req.ResponseType != "code" {
		return nil, serrors.NewUnsupportedResponseType("only response_type=code is supported")
	}
	if req.ClientID == "" || req.RedirectURI == "" || req.Scope == "" || req.CodeChallenge == "" {
		return nil, serrors.NewInvalidRequest("client_id, redirect_uri, scope and code_challenge are required")
	}
	if req.CodeChallengeMethod != CodeChallengeMethodS256 {
		return nil, serrors.NewInvalidRequest("code_challenge_method must be S256")
	}

	scopes := strings.Fields(req.Scope)
	if !containsScope(scopes, ScopeOpenID) {
		return nil, serrors.NewInvalidScope("scope must include openid")
	}

	cli, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil || !cli.IsApproved() {
		return nil, serrors.NewInvalidClient("unknown client")
	}

	for _, scope := range scopes {
		if !cli.HasScope(scope) {
			return nil, serrors.NewInvalidScope(fmt.Sprintf("scope %q is not allowed for this client", scope))
		}
	}

	if !cli.HasRedirectURI(req.RedirectURI) {
		return nil, serrors.NewInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	return cli, nil
}

// Authorize resolves consent for an authenticated user. If the full
// requested scope set is already granted the code is issued immediately;
// otherwise the request is parked and a consent prompt is returned.
func (s *AuthorizeService) Authorize(ctx context.Context, userID string, req AuthorizationRequest) (*AuthorizeResult, error) {
	cli, err := s.Validate(ctx, req)
	if err != nil {
		return nil, err
	}

	scopes := strings.Fields(req.Scope)
	if s.requireConsent {
		covered, err := s.consents.Covers(ctx, userID, cli.ID, scopes)
		if err != nil {
			return nil, serrors.NewServerError("consent lookup failed")
		}
		if !covered {
			requestID := s.pending.Put(&oidcflow.PendingAuthorization{
				UserID:              userID,
				ClientID:            cli.ID,
				RedirectURI:         req.RedirectURI,
				Scope:               req.Scope,
				State:               req.State,
				Nonce:               req.Nonce,
				CodeChallenge:       req.CodeChallenge,
				CodeChallengeMethod: req.CodeChallengeMethod,
			})
			return &AuthorizeResult{
				ConsentRequired: true,
				RequestID:       requestID,
				ClientName:      cli.Name,
				Scopes:          scopes,
			}, nil
		}
	}

	redirect, err := s.issueCode(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	return &AuthorizeResult{RedirectURL: redirect}, nil
}

// ApproveConsent claims a pending request, records the grant and issues the
// code. The request id is single-use.
func (s *AuthorizeService) ApproveConsent(ctx context.Context, userID, requestID string, actor ActorContext) (string, error) {
	pending, err := s.pending.Claim(requestID, userID)
	if err != nil {
		return "", serrors.NewInvalidRequest("unknown or expired consent request")
	}

	scopes := strings.Fields(pending.Scope)
	if err := s.consents.Grant(ctx, userID, pending.ClientID, scopes, actor); err != nil {
		return "", serrors.NewServerError("failed to record consent")
	}

	return s.issueCode(ctx, userID, AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		Scope:               pending.Scope,
		State:               pending.State,
		Nonce:               pending.Nonce,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
	})
}

// DenyConsent claims the pending request and sends the user agent back with
// error=access_denied. No code is ever issued for a denied request.
func (s *AuthorizeService) DenyConsent(ctx context.Context, userID, requestID string) (string, error) {
	pending, err := s.pending.Claim(requestID, userID)
	if err != nil {
		return "", serrors.NewInvalidRequest("unknown or expired consent request")
	}

	params := url.Values{}
	params.Set("error", serrors.AccessDenied)
	if pending.State != "" {
		params.Set("state", pending.State)
	}
	log.Info().Str("user_id", userID).Str("client_id", pending.ClientID).Msg("consent denied")
	return pending.RedirectURI + "?" + params.Encode(), nil
}

func (s *AuthorizeService) issueCode(ctx context.Context, userID string, req AuthorizationRequest) (string, error) {
	code, err := generateOpaqueToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}

	now := time.Now().UTC()
	authCode := &domain.AuthCode{
		Code:                code,
		ClientID:            req.ClientID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		ExpiresAt:           now.Add(s.codeTTL),
		CreatedAt:           now,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}
	if err := s.codes.SaveAuthCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	metrics.CodesIssuedTotal.Inc()
	log.Debug().Str("client_id", req.ClientID).Str("user_id", userID).Msg("authorization code issued")

	params := url.Values{}
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	return req.RedirectURI + "?" + params.Encode(), nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
