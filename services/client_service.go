package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"go.collegium.dev/sso/api"
	"go.collegium.dev/sso/domain"
	serrors "go.collegium.dev/sso/errors"
)

// schemes that enable script injection through a redirect; always rejected.
var dangerousRedirectSchemes = map[string]struct{}{
	"javascript": {},
	"data":       {},
	"vbscript":   {},
	"file":       {},
	"blob":       {},
}

// ClientService owns the client registration lifecycle: pending on
// registration, approved/rejected/suspended by an admin, deleted softly
// except for pending records removed by their creator.
type ClientService struct {
	clients        domain.ClientRepository
	refreshTokens  domain.RefreshTokenRepository
	authCodes      domain.AuthCodeRepository
	allowedSchemes []string
	production     bool
}

// NewClientService creates a ClientService. The refresh-token and auth-code
// repositories are needed for the suspension cascade.
func NewClientService(
	clients domain.ClientRepository,
	refreshTokens domain.RefreshTokenRepository,
	authCodes domain.AuthCodeRepository,
	allowedSchemes []string,
	production bool,
) *ClientService {
	return &ClientService{
		clients:        clients,
		refreshTokens:  refreshTokens,
		authCodes:      authCodes,
		allowedSchemes: allowedSchemes,
		production:     production,
	}
}

// ClientRegistration is the user-supplied part of a registration request.
type ClientRegistration struct {
	Name         string
	Description  string
	RedirectURIs []string
	Contacts     []string
	Type         domain.ClientType
}

// Register validates the request and stores a new pending client. The
// plaintext secret is returned exactly once; only its bcrypt hash persists.
func (s *ClientService) Register(ctx context.Context, owner *domain.User, reg ClientRegistration) (*domain.Client, *api.ClientRegistrationResponse, error) {
	if reg.Name == "" {
		return nil, nil, serrors.NewInvalidRequest("client name is required")
	}
	if len(reg.RedirectURIs) == 0 {
		return nil, nil, serrors.NewInvalidRequest("at least one redirect_uri is required")
	}
	for _, uri := range reg.RedirectURIs {
		if err := s.validateRedirectURI(uri); err != nil {
			return nil, nil, err
		}
	}
	if reg.Type != domain.ClientTypeConfidential && reg.Type != domain.ClientTypePublic {
		return nil, nil, serrors.NewInvalidRequest("type must be confidential or public")
	}

	secret, err := generateOpaqueToken(32)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate client secret: %w", err)
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash client secret: %w", err)
	}

	now := time.Now().UTC()
	cli := &domain.Client{
		ID:           uuid.NewString(),
		SecretHash:   string(secretHash),
		Type:         reg.Type,
		Status:       domain.ClientStatusPending,
		Name:         reg.Name,
		Description:  reg.Description,
		RedirectURIs: reg.RedirectURIs,
		Contacts:     reg.Contacts,
		OwnerID:      owner.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.clients.CreateClient(ctx, cli); err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", err)
	}

	log.Info().Str("client_id", cli.ID).Str("owner_id", owner.ID).Msg("client registered, pending review")

	return cli, &api.ClientRegistrationResponse{
		ClientID:     cli.ID,
		ClientSecret: secret,
		Status:       string(cli.Status),
	}, nil
}

func (s *ClientService) validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return serrors.NewInvalidRedirectURI(fmt.Sprintf("redirect_uri %q is not an absolute URL", raw))
	}

	scheme := strings.ToLower(parsed.Scheme)
	if _, bad := dangerousRedirectSchemes[scheme]; bad {
		return serrors.NewInvalidRedirectURI(fmt.Sprintf("scheme %q is not allowed", scheme))
	}

	for _, allowed := range s.allowedSchemes {
		if scheme != allowed {
			continue
		}
		// http is only tolerated for localhost outside production
		if scheme == "http" {
			host := parsed.Hostname()
			if s.production || (host != "localhost" && host != "127.0.0.1") {
				return serrors.NewInvalidRedirectURI("http redirect URIs are only allowed for localhost in non-production environments")
			}
		}
		return nil
	}
	return serrors.NewInvalidRedirectURI(fmt.Sprintf("scheme %q is not allowed", scheme))
}

// Approve flips a pending client to approved and records the allowed scopes.
// Admin only.
func (s *ClientService) Approve(ctx context.Context, admin *domain.User, clientID string, allowedScopes []string) error {
	if !admin.IsAdmin() {
		return serrors.NewUnauthorizedClient("only an admin may approve clients")
	}
	if len(allowedScopes) == 0 {
		return serrors.NewInvalidRequest("allowed_scopes must not be empty")
	}

	review := domain.StatusReview{ReviewerID: admin.ID, AllowedScopes: allowedScopes}
	if err := s.clients.UpdateClientStatus(ctx, clientID, domain.ClientStatusPending, domain.ClientStatusApproved, review); err != nil {
		return err
	}

	log.Info().Str("client_id", clientID).Str("admin_id", admin.ID).Strs("scopes", allowedScopes).Msg("client approved")
	return nil
}

// Reject flips a pending client to rejected. Admin only.
func (s *ClientService) Reject(ctx context.Context, admin *domain.User, clientID, reason string) error {
	if !admin.IsAdmin() {
		return serrors.NewUnauthorizedClient("only an admin may reject clients")
	}

	review := domain.StatusReview{ReviewerID: admin.ID, Reason: reason}
	if err := s.clients.UpdateClientStatus(ctx, clientID, domain.ClientStatusPending, domain.ClientStatusRejected, review); err != nil {
		return err
	}

	log.Info().Str("client_id", clientID).Str("admin_id", admin.ID).Msg("client rejected")
	return nil
}

// Suspend flips an approved client to suspended and cascades: every
// refresh-token family is revoked and every outstanding authorization code
// is voided, so no previously issued credential survives.
func (s *ClientService) Suspend(ctx context.Context, admin *domain.User, clientID, reason string) error {
	if !admin.IsAdmin() {
		return serrors.NewUnauthorizedClient("only an admin may suspend clients")
	}

	review := domain.StatusReview{ReviewerID: admin.ID, Reason: reason}
	if err := s.clients.UpdateClientStatus(ctx, clientID, domain.ClientStatusApproved, domain.ClientStatusSuspended, review); err != nil {
		return err
	}

	revoked, err := s.refreshTokens.RevokeClientTokens(ctx, clientID)
	if err != nil {
		return fmt.Errorf("suspension cascade: failed to revoke refresh tokens: %w", err)
	}
	voided, err := s.authCodes.VoidClientCodes(ctx, clientID)
	if err != nil {
		return fmt.Errorf("suspension cascade: failed to void authorization codes: %w", err)
	}

	log.Warn().
		Str("client_id", clientID).
		Str("admin_id", admin.ID).
		Int64("tokens_revoked", revoked).
		Int64("codes_voided", voided).
		Msg("client suspended, credentials revoked")
	return nil
}

// Get returns a client if the requester may see it: admins always, owners
// always; anyone else only sees approved clients.
func (s *ClientService) Get(ctx context.Context, requester *domain.User, clientID string) (*domain.Client, error) {
	cli, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if requester.IsAdmin() || cli.OwnerID == requester.ID || cli.Status == domain.ClientStatusApproved {
		return cli, nil
	}
	return nil, domain.ErrClientNotFound
}

// List returns the requester's own clients, or every client for admins.
func (s *ClientService) List(ctx context.Context, requester *domain.User) ([]*domain.Client, error) {
	filter := domain.ClientFilter{}
	if !requester.IsAdmin() {
		filter.OwnerID = requester.ID
	}
	return s.clients.ListClients(ctx, filter)
}

// Delete removes a client. A pending client may be hard-removed by its own
// creator; an approved client is soft-deleted, admin only.
func (s *ClientService) Delete(ctx context.Context, requester *domain.User, clientID string) error {
	cli, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	if cli.Status == domain.ClientStatusPending && cli.OwnerID == requester.ID {
		return s.clients.DeleteClient(ctx, clientID)
	}
	if !requester.IsAdmin() {
		return serrors.NewUnauthorizedClient("only an admin may delete this client")
	}
	if !cli.Status.CanTransitionTo(domain.ClientStatusDeleted) {
		return serrors.NewInvalidRequest(fmt.Sprintf("client in status %s cannot be deleted", cli.Status))
	}

	review := domain.StatusReview{ReviewerID: requester.ID}
	return s.clients.UpdateClientStatus(ctx, clientID, cli.Status, domain.ClientStatusDeleted, review)
}

// Authenticate validates client credentials for the token, introspection and
// revocation endpoints. Confidential clients must present their secret;
// public clients authenticate by identity alone. Unknown and unapproved
// clients are indistinguishable to the caller.
func (s *ClientService) Authenticate(ctx context.Context, clientID, clientSecret string) (*domain.Client, error) {
	if clientID == "" {
		return nil, serrors.NewInvalidClient("client authentication failed")
	}
	cli, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, serrors.NewInvalidClient("client authentication failed")
	}
	// Suspended clients still authenticate; their grants were revoked by the
	// suspension cascade, so token requests fail with invalid_grant instead
	// of leaking the status change here.
	switch cli.Status {
	case domain.ClientStatusApproved, domain.ClientStatusSuspended:
	default:
		return nil, serrors.NewInvalidClient("client authentication failed")
	}

	if cli.Type == domain.ClientTypeConfidential {
		if clientSecret == "" {
			return nil, serrors.NewInvalidClient("client authentication failed")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(cli.SecretHash), []byte(clientSecret)); err != nil {
			return nil, serrors.NewInvalidClient("client authentication failed")
		}
	}

	return cli, nil
}
