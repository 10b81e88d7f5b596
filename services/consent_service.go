package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go.collegium.dev/sso/domain"
)

// ActorContext carries the request origin recorded in consent history.
type ActorContext struct {
	IP        string
	UserAgent string
}

// ConsentService maintains the durable per-(user, client) scope grants.
type ConsentService struct {
	consents domain.ConsentRepository
}

// NewConsentService creates a ConsentService.
func NewConsentService(consents domain.ConsentRepository) *ConsentService {
	return &ConsentService{consents: consents}
}

// Covers reports whether the user has already granted every requested scope
// to the client. A missing record simply means nothing is granted yet.
func (s *ConsentService) Covers(ctx context.Context, userID, clientID string, scopes []string) (bool, error) {
	consent, err := s.consents.GetConsent(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, domain.ErrConsentNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up consent: %w", err)
	}
	return consent.Covers(scopes), nil
}

// Grant records the user's approval of the requested scopes. Previously
// granted scopes are kept; the stored set is the union.
func (s *ConsentService) Grant(ctx context.Context, userID, clientID string, scopes []string, actor ActorContext) error {
	merged := scopes
	action := domain.ConsentActionGranted

	existing, err := s.consents.GetConsent(ctx, userID, clientID)
	if err != nil && !errors.Is(err, domain.ErrConsentNotFound) {
		return fmt.Errorf("failed to look up consent: %w", err)
	}
	if existing != nil {
		merged = mergeScopes(existing.Scopes, scopes)
		if existing.IsActive {
			action = domain.ConsentActionUpdated
		}
	}

	event := domain.ConsentEvent{
		Action:    action,
		Scopes:    merged,
		At:        time.Now().UTC(),
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
	}
	if err := s.consents.UpsertConsent(ctx, userID, clientID, merged, event); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}

	log.Info().Str("user_id", userID).Str("client_id", clientID).Strs("scopes", merged).Msg("consent granted")
	return nil
}

// Revoke empties the granted scope set; the record stays for audit.
func (s *ConsentService) Revoke(ctx context.Context, userID, clientID string, actor ActorContext) error {
	event := domain.ConsentEvent{
		Action:    domain.ConsentActionRevoked,
		At:        time.Now().UTC(),
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
	}
	return s.consents.RevokeConsent(ctx, userID, clientID, event)
}

func mergeScopes(existing, requested []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(requested))
	merged := make([]string, 0, len(existing)+len(requested))
	for _, s := range existing {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	for _, s := range requested {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	return merged
}
