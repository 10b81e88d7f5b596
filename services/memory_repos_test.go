package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.collegium.dev/sso/domain"
)

// In-memory repository implementations with the same conditional-update
// semantics as the MongoDB ones, so the race-sensitive paths (consuming a
// code, superseding a token) behave identically under test.

type memoryClientRepo struct {
	mu      sync.Mutex
	clients map[string]*domain.Client
}

func newMemoryClientRepo() *memoryClientRepo {
	return &memoryClientRepo{clients: make(map[string]*domain.Client)}
}

func (r *memoryClientRepo) CreateClient(_ context.Context, client *domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *client
	r.clients[client.ID] = &cp
	return nil
}

func (r *memoryClientRepo) GetClient(_ context.Context, clientID string) (*domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cli, ok := r.clients[clientID]
	if !ok {
		return nil, domain.ErrClientNotFound
	}
	cp := *cli
	return &cp, nil
}

func (r *memoryClientRepo) UpdateClientStatus(_ context.Context, clientID string, from, to domain.ClientStatus, review domain.StatusReview) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cli, ok := r.clients[clientID]
	if !ok || cli.Status != from {
		return domain.ErrClientNotFound
	}
	cli.Status = to
	cli.ReviewedBy = review.ReviewerID
	cli.ReviewReason = review.Reason
	cli.UpdatedAt = time.Now().UTC()
	if to == domain.ClientStatusApproved {
		cli.AllowedScopes = review.AllowedScopes
		cli.ApprovedAt = cli.UpdatedAt
	}
	return nil
}

func (r *memoryClientRepo) DeleteClient(_ context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return domain.ErrClientNotFound
	}
	delete(r.clients, clientID)
	return nil
}

func (r *memoryClientRepo) ListClients(_ context.Context, filter domain.ClientFilter) ([]*domain.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Client
	for _, cli := range r.clients {
		if filter.Status != "" && cli.Status != filter.Status {
			continue
		}
		if filter.OwnerID != "" && cli.OwnerID != filter.OwnerID {
			continue
		}
		cp := *cli
		out = append(out, &cp)
	}
	return out, nil
}

type memoryAuthCodeRepo struct {
	mu    sync.Mutex
	codes map[string]*domain.AuthCode
}

func newMemoryAuthCodeRepo() *memoryAuthCodeRepo {
	return &memoryAuthCodeRepo{codes: make(map[string]*domain.AuthCode)}
}

func (r *memoryAuthCodeRepo) SaveAuthCode(_ context.Context, code *domain.AuthCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *code
	r.codes[code.Code] = &cp
	return nil
}

func (r *memoryAuthCodeRepo) ConsumeAuthCode(_ context.Context, code, clientID, redirectURI, usedFromIP string) (*domain.AuthCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac, ok := r.codes[code]
	if !ok || ac.Used || ac.ClientID != clientID || ac.RedirectURI != redirectURI || !time.Now().UTC().Before(ac.ExpiresAt) {
		return nil, domain.ErrAuthCodeConsumed
	}
	ac.Used = true
	ac.UsedAt = time.Now().UTC()
	ac.UsedFromIP = usedFromIP
	cp := *ac
	return &cp, nil
}

func (r *memoryAuthCodeRepo) VoidClientCodes(_ context.Context, clientID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, ac := range r.codes {
		if ac.ClientID == clientID && !ac.Used {
			ac.Used = true
			n++
		}
	}
	return n, nil
}

func (r *memoryAuthCodeRepo) DeleteExpiredAuthCodes(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for code, ac := range r.codes {
		if !now.Before(ac.ExpiresAt) {
			delete(r.codes, code)
		}
	}
	return nil
}

type memoryRefreshTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*domain.RefreshToken
}

func newMemoryRefreshTokenRepo() *memoryRefreshTokenRepo {
	return &memoryRefreshTokenRepo{tokens: make(map[string]*domain.RefreshToken)}
}

func (r *memoryRefreshTokenRepo) StoreRefreshToken(_ context.Context, token *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *token
	r.tokens[token.TokenHash] = &cp
	return nil
}

func (r *memoryRefreshTokenRepo) GetRefreshToken(_ context.Context, tokenHash string) (*domain.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tokenHash]
	if !ok {
		return nil, domain.ErrRefreshTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

func (r *memoryRefreshTokenRepo) SupersedeRefreshToken(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tokenHash]
	if !ok || tok.Superseded || tok.IsRevoked {
		return domain.ErrRefreshTokenRotated
	}
	tok.Superseded = true
	tok.RotatedAt = time.Now().UTC()
	return nil
}

func (r *memoryRefreshTokenRepo) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tokenHash]
	if !ok {
		return domain.ErrRefreshTokenNotFound
	}
	tok.IsRevoked = true
	return nil
}

func (r *memoryRefreshTokenRepo) RevokeFamily(_ context.Context, familyID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, tok := range r.tokens {
		if tok.FamilyID == familyID && !tok.IsRevoked {
			tok.IsRevoked = true
			n++
		}
	}
	return n, nil
}

func (r *memoryRefreshTokenRepo) RevokeClientTokens(_ context.Context, clientID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, tok := range r.tokens {
		if tok.ClientID == clientID && !tok.IsRevoked {
			tok.IsRevoked = true
			n++
		}
	}
	return n, nil
}

func (r *memoryRefreshTokenRepo) ListLiveFamilies(_ context.Context, clientID, userID string) ([]domain.TokenFamily, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	byFamily := make(map[string]time.Time)
	for _, tok := range r.tokens {
		if tok.ClientID != clientID || tok.UserID != userID || !tok.Live(now) {
			continue
		}
		if created, ok := byFamily[tok.FamilyID]; !ok || tok.CreatedAt.Before(created) {
			byFamily[tok.FamilyID] = tok.CreatedAt
		}
	}
	families := make([]domain.TokenFamily, 0, len(byFamily))
	for id, created := range byFamily {
		families = append(families, domain.TokenFamily{FamilyID: id, CreatedAt: created})
	}
	sort.Slice(families, func(i, j int) bool { return families[i].CreatedAt.Before(families[j].CreatedAt) })
	return families, nil
}

func (r *memoryRefreshTokenRepo) DeleteExpiredTokens(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for hash, tok := range r.tokens {
		if !now.Before(tok.ExpiresAt) {
			delete(r.tokens, hash)
		}
	}
	return nil
}

type memoryConsentRepo struct {
	mu       sync.Mutex
	consents map[string]*domain.UserConsent
}

func newMemoryConsentRepo() *memoryConsentRepo {
	return &memoryConsentRepo{consents: make(map[string]*domain.UserConsent)}
}

func consentKey(userID, clientID string) string { return userID + "/" + clientID }

func (r *memoryConsentRepo) GetConsent(_ context.Context, userID, clientID string) (*domain.UserConsent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	consent, ok := r.consents[consentKey(userID, clientID)]
	if !ok {
		return nil, domain.ErrConsentNotFound
	}
	cp := *consent
	return &cp, nil
}

func (r *memoryConsentRepo) UpsertConsent(_ context.Context, userID, clientID string, scopes []string, event domain.ConsentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := consentKey(userID, clientID)
	consent, ok := r.consents[key]
	if !ok {
		consent = &domain.UserConsent{
			UserID:         userID,
			ClientID:       clientID,
			FirstGrantedAt: event.At,
		}
		r.consents[key] = consent
	}
	consent.Scopes = scopes
	consent.IsActive = len(scopes) > 0
	consent.LastUpdatedAt = event.At
	consent.History = append(consent.History, event)
	return nil
}

func (r *memoryConsentRepo) RevokeConsent(_ context.Context, userID, clientID string, event domain.ConsentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	consent, ok := r.consents[consentKey(userID, clientID)]
	if !ok {
		return domain.ErrConsentNotFound
	}
	consent.Scopes = nil
	consent.IsActive = false
	consent.RevokedAt = event.At
	consent.History = append(consent.History, event)
	return nil
}

type memoryIdentityStore struct {
	users map[string]*domain.User
}

func (s *memoryIdentityStore) GetUserByID(_ context.Context, userID string) (*domain.User, error) {
	user, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return user, nil
}
