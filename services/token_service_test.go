package services

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.collegium.dev/sso/cache"
	"go.collegium.dev/sso/domain"
	serrors "go.collegium.dev/sso/errors"
	"go.collegium.dev/sso/internal/oidcflow"
)

// tokenFixture wires the full grant pipeline against in-memory storage.
type tokenFixture struct {
	tokens     *TokenService
	authorize  *AuthorizeService
	clientsSvc *ClientService

	clientRepo  *memoryClientRepo
	codeRepo    *memoryAuthCodeRepo
	tokenRepo   *memoryRefreshTokenRepo
	consentRepo *memoryConsentRepo
	revocations *cache.MemoryRevocationStore

	client       *domain.Client
	clientSecret string
}

func newTokenFixture(t *testing.T, cfg TokenConfig) *tokenFixture {
	t.Helper()
	ctx := context.Background()

	clientRepo := newMemoryClientRepo()
	codeRepo := newMemoryAuthCodeRepo()
	tokenRepo := newMemoryRefreshTokenRepo()
	consentRepo := newMemoryConsentRepo()
	pending := oidcflow.NewPendingStore(time.Minute)
	t.Cleanup(pending.Close)
	revocations := cache.NewMemoryRevocationStore()
	t.Cleanup(func() { _ = revocations.Close() })

	users := &memoryIdentityStore{users: map[string]*domain.User{
		testUserID: {
			ID:            testUserID,
			Email:         "user@example.com",
			EmailVerified: true,
			Name:          "Ada Lovelace",
			GivenName:     "Ada",
			FamilyName:    "Lovelace",
			UpdatedAt:     time.Now().UTC(),
		},
	}}

	clientsSvc := NewClientService(clientRepo, tokenRepo, codeRepo, []string{"https"}, false)
	cli, resp, err := clientsSvc.Register(ctx, testOwner, ClientRegistration{
		Name:         "Test App",
		RedirectURIs: []string{testRedirectURI},
		Type:         domain.ClientTypeConfidential,
	})
	require.NoError(t, err)
	require.NoError(t, clientsSvc.Approve(ctx, testAdmin, cli.ID, []string{"openid", "profile", "email"}))

	keys := NewKeyService(testIssuer, KeyMaterial{}, []string{"openid", "profile", "email"})

	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.IDTokenTTL == 0 {
		cfg.IDTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 24 * time.Hour
	}

	return &tokenFixture{
		tokens:       NewTokenService(clientsSvc, codeRepo, tokenRepo, users, keys, revocations, cfg),
		authorize:    NewAuthorizeService(clientRepo, codeRepo, NewConsentService(consentRepo), pending, 10*time.Minute, false),
		clientsSvc:   clientsSvc,
		clientRepo:   clientRepo,
		codeRepo:     codeRepo,
		tokenRepo:    tokenRepo,
		consentRepo:  consentRepo,
		revocations:  revocations,
		client:       cli,
		clientSecret: resp.ClientSecret,
	}
}

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

// issueCode runs the authorization flow and returns the issued code.
func (fx *tokenFixture) issueCode(t *testing.T, nonce string) string {
	t.Helper()
	result, err := fx.authorize.Authorize(context.Background(), testUserID, AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            fx.client.ID,
		RedirectURI:         testRedirectURI,
		Scope:               "openid profile email",
		State:               "st",
		Nonce:               nonce,
		CodeChallenge:       ComputeCodeChallenge(testVerifier),
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	require.False(t, result.ConsentRequired)

	parsed, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (fx *tokenFixture) exchangeRequest(code string) ExchangeRequest {
	return ExchangeRequest{
		ClientID:     fx.client.ID,
		ClientSecret: fx.clientSecret,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
	}
}

func newRegisteredClaims(sub, aud string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    testIssuer,
		Subject:   sub,
		Audience:  jwt.ClaimStrings{aud},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func oauthCode(t *testing.T, err error) string {
	t.Helper()
	var oauthErr *serrors.OAuth2Error
	require.ErrorAs(t, err, &oauthErr)
	return oauthErr.Code
}

func TestExchangeEndToEnd(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	code := fx.issueCode(t, "n1")
	resp, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(code), ActorContext{IP: "1.2.3.4"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.Equal(t, "openid profile email", resp.Scope)
	assert.Equal(t, int((15 * time.Minute).Seconds()), resp.ExpiresIn)

	// the ID token carries the original nonce and the client id as audience
	signer, err := fx.tokens.keys.Signer()
	require.NoError(t, err)
	idClaims, err := signer.Verify(resp.IDToken, VerifyOptions{CheckIssuer: true, Audience: fx.client.ID})
	require.NoError(t, err)
	assert.Equal(t, "n1", idClaims["nonce"])
	assert.Equal(t, testUserID, idClaims["sub"])

	// userinfo returns the same subject
	info, err := fx.tokens.UserInfo(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testUserID, info.Sub)
	require.NotNil(t, info.Email)
	assert.Equal(t, "user@example.com", *info.Email)
	require.NotNil(t, info.Name)
	assert.Equal(t, "Ada Lovelace", *info.Name)
}

func TestExchangeCodeIsSingleUse(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	code := fx.issueCode(t, "")
	_, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(code), ActorContext{})
	require.NoError(t, err)

	_, err = fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(code), ActorContext{})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
}

func TestExchangeMissingVerifierLeavesCodeUnused(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	code := fx.issueCode(t, "")
	req := fx.exchangeRequest(code)
	req.CodeVerifier = ""
	_, err := fx.tokens.ExchangeAuthorizationCode(ctx, req, ActorContext{})
	assert.Equal(t, serrors.InvalidRequest, oauthCode(t, err))

	// the failed attempt must not have consumed the code
	_, err = fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(code), ActorContext{})
	assert.NoError(t, err)
}

func TestExchangeWrongVerifier(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	code := fx.issueCode(t, "")
	req := fx.exchangeRequest(code)
	req.CodeVerifier = "not-the-right-verifier-at-all-padpadpad"
	_, err := fx.tokens.ExchangeAuthorizationCode(ctx, req, ActorContext{})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
}

func TestExchangeWrongRedirectURI(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	code := fx.issueCode(t, "")
	req := fx.exchangeRequest(code)
	req.RedirectURI = testRedirectURI + "/other"
	_, err := fx.tokens.ExchangeAuthorizationCode(ctx, req, ActorContext{})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
}

func TestExchangeExpiredCode(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	require.NoError(t, fx.codeRepo.SaveAuthCode(ctx, &domain.AuthCode{
		Code:                "stale",
		ClientID:            fx.client.ID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		Scope:               "openid",
		ExpiresAt:           time.Now().UTC().Add(-time.Minute),
		CodeChallenge:       ComputeCodeChallenge(testVerifier),
		CodeChallengeMethod: "S256",
	}))

	_, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest("stale"), ActorContext{})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
}

func TestConcurrentExchangeHasExactlyOneWinner(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	code := fx.issueCode(t, "")

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = fx.tokens.ExchangeAuthorizationCode(context.Background(), fx.exchangeRequest(code), ActorContext{})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRefreshRotation(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	first, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)

	second, err := fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: first.RefreshToken,
	}, ActorContext{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEmpty(t, second.AccessToken)

	// generations advance within the same family
	firstRec, err := fx.tokenRepo.GetRefreshToken(ctx, HashToken(first.RefreshToken))
	require.NoError(t, err)
	secondRec, err := fx.tokenRepo.GetRefreshToken(ctx, HashToken(second.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, firstRec.FamilyID, secondRec.FamilyID)
	assert.Equal(t, firstRec.Generation+1, secondRec.Generation)
	assert.True(t, firstRec.Superseded)
	assert.False(t, secondRec.Superseded)
}

func TestReuseDetectionRevokesWholeFamily(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	first, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)
	second, err := fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: first.RefreshToken,
	}, ActorContext{})
	require.NoError(t, err)

	// presenting the rotated-out token is theft response territory
	_, err = fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: first.RefreshToken,
	}, ActorContext{IP: "6.6.6.6"})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))

	// the newer, legitimate token died with the family
	_, err = fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: second.RefreshToken,
	}, ActorContext{})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
}

func TestRefreshUnknownToken(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})

	_, err := fx.tokens.Refresh(context.Background(), RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: "never-issued",
	}, ActorContext{})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
}

func TestRefreshForeignClientToken(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	resp, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)

	other, otherResp, err := fx.clientsSvc.Register(ctx, testOwner, ClientRegistration{
		Name:         "Other App",
		RedirectURIs: []string{"https://other.example.com/cb"},
		Type:         domain.ClientTypeConfidential,
	})
	require.NoError(t, err)
	require.NoError(t, fx.clientsSvc.Approve(ctx, testAdmin, other.ID, []string{"openid"}))

	_, err = fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: other.ID, ClientSecret: otherResp.ClientSecret, RefreshToken: resp.RefreshToken,
	}, ActorContext{})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
}

func TestSuspensionMakesRefreshInvalidGrant(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	resp, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)

	require.NoError(t, fx.clientsSvc.Suspend(ctx, testAdmin, fx.client.ID, "incident"))

	_, err = fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: resp.RefreshToken,
	}, ActorContext{})
	assert.Equal(t, serrors.InvalidGrant, oauthCode(t, err))
}

func TestFamilyCapEvictsOldest(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true, MaxLiveFamilies: 2})
	ctx := context.Background()

	var refreshTokens []string
	for range 3 {
		resp, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
		require.NoError(t, err)
		refreshTokens = append(refreshTokens, resp.RefreshToken)
		// family creation timestamps must be distinguishable
		time.Sleep(5 * time.Millisecond)
	}

	families, err := fx.tokenRepo.ListLiveFamilies(ctx, fx.client.ID, testUserID)
	require.NoError(t, err)
	assert.Len(t, families, 2)

	// the oldest grant was evicted, the newer two survive
	oldest, err := fx.tokenRepo.GetRefreshToken(ctx, HashToken(refreshTokens[0]))
	require.NoError(t, err)
	assert.True(t, oldest.IsRevoked)
	newest, err := fx.tokenRepo.GetRefreshToken(ctx, HashToken(refreshTokens[2]))
	require.NoError(t, err)
	assert.True(t, newest.Live(time.Now().UTC()))
}

func TestRotationDisabledKeepsToken(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: false, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	first, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)

	second, err := fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: first.RefreshToken,
	}, ActorContext{})
	require.NoError(t, err)
	assert.Equal(t, first.RefreshToken, second.RefreshToken)

	// and it keeps working
	_, err = fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: first.RefreshToken,
	}, ActorContext{})
	assert.NoError(t, err)
}

func TestIntrospectAccessToken(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	resp, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)

	intro, err := fx.tokens.Introspect(ctx, fx.client.ID, fx.clientSecret, resp.AccessToken, "access_token")
	require.NoError(t, err)
	assert.True(t, intro.Active)
	assert.Equal(t, testUserID, intro.Sub)
	assert.Equal(t, fx.client.ID, intro.ClientID)
	assert.Equal(t, "openid profile email", intro.Scope)
	assert.NotZero(t, intro.Exp)

	// garbage is inactive, not an error
	intro, err = fx.tokens.Introspect(ctx, fx.client.ID, fx.clientSecret, "garbage", "")
	require.NoError(t, err)
	assert.False(t, intro.Active)
}

func TestIntrospectRefreshTokenStates(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	resp, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)

	intro, err := fx.tokens.Introspect(ctx, fx.client.ID, fx.clientSecret, resp.RefreshToken, "refresh_token")
	require.NoError(t, err)
	assert.True(t, intro.Active)
	assert.Equal(t, "refresh_token", intro.TokenType)

	// superseded after rotation
	_, err = fx.tokens.Refresh(ctx, RefreshRequest{
		ClientID: fx.client.ID, ClientSecret: fx.clientSecret, RefreshToken: resp.RefreshToken,
	}, ActorContext{})
	require.NoError(t, err)

	intro, err = fx.tokens.Introspect(ctx, fx.client.ID, fx.clientSecret, resp.RefreshToken, "refresh_token")
	require.NoError(t, err)
	assert.False(t, intro.Active)
}

func TestRevokeRefreshTokenIsNarrow(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	first, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)
	second, err := fx.tokens.ExchangeAuthorizationCode(ctx, fx.exchangeRequest(fx.issueCode(t, "")), ActorContext{})
	require.NoError(t, err)

	require.NoError(t, fx.tokens.Revoke(ctx, fx.client.ID, fx.clientSecret, first.RefreshToken, "refresh_token"))

	// the revoked token is dead
	intro, err := fx.tokens.Introspect(ctx, fx.client.ID, fx.clientSecret, first.RefreshToken, "refresh_token")
	require.NoError(t, err)
	assert.False(t, intro.Active)

	// the sibling access token is denylisted too
	intro, err = fx.tokens.Introspect(ctx, fx.client.ID, fx.clientSecret, first.AccessToken, "access_token")
	require.NoError(t, err)
	assert.False(t, intro.Active)
	_, err = fx.tokens.UserInfo(ctx, first.AccessToken)
	assert.Error(t, err)

	// but the other family is untouched
	intro, err = fx.tokens.Introspect(ctx, fx.client.ID, fx.clientSecret, second.RefreshToken, "refresh_token")
	require.NoError(t, err)
	assert.True(t, intro.Active)
}

func TestRevokeUnknownTokenIsSilent(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	assert.NoError(t, fx.tokens.Revoke(context.Background(), fx.client.ID, fx.clientSecret, "never-issued", ""))
}

func TestUserInfoRequiresOpenIDScope(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	signer, err := fx.tokens.keys.Signer()
	require.NoError(t, err)
	token, err := signer.Sign(accessTokenClaims{
		RegisteredClaims: newRegisteredClaims(testUserID, fx.client.ID, 15*time.Minute),
		Scope:            "profile",
		ClientID:         fx.client.ID,
	})
	require.NoError(t, err)

	_, err = fx.tokens.UserInfo(ctx, token)
	assert.Equal(t, serrors.InvalidScope, oauthCode(t, err))
}

func TestUserInfoScopeGatesClaims(t *testing.T) {
	fx := newTokenFixture(t, TokenConfig{RotateRefreshTokens: true, RevokeFamilyOnReuse: true})
	ctx := context.Background()

	signer, err := fx.tokens.keys.Signer()
	require.NoError(t, err)
	token, err := signer.Sign(accessTokenClaims{
		RegisteredClaims: newRegisteredClaims(testUserID, fx.client.ID, 15*time.Minute),
		Scope:            "openid",
		ClientID:         fx.client.ID,
	})
	require.NoError(t, err)

	info, err := fx.tokens.UserInfo(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, testUserID, info.Sub)
	assert.Nil(t, info.Email, "email claim needs the email scope")
	assert.Nil(t, info.Name, "profile claims need the profile scope")
}
