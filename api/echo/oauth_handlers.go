package echo

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.collegium.dev/sso/api"
	serrors "go.collegium.dev/sso/errors"
	"go.collegium.dev/sso/mongodb"
	"go.collegium.dev/sso/services"
)

// AuthorizeHandler validates the authorization request and resolves consent.
// An unauthenticated user is sent to the login entry point with the original
// request preserved, so a successful login replays it.
func (oa *OAuth2API) AuthorizeHandler(c echo.Context) error {
	req := services.AuthorizationRequest{
		ResponseType:        c.QueryParam("response_type"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Nonce:               c.QueryParam("nonce"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}

	user, err := oa.sessions.ResolveUser(c)
	if err != nil {
		// Validation still runs first so broken requests fail before the
		// user is bounced through login.
		if _, verr := oa.authorize.Validate(c.Request().Context(), req); verr != nil {
			return writeOAuthError(c, verr)
		}
		returnTo := c.Request().URL.String()
		return c.Redirect(http.StatusFound, oa.loginURL+"?return_to="+url.QueryEscape(returnTo))
	}

	result, err := oa.authorize.Authorize(c.Request().Context(), user.ID, req)
	if err != nil {
		return writeOAuthError(c, err)
	}

	if result.ConsentRequired {
		return c.JSON(http.StatusOK, api.ConsentRequiredResponse{
			ConsentRequired: true,
			RequestID:       result.RequestID,
			ClientID:        req.ClientID,
			ClientName:      result.ClientName,
			Scopes:          result.Scopes,
		})
	}
	return c.Redirect(http.StatusFound, result.RedirectURL)
}

// ConsentHandler records the user's approval of a pending authorization and
// redirects with the issued code.
func (oa *OAuth2API) ConsentHandler(c echo.Context) error {
	user, err := oa.sessions.ResolveUser(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, serrors.NewAccessDenied("authentication required"))
	}

	requestID := c.FormValue("request_id")
	if requestID == "" {
		return writeOAuthError(c, serrors.NewInvalidRequest("request_id is required"))
	}

	redirect, err := oa.authorize.ApproveConsent(c.Request().Context(), user.ID, requestID, actorFrom(c))
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.Redirect(http.StatusFound, redirect)
}

// DenyHandler redirects the user agent back with error=access_denied. No
// code is issued for a denied request.
func (oa *OAuth2API) DenyHandler(c echo.Context) error {
	user, err := oa.sessions.ResolveUser(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, serrors.NewAccessDenied("authentication required"))
	}

	requestID := c.FormValue("request_id")
	if requestID == "" {
		return writeOAuthError(c, serrors.NewInvalidRequest("request_id is required"))
	}

	redirect, err := oa.authorize.DenyConsent(c.Request().Context(), user.ID, requestID)
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.Redirect(http.StatusFound, redirect)
}

// clientCredentials pulls client authentication from the form body or HTTP
// Basic, whichever the client chose.
func clientCredentials(c echo.Context) (string, string) {
	clientID := c.FormValue("client_id")
	clientSecret := c.FormValue("client_secret")
	if clientID == "" {
		if basicID, basicSecret, ok := c.Request().BasicAuth(); ok {
			clientID, clientSecret = basicID, basicSecret
		}
	}
	return clientID, clientSecret
}

// TokenHandler serves both grant types of the token endpoint.
func (oa *OAuth2API) TokenHandler(c echo.Context) error {
	clientID, clientSecret := clientCredentials(c)
	ctx := c.Request().Context()

	var resp *api.TokenResponse
	var err error

	switch c.FormValue("grant_type") {
	case "authorization_code":
		resp, err = oa.tokens.ExchangeAuthorizationCode(ctx, services.ExchangeRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         c.FormValue("code"),
			RedirectURI:  c.FormValue("redirect_uri"),
			CodeVerifier: c.FormValue("code_verifier"),
		}, actorFrom(c))
	case "refresh_token":
		resp, err = oa.tokens.Refresh(ctx, services.RefreshRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: c.FormValue("refresh_token"),
		}, actorFrom(c))
	default:
		return writeOAuthError(c, serrors.NewUnsupportedGrantType())
	}
	if err != nil {
		return writeOAuthError(c, err)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, resp)
}

// IntrospectHandler reports token state per RFC 7662.
func (oa *OAuth2API) IntrospectHandler(c echo.Context) error {
	clientID, clientSecret := clientCredentials(c)

	resp, err := oa.tokens.Introspect(
		c.Request().Context(),
		clientID, clientSecret,
		c.FormValue("token"),
		c.FormValue("token_type_hint"),
	)
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// RevokeHandler marks a token revoked per RFC 7009. Unknown tokens still get
// a 200 so callers cannot probe for valid ones.
func (oa *OAuth2API) RevokeHandler(c echo.Context) error {
	clientID, clientSecret := clientCredentials(c)

	err := oa.tokens.Revoke(
		c.Request().Context(),
		clientID, clientSecret,
		c.FormValue("token"),
		c.FormValue("token_type_hint"),
	)
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// UserInfoHandler resolves claims for a bearer access token.
func (oa *OAuth2API) UserInfoHandler(c echo.Context) error {
	auth := c.Request().Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		c.Response().Header().Set("WWW-Authenticate", `Bearer realm="oauth2"`)
		return c.JSON(http.StatusUnauthorized, serrors.NewInvalidRequest("bearer token required"))
	}

	info, err := oa.tokens.UserInfo(c.Request().Context(), token)
	if err != nil {
		var oauthErr *serrors.OAuth2Error
		if errors.As(err, &oauthErr) && oauthErr.Code == serrors.InvalidScope {
			c.Response().Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			return c.JSON(http.StatusForbidden, oauthErr)
		}
		// Verification failures are distinguished internally but presented
		// uniformly here.
		c.Response().Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
	}
	return c.JSON(http.StatusOK, info)
}

// OpenIDConfigurationHandler serves the cached discovery document.
func (oa *OAuth2API) OpenIDConfigurationHandler(c echo.Context) error {
	doc, err := oa.keys.Discovery()
	if err != nil {
		log.Error().Err(err).Msg("failed to build discovery document")
		return c.JSON(http.StatusInternalServerError, serrors.NewServerError("discovery unavailable"))
	}
	return c.JSON(http.StatusOK, doc)
}

// JWKSHandler serves the cached public key set.
func (oa *OAuth2API) JWKSHandler(c echo.Context) error {
	jwks, err := oa.keys.JWKS()
	if err != nil {
		log.Error().Err(err).Msg("failed to build JWKS")
		return c.JSON(http.StatusInternalServerError, serrors.NewServerError("jwks unavailable"))
	}
	return c.JSON(http.StatusOK, jwks)
}

// HealthHandler reports process and storage liveness.
func (oa *OAuth2API) HealthHandler(c echo.Context) error {
	if err := mongodb.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
