// Package echo exposes the protocol endpoints over HTTP.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"go.collegium.dev/sso/domain"
	serrors "go.collegium.dev/sso/errors"
	"go.collegium.dev/sso/internal/ratelimit"
	"go.collegium.dev/sso/services"
)

// SessionResolver resolves the authenticated user behind a request. The
// session mechanism (cookies, reverse-proxy headers) lives outside this
// subsystem; handlers only need the resulting user.
type SessionResolver interface {
	// ResolveUser returns the authenticated user, or domain.ErrUserNotFound
	// when the request carries no valid session.
	ResolveUser(c echo.Context) (*domain.User, error)
}

// OAuth2API holds the endpoint handlers and their service dependencies.
type OAuth2API struct {
	authorize *services.AuthorizeService
	tokens    *services.TokenService
	clients   *services.ClientService
	consents  *services.ConsentService
	keys      *services.KeyService
	sessions  SessionResolver

	loginURL string

	tokenLimiter     *ratelimit.Limiter
	authorizeLimiter *ratelimit.Limiter
}

// NewOAuth2API initializes the OAuth2 API.
func NewOAuth2API(
	authorize *services.AuthorizeService,
	tokens *services.TokenService,
	clients *services.ClientService,
	consents *services.ConsentService,
	keys *services.KeyService,
	sessions SessionResolver,
	loginURL string,
	tokenRPS, authorizeRPS float64,
) *OAuth2API {
	return &OAuth2API{
		authorize:        authorize,
		tokens:           tokens,
		clients:          clients,
		consents:         consents,
		keys:             keys,
		sessions:         sessions,
		loginURL:         loginURL,
		tokenLimiter:     ratelimit.NewLimiter(tokenRPS),
		authorizeLimiter: ratelimit.NewLimiter(authorizeRPS),
	}
}

// RegisterRoutes registers every protocol and management endpoint.
func (oa *OAuth2API) RegisterRoutes(e *echo.Echo) {
	e.GET("/oauth2/authorize", oa.AuthorizeHandler, oa.authorizeLimiter.Middleware())
	e.POST("/oauth2/authorize/consent", oa.ConsentHandler)
	e.POST("/oauth2/authorize/deny", oa.DenyHandler)
	e.POST("/oauth2/token", oa.TokenHandler, oa.tokenLimiter.Middleware())
	e.POST("/oauth2/introspect", oa.IntrospectHandler)
	e.POST("/oauth2/revoke", oa.RevokeHandler)
	e.GET("/oauth2/userinfo", oa.UserInfoHandler)

	e.GET("/.well-known/openid-configuration", oa.OpenIDConfigurationHandler)
	e.GET("/.well-known/jwks.json", oa.JWKSHandler)

	e.POST("/clients", oa.RegisterClientHandler)
	e.GET("/clients", oa.ListClientsHandler)
	e.GET("/clients/:id", oa.GetClientHandler)
	e.DELETE("/clients/:id", oa.DeleteClientHandler)
	e.POST("/clients/:id/approve", oa.ApproveClientHandler)
	e.POST("/clients/:id/reject", oa.RejectClientHandler)
	e.POST("/clients/:id/suspend", oa.SuspendClientHandler)
	e.DELETE("/clients/:id/consent", oa.RevokeConsentHandler)

	e.GET("/healthz", oa.HealthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Close stops the rate limiter eviction goroutines.
func (oa *OAuth2API) Close() {
	oa.tokenLimiter.Close()
	oa.authorizeLimiter.Close()
}

// writeOAuthError renders an error in the standard OAuth JSON shape with the
// status the vocabulary calls for. Anything that is not an OAuth2Error is a
// server_error and its cause stays out of the response.
func writeOAuthError(c echo.Context, err error) error {
	var oauthErr *serrors.OAuth2Error
	if !errors.As(err, &oauthErr) {
		log.Error().Err(err).Str("path", c.Path()).Msg("internal error")
		return c.JSON(http.StatusInternalServerError, serrors.NewServerError("internal error"))
	}

	switch oauthErr.Code {
	case serrors.InvalidClient:
		c.Response().Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
		return c.JSON(http.StatusUnauthorized, oauthErr)
	case serrors.ServerError:
		return c.JSON(http.StatusInternalServerError, oauthErr)
	default:
		return c.JSON(http.StatusBadRequest, oauthErr)
	}
}

func actorFrom(c echo.Context) services.ActorContext {
	return services.ActorContext{
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}
}
