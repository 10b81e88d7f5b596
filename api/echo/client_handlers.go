package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"go.collegium.dev/sso/domain"
	serrors "go.collegium.dev/sso/errors"
	"go.collegium.dev/sso/services"
)

// registerClientRequest is the JSON body of POST /clients.
type registerClientRequest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	RedirectURIs []string `json:"redirect_uris"`
	Contacts     []string `json:"contacts"`
	Type         string   `json:"type"`
}

type reviewClientRequest struct {
	AllowedScopes []string `json:"allowed_scopes"`
	Reason        string   `json:"reason"`
}

func (oa *OAuth2API) requireUser(c echo.Context) (*domain.User, error) {
	user, err := oa.sessions.ResolveUser(c)
	if err != nil {
		return nil, c.JSON(http.StatusUnauthorized, serrors.NewAccessDenied("authentication required"))
	}
	return user, nil
}

// RegisterClientHandler creates a pending client and returns its credentials.
// The plaintext secret in the response is the only copy that will ever exist.
func (oa *OAuth2API) RegisterClientHandler(c echo.Context) error {
	user, err := oa.requireUser(c)
	if user == nil {
		return err
	}

	var req registerClientRequest
	if err := c.Bind(&req); err != nil {
		return writeOAuthError(c, serrors.NewInvalidRequest("malformed request body"))
	}

	_, resp, err := oa.clients.Register(c.Request().Context(), user, services.ClientRegistration{
		Name:         req.Name,
		Description:  req.Description,
		RedirectURIs: req.RedirectURIs,
		Contacts:     req.Contacts,
		Type:         domain.ClientType(req.Type),
	})
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// ListClientsHandler returns the caller's clients, or all clients for admins.
func (oa *OAuth2API) ListClientsHandler(c echo.Context) error {
	user, err := oa.requireUser(c)
	if user == nil {
		return err
	}

	clients, err := oa.clients.List(c.Request().Context(), user)
	if err != nil {
		return writeOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, clients)
}

// GetClientHandler returns one client, subject to visibility rules.
func (oa *OAuth2API) GetClientHandler(c echo.Context) error {
	user, err := oa.requireUser(c)
	if user == nil {
		return err
	}

	cli, err := oa.clients.Get(c.Request().Context(), user, c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrClientNotFound) {
			return c.JSON(http.StatusNotFound, serrors.NewInvalidRequest("client not found"))
		}
		return writeOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, cli)
}

// DeleteClientHandler removes a client per the lifecycle rules.
func (oa *OAuth2API) DeleteClientHandler(c echo.Context) error {
	user, err := oa.requireUser(c)
	if user == nil {
		return err
	}

	if err := oa.clients.Delete(c.Request().Context(), user, c.Param("id")); err != nil {
		if errors.Is(err, domain.ErrClientNotFound) {
			return c.JSON(http.StatusNotFound, serrors.NewInvalidRequest("client not found"))
		}
		return writeOAuthError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ApproveClientHandler flips a pending client to approved. Admin only.
func (oa *OAuth2API) ApproveClientHandler(c echo.Context) error {
	user, err := oa.requireUser(c)
	if user == nil {
		return err
	}

	var req reviewClientRequest
	if err := c.Bind(&req); err != nil {
		return writeOAuthError(c, serrors.NewInvalidRequest("malformed request body"))
	}

	if err := oa.clients.Approve(c.Request().Context(), user, c.Param("id"), req.AllowedScopes); err != nil {
		if errors.Is(err, domain.ErrClientNotFound) {
			return c.JSON(http.StatusNotFound, serrors.NewInvalidRequest("client not found or not pending"))
		}
		return writeOAuthError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RejectClientHandler flips a pending client to rejected. Admin only.
func (oa *OAuth2API) RejectClientHandler(c echo.Context) error {
	user, err := oa.requireUser(c)
	if user == nil {
		return err
	}

	var req reviewClientRequest
	if err := c.Bind(&req); err != nil {
		return writeOAuthError(c, serrors.NewInvalidRequest("malformed request body"))
	}

	if err := oa.clients.Reject(c.Request().Context(), user, c.Param("id"), req.Reason); err != nil {
		if errors.Is(err, domain.ErrClientNotFound) {
			return c.JSON(http.StatusNotFound, serrors.NewInvalidRequest("client not found or not pending"))
		}
		return writeOAuthError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SuspendClientHandler suspends an approved client and revokes everything it
// was ever issued. Admin only.
func (oa *OAuth2API) SuspendClientHandler(c echo.Context) error {
	user, err := oa.requireUser(c)
	if user == nil {
		return err
	}

	var req reviewClientRequest
	if err := c.Bind(&req); err != nil {
		return writeOAuthError(c, serrors.NewInvalidRequest("malformed request body"))
	}

	if err := oa.clients.Suspend(c.Request().Context(), user, c.Param("id"), req.Reason); err != nil {
		if errors.Is(err, domain.ErrClientNotFound) {
			return c.JSON(http.StatusNotFound, serrors.NewInvalidRequest("client not found or not approved"))
		}
		return writeOAuthError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RevokeConsentHandler withdraws the caller's own grant for a client.
func (oa *OAuth2API) RevokeConsentHandler(c echo.Context) error {
	user, err := oa.requireUser(c)
	if user == nil {
		return err
	}

	if err := oa.consents.Revoke(c.Request().Context(), user.ID, c.Param("id"), actorFrom(c)); err != nil {
		if errors.Is(err, domain.ErrConsentNotFound) {
			return c.JSON(http.StatusNotFound, serrors.NewInvalidRequest("no consent on record"))
		}
		return writeOAuthError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
