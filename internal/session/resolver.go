// Package session resolves the authenticated user behind a request. Login
// itself is handled by the authentication front end; by the time a request
// reaches these endpoints the front end has attached the subject identity.
package session

import (
	"github.com/labstack/echo/v4"

	"go.collegium.dev/sso/domain"
)

// SubjectHeader carries the authenticated user id, set by the authentication
// front end after login. Requests without it are anonymous.
const SubjectHeader = "X-Auth-Subject"

// HeaderResolver resolves users from the trusted subject header and the
// identity store. It must only be deployed behind the front end that strips
// the header from external traffic.
type HeaderResolver struct {
	users domain.IdentityStore
}

// NewHeaderResolver creates a HeaderResolver backed by the identity store.
func NewHeaderResolver(users domain.IdentityStore) *HeaderResolver {
	return &HeaderResolver{users: users}
}

// ResolveUser returns the user named by the subject header, or
// domain.ErrUserNotFound for anonymous or unknown subjects.
func (r *HeaderResolver) ResolveUser(c echo.Context) (*domain.User, error) {
	subject := c.Request().Header.Get(SubjectHeader)
	if subject == "" {
		return nil, domain.ErrUserNotFound
	}
	return r.users.GetUserByID(c.Request().Context(), subject)
}
