package domain

import (
	"context"
	"time"
)

// RoleAdmin marks users allowed to review client registrations.
const RoleAdmin = "admin"

// User carries the profile claims the identity store resolves for a subject.
// User storage itself lives outside this subsystem.
type User struct {
	ID            string    `bson:"user_id"                  json:"id"`
	Email         string    `bson:"email"                    json:"email"`
	EmailVerified bool      `bson:"email_verified"           json:"email_verified"`
	Name          string    `bson:"name,omitempty"           json:"name,omitempty"`
	GivenName     string    `bson:"given_name,omitempty"     json:"given_name,omitempty"`
	FamilyName    string    `bson:"family_name,omitempty"    json:"family_name,omitempty"`
	Roles         []string  `bson:"roles,omitempty"          json:"roles,omitempty"`
	UpdatedAt     time.Time `bson:"updated_at"               json:"updated_at"`
}

// IsAdmin reports whether the user carries the admin role.
func (u *User) IsAdmin() bool {
	for _, r := range u.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// IdentityStore resolves users by id. Implemented by the surrounding
// application; this subsystem only consumes it.
type IdentityStore interface {
	GetUserByID(ctx context.Context, userID string) (*User, error)
}
