package domain

import (
	"context"
	"time"
)

// ClientType defines the type of client application. Confidential or Public
type ClientType string

const (
	// ClientTypeConfidential clients can securely store secrets (server-side web apps)
	ClientTypeConfidential ClientType = "confidential"
	// ClientTypePublic clients cannot securely store secrets (mobile apps, SPAs)
	ClientTypePublic ClientType = "public"
)

// ClientStatus is the lifecycle state of a registered client application.
type ClientStatus string

const (
	ClientStatusPending   ClientStatus = "pending"
	ClientStatusApproved  ClientStatus = "approved"
	ClientStatusRejected  ClientStatus = "rejected"
	ClientStatusSuspended ClientStatus = "suspended"
	ClientStatusDeleted   ClientStatus = "deleted"
)

// clientTransitions is the explicit lifecycle transition table.
var clientTransitions = map[ClientStatus][]ClientStatus{
	ClientStatusPending:   {ClientStatusApproved, ClientStatusRejected, ClientStatusDeleted},
	ClientStatusApproved:  {ClientStatusSuspended, ClientStatusDeleted},
	ClientStatusRejected:  {ClientStatusDeleted},
	ClientStatusSuspended: {ClientStatusDeleted},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s ClientStatus) CanTransitionTo(next ClientStatus) bool {
	for _, allowed := range clientTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Client represents a registered OAuth2 client application.
//
//nolint:tagliatelle
type Client struct {
	ID            string       `bson:"client_id"                json:"client_id"`
	SecretHash    string       `bson:"secret_hash,omitempty"    json:"-"`
	Type          ClientType   `bson:"client_type"              json:"type"`
	Status        ClientStatus `bson:"status"                   json:"status"`
	Name          string       `bson:"client_name"              json:"name"`
	Description   string       `bson:"description,omitempty"    json:"description,omitempty"`
	RedirectURIs  []string     `bson:"redirect_uris"            json:"redirect_uris"`
	AllowedScopes []string     `bson:"allowed_scopes,omitempty" json:"allowed_scopes,omitempty"`
	Contacts      []string     `bson:"contacts,omitempty"       json:"contacts,omitempty"`
	OwnerID       string       `bson:"owner_id"                 json:"owner_id"`
	ReviewedBy    string       `bson:"reviewed_by,omitempty"    json:"reviewed_by,omitempty"`
	ReviewReason  string       `bson:"review_reason,omitempty"  json:"review_reason,omitempty"`
	CreatedAt     time.Time    `bson:"created_at"               json:"created_at"`
	UpdatedAt     time.Time    `bson:"updated_at"               json:"updated_at"`
	ApprovedAt    time.Time    `bson:"approved_at,omitempty"    json:"approved_at,omitempty"`
}

// IsApproved reports whether the client may take part in the authorization flow.
func (c *Client) IsApproved() bool {
	return c.Status == ClientStatusApproved
}

// HasRedirectURI reports whether uri exactly matches one of the registered
// redirect URIs. No prefix or suffix tolerance.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// HasScope reports whether the named scope is in the client's allowed set.
func (c *Client) HasScope(scope string) bool {
	for _, allowed := range c.AllowedScopes {
		if allowed == scope {
			return true
		}
	}
	return false
}

// StatusReview carries the admin context recorded alongside a status flip.
type StatusReview struct {
	ReviewerID    string
	Reason        string
	AllowedScopes []string
}

// ClientFilter defines filtering options for listing clients.
type ClientFilter struct {
	Status  ClientStatus
	OwnerID string
}

// ClientRepository defines the interface for client storage and retrieval.
type ClientRepository interface {
	// CreateClient stores a newly registered client.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// UpdateClientStatus flips the lifecycle status from one state to another
	// in a single conditional update. It returns ErrClientNotFound when no
	// client matched the (id, from) pair.
	UpdateClientStatus(ctx context.Context, clientID string, from, to ClientStatus, review StatusReview) error

	// DeleteClient removes a client record entirely. Only used for pending
	// registrations removed by their creator; approved clients are
	// soft-deleted through UpdateClientStatus.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients returns clients matching the filter.
	ListClients(ctx context.Context, filter ClientFilter) ([]*Client, error)
}
