package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"go.collegium.dev/sso/domain"
)

// ClientRepository stores registered OAuth clients.
type ClientRepository struct {
	clients *mongo.Collection
}

func NewClientRepository(db *mongo.Database) *ClientRepository {
	return &ClientRepository{clients: db.Collection(ClientsCollection)}
}

func (r *ClientRepository) CreateClient(ctx context.Context, client *domain.Client) error {
	_, err := r.clients.InsertOne(ctx, client)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("client %s already exists: %w", client.ID, err)
		}
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

func (r *ClientRepository) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	var client domain.Client
	err := r.clients.FindOne(ctx, bson.M{"client_id": clientID}).Decode(&client)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to retrieve client: %w", err)
	}
	return &client, nil
}

// UpdateClientStatus flips the lifecycle status in one conditional update.
// The filter pins the expected current status, so two racing reviews resolve
// to one winner and one ErrClientNotFound.
func (r *ClientRepository) UpdateClientStatus(ctx context.Context, clientID string, from, to domain.ClientStatus, review domain.StatusReview) error {
	now := time.Now().UTC()
	set := bson.M{
		"status":     to,
		"updated_at": now,
	}
	if review.ReviewerID != "" {
		set["reviewed_by"] = review.ReviewerID
	}
	if review.Reason != "" {
		set["review_reason"] = review.Reason
	}
	if to == domain.ClientStatusApproved {
		set["allowed_scopes"] = review.AllowedScopes
		set["approved_at"] = now
	}

	result, err := r.clients.UpdateOne(ctx,
		bson.M{"client_id": clientID, "status": from},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("failed to update client status: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrClientNotFound
	}

	log.Debug().Str("client_id", clientID).Str("from", string(from)).Str("to", string(to)).Msg("client status updated")
	return nil
}

func (r *ClientRepository) DeleteClient(ctx context.Context, clientID string) error {
	result, err := r.clients.DeleteOne(ctx, bson.M{"client_id": clientID})
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if result.DeletedCount == 0 {
		return domain.ErrClientNotFound
	}
	return nil
}

func (r *ClientRepository) ListClients(ctx context.Context, filter domain.ClientFilter) ([]*domain.Client, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.OwnerID != "" {
		query["owner_id"] = filter.OwnerID
	}

	cursor, err := r.clients.Find(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer cursor.Close(ctx)

	var clients []*domain.Client
	if err := cursor.All(ctx, &clients); err != nil {
		return nil, fmt.Errorf("failed to decode clients: %w", err)
	}
	return clients, nil
}
