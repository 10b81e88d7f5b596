package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.collegium.dev/sso/domain"
)

// ConsentRepository stores the per-(user, client) scope grants with their
// append-only history.
type ConsentRepository struct {
	consents *mongo.Collection
}

func NewConsentRepository(db *mongo.Database) *ConsentRepository {
	return &ConsentRepository{consents: db.Collection(ConsentsCollection)}
}

func (r *ConsentRepository) GetConsent(ctx context.Context, userID, clientID string) (*domain.UserConsent, error) {
	var consent domain.UserConsent
	err := r.consents.FindOne(ctx, bson.M{"user_id": userID, "client_id": clientID}).Decode(&consent)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrConsentNotFound
		}
		return nil, fmt.Errorf("failed to retrieve consent: %w", err)
	}
	return &consent, nil
}

// UpsertConsent replaces the granted scope set and appends the event. The
// unique (user_id, client_id) index keeps the record singular under
// concurrent first-time grants.
func (r *ConsentRepository) UpsertConsent(ctx context.Context, userID, clientID string, scopes []string, event domain.ConsentEvent) error {
	filter := bson.M{"user_id": userID, "client_id": clientID}
	update := bson.M{
		"$set": bson.M{
			"scopes":          scopes,
			"is_active":       len(scopes) > 0,
			"last_updated_at": event.At,
		},
		"$setOnInsert": bson.M{
			"user_id":          userID,
			"client_id":        clientID,
			"first_granted_at": event.At,
		},
		"$push": bson.M{"history": event},
	}

	opts := options.UpdateOne().SetUpsert(true)
	if _, err := r.consents.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to upsert consent: %w", err)
	}
	return nil
}

// RevokeConsent empties the grant and flips is_active off, keeping the record
// and its history for audit.
func (r *ConsentRepository) RevokeConsent(ctx context.Context, userID, clientID string, event domain.ConsentEvent) error {
	filter := bson.M{"user_id": userID, "client_id": clientID}
	update := bson.M{
		"$set": bson.M{
			"scopes":          []string{},
			"is_active":       false,
			"last_updated_at": event.At,
			"revoked_at":      event.At,
		},
		"$push": bson.M{"history": event},
	}

	result, err := r.consents.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrConsentNotFound
	}
	return nil
}
