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

// RefreshTokenRepository stores refresh-token records keyed by token hash.
type RefreshTokenRepository struct {
	tokens *mongo.Collection
}

func NewRefreshTokenRepository(db *mongo.Database) *RefreshTokenRepository {
	return &RefreshTokenRepository{tokens: db.Collection(TokensCollection)}
}

func (r *RefreshTokenRepository) StoreRefreshToken(ctx context.Context, token *domain.RefreshToken) error {
	_, err := r.tokens.InsertOne(ctx, token)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("refresh token hash collision: %w", err)
		}
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) GetRefreshToken(ctx context.Context, tokenHash string) (*domain.RefreshToken, error) {
	var token domain.RefreshToken
	err := r.tokens.FindOne(ctx, bson.M{"token_hash": tokenHash}).Decode(&token)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("failed to retrieve refresh token: %w", err)
	}
	return &token, nil
}

// SupersedeRefreshToken flips the token from live to superseded iff it is
// still live. A zero match means the token already rotated or was revoked,
// which the service layer treats as a reuse signal.
func (r *RefreshTokenRepository) SupersedeRefreshToken(ctx context.Context, tokenHash string) error {
	result, err := r.tokens.UpdateOne(ctx,
		bson.M{"token_hash": tokenHash, "superseded": false, "is_revoked": false},
		bson.M{"$set": bson.M{"superseded": true, "rotated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to supersede refresh token: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrRefreshTokenRotated
	}
	return nil
}

func (r *RefreshTokenRepository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	result, err := r.tokens.UpdateOne(ctx,
		bson.M{"token_hash": tokenHash},
		bson.M{"$set": bson.M{"is_revoked": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrRefreshTokenNotFound
	}
	return nil
}

func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	result, err := r.tokens.UpdateMany(ctx,
		bson.M{"family_id": familyID, "is_revoked": false},
		bson.M{"$set": bson.M{"is_revoked": true}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}
	log.Debug().Str("family_id", familyID).Int64("revoked", result.ModifiedCount).Msg("token family revoked")
	return result.ModifiedCount, nil
}

func (r *RefreshTokenRepository) RevokeClientTokens(ctx context.Context, clientID string) (int64, error) {
	result, err := r.tokens.UpdateMany(ctx,
		bson.M{"client_id": clientID, "is_revoked": false},
		bson.M{"$set": bson.M{"is_revoked": true}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke client tokens: %w", err)
	}
	return result.ModifiedCount, nil
}

// ListLiveFamilies groups the live tokens of a (client, user) pair by family,
// oldest family first, for the eviction decision at grant time.
func (r *RefreshTokenRepository) ListLiveFamilies(ctx context.Context, clientID, userID string) ([]domain.TokenFamily, error) {
	now := time.Now().UTC()
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"client_id":  clientID,
			"user_id":    userID,
			"is_revoked": false,
			"superseded": false,
			"expires_at": bson.M{"$gt": now},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":        "$family_id",
			"created_at": bson.M{"$min": "$created_at"},
		}}},
		{{Key: "$sort", Value: bson.M{"created_at": 1}}},
	}

	cursor, err := r.tokens.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to list token families: %w", err)
	}
	defer cursor.Close(ctx)

	var families []domain.TokenFamily
	if err := cursor.All(ctx, &families); err != nil {
		return nil, fmt.Errorf("failed to decode token families: %w", err)
	}
	return families, nil
}

func (r *RefreshTokenRepository) DeleteExpiredTokens(ctx context.Context) error {
	_, err := r.tokens.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": time.Now().UTC()}})
	return err
}
