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

// AuthCodeRepository stores single-use authorization codes.
type AuthCodeRepository struct {
	codes *mongo.Collection
}

func NewAuthCodeRepository(db *mongo.Database) *AuthCodeRepository {
	return &AuthCodeRepository{codes: db.Collection(CodesCollection)}
}

func (r *AuthCodeRepository) SaveAuthCode(ctx context.Context, authCode *domain.AuthCode) error {
	if authCode.Code == "" {
		return errors.New("auth code value cannot be empty")
	}

	_, err := r.codes.InsertOne(ctx, authCode)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("authorization code already exists: %w", err)
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	log.Debug().Str("client_id", authCode.ClientID).Str("user_id", authCode.UserID).Msg("authorization code saved")
	return nil
}

// ConsumeAuthCode finds the unused, unexpired code matching the client and
// redirect URI and marks it used, all in one FindOneAndUpdate. Two exchanges
// racing on the same code get exactly one document back between them.
func (r *AuthCodeRepository) ConsumeAuthCode(ctx context.Context, code, clientID, redirectURI, usedFromIP string) (*domain.AuthCode, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"code":         code,
		"client_id":    clientID,
		"redirect_uri": redirectURI,
		"used":         false,
		"expires_at":   bson.M{"$gt": now},
	}
	update := bson.M{"$set": bson.M{
		"used":         true,
		"used_at":      now,
		"used_from_ip": usedFromIP,
	}}

	var authCode domain.AuthCode
	err := r.codes.FindOneAndUpdate(ctx, filter, update).Decode(&authCode)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrAuthCodeConsumed
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	return &authCode, nil
}

func (r *AuthCodeRepository) VoidClientCodes(ctx context.Context, clientID string) (int64, error) {
	now := time.Now().UTC()
	result, err := r.codes.UpdateMany(ctx,
		bson.M{"client_id": clientID, "used": false},
		bson.M{"$set": bson.M{"used": true, "used_at": now}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to void authorization codes: %w", err)
	}
	return result.ModifiedCount, nil
}

func (r *AuthCodeRepository) DeleteExpiredAuthCodes(ctx context.Context) error {
	_, err := r.codes.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": time.Now().UTC()}})
	return err
}
