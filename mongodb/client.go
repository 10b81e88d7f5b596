// Package mongodb implements the storage interfaces on MongoDB. Every
// exactly-once state transition (consuming a code, superseding a refresh
// token, flipping a client status) is a single conditional update.
package mongodb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

const (
	ClientsCollection  = "oauth_clients"
	CodesCollection    = "oauth_auth_codes"
	TokensCollection   = "oauth_refresh_tokens"
	ConsentsCollection = "oauth_consents"
	UsersCollection    = "oauth_users"
)

var (
	clientInstance *mongo.Client
	dbInstance     *mongo.Database
	initOnce       sync.Once
)

// InitMongoDB connects the process-wide MongoDB client and selects the
// database. It should be called once at application startup; the connection
// is verified with a ping before the call returns.
func InitMongoDB(ctx context.Context, uri, dbName string) error {
	var err error
	initOnce.Do(func() {
		opts := options.Client().
			ApplyURI(uri).
			SetConnectTimeout(10 * time.Second).
			SetMonitor(otelmongo.NewMonitor())

		client, connErr := mongo.Connect(opts)
		if connErr != nil {
			err = connErr
			return
		}
		if pingErr := client.Ping(ctx, readpref.Primary()); pingErr != nil {
			err = pingErr
			return
		}

		clientInstance = client
		dbInstance = client.Database(dbName)
		log.Info().Str("database", dbName).Msg("MongoDB connected")
	})
	if err != nil {
		return err
	}
	if dbInstance == nil {
		return errors.New("mongodb was previously initialized with an error")
	}
	return nil
}

// GetDB returns the database handle. InitMongoDB must have succeeded first.
func GetDB() *mongo.Database {
	if dbInstance == nil {
		log.Fatal().Msg("MongoDB is not initialized, call InitMongoDB first")
	}
	return dbInstance
}

// Ping verifies the connection with a short timeout, for health checks.
func Ping(ctx context.Context) error {
	if clientInstance == nil {
		return errors.New("mongodb client is not initialized")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return clientInstance.Ping(pingCtx, readpref.Primary())
}

// CloseMongoDB disconnects the client on shutdown.
func CloseMongoDB(ctx context.Context) {
	if clientInstance != nil {
		if err := clientInstance.Disconnect(ctx); err != nil {
			log.Error().Err(err).Msg("error closing MongoDB connection")
		}
	}
}
