package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	echoapi "go.collegium.dev/sso/api/echo"
	"go.collegium.dev/sso/cache"
	redisstore "go.collegium.dev/sso/cache/redis"
	"go.collegium.dev/sso/config"
	"go.collegium.dev/sso/internal/metrics"
	"go.collegium.dev/sso/internal/oidcflow"
	"go.collegium.dev/sso/internal/session"
	"go.collegium.dev/sso/mongodb"
	"go.collegium.dev/sso/services"
)

const pendingAuthorizationTTL = 10 * time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	setupLogger(cfg)
	log.Info().
		Str("issuer", cfg.IssuerURL).
		Str("environment", cfg.Environment).
		Msg("starting authorization server")

	ctx := context.Background()
	if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	db := mongodb.GetDB()
	if err := mongodb.EnsureIndexes(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to create indexes")
	}

	metrics.InitCustomMetrics(prometheus.DefaultRegisterer)

	// Repositories
	clientRepo := mongodb.NewClientRepository(db)
	codeRepo := mongodb.NewAuthCodeRepository(db)
	tokenRepo := mongodb.NewRefreshTokenRepository(db)
	consentRepo := mongodb.NewConsentRepository(db)
	userRepo := mongodb.NewUserRepository(db)

	// Access-token denylist: Redis when configured, in-memory otherwise.
	var revocations cache.RevocationStore
	if cfg.RedisURI != "" {
		opts, err := goredis.ParseURL(cfg.RedisURI)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URI")
		}
		revocations = redisstore.NewRevocationStore(goredis.NewClient(opts))
		log.Info().Msg("using Redis revocation store")
	} else {
		revocations = cache.NewMemoryRevocationStore()
		log.Warn().Msg("using in-memory revocation store, not suitable for multi-instance deployments")
	}

	// Services
	keyService := services.NewKeyService(cfg.IssuerURL, services.KeyMaterial{
		InlinePEM: cfg.SigningKeyPEM,
		FilePath:  cfg.SigningKeyFile,
	}, cfg.Scopes())
	if _, err := keyService.Signer(); err != nil {
		log.Fatal().Err(err).Msg("failed to load signing key")
	}

	clientService := services.NewClientService(clientRepo, tokenRepo, codeRepo, cfg.URISchemes(), cfg.IsProduction())
	consentService := services.NewConsentService(consentRepo)
	pendingStore := oidcflow.NewPendingStore(pendingAuthorizationTTL)
	defer pendingStore.Close()

	authorizeService := services.NewAuthorizeService(
		clientRepo, codeRepo, consentService, pendingStore,
		cfg.AuthCodeTTL(), cfg.RequireConsent,
	)
	tokenService := services.NewTokenService(
		clientService, codeRepo, tokenRepo, userRepo, keyService, revocations,
		services.TokenConfig{
			AccessTokenTTL:      cfg.AccessTokenTTL(),
			IDTokenTTL:          cfg.IDTokenTTL(),
			RefreshTokenTTL:     cfg.RefreshTokenTTL(),
			RotateRefreshTokens: cfg.RotateRefreshToken,
			RevokeFamilyOnReuse: cfg.RevokeOnReuse,
			MaxLiveFamilies:     cfg.MaxLiveFamilies,
		},
	)

	// TTL sweep backstop for deployments without Mongo TTL monitors.
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go sweepExpired(sweepCtx, codeRepo, tokenRepo)

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	oauthAPI := echoapi.NewOAuth2API(
		authorizeService, tokenService, clientService, consentService, keyService,
		session.NewHeaderResolver(userRepo),
		cfg.IssuerURL+"/login",
		cfg.TokenEndpointRPS, cfg.AuthorizeEndpointRPS,
	)
	defer oauthAPI.Close()
	oauthAPI.RegisterRoutes(e)

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	mongodb.CloseMongoDB(shutdownCtx)
	log.Info().Msg("server stopped")
}

func setupLogger(cfg *config.ServerConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

type expiredSweeper interface {
	DeleteExpiredAuthCodes(ctx context.Context) error
}

type expiredTokenSweeper interface {
	DeleteExpiredTokens(ctx context.Context) error
}

func sweepExpired(ctx context.Context, codes expiredSweeper, tokens expiredTokenSweeper) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := codes.DeleteExpiredAuthCodes(ctx); err != nil {
				log.Error().Err(err).Msg("failed to sweep expired authorization codes")
			}
			if err := tokens.DeleteExpiredTokens(ctx); err != nil {
				log.Error().Err(err).Msg("failed to sweep expired refresh tokens")
			}
		}
	}
}
