package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"umagate.org/internal/cache"
	"umagate.org/internal/config"
	"umagate.org/internal/httpapi"
	"umagate.org/internal/obs"
	"umagate.org/internal/signing"
	"umagate.org/internal/stream"
	"umagate.org/internal/uma"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "umagate-api").Logger()
	cfg := config.FromEnv()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var db *sql.DB
	stores := uma.NewInMemory()
	if cfg.PostgresDSN != "" {
		var err error
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		stores = uma.NewPostgres(db)
	}

	var resourceCache cache.Cache = cache.NewInMemory()
	if cfg.RedisAddr != "" {
		resourceCache = cache.NewRedis(cfg.RedisAddr)
	}

	signer, err := signing.NewProvider(signingParams(log))
	if err != nil {
		log.Fatal().Err(err).Msg("signing keys")
	}

	registry := uma.NewRegistry()
	events := stream.New()

	perms := uma.NewPermissionService(stores.Permissions, cfg.TicketLifetime, log)
	resources := uma.NewResourceService(stores.Resources, resourceCache, cfg.ResourceCacheTTL, log)
	scopes := uma.NewScopeService(stores.Scopes, cfg.AllowSpontaneousScopes, log)
	pcts := uma.NewPCTService(stores.PCTs, cfg.PCTLifetime, log)
	rpts := uma.NewRPTService(stores.RPTs, stores.Permissions, signer, cfg.Issuer, cfg.RPTLifetime, log)

	validator := uma.NewValidator(uma.ValidatorDeps{
		Permissions:                 perms,
		Scopes:                      scopes,
		Resources:                   resources,
		Clients:                     stores.Clients,
		PCTs:                        pcts,
		RPTs:                        rpts,
		Grants:                      stores.Grants,
		Signer:                      signer,
		Issuer:                      cfg.Issuer,
		VerifyClaimTokens:           cfg.ValidateClaimToken,
		RestrictToAssociatedClients: cfg.RestrictResourceToAssociatedClient,
	}, log)

	needsInfo := uma.NewNeedsInfoService(registry, perms, cfg.ClaimsGatheringURL, log)
	policy := uma.NewPolicyService(scopes, perms, resources, log)
	tokens := uma.NewTokenService(uma.TokenServiceDeps{
		Validator:               validator,
		NeedsInfo:               needsInfo,
		Policy:                  policy,
		Permissions:             perms,
		PCTs:                    pcts,
		RPTs:                    rpts,
		Events:                  events,
		GrantAccessIfNoPolicies: cfg.GrantAccessIfNoPolicies,
		RPTLifetime:             cfg.RPTLifetime,
	}, log)
	gather := uma.NewGatherService(registry, stores.Sessions, perms, pcts, validator, cfg.TicketLifetime, log)

	api := httpapi.New(httpapi.Deps{
		Ready:     httpapi.ReadyProbe{DB: db},
		Version:   version,
		Tokens:    tokens,
		Validator: validator,
		Perms:     perms,
		Resources: resources,
		Scopes:    scopes,
		RPTs:      rpts,
		Gather:    gather,
		Events:    events,
		Signer:    signer,
		Log:       log,
	})

	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.MaxBodyBytes(
					httpapi.RateLimit(api.Handler(), 50, 25),
					1<<20)),
			log))

	addr := os.Getenv("UMA_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if db != nil {
		go housekeeping(db, log)
	}

	log.Info().Str("version", version).Str("addr", srv.Addr).Msg("starting umagate-api")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Info().Msg("stopped")
}

// signingParams loads PEM key material from the environment, generating an
// ephemeral pair for dev mode when none is configured.
func signingParams(log zerolog.Logger) signing.Params {
	params := signing.Params{
		PrivatePEM: os.Getenv("UMA_SIGNING_PRIVATE_PEM"),
		PublicPEM:  os.Getenv("UMA_SIGNING_PUBLIC_PEM"),
		KeyID:      os.Getenv("UMA_SIGNING_KEY_ID"),
	}
	if params.PrivatePEM != "" && params.PublicPEM != "" {
		return params
	}
	log.Warn().Msg("no signing keys configured, generating an ephemeral pair")
	generated, err := signing.GenerateParams()
	if err != nil {
		log.Fatal().Err(err).Msg("generate signing keys")
	}
	return generated
}

// housekeeping clears expired tickets, tokens and sessions.
func housekeeping(db *sql.DB, log zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := uma.DeleteExpired(ctx, db, time.Now().UTC()); err != nil {
			log.Warn().Err(err).Msg("expired record cleanup failed")
		}
		cancel()
	}
}
