package main

import (
	"context"
	"crypto/sha256"
	"net/http"
	"os"
	"os/signal"
	"time"

	auditpkg "aegis/internal/audit"
	audithandler "aegis/internal/audit/handler"
	authhandler "aegis/internal/auth/handler"
	authservice "aegis/internal/auth/service"
	credmetrics "aegis/internal/credential/metrics"
	credservice "aegis/internal/credential/service"
	credstore "aegis/internal/credential/store"
	"aegis/internal/identity/adapter"
	identitymodels "aegis/internal/identity/models"
	identityservice "aegis/internal/identity/service"
	"aegis/internal/identity/statestore"
	identitystore "aegis/internal/identity/store"
	"aegis/internal/platform/config"
	"aegis/internal/platform/database"
	"aegis/internal/platform/health"
	"aegis/internal/platform/httpserver"
	"aegis/internal/platform/logger"
	platformredis "aegis/internal/platform/redis"
	"aegis/internal/platform/replay"
	quotahandler "aegis/internal/quota/handler"
	quotametrics "aegis/internal/quota/metrics"
	quotaservice "aegis/internal/quota/service"
	quotastore "aegis/internal/quota/store"
	sessionmetrics "aegis/internal/session/metrics"
	sessionservice "aegis/internal/session/service"
	sessionstore "aegis/internal/session/store"
	"aegis/internal/session/token"
	tenanthandler "aegis/internal/tenant/handler"
	tenantmetrics "aegis/internal/tenant/metrics"
	tenantservice "aegis/internal/tenant/service"
	tenantstore "aegis/internal/tenant/store"
	httptransport "aegis/internal/transport/http"
	"aegis/pkg/secrets"
)

// main is the composition root: every store picks its backend from config,
// services get wired together, and the HTTP server owns the lifecycle.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing aegis",
		"addr", cfg.Addr,
		"redis", cfg.RedisURL != "",
		"postgres", cfg.DatabaseURL != "",
		"kafka", len(cfg.KafkaBrokers) > 0,
	)

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	pool, err := database.New(dbConfig)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}

	// The at-rest key protects TOTP seeds and IdP client secrets. Any
	// configured string is folded to the 32 bytes AES-256-GCM needs.
	keyMaterial := cfg.EncryptionKey
	if keyMaterial == "" {
		log.Warn("AEGIS_ENCRYPTION_KEY not set, deriving at-rest key from signing key")
		keyMaterial = cfg.JWTSigningKey
	}
	keyBytes := sha256.Sum256([]byte(keyMaterial))
	cipher, err := secrets.NewCipher(keyBytes[:])
	if err != nil {
		log.Error("cipher init failed", "error", err)
		os.Exit(1)
	}

	// Audit pipeline. The store write is fail-closed; Kafka forwarding is a
	// best-effort sink behind it.
	var auditStore auditpkg.Store = auditpkg.NewInMemoryStore()
	if pool != nil {
		auditStore = auditpkg.NewPostgresStore(pool.DB())
	}
	recorderOpts := []auditpkg.RecorderOption{auditpkg.WithRecorderLogger(log)}
	forwarder, err := auditpkg.NewKafkaForwarder(cfg.KafkaBrokers, cfg.AuditTopic, log)
	if err != nil {
		log.Error("kafka forwarder init failed", "error", err)
		os.Exit(1)
	}
	if forwarder != nil {
		recorderOpts = append(recorderOpts, auditpkg.WithSink(forwarder))
	}
	recorder := auditpkg.NewRecorder(auditStore, recorderOpts...)

	var replayCache replay.Cache = replay.NewMemoryCache()
	if redisClient != nil {
		replayCache = replay.NewRedisCache(redisClient.Client, "replay:")
	}

	// Quota engine.
	var qStore quotastore.QuotaStore = quotastore.NewInMemoryQuotaStore()
	if redisClient != nil {
		qStore = quotastore.NewRedisQuotaStore(redisClient.Client)
	}
	quotas := quotaservice.NewQuotaService(qStore, recorder,
		quotaservice.WithLogger(log),
		quotaservice.WithMetrics(quotametrics.New()),
	)

	// Tenant registry. With Postgres the mutation and its audit event share
	// one commit boundary.
	var tStore tenantstore.TenantStore = tenantstore.NewInMemoryTenantStore()
	tenantOpts := []tenantservice.Option{
		tenantservice.WithLogger(log),
		tenantservice.WithMetrics(tenantmetrics.New()),
	}
	if pool != nil {
		tStore = tenantstore.NewPostgresTenantStore(pool.DB())
		tenantOpts = append(tenantOpts, tenantservice.WithStoreTx(newTenantPostgresTx(pool.DB())))
	}
	tenants := tenantservice.NewTenantService(tStore, quotas, recorder, tenantOpts...)
	gate := operationalGate{tenants: tenants}

	// Credential and MFA engine.
	var uStore credstore.UserStore = credstore.NewInMemoryUserStore()
	var mStore credstore.MFAStore = credstore.NewInMemoryMFAStore()
	if pool != nil {
		uStore = credstore.NewPostgresUserStore(pool.DB())
		mStore = credstore.NewPostgresMFAStore(pool.DB())
	}
	credentials := credservice.NewCredentialService(
		uStore,
		mStore,
		quotas,
		recorder,
		replayCache,
		cipher,
		cfg.Issuer,
		credservice.WithLogger(log),
		credservice.WithMetrics(credmetrics.New()),
		credservice.WithLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutCooldown),
		credservice.WithBackupCodeCount(cfg.BackupCodeCount),
	)

	// Identity federation.
	var pStore identitystore.ProviderStore = identitystore.NewInMemoryProviderStore()
	if pool != nil {
		pStore = identitystore.NewPostgresProviderStore(pool.DB())
	}
	var states statestore.StateStore = statestore.NewInMemoryStateStore()
	if redisClient != nil {
		states = statestore.NewRedisStateStore(redisClient.Client)
	}
	adapters := map[identitymodels.ProviderType]adapter.Adapter{
		identitymodels.ProviderOAuth2: adapter.NewOAuth2Adapter(cipher, http.DefaultClient),
		identitymodels.ProviderOIDC:   adapter.NewOIDCAdapter(cipher, http.DefaultClient),
		identitymodels.ProviderSAML:   adapter.NewSAMLAdapter(replayCache),
	}
	federation := identityservice.NewIdentityService(pStore, states, adapters, credentials, recorder, cipher,
		identityservice.WithLogger(log),
		identityservice.WithStateTTL(cfg.StateTTL),
		identityservice.WithTenantGate(gate),
	)

	// Session and token manager.
	var sStore sessionstore.SessionStore = sessionstore.NewInMemorySessionStore()
	var rStore sessionstore.RefreshTokenStore = sessionstore.NewInMemoryRefreshTokenStore()
	if redisClient != nil {
		sStore = sessionstore.NewRedisSessionStore(redisClient.Client)
		rStore = sessionstore.NewRedisRefreshTokenStore(redisClient.Client)
	}
	signer := token.NewSigner([]byte(cfg.JWTSigningKey), cfg.Issuer, cfg.Audience)
	sessions := sessionservice.NewSessionService(sStore, rStore, quotas, recorder, signer, credentials,
		sessionservice.WithLogger(log),
		sessionservice.WithMetrics(sessionmetrics.New()),
		sessionservice.WithTenantGate(gate),
		sessionservice.WithTokenTTLs(cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
	)

	auth := authservice.NewAuthService(gate, credentials, sessions, federation, recorder,
		authservice.WithLogger(log),
	)

	healthHandler := health.NewHandler(
		health.Check{Name: "redis", Probe: redisClient.Healthy},
		health.Check{Name: "postgres", Probe: pool.Healthy},
	)
	router := httptransport.NewRouter(log, healthHandler,
		tenanthandler.New(tenants, log),
		quotahandler.New(quotas, log),
		authhandler.New(auth, sessions, log),
		audithandler.New(recorder, log),
	)

	srv := httpserver.New(cfg.Addr, router)
	log.Info("starting http server", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	log.Info("shutting down gracefully")
	if err := httpserver.Shutdown(srv, 10*time.Second); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if forwarder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := forwarder.Close(ctx); err != nil {
			log.Error("flush audit forwarder failed", "error", err)
		}
		cancel()
	}
	if pool != nil {
		_ = pool.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	log.Info("server stopped")
}
