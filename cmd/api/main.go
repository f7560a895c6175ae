package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"

	"sentra.dev/internal/auth"
	"sentra.dev/internal/config"
	"sentra.dev/internal/httpapi"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/session"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.TokenSecret == "" {
		log.Fatal("SENTRA_TOKEN_SECRET is required")
	}

	var (
		db    *sql.DB
		store auth.Store
	)
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = auth.NewPGStore(db)
	} else {
		log.Print("no SENTRA_PG_DSN set, using in-memory store")
		store = auth.NewMemoryStore()
	}

	codec, err := auth.NewCodec(credentialKey(cfg), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("credential codec: %v", err)
	}

	providers := auth.NewProviderRegistry()
	if err := providers.Register(auth.NewLocalProvider("local", codec, true)); err != nil {
		log.Fatalf("register local provider: %v", err)
	}
	if cfg.SetupMode {
		if err := providers.Register(auth.NewTrustedProvider("trusted", true, true)); err != nil {
			log.Fatalf("register trusted provider: %v", err)
		}
	}
	if cfg.OIDCIssuer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		op, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			ID:            "oidc",
			Issuer:        cfg.OIDCIssuer,
			ClientID:      cfg.OIDCClientID,
			ClientSecret:  cfg.OIDCClientSecret,
			RedirectURL:   cfg.OIDCRedirectURL,
			Enabled:       true,
			AutoProvision: true,
		})
		cancel()
		if err != nil {
			log.Fatalf("oidc provider: %v", err)
		}
		if err := providers.Register(op); err != nil {
			log.Fatalf("register oidc provider: %v", err)
		}
	}

	guard := auth.NewGuard(store.LoginLog(), auth.GuardPolicy{
		MaxFailures: cfg.MaxFailedLogins,
		MinTimeout:  cfg.LockoutMinimum,
		BlockPeriod: cfg.LockoutBlock,
	})
	resolver := auth.NewResolver(store, "team-everyone")

	tokens, err := auth.NewTokenService(store,
		auth.WithTokenSecret(cfg.TokenSecret),
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	registry := session.NewRegistry(store.Sessions(), resolver)
	broadcaster := session.NewBroadcaster(registry, store, resolver)

	machine := auth.NewStateMachine(store, providers, guard, resolver, tokens,
		auth.WithEventSink(broadcaster),
		auth.WithAnonymousAccess(cfg.AnonymousAccess),
	)
	admin := auth.NewAdminService(store, tokens, broadcaster)

	rootCtx, stopSweepers := context.WithCancel(context.Background())
	defer stopSweepers()

	// Setup deployments keep sessions around longer while the operator
	// clicks through initial configuration.
	idleTimeout := cfg.SessionIdleTimeout
	if cfg.SetupMode {
		idleTimeout *= 4
	}
	registry.StartSweeper(rootCtx, cfg.SweepInterval, idleTimeout)
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if _, err := machine.Sweep(rootCtx, cfg.AttemptTTL, 30*24*time.Hour); err != nil {
					log.Printf("attempt sweep: %v", err)
				}
			}
		}
	}()

	api := httpapi.New(httpapi.Options{
		ReadyProbe:         httpapi.ReadyProbe{DB: db},
		Version:            version,
		Machine:            machine,
		Tokens:             tokens,
		Resolver:           resolver,
		Admin:              admin,
		Registry:           registry,
		Broadcaster:        broadcaster,
		RateLimitBurst:     cfg.RateLimitBurst,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sentra-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopSweepers()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// credentialKey derives the 32-byte key for encrypted credential fields.
// An explicit key wins; otherwise the token secret is stretched so a
// minimal deployment needs one secret only.
func credentialKey(cfg *config.Config) []byte {
	if len(cfg.CredentialKey) == 32 {
		return []byte(cfg.CredentialKey)
	}
	sum := sha256.Sum256([]byte("sentra-credentials:" + cfg.TokenSecret))
	return sum[:]
}
