package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/authd/internal/audit"
	"github.com/alexjbarnes/authd/internal/auth"
	"github.com/alexjbarnes/authd/internal/authcode"
	"github.com/alexjbarnes/authd/internal/catalog"
	"github.com/alexjbarnes/authd/internal/config"
	"github.com/alexjbarnes/authd/internal/consent"
	"github.com/alexjbarnes/authd/internal/guard"
	"github.com/alexjbarnes/authd/internal/instrumentation"
	"github.com/alexjbarnes/authd/internal/logging"
	"github.com/alexjbarnes/authd/internal/postgres"
	"github.com/alexjbarnes/authd/internal/rbac"
	"github.com/alexjbarnes/authd/internal/server"
	"github.com/alexjbarnes/authd/internal/state"
	"github.com/alexjbarnes/authd/internal/token"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// repository is every persistence method authd needs. Both the bbolt and
// Postgres stores implement it.
type repository interface {
	guard.UserStore
	guard.SessionStore
	rbac.RoleStore
	authcode.CodeStore
	authcode.Purger
	token.Store
	token.KeyStore
	audit.Store
	catalog.Store
	consent.ClientStore
	Close() error
}

func main() {
	// Handle subcommands before the server starts.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			hashPassword()
			return
		case "migrate":
			if err := migrate(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	password := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func migrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.StoreDriver != config.DriverPostgres {
		return errors.New("migrate requires STORE_DRIVER=postgres")
	}

	return postgres.Migrate(cfg.DatabaseURL)
}

func openRepository(ctx context.Context, cfg *config.Config) (repository, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL)
	default:
		if cfg.StatePath != "" {
			return state.LoadAt(cfg.StatePath)
		}

		return state.Load()
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("authd starting",
		slog.String("version", Version),
		slog.String("issuer", cfg.IssuerURL),
		slog.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreDriver, err)
	}
	defer repo.Close()

	metrics, err := instrumentation.New(nil)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	auditor := audit.NewAuditor(logger, repo)

	signer, err := token.LoadOrCreateKey(ctx, cfg.SigningKeyFile, repo, logger)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	sessions, err := guard.New(repo, repo, auditor, metrics, logger, guard.Config{
		Secret:        []byte(cfg.SessionSecret),
		Issuer:        cfg.IssuerURL,
		SessionTTL:    cfg.SessionTTL,
		LookupTimeout: cfg.LookupTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating session guard: %w", err)
	}

	gate := rbac.NewGate(repo, metrics, logger, rbac.GateConfig{
		TTL:           cfg.PermissionCacheTTL,
		LookupTimeout: cfg.LookupTimeout,
	})
	policy := rbac.ScopePolicy{Checker: gate, Enforce: cfg.ScopePermissionsEnforced}

	tokens, err := token.New(repo, repo, policy, signer, auditor, metrics, logger, token.Config{
		Issuer:        cfg.IssuerURL,
		Audience:      cfg.TokenAudience,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		LookupTimeout: cfg.LookupTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	codes := authcode.New(repo, tokens, auditor, metrics, logger, authcode.Config{
		AllowPlain:    cfg.AllowPlainPKCE,
		LookupTimeout: cfg.LookupTimeout,
	})

	seed := catalog.New(cfg.CatalogPath, repo, gate, logger)
	if cfg.CatalogPath != "" {
		if err := seed.Reload(ctx); err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}
	}

	flow, err := consent.New(repo, sessions, gate, codes, policy, seed, auditor, logger, consent.Config{
		Issuer:        cfg.IssuerURL,
		ConsentURL:    cfg.ConsentURL,
		LookupTimeout: cfg.LookupTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating consent orchestrator: %w", err)
	}

	mux := server.NewMux(server.MuxConfig{
		Consent:  flow,
		Clients:  repo,
		Codes:    codes,
		Tokens:   tokens,
		Sessions: sessions,
		Users:    repo,
		Auditor:  auditor,
		Logger:   logger,
		Metadata: auth.MetadataConfig{
			Issuer:     cfg.IssuerURL,
			Scopes:     seed.Scopes(),
			AllowPlain: cfg.AllowPlainPKCE,
		},
		Cookies: auth.CookieConfig{
			Domain:      cfg.CookieDomain(),
			Secure:      cfg.IsProduction(),
			SameSiteLax: cfg.CookieSameSiteLax,
			MaxAge:      cfg.SessionTTL,
		},
		CORSOrigins:       cfg.CORSAllowedOrigins,
		RateLimit:         cfg.TokenRateLimit,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return codes.RunGC(gctx, repo)
	})

	if cfg.CatalogPath != "" {
		g.Go(func() error {
			err := seed.Watch(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		logger.Info("starting HTTP server", slog.String("listen", cfg.ListenAddr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})

	// Shutdown when the context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
