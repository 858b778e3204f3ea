package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/logica/internal/account"
	cfg "github.com/example/logica/internal/config"
	"github.com/example/logica/internal/oauth"
	"github.com/example/logica/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type App struct {
	Accounts  *account.Manager
	Store     account.Store
	States    *oauth.StateSigner
	StateTTL  time.Duration
	Providers map[string]oauth.Provider
	Config    *cfg.Config
	Logger    *zap.Logger

	rateLimiter *RateLimiter
}

// openStore selects the persistence adapter. Postgres is migrated first.
func openStore(c *cfg.Config, logger *zap.Logger) (account.Store, error) {
	switch c.DB.Adapter {
	case "sqlite":
		if dir := filepath.Dir(c.DB.SQLiteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
		s, err := store.NewSQLiteDB(c.DB.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		return s, nil
	case "postgres":
		logger.Info("applying database migrations", zap.String("dir", c.DB.MigrationsDir))
		if err := store.ApplyMigrations(c.DB.MigrationsDir, c.DB.Postgres.DSN, logger); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := store.NewPostgresDB(c.DB.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		logger.Info("connected to postgres")
		return p, nil
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		return store.NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported db.adapter: %s", c.DB.Adapter)
	}
}

func newApp(c *cfg.Config, s account.Store, logger *zap.Logger) (*App, error) {
	policy, err := account.NewPolicy(c.Directory.Policies)
	if err != nil {
		return nil, fmt.Errorf("directory policy: %w", err)
	}
	manager := account.NewManager(s,
		account.BcryptHasher{Cost: c.Security.BcryptCost},
		policy,
		logger.Named("account"),
		account.Options{
			TokenTTL:                 c.Security.TokenTTL,
			PhoneRegion:              c.Validation.PhoneRegion,
			EnforceFederatedApproval: c.OAuth.EnforceApproval,
		})

	signer, err := oauth.NewStateSigner([]byte(c.Security.StateSecret), oauth.DefaultStateTTL)
	if err != nil {
		return nil, fmt.Errorf("oauth state: %w", err)
	}

	providers := map[string]oauth.Provider{}
	if g := c.OAuth.Google; g.ClientID != "" {
		google, err := oauth.NewGoogle(oauth.GoogleConfig{
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
			RedirectURL:  g.RedirectURL,
		})
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		providers[google.Name()] = google
	} else {
		logger.Info("google sign-in disabled, oauth.google.client_id is empty")
	}

	return &App{
		Accounts:    manager,
		Store:       s,
		States:      signer,
		StateTTL:    oauth.DefaultStateTTL,
		Providers:   providers,
		Config:      c,
		Logger:      logger,
		rateLimiter: NewRateLimiter(c.Security.RateLimitPerMinute),
	}, nil
}

// newRouter wires every route. CORS wraps the router so preflight requests
// are answered before route matching.
func newRouter(app *App) http.Handler {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(app.Logging)

	r.HandleFunc("/health", app.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", app.HandleReady).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	public := api.NewRoute().Subrouter()
	public.Use(app.RateLimit)
	public.HandleFunc("/register", app.HandleRegister).Methods("POST")
	public.HandleFunc("/login", app.HandleLogin).Methods("POST")

	private := api.NewRoute().Subrouter()
	private.Use(app.Authenticate)
	private.HandleFunc("/logout", app.HandleLogout).Methods("POST")
	private.HandleFunc("/me", app.HandleMe).Methods("GET")
	private.HandleFunc("/profile", app.HandleUpdateProfile).Methods("PUT")
	private.HandleFunc("/password", app.HandleChangePassword).Methods("PUT")
	private.HandleFunc("/account", app.HandleDeleteAccount).Methods("DELETE")
	private.HandleFunc("/users", app.HandleListAccounts).Methods("GET")
	private.HandleFunc("/users/search", app.HandleSearchAccounts).Methods("GET")
	private.HandleFunc("/accounts/{id:[0-9]+}/approval", app.HandleSetApproval).Methods("PATCH")

	r.HandleFunc("/auth/{provider}/redirect", app.HandleOAuthRedirect).Methods("GET")
	r.HandleFunc("/auth/{provider}/callback", app.HandleOAuthCallback).Methods("GET")

	return app.CORS(r)
}

func main() {
	c, err := cfg.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(c.Log)
	defer logger.Sync()

	s, err := openStore(c, logger)
	if err != nil {
		logger.Fatal("opening store", zap.Error(err))
	}

	app, err := newApp(c, s, logger)
	if err != nil {
		logger.Fatal("building app", zap.Error(err))
	}

	srv := &http.Server{
		Handler:      newRouter(app),
		Addr:         ":" + c.HTTP.Port,
		ReadTimeout:  c.HTTP.ReadTimeout,
		WriteTimeout: c.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("starting server", zap.String("port", c.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	if err := s.Close(); err != nil {
		logger.Warn("closing store", zap.Error(err))
	}
	logger.Info("server exited properly")
}
