// Two Truths & AI - trivia game server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/jpoore/twotruths/internal/api"
	"github.com/jpoore/twotruths/internal/broadcast"
	"github.com/jpoore/twotruths/internal/config"
	"github.com/jpoore/twotruths/internal/generator"
	"github.com/jpoore/twotruths/internal/identity"
	"github.com/jpoore/twotruths/internal/middleware"
	"github.com/jpoore/twotruths/internal/store"
	"github.com/jpoore/twotruths/web"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const releaseVersion = "1.0.0"

type flags struct {
	port     string
	env      string
	dbPath   string
	gameFile string
}

func newCmd(f *flags) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TWOTRUTHS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "twotruths",
		Short:         "Two Truths & AI: a trivia game where an AI hides one lie among three statements.",
		Args:          cobra.ExactArgs(0),
		Version:       releaseVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&f.port, "port", "p", "", "port to listen on (env: TWOTRUTHS_PORT)")
	fs.StringVar(&f.env, "env", "", "deployment environment, development or production (env: TWOTRUTHS_ENV)")
	fs.StringVar(&f.dbPath, "db-path", "", "path to the sqlite database file (env: TWOTRUTHS_DB_PATH)")
	fs.StringVar(&f.gameFile, "game-file", "", "path to the YAML game config (env: TWOTRUTHS_GAME_FILE)")

	fs.VisitAll(func(pf *pflag.Flag) {
		_ = v.BindPFlag(pf.Name, pf)
		_ = v.BindEnv(pf.Name)
		if !pf.Changed && v.IsSet(pf.Name) {
			_ = fs.Set(pf.Name, fmt.Sprintf("%v", v.Get(pf.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("twotruths v{{.Version}}\n")

	return cmd
}

func run(ctx context.Context, f *flags) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	// Command-line flags win over .env and the process environment.
	for key, val := range map[string]string{
		"PORT":        f.port,
		"APP_ENV":     f.env,
		"DB_PATH":     f.dbPath,
		"GAME_CONFIG": f.gameFile,
	} {
		if val != "" {
			if err := os.Setenv(key, val); err != nil {
				return fmt.Errorf("apply flag override %s: %w", key, err)
			}
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo := store.NewWithFallback(cfg.DBPath, cfg.Game.RoundHistorySize)
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("store health check: %w", err)
	}
	slog.Info("Store ready", "durable", repo.Durable())

	gen, err := generator.NewClient(cfg.Generator)
	if err != nil {
		return fmt.Errorf("initialize generator: %w", err)
	}
	slog.Info("Round generator initialized", "model", cfg.Generator.Model)

	bc := broadcast.New(repo, gen, cfg)
	handler := api.NewHandler(repo, bc, cfg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartTTLWorker(ctx, repo, cfg.SessionTTL)
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func main() {
	f := &flags{}
	cobra.CheckErr(newCmd(f).Execute())
}
