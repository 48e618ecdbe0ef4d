/*
main.go - Application entry point

PURPOSE:
  Starts the care billing server and exposes the same generation path
  as a one-shot command for cron jobs and back-office scripts.

COMMANDS:
  serve      Start the HTTP API (and the scheduler when enabled)
  generate   Generate one tenant's invoices for one month and print the result
  migrate    Create or update the database schema

STARTUP SEQUENCE (serve):
  1. Load configuration from the environment (.env optional)
  2. Build the logger
  3. Open the configured store (memory, sqlite or postgres)
  4. Wire the invoice service and the API handler
  5. Optionally seed the demo facility and start the scheduler
  6. Start the server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (a running check finishes first)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  # Default: SQLite file billing.db on :8080
  ./server serve

  # In-memory demo
  STORE=memory SEED_DEMO=true ./server serve

  # Bill April for one tenant from a script
  ./server generate --tenant demo-standard --month 2025-04 --actor batch

  # PostgreSQL schema
  STORE=postgres DATABASE_URL=postgres://... ./server migrate

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - invoice/service.go: Generation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/warp/care-billing/api"
	"github.com/warp/care-billing/care"
	"github.com/warp/care-billing/care/store"
	"github.com/warp/care-billing/config"
	"github.com/warp/care-billing/invoice"
	"github.com/warp/care-billing/store/postgres"
	"github.com/warp/care-billing/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "care-billing",
		Short:        "Monthly care-insurance billing for day-service facilities",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

// =============================================================================
// SERVE
// =============================================================================

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	logger := cfg.NewLogger()
	ctx := context.Background()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc := newService(backend, cfg, logger)
	handler := api.NewHandler(backend, svc, logger)
	if cfg.SeedDemo {
		if err := handler.SeedDemo(ctx); err != nil {
			return fmt.Errorf("seed demo: %w", err)
		}
	}

	scheduler := api.NewGenerationScheduler(backend, svc, logger)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Interval = cfg.SchedulerInterval
	scheduler.Day = cfg.SchedulerDay
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Str("store", cfg.Store).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info().Msg("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// GENERATE
// =============================================================================

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate invoices for one tenant and month",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")
			monthStr, _ := cmd.Flags().GetString("month")
			modeStr, _ := cmd.Flags().GetString("mode")
			actor, _ := cmd.Flags().GetString("actor")
			allOrNothing, _ := cmd.Flags().GetBool("all-or-nothing")

			month, err := care.ParseMonth(monthStr)
			if err != nil {
				return err
			}
			mode, err := invoice.ParseMode(modeStr)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := cfg.NewLogger()
			ctx := cmd.Context()

			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			svc := newService(backend, cfg, logger)
			result, err := svc.Generate(ctx, invoice.GenerateRequest{
				TenantID:     care.TenantID(tenantID),
				Month:        month,
				Mode:         mode,
				Actor:        actor,
				AllOrNothing: allOrNothing,
			})
			if result != nil {
				if encErr := printResult(cmd, result); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}
	cmd.Flags().String("tenant", "", "Tenant ID")
	cmd.Flags().String("month", "", "Billing month (YYYY-MM)")
	cmd.Flags().String("mode", string(invoice.ModeReplace), "replace or skip_existing")
	cmd.Flags().String("actor", "cli", "Recorded as generated_by")
	cmd.Flags().Bool("all-or-nothing", false, "Persist nothing if any client fails")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

type generateSummary struct {
	TenantID        string           `json:"tenant_id"`
	BillingMonth    string           `json:"billing_month"`
	Generated       int              `json:"generated"`
	Replaced        int              `json:"replaced"`
	SkippedExisting int              `json:"skipped_existing"`
	SkippedFixed    int              `json:"skipped_fixed"`
	SkippedIdle     int              `json:"skipped_idle"`
	Failures        []failureSummary `json:"failures"`
}

type failureSummary struct {
	ClientID string `json:"client_id"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

func printResult(cmd *cobra.Command, r *invoice.BatchResult) error {
	out := generateSummary{
		TenantID:        string(r.TenantID),
		BillingMonth:    r.Month.String(),
		Generated:       r.Generated,
		Replaced:        r.Replaced,
		SkippedExisting: r.SkippedExisting,
		SkippedFixed:    r.SkippedFixed,
		SkippedIdle:     r.SkippedIdle,
		Failures:        make([]failureSummary, len(r.Failures)),
	}
	for i, f := range r.Failures {
		out.Failures[i] = failureSummary{ClientID: string(f.ClientID), Kind: string(f.Kind), Message: f.Message}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// =============================================================================
// MIGRATE
// =============================================================================

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := cfg.NewLogger()
			backend, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer backend.Close()
			logger.Info().Str("store", cfg.Store).Msg("schema up to date")
			return nil
		},
	}
}

// =============================================================================
// WIRING
// =============================================================================

// openBackend opens the configured store and brings its schema up to date.
func openBackend(ctx context.Context, cfg *config.Config) (care.Backend, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func newService(backend care.TxStore, cfg *config.Config, logger zerolog.Logger) *invoice.Service {
	svc := invoice.NewService(backend)
	svc.Workers = cfg.GenerationWorkers
	svc.RetryBackoff = cfg.RetryBackoff
	svc.Logger = logger.With().Str("component", "invoice").Logger()
	return svc
}
