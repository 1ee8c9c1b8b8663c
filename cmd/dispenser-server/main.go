package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pilldispenser/dispenser/internal/config"
	"github.com/pilldispenser/dispenser/internal/domain/dispense"
	"github.com/pilldispenser/dispenser/internal/domain/prescription"
	"github.com/pilldispenser/dispenser/internal/platform/db"
	"github.com/pilldispenser/dispenser/internal/platform/serialport"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dispenser-server",
		Short:        "Pill dispenser lookup and dispense server",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(pipelineCmd(dispense.ModeDispense))
	root.AddCommand(pipelineCmd(dispense.ModeLookup))
	root.AddCommand(portsCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispenser HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// pipelineCmd runs one lookup or dispense and prints the result as JSON.
func pipelineCmd(mode dispense.Mode) *cobra.Command {
	short := "Resolve a patient code and print the mapped tablets"
	if mode == dispense.ModeDispense {
		short = "Resolve a patient code and dispense its tablets"
	}
	return &cobra.Command{
		Use:   string(mode) + " <patient-code>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := cliLogger()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
			defer cancel()

			a, err := newApp(ctx, cfg, logger, mode == dispense.ModeDispense)
			if err != nil {
				return err
			}
			defer a.Close()

			var res *dispense.Result
			if mode == dispense.ModeDispense {
				res, err = a.orch.Dispense(ctx, args[0])
			} else {
				res, err = a.orch.Lookup(ctx, args[0])
			}
			if res != nil {
				if werr := printJSON(cmd.OutOrStdout(), res); werr != nil {
					return werr
				}
			}
			if err != nil {
				kind := dispense.KindOf(err)
				return fmt.Errorf("%s failed: %s (%s)", mode, kind.Code(), err)
			}
			return nil
		},
	}
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports available to the dispenser",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serialport.ListPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No serial ports found.")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run Postgres prescription store migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closePool()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, db.EmbeddedMigrations()), pool.Close, nil
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Upsert a JSON array of prescriptions into the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreDriver == config.StoreMemory {
				return fmt.Errorf("seed needs a persistent STORE_DRIVER; the memory store reads SEED_FILE at startup")
			}
			logger := cliLogger()

			h, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer h.close()

			n, err := prescription.NewService(h.store).SeedFromFile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("seed failed after %d record(s): %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d prescription(s) into %s.\n", n, cfg.StoreDriver)
			return nil
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		bootLogger := newLogger(os.Getenv("ENV"))
		bootLogger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg.Env)

	a, err := newApp(context.Background(), cfg, logger, true)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start dispenser")
		return err
	}

	e := newServer(a)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("session", string(a.session.Mode())).
			Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Let an in-flight dispense finish before the session goes away.
	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.MaxDispenseDuration()+10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.Close()
	logger.Info().Msg("server stopped")
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
