package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"conveyflow/api"
	"conveyflow/assignment"
	"conveyflow/auth"
	"conveyflow/config"
	"conveyflow/db"
	"conveyflow/directory"
	"conveyflow/milestone"
	"conveyflow/notify"
	"conveyflow/outbox"
	"conveyflow/party"
	"conveyflow/transaction"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveMigrate bool
	serveRelay   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dashboard API",
	Long: `Serve the JSON API used by the agent and conveyancer dashboards.

With --relay the outbox relay runs in the same process; it needs nats_url.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireJWTSecret(); err != nil {
			return err
		}
		if serveMigrate {
			if err := db.MigrateUp(cfg.DatabaseURL); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply pending migrations before serving")
	serveCmd.Flags().BoolVar(&serveRelay, "relay", false, "run the outbox relay alongside the API")
	rootCmd.AddCommand(serveCmd)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MinConns:        cfg.DB.MinConns,
		MaxConns:        cfg.DB.MaxConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
		MaxConnIdleTime: cfg.DB.MaxConnIdleTime,
	})
}

// wire builds the API server over pool. notifier may be nil.
func wire(cfg *config.Config, pool *pgxpool.Pool, notifier notify.Notifier) *api.Server {
	journal := outbox.NewWriter()
	profiles := auth.NewRepository(pool)

	directorySvc := directory.NewService(directory.NewRepository(pool))
	assignmentSvc := assignment.NewService(pool, assignment.NewRepository(pool), directorySvc, profiles, journal, journal).
		WithNotifier(notifier)
	partySvc := party.NewService(pool, party.NewRepository(pool), journal, journal).
		WithNotifier(notifier)

	machine := milestone.NewMachine(milestone.Default()).
		WithGate(cfg.Gate(assignmentSvc)).
		WithUnknownStagePolicy(cfg.UnknownStagePolicy())
	transactionSvc := transaction.NewService(pool, transaction.NewRepository(pool), machine, journal, journal)

	return api.NewServer(api.Deps{
		Verifier:     auth.NewTokenVerifier(cfg.JWTSecret),
		Roles:        auth.NewResolver(profiles, cfg.MissingProfilePolicy()),
		Transactions: transactionSvc,
		Directory:    directorySvc,
		Assignments:  assignmentSvc,
		Parties:      partySvc,
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("conveyflow-api"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Close()
		notifier = notify.NewNATSNotifier(conn)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           wire(cfg, pool, notifier).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("conveyflow api listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Printf("conveyflow api shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if serveRelay {
		g.Go(func() error {
			return runRelay(gctx, cfg, pool)
		})
	}
	return g.Wait()
}
