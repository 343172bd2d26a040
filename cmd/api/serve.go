package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fundbridge/agreement"
	"fundbridge/blob"
	"fundbridge/chain"
	"fundbridge/db"
	"fundbridge/disbursement"
	"fundbridge/httpapi"
	"fundbridge/logger"
	"fundbridge/outbox"
	"fundbridge/party"
	"fundbridge/session"
	"fundbridge/txledger"
)

func newServeCmd(a *app) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the settler and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func (a *app) serve(ctx context.Context, migrate bool) error {
	cfg := a.cfg
	log := logger.New(os.Stdout, cfg.Log).With().Str("component", "api").Logger()

	pool, err := a.openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrate {
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		log.Info().Strs("applied", applied).Msg("migrations applied")
	}

	ledger, err := chain.DialEth(ctx, cfg.Chain.RPCURL, chain.EthOptions{
		ChainID:          cfg.Chain.ChainID,
		PollInterval:     cfg.Chain.PollInterval,
		BroadcastTimeout: cfg.Chain.BroadcastTimeout,
	})
	if err != nil {
		return err
	}
	defer ledger.Close()

	parties := party.NewService(party.NewRepository(pool))
	agreementRepo := agreement.NewPGRepository(pool)
	agreements := agreement.NewService(agreementRepo, parties)
	history := txledger.NewRepository(pool)

	retries := cfg.Disbursement.SettleRetries
	orch := disbursement.NewOrchestrator(agreementRepo, parties, disbursement.NewPGStore(pool, agreementRepo), ledger,
		disbursement.WithLogger(log),
		disbursement.WithMetrics(disbursement.PrometheusMetrics("fundbridge")),
		disbursement.WithConfirmTimeout(cfg.Chain.ConfirmTimeout),
		disbursement.WithReconcileTimeout(cfg.Disbursement.ReconcileTimeout),
		disbursement.WithSettleBackoff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
		}),
	)

	var blobs blob.Store
	if cfg.Blob.Enabled() {
		store, err := blob.NewMinioStore(cfg.Blob)
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		blobs = store
	}

	api := httpapi.New(httpapi.Deps{
		Agreements:     agreements,
		Disbursements:  orch,
		Parties:        parties,
		History:        history,
		Blobs:          blobs,
		Sessions:       session.NewService(parties, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Log:            log,
		CORSOrigins:    cfg.Server.CORSOrigins,
		MaxUploadBytes: cfg.Blob.MaxUploadBytes,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	settler := disbursement.NewSettler(orch, log, cfg.Disbursement.SettlerInterval, 0)
	dispatcher := outbox.NewDispatcher(
		outbox.NewPGQueue(pool, cfg.Outbox.MaxAttempts),
		outbox.LogNotifier{Log: log.With().Str("component", "outbox").Logger()},
		log, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		settler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(srv, orch, log)
	})
	return g.Wait()
}

// shutdown stops accepting requests and waits for in-flight confirmations,
// which run detached from their requests.
func shutdown(srv *http.Server, orch *disbursement.Orchestrator, log zerolog.Logger) error {
	log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	orch.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server exited")
	return nil
}
