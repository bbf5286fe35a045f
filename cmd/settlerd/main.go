// settlerd runs the settlement daemon: an embedded deterministic ledger
// hosting the agreement registry, the condition record store, the settlement
// engine, and the read-only ops endpoints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"escrowflow/conditions"
	"escrowflow/config"
	"escrowflow/custody"
	"escrowflow/db"
	"escrowflow/engine"
	"escrowflow/ledger"
	"escrowflow/ops"
)

// genesisAgentBalance funds the agent identity on the embedded ledger so it
// can pay for settle transactions.
const genesisAgentBalance = 1_000_000_000_000

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect condition record store")
	}
	defer pool.Close()

	chain := ledger.New()
	chain.Mint(cfg.Agent, genesisAgentBalance)

	registry, err := custody.NewRegistry(custody.RegistryParams{
		Owner:         cfg.Owner,
		Agent:         cfg.Agent,
		FeeAddress:    cfg.FeeAddress,
		CreationFee:   cfg.CreationFee,
		SettlementFee: cfg.SettlementFee,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("construct registry")
	}
	registryAddr, err := chain.DeployContract(cfg.Owner, registry, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("deploy registry")
	}
	log.Info().Stringer("registry", registryAddr).Msg("registry deployed")

	reader := custody.NewReadAdapter(chain, registryAddr)
	client := ledger.NewClient(chain)
	store := conditions.NewStore(pool)
	evaluator := conditions.NewEvaluator(log)
	submitter := engine.NewSubmitter(log, client, reader, engine.SubmitterConfig{
		Agent:              cfg.Agent,
		ConfirmTimeout:     cfg.ConfirmTimeout,
		GasLimitMultiplier: cfg.GasLimitMultiplier,
		GasPriceCeiling:    cfg.GasPriceCeiling,
		MinReserve:         cfg.MinReserve,
	})
	eng := engine.New(log, engine.Config{
		PollInterval: cfg.PollInterval,
		Concurrency:  cfg.Concurrency,
	}, reader, reader, store, evaluator, submitter)

	srv := &http.Server{
		Addr:    cfg.OpsListenAddr,
		Handler: ops.NewServer(log, reader, eng).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.OpsListenAddr).Msg("ops endpoints listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("daemon exited")
	}
	log.Info().Msg("daemon stopped gracefully")
}
