package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestline-labs/baseline/aggregate"
	"github.com/crestline-labs/baseline/audit"
	"github.com/crestline-labs/baseline/config"
	"github.com/crestline-labs/baseline/consensus"
	"github.com/crestline-labs/baseline/evidence"
	"github.com/crestline-labs/baseline/guard"
	"github.com/crestline-labs/baseline/journal"
	"github.com/crestline-labs/baseline/keyring"
	"github.com/crestline-labs/baseline/privval"
	"github.com/crestline-labs/baseline/reputation"
	"github.com/crestline-labs/baseline/server"
	"github.com/crestline-labs/baseline/service"
	"github.com/crestline-labs/baseline/store"
	"github.com/crestline-labs/baseline/verifier"
)

var (
	validatorKeyPath   string
	validatorStatePath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the baseline node",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger, err := config.NewLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&validatorKeyPath, "validator-key", "", "validator key file (omit on non-validator nodes)")
	serveCmd.Flags().StringVar(&validatorStatePath, "validator-state", "", "validator sign-state file")
}

func runNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ring, err := keyring.Load(cfg.Node.RosterPath)
	if err != nil {
		return eris.Wrap(err, "failed to load roster")
	}

	rep := reputation.NewTracker(reputation.Params{
		Floor:        cfg.Reputation.Floor,
		SevereFactor: cfg.Reputation.SevereFactor,
		MinorFactor:  cfg.Reputation.MinorFactor,
		RewardDelta:  cfg.Reputation.RewardDelta,
		ObservationN: cfg.Reputation.ObservationWindow,
	}, logger)

	gd := guard.New(guard.Params{BaseVoteTimeout: cfg.Consensus.VoteTimeout}, logger)

	vrf := verifier.New(cfg.Node.Domain, service.RosterKeys{Ring: ring}, rep, logger,
		verifier.WithFreshness(gd))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return eris.Wrap(err, "failed to create data directory")
	}

	evJournal, err := journal.NewFileJournal(filepath.Join(cfg.Storage.DataDir, "evidence"))
	if err != nil {
		return eris.Wrap(err, "failed to open evidence journal")
	}
	if err := evJournal.Start(); err != nil {
		return eris.Wrap(err, "failed to start evidence journal")
	}
	defer func() { _ = evJournal.Stop() }()

	ev := evidence.NewStore(evJournal, logger)
	if err := ev.Reload(); err != nil {
		return eris.Wrap(err, "failed to reload evidence")
	}

	auditJournal, err := journal.NewFileJournal(filepath.Join(cfg.Storage.DataDir, "audit"))
	if err != nil {
		return eris.Wrap(err, "failed to open audit journal")
	}
	if err := auditJournal.Start(); err != nil {
		return eris.Wrap(err, "failed to start audit journal")
	}
	defer func() { _ = auditJournal.Stop() }()

	trail, err := audit.NewBuilder(auditJournal, logger)
	if err != nil {
		return eris.Wrap(err, "audit trail failed verification")
	}

	agg := aggregate.New(vrf, rep, trail, logger,
		aggregate.WithValidityRatio(cfg.Aggregation.ValidityRatio),
		aggregate.WithTopology(aggregate.ShardedTopology(cfg.Aggregation.Groups, cfg.Aggregation.Regions)),
	)

	coord := consensus.NewCoordinator(vrf, rep, gd, rep, logger,
		consensus.WithMinValidatorTrust(cfg.Consensus.MinValidatorTrust))

	arch, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return eris.Wrap(err, "failed to open archive")
	}
	defer func() { _ = arch.Close() }()

	var signer *privval.FilePV
	if validatorKeyPath != "" {
		statePath := validatorStatePath
		if statePath == "" {
			statePath = filepath.Join(cfg.Storage.DataDir, "pv_state.json")
		}
		if signer, err = privval.Load(validatorKeyPath, statePath); err != nil {
			return eris.Wrap(err, "failed to load validator key")
		}
		logger.Info("validator signing enabled", zap.String("validator", signer.ValidatorID()))
	}

	svc := service.New(service.Options{
		Domain:        cfg.Node.Domain,
		EpochInterval: cfg.Aggregation.EpochInterval,
		Keyring:       ring,
		Reputation:    rep,
		Verifier:      vrf,
		Evidence:      ev,
		Aggregator:    agg,
		Coord:         coord,
		Guard:         gd,
		Trail:         trail,
		Archive:       arch,
		Signer:        signer,
		Logger:        logger,
	})
	if err := svc.RestoreReputation(ctx); err != nil {
		return eris.Wrap(err, "failed to restore reputation")
	}
	svc.Start(ctx)
	defer svc.Stop()

	srv := server.New(server.Config{
		Listen:    cfg.HTTP.Listen,
		RateLimit: cfg.HTTP.RateLimit,
		RateBurst: cfg.HTTP.RateBurst,
	}, svc, logger)
	return srv.ListenAndServe(ctx)
}
