package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/BearBump/CustomsBox/config"
	"github.com/BearBump/CustomsBox/internal/bootstrap"
	"github.com/BearBump/CustomsBox/internal/logger"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/services/declarations"
	"github.com/BearBump/CustomsBox/internal/services/tokens"
	"github.com/BearBump/CustomsBox/internal/services/tracks"
	"github.com/BearBump/CustomsBox/internal/services/voyagestatus"
	"github.com/spf13/cobra"
)

type tokenOps interface {
	PurgeStale(ctx context.Context, p tokens.PurgePolicy) (tokens.PurgeReport, error)
	Invalidate(ctx context.Context, key models.TokenKey) error
}

type voyageOps interface {
	Backfill(ctx context.Context, opts voyagestatus.BackfillOptions) (voyagestatus.BackfillReport, error)
	Summary(ctx context.Context, voyageID uint64) ([]*models.VoyageWebserviceStatus, error)
}

type trackOps interface {
	Status(ctx context.Context, trackNumber string) (tracks.TrackStatusView, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]tracks.TrackStatusView, error)
}

type declarationOps interface {
	RetryNow(ctx context.Context, id uint64) (*declarations.SubmitResult, error)
}

type companyOps interface {
	Company(ctx context.Context, companyID uint64) (models.CompanyContext, error)
}

type services struct {
	tokens       tokenOps
	voyages      voyageOps
	tracks       trackOps
	declarations declarationOps
	companies    companyOps
	close        func()
}

type loader func(ctx context.Context, configPath string) (*services, error)

func loadCore(ctx context.Context, configPath string) (*services, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config or configPath env var is required")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	logger.InitLogger(logger.ParseLogLevel(cfg.CustomsBox.LogLevel), cfg.CustomsBox.Environment)

	core, err := bootstrap.Build(ctx, cfg, bootstrap.DefaultFactories())
	if err != nil {
		return nil, err
	}
	return &services{
		tokens:       core.Tokens,
		voyages:      core.Voyages,
		tracks:       core.Tracks,
		declarations: core.Declarations,
		companies:    core.Companies,
		close:        core.Close,
	}, nil
}

// newRootCmd returns the command tree and a func that releases whatever the run loaded.
func newRootCmd(load loader) (*cobra.Command, func()) {
	var (
		configPath string
		svc        *services
	)

	root := &cobra.Command{
		Use:               "customsctl",
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Short:             "Operator tasks for the customs core",
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			svc, err = load(cmd.Context(), configPath)
			return err
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("configPath"), "path to the YAML config")

	get := func() *services { return svc }
	root.AddCommand(newTokensCmd(get), newStatusesCmd(get), newTracksCmd(get), newTransactionsCmd(get))
	return root, func() {
		if svc != nil && svc.close != nil {
			svc.close()
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
