package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/services/tokens"
	"github.com/BearBump/CustomsBox/internal/services/voyagestatus"
	"github.com/spf13/cobra"
)

func newTokensCmd(svc func() *services) *cobra.Command {
	cmd := &cobra.Command{Use: "tokens", Short: "Manage WSAA access tokens"}

	var (
		dryRun           bool
		companyID        uint64
		expiredRetention time.Duration
		failedRetention  time.Duration
	)
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired, revoked and failed tokens past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := svc().tokens.PurgeStale(cmd.Context(), tokens.PurgePolicy{
				DryRun:           dryRun,
				CompanyID:        companyID,
				ExpiredRetention: expiredRetention,
				FailedRetention:  failedRetention,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
	purge.Flags().BoolVar(&dryRun, "dry-run", false, "only count what would be deleted")
	purge.Flags().Uint64Var(&companyID, "company", 0, "limit to one company (0 = all)")
	purge.Flags().DurationVar(&expiredRetention, "expired-retention", tokens.DefaultExpiredRetention, "keep expired tokens this long")
	purge.Flags().DurationVar(&failedRetention, "failed-retention", tokens.DefaultFailedRetention, "keep revoked and failed tokens this long")

	invalidate := &cobra.Command{
		Use:   "invalidate <company-id> <service>",
		Short: "Revoke the active token so the next call logs in again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			company, err := svc().companies.Company(cmd.Context(), id)
			if err != nil {
				return err
			}
			key := models.TokenKey{CompanyID: company.CompanyID, Service: args[1], Environment: company.Environment}
			if err := svc().tokens.Invalidate(cmd.Context(), key); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", key)
			return err
		},
	}

	cmd.AddCommand(purge, invalidate)
	return cmd
}

func newStatusesCmd(svc func() *services) *cobra.Command {
	cmd := &cobra.Command{Use: "statuses", Short: "Voyage webservice statuses"}

	var (
		chunk  int
		dryRun bool
	)
	backfill := &cobra.Command{
		Use:   "backfill",
		Short: "Create per-webservice statuses from legacy per-country rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := svc().voyages.Backfill(cmd.Context(), voyagestatus.BackfillOptions{ChunkSize: chunk, DryRun: dryRun})
			if perr := printJSON(cmd, rep); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}
	backfill.Flags().IntVar(&chunk, "chunk", voyagestatus.DefaultBackfillChunk, "rows per transaction")
	backfill.Flags().BoolVar(&dryRun, "dry-run", false, "report without writing")

	show := &cobra.Command{
		Use:   "show <voyage-id>",
		Short: "Print the statuses of a voyage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rows, err := svc().voyages.Summary(cmd.Context(), id)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, s := range rows {
				if _, err := fmt.Fprintf(w, "%s\t%s\t%s\tcan_send=%v\n", s.Country, s.WebserviceType, s.Status, s.CanSend); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(backfill, show)
	return cmd
}

func newTracksCmd(svc func() *services) *cobra.Command {
	cmd := &cobra.Command{Use: "tracks", Short: "TRACK identifiers"}

	status := &cobra.Command{
		Use:   "status <track-number>",
		Short: "Print the state of a TRACK identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := svc().tracks.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, v)
		},
	}

	var limit int
	expired := &cobra.Command{
		Use:   "expired",
		Short: "List generated tracks past expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := svc().tracks.ListExpired(cmd.Context(), time.Now(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	expired.Flags().IntVar(&limit, "limit", 100, "maximum rows")

	cmd.AddCommand(status, expired)
	return cmd
}

func newTransactionsCmd(svc func() *services) *cobra.Command {
	cmd := &cobra.Command{Use: "transactions", Short: "Webservice transactions"}
	retry := &cobra.Command{
		Use:   "retry <transaction-id>",
		Short: "Retry a failed declaration now, within its retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := svc().declarations.RetryNow(cmd.Context(), id)
			if err != nil {
				return err
			}
			t := res.Transaction
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "transaction %d %s retry %d/%d\n", t.ID, t.Status, t.RetryCount, t.MaxRetries)
			return err
		},
	}
	cmd.AddCommand(retry)
	return cmd
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
