package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/studyplan/internal/billing/server"
	"github.com/dukerupert/studyplan/internal/database"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := database.Version(db)
			if err != nil {
				return err
			}
			logger.Info("database migrated", "version", version)
			return nil
		},
	}
}

func newReconcileCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Apply pending plan changes whose renewal date has passed",
		Long:  `Applies open pending changes on active subscriptions whose scheduled date is in the past, for renewals whose webhook never arrived.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			srv, err := server.New(db, cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			now := time.Now().UTC()
			if dryRun {
				overdue, err := srv.Reconciler().Overdue(cmd.Context(), now)
				if err != nil {
					return err
				}
				for _, pc := range overdue {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tsubscription=%d\tscheduled=%s\ttarget=%v\n",
						pc.ID, pc.SubscriptionID, pc.ScheduledDate.Format(time.RFC3339), pc.TargetSubjectIDs)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d overdue\n", len(overdue))
				return nil
			}

			report, err := srv.Reconciler().ApplyDue(cmd.Context(), now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied=%d failed=%d skipped=%d\n", report.Applied, report.Failed, report.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List overdue changes without applying them")
	return cmd
}

func newReplayCommand() *cobra.Command {
	var fromFile bool
	cmd := &cobra.Command{
		Use:   "replay <archive-key>",
		Short: "Re-apply an archived webhook event",
		Long:  `Loads a raw webhook event from the archive bucket, or from a local file with --file, and applies it again even if it was processed before.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			srv, err := server.New(db, cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			var payload []byte
			if fromFile {
				payload, err = os.ReadFile(args[0])
			} else {
				if !srv.Archive().Enabled() {
					return fmt.Errorf("archive is not configured; use --file")
				}
				payload, err = srv.Archive().Get(cmd.Context(), args[0])
			}
			if err != nil {
				return fmt.Errorf("load event: %w", err)
			}

			var event stripe.Event
			if err := json.Unmarshal(payload, &event); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if err := srv.Reconciler().Replay(cmd.Context(), event); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s (%s)\n", event.ID, event.Type)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromFile, "file", false, "Treat the argument as a local file path")
	return cmd
}
