package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/eventbus"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

// openBus opens the spool without a consumer, for inspection.
func openBus(ctx context.Context, g *globals) (*eventbus.Bus, error) {
	if err := os.MkdirAll(filepath.Dir(g.cfg.Bus.Path), 0o755); err != nil {
		return nil, err
	}
	pool := async.NewPool(g.logger, async.WithWorkers(1))
	return eventbus.Open(ctx, g.cfg.Bus.Path, pool, nil, eventbus.OptionsFromConfig(g.cfg.Bus, g.logger))
}

func newDeadLettersCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and requeue events that exhausted their retries",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events, oldest failure first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bus, err := openBus(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer bus.Close()

			dls, err := bus.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSUBJECT\tATTEMPTS\tFAILED AT\tERROR")
			for _, d := range dls {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					d.ID, d.Type, d.Subject, d.Attempts, d.FailedAt.Format(time.RFC3339), d.LastError)
			}
			return w.Flush()
		},
	}

	requeue := &cobra.Command{
		Use:   "requeue <event-id>...",
		Short: "Move dead letters back onto the queue with a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := openBus(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer bus.Close()

			for _, id := range args {
				if err := bus.Requeue(cmd.Context(), id); err != nil {
					return fmt.Errorf("requeue %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func newDBCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Ping the database and report basic counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := repository.Open(ctx, g.cfg.Database, g.logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.HealthCheck(ctx, time.Second); err != nil {
				return fmt.Errorf("DB health: FAIL (%w)", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "DB health: OK (%s)\n", dbKind(g.cfg.Database))

			store := repository.NewStore(db, g.logger)
			batches, err := store.Batches.List(ctx, repository.BatchFilter{})
			if err != nil {
				return err
			}
			vendors, err := store.Vendors.ListVendors(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batches: %d, vendors: %d\n", len(batches), len(vendors))
			return nil
		},
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(cmd.Context(), g.cfg, g.logger)
			if err != nil {
				return err
			}
			defer db.Close()
			bus, err := openBus(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer bus.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database and bus spool %s\n",
				dbKind(g.cfg.Database), filepath.Clean(g.cfg.Bus.Path))
			return nil
		},
	}

	cmd.AddCommand(health, migrate)
	return cmd
}
