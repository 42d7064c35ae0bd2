package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print task queue counts by status",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, pool, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		if pool != nil {
			defer pool.Close()
		}
		st, err := store.Tasks.Stats(ctx)
		if err != nil {
			return fmt.Errorf("queue stats: %w", err)
		}
		return printJSON(st)
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Advance due seasons once and process at most one task",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		e, err := newEngine(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		outcomes, tickErr := e.sched.TickAll(ctx)
		processed, runErr := e.worker.RunOnce(ctx)
		e.worker.Wait()
		if err := printJSON(map[string]any{"seasons": outcomes, "processed": processed}); err != nil {
			return err
		}
		if tickErr != nil {
			return tickErr
		}
		return runErr
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
