package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/history"
)

type historyOptions struct {
	driver    string
	dsn       string
	retention int
}

func (h *historyOptions) register(fs *pflag.FlagSet, defaultDSN string) {
	fs.StringVar(&h.driver, "history-driver", "sqlite3", "History database driver (sqlite3, postgres)")
	fs.StringVar(&h.dsn, "history-dsn", defaultDSN, "History database DSN")
	fs.IntVar(&h.retention, "history-retention", 10000, "Assessments to keep, 0 keeps all")
}

func (h *historyOptions) open(logger *zap.Logger) (*history.Store, error) {
	return history.Open(logger, history.Config{
		Driver:    h.driver,
		DSN:       h.dsn,
		Retention: h.retention,
	})
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	hist := &historyOptions{}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent risk assessments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			format, _ := cmd.Flags().GetString("format")

			logger, closeLog, err := opts.logger()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer closeLog()

			store, err := hist.open(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			records, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(records)
			}

			if len(records) == 0 {
				fmt.Fprintln(out, "No assessments recorded")
				return nil
			}
			fmt.Fprintf(out, "%-6s %-16s %-7s %5s %5s  %s\n", "ID", "WHEN", "LEVEL", "SCORE", "UNITS", "RECOMMENDATION")
			for _, r := range records {
				fmt.Fprintf(out, "%-6d %-16s %-7s %5d %5d  %s\n",
					r.ID, humanize.Time(r.Timestamp), r.Level, r.Score, r.UnitCount, r.Recommendation)
				if len(r.Issues) > 0 {
					fmt.Fprintf(out, "       issues: %s\n", strings.Join(r.Issues, "; "))
				}
			}
			return nil
		},
	}

	hist.register(historyCmd.Flags(), "fleet-history.db")
	historyCmd.Flags().Int("limit", 20, "Number of assessments to show")
	historyCmd.Flags().String("format", "table", "Output format (table, json)")
	return historyCmd
}
