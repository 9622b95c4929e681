package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/otedama-fleet/internal/controller"
	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
)

const defaultAPIURL = "http://localhost:9090"

func newStatusCmd() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		Long:  `Display the fleet health reported by a running controller: risk, yields, and per-unit telemetry.`,
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	statusCmd.Flags().String("api-url", defaultAPIURL, "Status server URL")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "Refresh until interrupted")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Watch interval")
	return statusCmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	switch format {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	if !watch {
		return displayStatus(ctx, out, apiURL, format)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		// Clear screen (ANSI escape code)
		fmt.Fprint(out, "\033[H\033[2J")
		if err := displayStatus(ctx, out, apiURL, format); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func displayStatus(ctx context.Context, out io.Writer, apiURL, format string) error {
	report, err := fetchHealth(ctx, apiURL)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "yaml":
		data, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	default:
		displayTable(out, report)
		return nil
	}
}

func fetchHealth(ctx context.Context, apiURL string) (controller.HealthReport, error) {
	var report controller.HealthReport
	body, err := apiGet(ctx, apiURL+"/api/v1/health")
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(body, &report); err != nil {
		return report, fmt.Errorf("invalid health response: %w", err)
	}
	return report, nil
}

func apiGet(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func displayTable(out io.Writer, r controller.HealthReport) {
	state := "[STOP] stopped"
	if r.Running {
		state = "[RUN] running"
	}

	fmt.Fprintf(out, "Otedama Fleet Status - %s\n\n", r.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(out, "Overview:")
	fmt.Fprintf(out, "  State            : %s\n", state)
	if r.Running && !r.StartedAt.IsZero() {
		fmt.Fprintf(out, "  Started          : %s\n", humanize.Time(r.StartedAt))
	}
	fmt.Fprintf(out, "  Units            : %d (%d active)\n", r.UnitCount, r.ActiveUnits)
	fmt.Fprintf(out, "  Total Throughput : %s\n", humanize.SI(r.TotalThroughput, "H/s"))
	fmt.Fprintf(out, "  Total Power      : %s\n", humanize.SI(r.TotalPower, "W"))
	fmt.Fprintf(out, "  Daily Yield      : %.2f\n", r.DailyYield)
	fmt.Fprintf(out, "  Total Yield      : %.4f\n", r.TotalYield)

	if a := r.Assessment; a != nil {
		fmt.Fprintln(out, "\nRisk:")
		fmt.Fprintf(out, "  Level            : %s (score %d)\n", a.Level, a.Score)
		fmt.Fprintf(out, "  Recommendation   : %s\n", a.Recommendation)
		for _, issue := range a.Issues {
			fmt.Fprintf(out, "  - %s\n", issue)
		}
	}

	if len(r.Units) > 0 {
		fmt.Fprintln(out, "\nUnits:")
		for _, u := range r.Units {
			fmt.Fprintf(out, "  - %s [%s/%s] rate=%s temp=%.1f°C power=%s yield=%.2f status=%s %s\n",
				u.ID, u.UnitType, u.Mode,
				humanize.SI(u.Throughput, "H/s"),
				u.Temperature,
				humanize.SI(u.PowerDraw, "W"),
				u.DailyYield,
				statusMarker(u.Status),
				u.Status,
			)
		}
	}
}

func statusMarker(s fleet.Status) string {
	switch s {
	case fleet.StatusNormal:
		return "[OK]"
	case fleet.StatusWarning:
		return "[WARM]"
	case fleet.StatusOverheating:
		return "[HOT]"
	case fleet.StatusFailed:
		return "[FAIL]"
	default:
		return "[N/A]"
	}
}
