package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newReportCmd() *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print the system report of a running controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			apiURL, _ := cmd.Flags().GetString("api-url")

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			body, err := apiGet(ctx, apiURL+"/api/v1/report")
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	reportCmd.Flags().String("api-url", defaultAPIURL, "Status server URL")
	return reportCmd
}
