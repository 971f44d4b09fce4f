package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/flowrt/internal/config"
	"github.com/basket/flowrt/internal/doctor"
	"github.com/basket/flowrt/internal/otel"
)

var errChecksFailed = errors.New("doctor: one or more checks failed")

func newDoctorCommand() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.Load()
			var cfgPtr *config.Config
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			} else {
				cfgPtr = &cfg
			}

			diag := doctor.Run(cmd.Context(), cfgPtr, otel.Version)

			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return fmt.Errorf("encode json: %w", err)
				}
			} else {
				color := styled(out)
				title := fmt.Sprintf("flowrt doctor (%s)", diag.Timestamp.Format(time.RFC3339))
				if color {
					title = titleStyle.Render(title)
				}
				fmt.Fprintln(out, title)
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					status := fmt.Sprintf("%-4s", res.Status)
					if color {
						status = statusStyle(res.Status).Render(status)
					}
					fmt.Fprintf(out, "%s %-15s: %s\n", status, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "     %s\n", res.Detail)
					}
				}
			}

			if diag.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}
