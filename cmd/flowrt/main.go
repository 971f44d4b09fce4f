// Command flowrt serves the FBP runtime protocol over WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowrt",
		Short: "Flow-based programming runtime",
		Long: `flowrt hosts FBP graphs and their networks and lets protocol clients
edit, run and observe them over a WebSocket at /ws.

Environment:
  FLOWRT_HOME        Data directory (default: ~/.flowrt)
  FLOWRT_BIND_ADDR   Listen address (default: 127.0.0.1:3569)
  FLOWRT_AUTH_TOKEN  Token required on /ws, /events and /metrics`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCommand(),
		newStatusCommand(),
		newDoctorCommand(),
		newVersionCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
