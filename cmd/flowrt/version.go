package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/basket/flowrt/internal/otel"
	"github.com/basket/flowrt/internal/protocol"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowrt %s (protocol %s, %s %s/%s)\n",
				otel.Version, protocol.ProtocolVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
