package main

import (
	"github.com/spf13/cobra"

	"github.com/nkkko/liveflow/internal/streamserver"
)

func newDevServerCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a development change stream upstream",
		Long: `Serves the change stream over SSE (/api/v1/sse/events) and WebSocket
(/api/v1/ws/events). Changes are injected with POST /api/v1/dev/publish.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scfg := cfg.ToStreamServerConfig()
			if addr != "" {
				scfg.Addr = addr
			}
			return streamserver.New(scfg).Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides devserver.addr)")
	return cmd
}
