package main

import (
	"github.com/spf13/cobra"

	"github.com/nkkko/liveflow/internal/engine"
)

func newServeCmd() *cobra.Command {
	var workflows []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the status and control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := engine.CreateEngine(cfg.ToEngineConfig())
			if err != nil {
				return err
			}
			if _, err := e.WatchWorkflows(workflows, nil); err != nil {
				return err
			}
			return e.Start(cmd.Context())
		},
	}

	cmd.Flags().StringSliceVarP(&workflows, "workflow", "w", nil, "workflow ids to scope the stream to")
	cmd.Flags().StringVar(&flags.APIAddr, "addr", "", "API listen address (overrides api.addr)")
	return cmd
}
