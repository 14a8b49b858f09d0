package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nkkko/liveflow/internal/engine"
	"github.com/nkkko/liveflow/internal/hook"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/querycache"
	"github.com/nkkko/liveflow/pkg/client"
	"github.com/nkkko/liveflow/pkg/proto"
)

func newWatchCmd() *cobra.Command {
	var (
		workflows []string
		queries   []string
		withAPI   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to workflow changes and print events and refetches",
		Example: `  liveflow watch --workflow wf-1 --workflow wf-2
  liveflow watch --query /api/v1/workflows --query /api/v1/jobs`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ecfg := cfg.ToEngineConfig()
			ecfg.DisableAPI = !withAPI

			e, err := engine.CreateEngine(ecfg)
			if err != nil {
				return err
			}
			logger := logging.Component("watch")
			out := &lockedWriter{w: cmd.OutOrStdout()}

			// observed queries refetch from the upstream REST API on every invalidation
			api := client.New(cfg.Stream.BaseURL)
			for _, path := range queries {
				path := path
				stop := e.Cache().Observe(path, querycache.Query{
					Fetch: api.Fetcher(path, nil),
					Tags:  []string{hook.TagWorkflows, hook.TagJobs},
					OnData: func(value []byte) {
						out.printf("refetch %s %d bytes\n", path, len(value))
					},
					OnError: func(err error) {
						logger.Warn().Err(err).Str("path", path).Msg("Query refetch failed")
					},
				})
				defer stop()
			}

			h, err := e.WatchWorkflows(workflows, func(ev proto.ChangeEvent) {
				out.printf("event %s\n", ev)
			})
			if err != nil {
				return err
			}

			go func() {
				for st := range h.Watch(cmd.Context()) {
					ev := logger.Info().Str("state", st.State.String()).Int("retries", st.RetryCount)
					if st.LastError != "" {
						ev = ev.Str("error", st.LastError)
					}
					ev.Msg("Connection status")
				}
			}()

			return e.Start(cmd.Context())
		},
	}

	cmd.Flags().StringSliceVarP(&workflows, "workflow", "w", nil, "workflow ids to scope the stream to (repeatable)")
	cmd.Flags().StringArrayVarP(&queries, "query", "q", nil, "REST paths to keep fresh (repeatable)")
	cmd.Flags().BoolVar(&withAPI, "api", false, "also serve the status API")
	return cmd
}

// lockedWriter serializes output from stream and cache goroutines
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
