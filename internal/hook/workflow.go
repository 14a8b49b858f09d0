package hook

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nkkko/liveflow/internal/invalidator"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/pkg/proto"
)

// Query tags refreshed by the workflow preset
const (
	TagWorkflows = "workflow"
	TagJobs      = "job"
)

const (
	resourceWorkflows = "workflows"
	resourceJobs      = "jobs"

	keyWorkflowList = "workflows-list"
	keyActiveData   = "active-data"
)

// TagInvalidator invalidates every cached query carrying a tag
type TagInvalidator interface {
	InvalidateTag(ctx context.Context, tag string)
}

// WorkflowRealtimeOptions configures the workflow dashboard preset
type WorkflowRealtimeOptions struct {
	// WorkflowIDs scopes the stream to these workflows; empty watches every workflow
	WorkflowIDs []string
	// Paused keeps the hook inactive
	Paused bool
	// ListDelay debounces new-workflow bursts before the list refreshes
	ListDelay time.Duration
	// ScopeDelay debounces status and job churn before active data refreshes
	ScopeDelay time.Duration
	Clock      clock.Clock
	OnEvent    func(proto.ChangeEvent)
}

// WorkflowRealtime wires the workflow dashboard refresh policy: new workflows refresh the
// workflow list after ListDelay; job changes and other workflow changes refresh job and
// workflow queries after ScopeDelay. Updates without a status change are dropped.
func WorkflowRealtime(reg Registry, cache TagInvalidator, opts WorkflowRealtimeOptions, hopts ...Option) (*Hook, error) {
	if opts.ListDelay <= 0 {
		opts.ListDelay = time.Second
	}
	if opts.ScopeDelay <= 0 {
		opts.ScopeDelay = 500 * time.Millisecond
	}

	deb := invalidator.NewDebouncer(opts.Clock)
	refreshList := func() {
		invalidateTags(cache, keyWorkflowList, TagWorkflows)
	}
	syncActive := func() {
		invalidateTags(cache, keyActiveData, TagJobs, TagWorkflows)
	}

	ids := proto.NormalizeFilters(opts.WorkflowIDs)
	return New(reg, Options{
		Filters: []string{resourceWorkflows, resourceJobs},
		ScopeID: strings.Join(ids, ","),
		OnEvent: opts.OnEvent,
		OnSignificant: func(ev proto.ChangeEvent) {
			switch {
			case ev.Resource == resourceWorkflows && ev.Operation == proto.OpInsert:
				deb.Schedule(keyWorkflowList, opts.ListDelay, refreshList)
			case ev.Resource == resourceWorkflows, ev.Resource == resourceJobs:
				deb.Schedule(keyActiveData, opts.ScopeDelay, syncActive)
			}
		},
		Enabled: !opts.Paused,
	}, hopts...)
}

func invalidateTags(cache TagInvalidator, key string, tags ...string) {
	ctx, span := tracer.Start(context.Background(), "hook.invalidate_tags",
		trace.WithAttributes(
			attribute.String("debounce.key", key),
			attribute.StringSlice("cache.tags", tags),
		))
	defer span.End()

	logging.FromContext(ctx).Debug().Str("debounce_key", key).Strs("tags", tags).Msg("Invalidating tags")
	for _, tag := range tags {
		cache.InvalidateTag(ctx, tag)
	}
}
