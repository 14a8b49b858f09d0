package streamserver

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/nkkko/liveflow/internal/api/validation"
	"github.com/nkkko/liveflow/internal/logging"
	"github.com/nkkko/liveflow/internal/metrics"
	"github.com/nkkko/liveflow/pkg/proto"
)

// Change is one row change as the database trigger reports it
type Change struct {
	Table         string  `json:"table"`
	Operation     string  `json:"operation"`
	RecordID      string  `json:"record_id,omitempty"`
	WorkflowID    string  `json:"workflow_id,omitempty"`
	OldStatus     string  `json:"old_status,omitempty"`
	NewStatus     string  `json:"new_status,omitempty"`
	StatusChanged *bool   `json:"status_changed,omitempty"`
	Timestamp     float64 `json:"timestamp"`
	Channel       string  `json:"channel,omitempty"`
}

// Validate checks a change injected over HTTP
func (c *Change) Validate() error {
	if err := validation.Required("table", c.Table); err != nil {
		return err
	}
	return validation.OneOf("operation", c.Operation, "INSERT", "UPDATE", "DELETE")
}

// Frame is one outgoing event
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// typed is the {type, data} wrapper every frame payload is sent in
type typed struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// client represents a connected client
type client struct {
	id        string
	protocol  string
	filters   map[string]bool // empty means every table
	scopes    []string
	frames    chan Frame
	connected time.Time
	dropped   atomic.Int64
}

// wants applies the client's table filters. Changes without a table count as workflows.
func (c *client) wants(table string) bool {
	if len(c.filters) == 0 || c.filters["all"] {
		return true
	}
	if table == "" {
		return c.filters["workflows"]
	}
	return c.filters[table]
}

func (c *client) scoped(workflowID string) bool {
	for _, s := range c.scopes {
		if s == workflowID {
			return true
		}
	}
	return false
}

// Hub fans published changes out to connected stream clients. Clients scoped to workflows
// get the per-workflow event families; unscoped clients get the global database_change feed.
type Hub struct {
	bufferSize int
	clock      clock.Clock
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	seq        atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a hub whose clients buffer up to bufferSize frames before dropping
func NewHub(bufferSize int, clk clock.Clock) *Hub {
	if bufferSize <= 0 {
		bufferSize = 200
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Hub{
		bufferSize: bufferSize,
		clock:      clk,
		logger:     logging.Component("streamserver"),
		metrics:    metrics.GetMetrics(),
		clients:    make(map[string]*client),
	}
}

// splitList parses a comma-separated query value
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (h *Hub) add(protocol string, filters, scopes []string) *client {
	c := &client{
		id:        uuid.NewString(),
		protocol:  protocol,
		filters:   make(map[string]bool, len(filters)),
		scopes:    scopes,
		frames:    make(chan Frame, h.bufferSize),
		connected: h.clock.Now(),
	}
	for _, f := range filters {
		c.filters[f] = true
	}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.metrics.StreamServerClients.WithLabelValues(protocol).Inc()
	h.logger.Info().
		Str("client_id", c.id).
		Str("protocol", protocol).
		Strs("filters", filters).
		Strs("scopes", scopes).
		Int("total", total).
		Msg("Stream client connected")
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.StreamServerClients.WithLabelValues(c.protocol).Dec()
	h.logger.Info().Str("client_id", c.id).Int("remaining", total).Msg("Stream client disconnected")
}

// Publish delivers change and returns the number of frames queued. Slow clients whose
// buffer is full lose the frame.
func (h *Hub) Publish(change Change) int {
	if change.Timestamp == 0 {
		now := h.clock.Now()
		change.Timestamp = float64(now.UnixNano()) / float64(time.Second)
	}
	if change.Channel == "" {
		change.Channel = "table_changes_" + change.Table
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	delivered := 0
	if change.WorkflowID != "" {
		var name string
		switch change.Table {
		case "jobs":
			name = proto.JobsEvent(change.WorkflowID).String()
		case "workflows":
			name = proto.WorkflowEvent(change.WorkflowID).String()
		}
		if name != "" {
			for _, c := range clients {
				if c.scoped(change.WorkflowID) && c.wants(change.Table) {
					delivered += h.send(c, name, change)
				}
			}
		}
	}

	for _, c := range clients {
		if len(c.scopes) == 0 && c.wants(change.Table) {
			delivered += h.send(c, "database_change", change)
		}
	}

	h.logger.Debug().
		Str("table", change.Table).
		Str("operation", change.Operation).
		Str("workflow_id", change.WorkflowID).
		Int("delivered", delivered).
		Msg("Change published")
	return delivered
}

func (h *Hub) send(c *client, name string, change Change) int {
	data, err := json.Marshal(typed{Type: name, Data: change})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal change")
		return 0
	}

	f := Frame{Event: name, ID: strconv.FormatUint(h.seq.Add(1), 10), Data: data}
	select {
	case c.frames <- f:
		h.metrics.StreamServerPublished.WithLabelValues(c.protocol).Inc()
		return 1
	default:
		c.dropped.Add(1)
		h.logger.Warn().Str("client_id", c.id).Msg("Client buffer full, dropping event")
		return 0
	}
}

// ClientStats describes one connected client
type ClientStats struct {
	ID        string    `json:"id"`
	Protocol  string    `json:"protocol"`
	Filters   []string  `json:"filters"`
	Scopes    []string  `json:"scopes,omitempty"`
	Connected time.Time `json:"connected"`
	Dropped   int64     `json:"dropped"`
}

// Stats is a snapshot of the hub
type Stats struct {
	ConnectedClients      int            `json:"connected_clients"`
	Clients               []ClientStats  `json:"clients"`
	WorkflowSubscriptions map[string]int `json:"workflow_subscriptions"`
	Timestamp             time.Time      `json:"timestamp"`
}

// Stats returns connection statistics ordered by connect time
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		ConnectedClients:      len(h.clients),
		Clients:               make([]ClientStats, 0, len(h.clients)),
		WorkflowSubscriptions: make(map[string]int),
		Timestamp:             h.clock.Now(),
	}
	for _, c := range h.clients {
		filters := make([]string, 0, len(c.filters))
		for f := range c.filters {
			filters = append(filters, f)
		}
		if len(filters) == 0 {
			filters = append(filters, "all")
		}
		sort.Strings(filters)

		stats.Clients = append(stats.Clients, ClientStats{
			ID:        c.id,
			Protocol:  c.protocol,
			Filters:   filters,
			Scopes:    c.scopes,
			Connected: c.connected,
			Dropped:   c.dropped.Load(),
		})
		for _, s := range c.scopes {
			stats.WorkflowSubscriptions[s]++
		}
	}
	sort.Slice(stats.Clients, func(i, j int) bool {
		if stats.Clients[i].Connected.Equal(stats.Clients[j].Connected) {
			return stats.Clients[i].ID < stats.Clients[j].ID
		}
		return stats.Clients[i].Connected.Before(stats.Clients[j].Connected)
	})
	return stats
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
