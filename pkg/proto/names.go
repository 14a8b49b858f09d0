package proto

import (
	"sort"
	"strings"
)

// EventKind identifies a family of named stream events
type EventKind int

const (
	// KindUnknown is any event name this client does not subscribe to
	KindUnknown EventKind = iota
	// KindMessage is the default, unnamed event
	KindMessage
	// KindDatabaseChange is the global "database_change" event
	KindDatabaseChange
	// KindJobs is "jobs.<scope>": job changes within one workflow
	KindJobs
	// KindWorkflow is "workflow.<scope>": changes to one workflow row
	KindWorkflow
)

const (
	nameMessage        = "message"
	nameDatabaseChange = "database_change"
	prefixJobs         = "jobs."
	prefixWorkflow     = "workflow."
)

// String returns the family name
func (k EventKind) String() string {
	switch k {
	case KindMessage:
		return nameMessage
	case KindDatabaseChange:
		return nameDatabaseChange
	case KindJobs:
		return "jobs"
	case KindWorkflow:
		return "workflow"
	default:
		return "unknown"
	}
}

// EventName is a decoded stream event name. Scope is only set for KindJobs and KindWorkflow.
type EventName struct {
	Kind  EventKind `json:"kind"`
	Scope string    `json:"scope,omitempty"`
	// Raw keeps the original name of KindUnknown events
	Raw string `json:"raw,omitempty"`
}

// ParseEventName decodes a wire event name. The empty name is the default message event.
func ParseEventName(name string) EventName {
	switch {
	case name == "" || name == nameMessage:
		return EventName{Kind: KindMessage}
	case name == nameDatabaseChange:
		return EventName{Kind: KindDatabaseChange}
	case strings.HasPrefix(name, prefixJobs) && len(name) > len(prefixJobs):
		return EventName{Kind: KindJobs, Scope: strings.TrimPrefix(name, prefixJobs)}
	case strings.HasPrefix(name, prefixWorkflow) && len(name) > len(prefixWorkflow):
		return EventName{Kind: KindWorkflow, Scope: strings.TrimPrefix(name, prefixWorkflow)}
	default:
		return EventName{Kind: KindUnknown, Raw: name}
	}
}

// JobsEvent returns the name of the per-workflow job event family
func JobsEvent(scope string) EventName {
	return EventName{Kind: KindJobs, Scope: scope}
}

// WorkflowEvent returns the name of the per-workflow event family
func WorkflowEvent(scope string) EventName {
	return EventName{Kind: KindWorkflow, Scope: scope}
}

// String encodes the name back to its wire form
func (n EventName) String() string {
	switch n.Kind {
	case KindMessage:
		return nameMessage
	case KindDatabaseChange:
		return nameDatabaseChange
	case KindJobs:
		return prefixJobs + n.Scope
	case KindWorkflow:
		return prefixWorkflow + n.Scope
	default:
		return n.Raw
	}
}

// SubscriptionKey identifies one shared upstream connection. Two requests with the same
// topic set and scope produce equal keys regardless of filter order or duplicates.
type SubscriptionKey struct {
	Filters string `json:"filters"`
	ScopeID string `json:"scope_id,omitempty"`
}

// NewSubscriptionKey builds a key from topic filters and an optional scope id
func NewSubscriptionKey(filters []string, scopeID string) SubscriptionKey {
	return SubscriptionKey{
		Filters: strings.Join(NormalizeFilters(filters), ","),
		ScopeID: strings.TrimSpace(scopeID),
	}
}

// Topics returns the key's filter set
func (k SubscriptionKey) Topics() []string {
	if k.Filters == "" {
		return nil
	}
	return strings.Split(k.Filters, ",")
}

// String returns "filters:scope", the form used in logs and metrics
func (k SubscriptionKey) String() string {
	return k.Filters + ":" + k.ScopeID
}

// NormalizeFilters trims, drops empties, de-duplicates and sorts topic filters.
// Entries may themselves be comma-separated lists.
func NormalizeFilters(filters []string) []string {
	seen := make(map[string]struct{}, len(filters))
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		for _, part := range strings.Split(f, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}
