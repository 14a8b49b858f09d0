// Package transport owns upstream change streams: opening them over SSE or WebSocket,
// decoding their events and driving one connection through its backoff controller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nkkko/liveflow/pkg/proto"
)

var (
	// ErrStreamClosed is reported when the server ends a stream cleanly
	ErrStreamClosed = errors.New("stream closed by server")
	// ErrUnexpectedStatus is wrapped when the server answers the open request with a non-200 status
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// RawEvent is one undecoded event as framed by the stream
type RawEvent struct {
	Name string
	ID   string
	Data []byte
}

// Stream is an open upstream event stream. Next blocks until the next event arrives and
// returns an error once the stream ends. Close unblocks Next and may be called more than once.
type Stream interface {
	Next() (RawEvent, error)
	Close() error
}

// Opener opens streams for one transport protocol
type Opener interface {
	// Open connects to rawURL and returns once the server accepted the stream.
	// Cancelling ctx aborts the open and tears down the returned stream.
	Open(ctx context.Context, rawURL string) (Stream, error)
	// Name is the protocol name used in logs and metrics
	Name() string
}

// BuildURL appends the key's topic filters and scope to base as query parameters.
// scopeParam is the query parameter carrying the scope id.
func BuildURL(base string, key proto.SubscriptionKey, scopeParam string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream url %q: %w", base, err)
	}
	if scopeParam == "" {
		scopeParam = "scope_id"
	}

	q := u.Query()
	if key.Filters != "" {
		q.Set("filters", key.Filters)
	}
	if key.ScopeID != "" {
		q.Set(scopeParam, key.ScopeID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Accepts reports whether a connection scoped to scope listens for events named name.
// Every connection hears the default and database_change events; the jobs and workflow
// families are only heard by the connection of their own scope. A comma-separated scope
// listens for each of its members.
func Accepts(name proto.EventName, scope string) bool {
	switch name.Kind {
	case proto.KindMessage, proto.KindDatabaseChange:
		return true
	case proto.KindJobs, proto.KindWorkflow:
		if scope == "" || name.Scope == "" {
			return false
		}
		if name.Scope == scope {
			return true
		}
		for _, s := range strings.Split(scope, ",") {
			if strings.TrimSpace(s) == name.Scope {
				return true
			}
		}
		return false
	default:
		return false
	}
}
