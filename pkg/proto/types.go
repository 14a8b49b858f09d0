package proto

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Operation is the kind of row change carried by a change event.
// Values are bit flags so that interest sets can be combined.
type Operation int

const (
	// OpInsert is a new row
	OpInsert Operation = 1 << iota
	// OpUpdate is a change to an existing row
	OpUpdate
	// OpDelete is a removed row
	OpDelete

	// OpAll matches any operation
	OpAll = OpInsert | OpUpdate | OpDelete
)

// ParseOperation converts a wire operation name (INSERT, UPDATE, DELETE) to an Operation.
// Unknown names return 0 and false.
func ParseOperation(s string) (Operation, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT":
		return OpInsert, true
	case "UPDATE":
		return OpUpdate, true
	case "DELETE":
		return OpDelete, true
	default:
		return 0, false
	}
}

// String returns the wire name of the operation
func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case 0:
		return "UNKNOWN"
	}

	var parts []string
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		if o&op != 0 {
			parts = append(parts, op.String())
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether o includes every flag in other
func (o Operation) Has(other Operation) bool {
	return other != 0 && o&other == other
}

// ChangeEvent is a parsed change notification received from the upstream stream
type ChangeEvent struct {
	// Name is the decoded stream event name the notification arrived under
	Name EventName `json:"name"`
	// ID is the stream's last-event id, if any
	ID string `json:"id,omitempty"`

	Resource      string    `json:"resource"`
	Operation     Operation `json:"operation"`
	ScopeID       string    `json:"scope_id,omitempty"`
	RecordID      string    `json:"record_id,omitempty"`
	OldStatus     string    `json:"old_status,omitempty"`
	NewStatus     string    `json:"new_status,omitempty"`
	StatusChanged bool      `json:"status_changed"`

	// Timestamp is the upstream change time, or the receive time when the payload has none
	Timestamp  *timestamppb.Timestamp `json:"timestamp,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`

	// Raw is the payload exactly as received
	Raw []byte `json:"-"`
	// Opaque is set when the payload could not be parsed; only Name, ID and Raw are meaningful then
	Opaque bool `json:"opaque,omitempty"`
}

// String returns a compact description for logging
func (e ChangeEvent) String() string {
	if e.Opaque {
		return fmt.Sprintf("%s opaque(%d bytes)", e.Name, len(e.Raw))
	}
	return fmt.Sprintf("%s %s %s scope=%q record=%q", e.Name, e.Resource, e.Operation, e.ScopeID, e.RecordID)
}

// ConnState is the lifecycle state of a stream connection
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the lowercase state name used in logs and the status API
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *ConnState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = StateDisconnected
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("unknown connection state %q", text)
	}
	return nil
}

// Status is a point-in-time view of a connection for UI feedback
type Status struct {
	State      ConnState `json:"state"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Connected reports whether the connection is live
func (s Status) Connected() bool {
	return s.State == StateConnected
}
