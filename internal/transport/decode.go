package transport

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nkkko/liveflow/pkg/proto"
)

// control message types that carry no change
var controlTypes = map[string]bool{
	"connected": true,
	"heartbeat": true,
	"ping":      true,
}

// changePayload is the upstream trigger payload
type changePayload struct {
	Table         string     `json:"table"`
	Resource      string     `json:"resource"`
	Operation     string     `json:"operation"`
	WorkflowID    flexString `json:"workflow_id"`
	ScopeID       flexString `json:"scope_id"`
	RecordID      flexString `json:"record_id"`
	ID            flexString `json:"id"`
	OldStatus     string     `json:"old_status"`
	NewStatus     string     `json:"new_status"`
	StatusChanged *bool      `json:"status_changed"`
	Timestamp     flexTime   `json:"timestamp"`
}

// envelope is the optional {type, data} wrapper
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode turns a raw event into a ChangeEvent. It never fails: payloads that do not parse
// become Opaque events carrying the raw bytes. The second result is false for control
// messages such as the "connected" hello, which are not changes at all.
func Decode(raw RawEvent, now time.Time) (proto.ChangeEvent, bool) {
	ev := proto.ChangeEvent{
		Name:       proto.ParseEventName(raw.Name),
		ID:         raw.ID,
		Raw:        raw.Data,
		ReceivedAt: now,
		Timestamp:  timestamppb.New(now),
	}

	data := bytes.TrimSpace(raw.Data)

	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" {
		if controlTypes[env.Type] {
			return ev, false
		}
		if len(env.Data) > 0 && env.Data[0] == '{' {
			data = env.Data
		}
	}

	var p changePayload
	if err := json.Unmarshal(data, &p); err != nil {
		ev.Opaque = true
		return ev, true
	}

	ev.Resource = firstNonEmpty(p.Table, p.Resource)
	op, ok := proto.ParseOperation(p.Operation)
	if ev.Resource == "" && !ok {
		// valid JSON but not a change notification
		ev.Opaque = true
		return ev, true
	}
	ev.Operation = op
	ev.ScopeID = firstNonEmpty(string(p.WorkflowID), string(p.ScopeID))
	if ev.ScopeID == "" && (ev.Name.Kind == proto.KindJobs || ev.Name.Kind == proto.KindWorkflow) {
		ev.ScopeID = ev.Name.Scope
	}
	ev.RecordID = firstNonEmpty(string(p.RecordID), string(p.ID))
	ev.OldStatus = p.OldStatus
	ev.NewStatus = p.NewStatus
	ev.StatusChanged = statusChanged(op, p)
	if !p.Timestamp.IsZero() {
		ev.Timestamp = timestamppb.New(time.Time(p.Timestamp))
	}
	return ev, true
}

// statusChanged computes the tracked-field flag. It is only ever set on updates, where an
// explicit flag from upstream wins.
func statusChanged(op proto.Operation, p changePayload) bool {
	if op != proto.OpUpdate {
		return false
	}
	if p.StatusChanged != nil {
		return *p.StatusChanged
	}
	if p.OldStatus != "" && p.NewStatus != "" {
		return p.OldStatus != p.NewStatus
	}
	return p.NewStatus != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// flexString accepts a JSON string or number
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexTime accepts epoch seconds (integer or fractional) or an RFC 3339 string
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			*t = flexTime(parsed)
			return nil
		}
		if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*t = flexTime(fromEpoch(secs))
		}
		// unparseable strings leave the receive time in place
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*t = flexTime(fromEpoch(secs))
	return nil
}

func (t flexTime) IsZero() bool {
	return time.Time(t).IsZero()
}

func fromEpoch(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
