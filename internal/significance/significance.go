// Package significance decides which change events are worth a cache refresh.
package significance

import "github.com/nkkko/liveflow/pkg/proto"

// IsSignificant reports whether ev changed row existence or the tracked status.
// INSERT and DELETE always qualify; UPDATE qualifies only with StatusChanged set.
// Opaque events and unknown operations never do.
func IsSignificant(ev proto.ChangeEvent) bool {
	if ev.Opaque {
		return false
	}
	switch ev.Operation {
	case proto.OpInsert, proto.OpDelete:
		return true
	case proto.OpUpdate:
		return ev.StatusChanged
	default:
		return false
	}
}

// Filter passes only significant events to next
func Filter(next func(proto.ChangeEvent)) func(proto.ChangeEvent) {
	return func(ev proto.ChangeEvent) {
		if IsSignificant(ev) {
			next(ev)
		}
	}
}

// Matcher narrows significant events by resource and operation
type Matcher struct {
	// Resources lists accepted resources; empty accepts all
	Resources []string
	// Operations is the accepted operation set; zero accepts all
	Operations proto.Operation
}

// Match reports whether ev is significant and accepted by m
func (m Matcher) Match(ev proto.ChangeEvent) bool {
	if !IsSignificant(ev) {
		return false
	}
	if m.Operations != 0 && m.Operations&ev.Operation == 0 {
		return false
	}
	if len(m.Resources) == 0 {
		return true
	}
	for _, r := range m.Resources {
		if r == ev.Resource {
			return true
		}
	}
	return false
}
