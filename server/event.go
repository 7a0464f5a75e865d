// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"time"

	"github.com/google/uuid"

	"github.com/edgeo-scada/opcua-engine"
)

// Standard event field names usable in select clauses.
const (
	FieldEventID     = "EventId"
	FieldEventType   = "EventType"
	FieldSourceNode  = "SourceNode"
	FieldSourceName  = "SourceName"
	FieldTime        = "Time"
	FieldReceiveTime = "ReceiveTime"
	FieldMessage     = "Message"
	FieldSeverity    = "Severity"
)

// Event is an occurrence reported by an event source node.
type Event struct {
	EventID     []byte
	EventType   opcua.NodeID
	SourceNode  opcua.NodeID
	SourceName  string
	Time        time.Time
	ReceiveTime time.Time
	Message     opcua.LocalizedText
	Severity    uint16
	Fields      map[string]*opcua.Variant
}

// NewEvent returns a BaseEventType event with a fresh id.
func NewEvent(source opcua.NodeID, severity uint16, message string) *Event {
	id := uuid.New()
	return &Event{
		EventID:    id[:],
		EventType:  opcua.BaseEventType,
		SourceNode: source,
		Severity:   severity,
		Message:    opcua.LocalizedText{Text: message},
	}
}

// Field returns the named field, or nil when the event has no such field.
func (e *Event) Field(name string) *opcua.Variant {
	switch name {
	case FieldEventID:
		return opcua.NewVariant(e.EventID)
	case FieldEventType:
		return opcua.NewVariant(e.EventType)
	case FieldSourceNode:
		return opcua.NewVariant(e.SourceNode)
	case FieldSourceName:
		return opcua.NewVariant(e.SourceName)
	case FieldTime:
		return opcua.NewVariant(e.Time)
	case FieldReceiveTime:
		return opcua.NewVariant(e.ReceiveTime)
	case FieldMessage:
		return opcua.NewVariant(e.Message)
	case FieldSeverity:
		return opcua.NewVariant(e.Severity)
	}
	return e.Fields[name]
}

// EventFilter selects which events an event item receives and which fields
// are reported for them.
type EventFilter struct {
	// EventTypes restricts delivery to events of these types or their
	// subtypes. Empty accepts every type.
	EventTypes    []opcua.NodeID
	MinSeverity   uint16
	SelectClauses []string
}

// DefaultEventFilter returns the filter applied to event items created
// without one.
func DefaultEventFilter() *EventFilter {
	return &EventFilter{
		SelectClauses: []string{FieldEventID, FieldEventType, FieldSourceNode, FieldTime, FieldMessage, FieldSeverity},
	}
}

func (f *EventFilter) validate() error {
	if f != nil && len(f.SelectClauses) == 0 {
		return opcua.NewOPCUAError(opcua.ServiceCreateMonitoredItems, opcua.StatusBadEventFilterInvalid, "no select clauses")
	}
	return nil
}

func (f *EventFilter) accepts(ev *Event, isSubtype func(typeID, baseID opcua.NodeID) bool) bool {
	if f == nil {
		return true
	}
	if ev.Severity < f.MinSeverity {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if ev.EventType.Equal(t) || (isSubtype != nil && isSubtype(ev.EventType, t)) {
			return true
		}
	}
	return false
}

func (f *EventFilter) selectFields(ev *Event) []*opcua.Variant {
	clauses := DefaultEventFilter().SelectClauses
	if f != nil {
		clauses = f.SelectClauses
	}
	out := make([]*opcua.Variant, len(clauses))
	for i, c := range clauses {
		if v := ev.Field(c); v != nil {
			out[i] = v
		} else {
			out[i] = &opcua.Variant{Type: opcua.TypeNull}
		}
	}
	return out
}
