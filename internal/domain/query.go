package domain

import "encoding/json"

// EventPayload is one event collected by a query, keyed by its kind.
// Raw holds the payload exactly as the server sent it.
type EventPayload struct {
	Kind int             `json:"kind"`
	Raw  json.RawMessage `json:"raw"`
}

// QueryResult is the immutable aggregate of one completed query. Primary
// events are generic protocol events; extended events are server-specific
// metadata frames.
type QueryResult struct {
	terminal IncomingFrame
	events   []EventPayload
	extended []EventPayload
}

// NewQueryResult copies its inputs so later mutation by the caller cannot
// leak into the result.
func NewQueryResult(terminal IncomingFrame, events, extended []EventPayload) *QueryResult {
	return &QueryResult{
		terminal: terminal,
		events:   append([]EventPayload(nil), events...),
		extended: append([]EventPayload(nil), extended...),
	}
}

// Terminal returns the frame that ended the query (usually EOSE).
func (r *QueryResult) Terminal() IncomingFrame { return r.terminal }

// Events returns a copy of the primary events in arrival order.
func (r *QueryResult) Events() []EventPayload {
	return append([]EventPayload(nil), r.events...)
}

// Extended returns a copy of the extended events in arrival order.
func (r *QueryResult) Extended() []EventPayload {
	return append([]EventPayload(nil), r.extended...)
}

// FindEvent returns the first primary event of the given kind.
func (r *QueryResult) FindEvent(kind int) (EventPayload, bool) {
	return findByKind(r.events, kind)
}

// FilterEvents returns every primary event of the given kind.
func (r *QueryResult) FilterEvents(kind int) []EventPayload {
	return filterByKind(r.events, kind)
}

// FindExtended returns the first extended event of the given kind.
func (r *QueryResult) FindExtended(kind int) (EventPayload, bool) {
	return findByKind(r.extended, kind)
}

// FilterExtended returns every extended event of the given kind.
func (r *QueryResult) FilterExtended(kind int) []EventPayload {
	return filterByKind(r.extended, kind)
}

func findByKind(list []EventPayload, kind int) (EventPayload, bool) {
	for _, e := range list {
		if e.Kind == kind {
			return e, true
		}
	}
	return EventPayload{}, false
}

func filterByKind(list []EventPayload, kind int) []EventPayload {
	var out []EventPayload
	for _, e := range list {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
