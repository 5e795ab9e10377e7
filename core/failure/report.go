// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package failure

import (
	"fmt"
	"strings"
)

// Event is one recorded failure. Events accumulate in a Report that is
// returned alongside the primary result of a run; they are never
// logged-only and discarded.
type Event struct {
	Class     Class  `json:"class"`
	Op        string `json:"op"`
	ItemType  string `json:"item_type,omitempty"`
	Name      string `json:"name,omitempty"`
	Container string `json:"container,omitempty"`
	Message   string `json:"message"`
}

// String implements fmt.Stringer.
func (e Event) String() string {
	parts := []string{string(e.Class), e.Op}
	if e.ItemType != "" {
		subject := e.ItemType
		if e.Name != "" {
			subject += " " + e.Name
		}
		if e.Container != "" {
			subject += " in " + e.Container
		}
		parts = append(parts, subject)
	}
	parts = append(parts, e.Message)
	return strings.Join(parts, ": ")
}

// Report is the structured accumulation of non-fatal failures from one
// pull or push run. A Report is owned and appended to by a single
// orchestrator goroutine.
type Report struct {
	Events []Event `json:"events,omitempty"`
}

// Record appends an event classified from err.
func (r *Report) Record(op string, itemType, name, container string, err error) {
	if err == nil {
		return
	}
	r.Events = append(r.Events, Event{
		Class:     Classify(err),
		Op:        op,
		ItemType:  itemType,
		Name:      name,
		Container: container,
		Message:   err.Error(),
	})
}

// RecordMissing appends a MissingDependency event for a referenced
// identity absent from the graph.
func (r *Report) RecordMissing(itemType, name, container, referrer string) {
	r.Events = append(r.Events, Event{
		Class:     MissingDependency,
		Op:        "resolve",
		ItemType:  itemType,
		Name:      name,
		Container: container,
		Message:   fmt.Sprintf("referenced by %s but not present in the graph", referrer),
	})
}

// IsEmpty reports whether any events were recorded.
func (r *Report) IsEmpty() bool {
	return r == nil || len(r.Events) == 0
}

// Merge appends all events from other.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Events = append(r.Events, other.Events...)
}

// Summary renders a short human-readable account of the report,
// e.g. "3 failures (2 permanent-item, 1 missing-dependency)".
func (r *Report) Summary() string {
	if r.IsEmpty() {
		return "no failures"
	}
	counts := map[Class]int{}
	for _, e := range r.Events {
		counts[e.Class]++
	}
	var parts []string
	for _, class := range []Class{Fatal, PermanentItem, Transient, MissingDependency, Unclassified} {
		if n := counts[class]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, class))
		}
	}
	return fmt.Sprintf("%d failures (%s)", len(r.Events), strings.Join(parts, ", "))
}
