package engine

import (
	"encoding/json"
)

// Tool names that run multi-step sub-agents. Their in-flight ids are the
// fallback for parent attribution when a fragment carries no parent id.
var compositeTools = map[string]bool{
	"task":  true,
	"agent": true,
}

// ToolCallRecord is the identity of one tool invocation for the current
// turn. Identity is keyed purely by ToolUseID; the record is updated in
// place only to fill in input once, never to change identity.
type ToolCallRecord struct {
	ToolUseID       string
	Name            string
	Input           json.RawMessage
	ParentToolUseID string
}

// ToolCallIndex is the append-only, id-keyed record of every tool
// invocation seen in the current turn. It makes no ordering assumptions:
// the same invocation may be reported several times from different origins
// (early delta, later aggregate, progress ping) and results may arrive out
// of order. Discarded wholesale when the turn ends.
type ToolCallIndex struct {
	records    map[string]*ToolCallRecord
	emitted    map[string]bool
	dispatched map[string]bool
	settled    map[string]bool
	// active in-flight composite tool ids, in registration order so
	// fallback attribution stays deterministic across replays.
	active []string
}

// NewToolCallIndex creates an empty index for one turn.
func NewToolCallIndex() *ToolCallIndex {
	return &ToolCallIndex{
		records:    make(map[string]*ToolCallRecord),
		emitted:    make(map[string]bool),
		dispatched: make(map[string]bool),
		settled:    make(map[string]bool),
	}
}

// Register records a sighting of a tool invocation. The first sighting
// creates the record; later sightings fill in input and parent only where
// still missing. Returns the record and whether this was the first
// sighting.
func (x *ToolCallIndex) Register(id, name string, input json.RawMessage, parentID string) (*ToolCallRecord, bool) {
	if rec, ok := x.records[id]; ok {
		if len(rec.Input) == 0 && len(input) > 0 {
			rec.Input = input
		}
		if rec.Name == "" {
			rec.Name = name
		}
		if rec.ParentToolUseID == "" && parentID != "" {
			rec.ParentToolUseID = parentID
		}
		return rec, false
	}

	rec := &ToolCallRecord{
		ToolUseID:       id,
		Name:            name,
		Input:           input,
		ParentToolUseID: parentID,
	}
	if rec.ParentToolUseID == "" {
		if parent, ok := x.soleActiveComposite(); ok && parent != id {
			rec.ParentToolUseID = parent
		}
	}
	x.records[id] = rec
	if compositeTools[name] {
		x.active = append(x.active, id)
	}
	return rec, true
}

// Get looks up a record by id only, never by position.
func (x *ToolCallIndex) Get(id string) (*ToolCallRecord, bool) {
	rec, ok := x.records[id]
	return rec, ok
}

// MarkEmitted records that a tool-start event was emitted for id. Returns
// false when it already was: the caller must not re-emit.
func (x *ToolCallIndex) MarkEmitted(id string) bool {
	if x.emitted[id] {
		return false
	}
	x.emitted[id] = true
	return true
}

// MarkDispatched records that the invocation was handed to the dispatcher.
// Returns false when it already was.
func (x *ToolCallIndex) MarkDispatched(id string) bool {
	if x.dispatched[id] {
		return false
	}
	x.dispatched[id] = true
	return true
}

// MarkSettled records that a result was reported for id. Both the channel
// and the host dispatch path report results; whichever side settles first
// wins, the other must stay silent. Returns false when already settled.
func (x *ToolCallIndex) MarkSettled(id string) bool {
	if x.settled[id] {
		return false
	}
	x.settled[id] = true
	return true
}

// Finish marks a composite tool as no longer in flight. Called when its
// result arrives.
func (x *ToolCallIndex) Finish(id string) {
	for i, a := range x.active {
		if a == id {
			x.active = append(x.active[:i], x.active[i+1:]...)
			return
		}
	}
}

// soleActiveComposite returns the in-flight composite tool id when exactly
// one is active. With zero or several, attribution stays empty.
func (x *ToolCallIndex) soleActiveComposite() (string, bool) {
	if len(x.active) == 1 {
		return x.active[0], true
	}
	return "", false
}

// Len returns the number of registered records.
func (x *ToolCallIndex) Len() int {
	return len(x.records)
}
