package tools

import "encoding/json"

// Entity keys tracked across a call. Later tool results refine earlier ones;
// entities are never discarded mid-call.
const (
	EntityPatient     = "patient"
	EntitySlots       = "slots"
	EntityAppointment = "appointment"
)

// Accumulator carries structured entities produced by tool results across a
// single call. It is owned by the session event loop and is not safe for
// concurrent use.
type Accumulator struct {
	entities map[string]json.RawMessage
	consumed map[string]bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		entities: make(map[string]json.RawMessage),
		consumed: make(map[string]bool),
	}
}

// Put stores or refines an entity. An empty value is ignored so a failed
// lookup never erases a previously established entity.
func (a *Accumulator) Put(key string, value json.RawMessage) {
	if len(value) == 0 || string(value) == "null" {
		return
	}
	a.entities[key] = value
}

func (a *Accumulator) Get(key string) (json.RawMessage, bool) {
	v, ok := a.entities[key]
	return v, ok
}

// MarkConsumed records that a mutating tool already acted on the entity under
// key. Used to enforce at-most-once semantics for booking and cancellation.
func (a *Accumulator) MarkConsumed(key string) {
	a.consumed[key] = true
}

func (a *Accumulator) Consumed(key string) bool {
	return a.consumed[key]
}

// Snapshot renders the current entities as a single JSON object, for
// inclusion in supervisor context.
func (a *Accumulator) Snapshot() json.RawMessage {
	if len(a.entities) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(a.entities)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
