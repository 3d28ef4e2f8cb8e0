package flow

import "encoding/json"

// State is the shared record a workflow threads through its nodes: a
// flat mapping from field name to value. Nodes receive an immutable
// snapshot and return a patch; the executor merges patches with
// field-level last-writer-wins semantics through a single merge point,
// so concurrent siblings never race on the record.
//
// Values must be JSON-serializable (checkpoints persist the record as
// JSON) and must not introduce cycles.
type State map[string]any

// Clone returns a deep copy of the state via a JSON round-trip. The
// copy is fully independent from the original, which is what lets node
// functions receive snapshots without synchronization.
//
// JSON round-tripping normalizes numeric values to float64, matching
// what a checkpoint reload would produce; nodes observe the same
// representation live and after resume.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		// Non-serializable state cannot be checkpointed either; fall back
		// to a shallow copy rather than silently dropping fields.
		out := make(State, len(s))
		for k, v := range s {
			out[k] = v
		}
		return out
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		out = make(State, len(s))
		for k, v := range s {
			out[k] = v
		}
	}
	if out == nil {
		out = State{}
	}
	return out
}

// Merge returns a new State with patch applied over s, field-level
// last-writer-wins. Neither input is mutated. A nil patch returns a
// clone of s.
func (s State) Merge(patch State) State {
	out := s.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// GetString returns the named field as a string, or "" when absent or
// of another type.
func (s State) GetString(key string) string {
	v, _ := s[key].(string)
	return v
}

// GetBool returns the named field as a bool, or false when absent.
func (s State) GetBool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// GetInt returns the named field as an int. JSON-reloaded numbers
// arrive as float64; both representations are accepted.
func (s State) GetInt(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// GetFloat returns the named field as a float64, accepting integer
// representations.
func (s State) GetFloat(key string) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
