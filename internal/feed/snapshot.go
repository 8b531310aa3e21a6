// Package feed turns raw store snapshots into the canonical entity list:
// it decodes the location and status feeds, normalizes record shapes,
// filters on the online flag and the coordinate fix, and re-derives the
// merged list whenever either feed changes.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned for snapshots that are neither null nor a JSON object.
var ErrNotObject = errors.New("feed: snapshot is not a json object")

// Snapshot is one decoded feed value. Keys keeps the order in which the
// upstream object listed its members.
type Snapshot struct {
	Keys   []string
	Values map[string]json.RawMessage
}

// Len returns the number of distinct keys.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Keys)
}

// Get returns the raw member value for key.
func (s *Snapshot) Get(key string) (json.RawMessage, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.Values[key]
	return v, ok
}

// DecodeSnapshot parses a store snapshot. Null or empty input decodes to a
// nil Snapshot. A repeated key keeps its first position and its last value.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '{' {
		return nil, ErrNotObject
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("feed: decode snapshot: %w", err)
	}
	snap := &Snapshot{Values: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("feed: decode snapshot key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("feed: unexpected token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("feed: decode value of %q: %w", key, err)
		}
		if _, seen := snap.Values[key]; !seen {
			snap.Keys = append(snap.Keys, key)
		}
		snap.Values[key] = value
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("feed: decode snapshot: %w", err)
	}
	return snap, nil
}
