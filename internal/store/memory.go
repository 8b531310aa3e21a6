package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrShadowed is returned when writing below a path that already holds a value.
var ErrShadowed = errors.New("memory store: path is inside a stored value")

// MemoryStore is an in-process Store. Values are kept as raw JSON so object
// key order is delivered exactly as written. A path below a stored value
// resolves inside that value.
type MemoryStore struct {
	// writeMu keeps notifications in write order
	writeMu sync.Mutex
	mu      sync.Mutex
	values  map[string]json.RawMessage
	subs    map[uint64]*memorySub
	nextID  uint64
}

type memorySub struct {
	path    string
	onValue func([]byte)
	// serializes deliveries for one subscriber and lets Unsubscribe wait
	// for an in-flight callback
	mu     sync.Mutex
	closed bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]json.RawMessage),
		subs:   make(map[uint64]*memorySub),
	}
}

// Set replaces the value at path and notifies affected subscribers. A nil
// or "null" value deletes it. Values stored below path are discarded.
func (s *MemoryStore) Set(path string, raw []byte) error {
	path = CleanPath(path)
	if path == "" {
		return errors.New("memory store: empty path")
	}
	if len(raw) > 0 && !json.Valid(raw) {
		return fmt.Errorf("memory store: invalid json at %q", path)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	for p := range s.values {
		if strings.HasPrefix(path, p+"/") {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s under %s", ErrShadowed, path, p)
		}
	}
	for p := range s.values {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(s.values, p)
		}
	}
	if len(raw) > 0 && string(raw) != "null" {
		s.values[path] = append(json.RawMessage(nil), raw...)
	}
	targets := s.affected(path)
	s.mu.Unlock()

	s.deliver(targets)
	return nil
}

// SetJSON marshals v and stores it at path.
func (s *MemoryStore) SetJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memory store: marshal %q: %w", path, err)
	}
	return s.Set(path, raw)
}

// Get returns the snapshot at path.
func (s *MemoryStore) Get(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(CleanPath(path))
}

// Subscribe delivers the current snapshot before returning. Callbacks run
// on the writer's goroutine and must not call the returned Unsubscribe.
func (s *MemoryStore) Subscribe(_ context.Context, path string, onValue func([]byte), _ func(error)) (Unsubscribe, error) {
	sub := &memorySub{path: CleanPath(path), onValue: onValue}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	initial := s.lookup(sub.path)
	s.mu.Unlock()

	sub.send(initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		})
	}, nil
}

type delivery struct {
	sub   *memorySub
	value []byte
}

func (s *MemoryStore) affected(changed string) []delivery {
	var out []delivery
	for _, sub := range s.subs {
		if related(sub.path, changed) {
			out = append(out, delivery{sub: sub, value: s.lookup(sub.path)})
		}
	}
	return out
}

func (s *MemoryStore) deliver(ds []delivery) {
	for _, d := range ds {
		d.sub.send(d.value)
	}
}

func (sub *memorySub) send(v []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.onValue(v)
	}
}

// lookup resolves path against the stored values. Callers hold s.mu.
func (s *MemoryStore) lookup(path string) []byte {
	if v, ok := s.values[path]; ok {
		return v
	}
	segs := SplitPath(path)
	for i := len(segs) - 1; i >= 0; i-- {
		base := strings.Join(segs[:i], "/")
		v, ok := s.values[base]
		if !ok {
			continue
		}
		return descend(v, segs[i:])
	}
	return Null
}

func descend(raw json.RawMessage, segs []string) []byte {
	cur := raw
	for _, seg := range segs {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return Null
		}
		next, ok := obj[seg]
		if !ok {
			return Null
		}
		cur = next
	}
	return cur
}
