package feature

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"sync"
)

// Store holds values steps hand to later steps. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{values: map[string]any{}}
}

func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Snapshot returns a copy of all stored values.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Strings returns the value under key as a string slice.
func (s *Store) Strings(key string) ([]string, error) {
	v, ok := s.Get(key)
	if !ok {
		return nil, fmt.Errorf("%s is not set", key)
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s is a %T, not a list of strings", key, v)
	}
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_.:\-]+)\}`)

// Interpolate replaces {name} placeholders with the world value of name,
// falling back to the store. Unknown placeholders are left as they are.
func Interpolate(s string, world map[string]string, store *Store) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := world[name]; ok {
			return v
		}
		if store == nil {
			return m
		}
		v, ok := store.Get(name)
		if !ok {
			return m
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case json.RawMessage:
		return string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
