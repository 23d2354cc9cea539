// Package apidata implements the key/value parameter store exchanged
// between a model repository and its owning service.
//
// A Store holds typed parameter values: strings, booleans, numbers,
// homogeneous scalar arrays, and nested stores. It is the Go shape of
// the API-call parameter documents persisted as config.json.
package apidata

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/modelrepo/codec"
)

// ErrUnsupportedValue is returned when a JSON document contains a value
// that has no representation in the parameter model.
var ErrUnsupportedValue = errors.New("apidata: unsupported value")

// Store is a mutable key/value parameter set.
// It is safe for concurrent readers; writers need external coordination
// with readers, which matches the single-threaded initialization
// sequence that mutates it.
type Store struct {
	mu sync.RWMutex
	m  map[string]any
}

// New creates an empty Store.
func New() *Store {
	return &Store{m: make(map[string]any)}
}

// Has reports whether key is present.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[key]
	return ok
}

// Get returns the raw value for key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Add sets key to value, replacing any previous value.
func (s *Store) Add(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// String returns the string value for key.
func (s *Store) String(key string) (string, bool) {
	v, ok := s.Get(key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Bool returns the boolean value for key.
func (s *Store) Bool(key string) (bool, bool) {
	v, ok := s.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Int returns the integer value for key. Float values with no
// fractional part convert; everything else does not.
func (s *Store) Int(key string) (int, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// Float returns the float value for key.
func (s *Store) Float(key string) (float64, bool) {
	v, ok := s.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Object returns the nested Store for key.
func (s *Store) Object(key string) (*Store, bool) {
	v, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	nested, ok := v.(*Store)
	return nested, ok
}

// Keys returns the sorted keys of the store.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// ToMap converts the store back into plain maps, suitable for
// serialization.
func (s *Store) ToMap() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.m))
	for k, v := range s.m {
		if nested, ok := v.(*Store); ok {
			out[k] = nested.ToMap()
			continue
		}
		out[k] = v
	}
	return out
}

// FromJSON parses a JSON document with c and converts it into a Store.
//
// A parse failure is reported as returned by the codec; a structurally
// valid document holding values outside the parameter model is
// reported as ErrUnsupportedValue.
func FromJSON(c codec.Codec, data []byte) (*Store, error) {
	if c == nil {
		c = codec.Default
	}

	var raw any
	if err := c.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level document is %T, want object", ErrUnsupportedValue, raw)
	}
	return fromMap(m)
}

func fromMap(m map[string]any) (*Store, error) {
	s := New()
	for k, v := range m {
		converted, err := convert(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		s.m[k] = converted
	}
	return s, nil
}

func convert(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: null", ErrUnsupportedValue)
	case string, bool, float64:
		return val, nil
	case map[string]any:
		return fromMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			switch item.(type) {
			case string, bool, float64:
				out[i] = item
			default:
				return nil, fmt.Errorf("%w: array element %T", ErrUnsupportedValue, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}
