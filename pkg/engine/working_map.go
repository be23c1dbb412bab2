package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Key is a typed name for a value stored in a FlightMap or WorkingMap.
// Values are stored as JSON so they survive checkpointing.
type Key[T any] struct {
	name string
}

// NewKey declares a typed key.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key's string name.
func (k Key[T]) Name() string {
	return k.name
}

// source is implemented by FlightMap and WorkingMap.
type source interface {
	raw(name string) (json.RawMessage, bool)
}

// Lookup returns the value for the key and whether it was present.
func (k Key[T]) Lookup(src source) (T, bool, error) {
	var v T
	data, ok := src.raw(k.name)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, true, fmt.Errorf("failed to decode %q: %w", k.name, err)
	}
	return v, true, nil
}

// Get returns the value for the key, or an error if it is absent.
func (k Key[T]) Get(src source) (T, error) {
	v, ok, err := k.Lookup(src)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, NewPermanentError(fmt.Sprintf("required key %q is missing", k.name), nil).
			WithCode(ErrCodeValidation)
	}
	return v, nil
}

// Value returns the value for the key, or the zero value when it is absent
// or cannot be decoded.
func (k Key[T]) Value(src source) T {
	v, _, err := k.Lookup(src)
	if err != nil {
		var zero T
		return zero
	}
	return v
}

// Set stores an input parameter. Inputs are fixed once the flight is submitted.
func (k Key[T]) Set(m *FlightMap, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", k.name, err)
	}
	if m.values == nil {
		m.values = make(map[string]json.RawMessage)
	}
	m.values[k.name] = data
	return nil
}

// Put stores a value in the working map.
func (k Key[T]) Put(m *WorkingMap, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", k.name, err)
	}
	return m.put(k.name, data)
}

// Delete removes the key from the working map.
func (k Key[T]) Delete(m *WorkingMap) error {
	return m.put(k.name, nil)
}

// FlightMap holds a flight's input parameters.
type FlightMap struct {
	values map[string]json.RawMessage
}

// NewFlightMap creates an empty input map.
func NewFlightMap() *FlightMap {
	return &FlightMap{values: make(map[string]json.RawMessage)}
}

func (m *FlightMap) raw(name string) (json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[name]
	return v, ok
}

// Has reports whether the named key is present.
func (m *FlightMap) Has(name string) bool {
	_, ok := m.raw(name)
	return ok
}

// Remove deletes the named key.
func (m *FlightMap) Remove(name string) {
	if m != nil {
		delete(m.values, name)
	}
}

// Keys returns the sorted key names.
func (m *FlightMap) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m.values))
}

// Clone returns a deep copy.
func (m *FlightMap) Clone() *FlightMap {
	out := NewFlightMap()
	if m == nil {
		return out
	}
	for k, v := range m.values {
		out.values[k] = slices.Clone(v)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (m *FlightMap) MarshalJSON() ([]byte, error) {
	if m == nil || m.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.values)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *FlightMap) UnmarshalJSON(data []byte) error {
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	m.values = values
	return nil
}

// WorkingMap is the mutable scratch space of one flight execution. Every
// write bumps Version; the engine checkpoints the map after each step.
type WorkingMap struct {
	values  map[string]json.RawMessage
	version int64

	// allowed restricts writes while a step that declared its writes runs.
	allowed map[string]struct{}
	denied  []string
}

// NewWorkingMap creates an empty working map.
func NewWorkingMap() *WorkingMap {
	return &WorkingMap{values: make(map[string]json.RawMessage)}
}

func (m *WorkingMap) raw(name string) (json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[name]
	return v, ok
}

func (m *WorkingMap) put(name string, data json.RawMessage) error {
	if m.allowed != nil {
		if _, ok := m.allowed[name]; !ok {
			m.denied = append(m.denied, name)
			return fmt.Errorf("%w: %s", ErrUndeclaredKey, name)
		}
	}
	if data == nil {
		delete(m.values, name)
	} else {
		m.values[name] = data
	}
	m.version++
	return nil
}

// Version returns the number of writes applied to the map.
func (m *WorkingMap) Version() int64 {
	return m.version
}

// Has reports whether the named key is present.
func (m *WorkingMap) Has(name string) bool {
	_, ok := m.raw(name)
	return ok
}

// Keys returns the sorted key names.
func (m *WorkingMap) Keys() []string {
	return slices.Sorted(maps.Keys(m.values))
}

// restrict limits writes to the given key names until release is called.
func (m *WorkingMap) restrict(names []string) {
	m.allowed = make(map[string]struct{}, len(names))
	for _, n := range names {
		m.allowed[n] = struct{}{}
	}
	m.denied = nil
}

// release lifts the write restriction and returns rejected key names.
func (m *WorkingMap) release() []string {
	denied := m.denied
	m.allowed = nil
	m.denied = nil
	return denied
}

type workingMapJSON struct {
	Version int64                      `json:"version"`
	Values  map[string]json.RawMessage `json:"values"`
}

// MarshalJSON implements json.Marshaler.
func (m *WorkingMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(workingMapJSON{Version: m.version, Values: m.values})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *WorkingMap) UnmarshalJSON(data []byte) error {
	var w workingMapJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Values == nil {
		w.Values = make(map[string]json.RawMessage)
	}
	m.values = w.Values
	m.version = w.Version
	return nil
}
