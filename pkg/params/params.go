// Package params holds the parameter bag attached to a job step.
//
// A Map behaves like map[string]string but remembers insertion order, so
// anything rendered from it (command lines, queue payloads, config overrides)
// comes out the same way every time.
package params

import (
	"iter"
	"slices"
	"strings"
)

// Reserved parameter names understood by the command builder.
const (
	// KeyClassName carries the application class the submitted job runs.
	KeyClassName = "className"
	// KeyJars carries auxiliary jars for spark-submit itself.
	KeyJars = "jars"
)

// Map is an insertion-ordered string map. The zero value is ready to use.
// It is not safe for concurrent use.
type Map struct {
	keys   []string
	values map[string]string
}

// New returns an empty Map.
func New() *Map {
	return &Map{values: make(map[string]string)}
}

// Set stores value under name. Overwriting keeps the original position.
func (m *Map) Set(name, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, exists := m.values[name]; !exists {
		m.keys = append(m.keys, name)
	}
	m.values[name] = value
}

// Get returns the value stored under name and whether it was present.
func (m *Map) Get(name string) (string, bool) {
	if m == nil || m.values == nil {
		return "", false
	}
	v, ok := m.values[name]
	return v, ok
}

// Delete removes name. Missing names are ignored.
func (m *Map) Delete(name string) {
	if m == nil || m.values == nil {
		return
	}
	if _, ok := m.values[name]; !ok {
		return
	}
	delete(m.values, name)
	m.keys = slices.DeleteFunc(m.keys, func(k string) bool { return k == name })
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the names in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.keys)
}

// All yields entries in insertion order. The sequence can be ranged over
// any number of times.
func (m *Map) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if m == nil {
			return
		}
		for _, k := range slices.Clone(m.keys) {
			v, ok := m.values[k]
			if !ok {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

// Clone returns an independent copy.
func (m *Map) Clone() *Map {
	out := New()
	for k, v := range m.All() {
		out.Set(k, v)
	}
	return out
}

// Compose lays out a submission's parameters: className first, then jars
// joined with commas (omitted when empty), then extra in its own order.
// Reserved names inside extra are dropped in favour of the explicit ones.
func Compose(className string, jars []string, extra *Map) *Map {
	out := New()
	out.Set(KeyClassName, className)
	if len(jars) > 0 {
		out.Set(KeyJars, strings.Join(jars, ","))
	}
	for k, v := range extra.All() {
		if k == KeyClassName || k == KeyJars {
			continue
		}
		out.Set(k, v)
	}
	return out
}
