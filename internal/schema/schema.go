// Package schema declares typed strategy parameters and decodes raw input
// against them.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// ErrUnknownStrategy is returned for a strategy with no registered schema
var ErrUnknownStrategy = errors.New("unknown strategy")

// FieldType is the declared type of a parameter
type FieldType string

const (
	Int    FieldType = "int"
	Float  FieldType = "float"
	Bool   FieldType = "bool"
	String FieldType = "string"
)

// Field declares one parameter. Min/Max bound numeric fields and define the
// search range; Choices enumerate string values.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Min      float64   `json:"min,omitempty"`
	Max      float64   `json:"max,omitempty"`
	Default  any       `json:"default,omitempty"`
	Choices  []string  `json:"choices,omitempty"`
	Optimize bool      `json:"optimize"`
}

// FieldError rejects a single parameter
type FieldError struct {
	Strategy string
	Field    string
	Reason   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("strategy %s: parameter %s: %s", e.Strategy, e.Field, e.Reason)
}

// Schema is the declared parameter set of one strategy
type Schema struct {
	Strategy string  `json:"strategy"`
	Fields   []Field `json:"fields"`
}

// Field returns the declaration of name
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Decode converts raw values (for example decoded JSON or YAML) into a typed
// parameter set. Unknown fields are rejected; missing fields take their
// default or are rejected when there is none.
func (s *Schema) Decode(raw map[string]any) (types.ParameterSet, error) {
	if err := s.rejectUnknown(keys(raw)); err != nil {
		return nil, err
	}

	ps := make(types.ParameterSet, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := raw[f.Name]
		if !ok {
			if f.Default == nil {
				return nil, &FieldError{Strategy: s.Strategy, Field: f.Name, Reason: "missing and has no default"}
			}
			v = f.Default
		}
		typed, err := s.convert(f, v)
		if err != nil {
			return nil, err
		}
		ps[f.Name] = typed
	}
	return ps, s.Validate(ps)
}

// DecodeStrings converts string input, such as query parameters or CLI
// flags, into a typed parameter set.
func (s *Schema) DecodeStrings(raw map[string]string) (types.ParameterSet, error) {
	generic := make(map[string]any, len(raw))
	for k, v := range raw {
		generic[k] = v
	}
	return s.Decode(generic)
}

// Validate checks types and bounds of an already typed parameter set
func (s *Schema) Validate(ps types.ParameterSet) error {
	if err := s.rejectUnknown(keys(ps)); err != nil {
		return err
	}
	for _, f := range s.Fields {
		v, ok := ps[f.Name]
		if !ok {
			return &FieldError{Strategy: s.Strategy, Field: f.Name, Reason: "missing"}
		}
		if err := s.checkBounds(f, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) rejectUnknown(names []string) error {
	for _, name := range names {
		if _, ok := s.Field(name); !ok {
			return &FieldError{Strategy: s.Strategy, Field: name, Reason: "unknown field"}
		}
	}
	return nil
}

func (s *Schema) convert(f Field, v any) (any, error) {
	fail := func(format string, args ...any) error {
		return &FieldError{Strategy: s.Strategy, Field: f.Name, Reason: fmt.Sprintf(format, args...)}
	}

	switch f.Type {
	case Int:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
				return nil, fail("%v is not an integer", x)
			}
			return int(x), nil
		case json.Number:
			n, err := x.Int64()
			if err != nil {
				return nil, fail("%q is not an integer", x)
			}
			return int(n), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(x))
			if err != nil {
				return nil, fail("%q is not an integer", x)
			}
			return n, nil
		}
	case Float:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			n, err := x.Float64()
			if err != nil {
				return nil, fail("%q is not a number", x)
			}
			return n, nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fail("%q is not a number", x)
			}
			return n, nil
		}
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fail("%q is not a boolean", x)
			}
			return b, nil
		}
	case String:
		if x, ok := v.(string); ok {
			return x, nil
		}
	default:
		return nil, fail("undeclared type %q", f.Type)
	}
	return nil, fail("cannot use %T as %s", v, f.Type)
}

func (s *Schema) checkBounds(f Field, v any) error {
	fail := func(format string, args ...any) error {
		return &FieldError{Strategy: s.Strategy, Field: f.Name, Reason: fmt.Sprintf(format, args...)}
	}

	var x float64
	switch f.Type {
	case Int:
		n, ok := v.(int)
		if !ok {
			return fail("is %T, want int", v)
		}
		x = float64(n)
	case Float:
		n, ok := v.(float64)
		if !ok {
			return fail("is %T, want float", v)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return fail("must be finite")
		}
		x = n
	case Bool:
		if _, ok := v.(bool); !ok {
			return fail("is %T, want bool", v)
		}
		return nil
	case String:
		str, ok := v.(string)
		if !ok {
			return fail("is %T, want string", v)
		}
		if len(f.Choices) > 0 && !contains(f.Choices, str) {
			return fail("%q not in %v", str, f.Choices)
		}
		return nil
	}

	if f.Min != 0 || f.Max != 0 {
		if x < f.Min || x > f.Max {
			return fail("%v outside [%v, %v]", x, f.Min, f.Max)
		}
	}
	return nil
}

// Registry is an explicitly constructed strategy → schema lookup
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates a registry holding the given schemas
func NewRegistry(schemas ...*Schema) *Registry {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		r.schemas[s.Strategy] = s
	}
	return r
}

// Register adds a schema; a strategy can be registered once
func (r *Registry) Register(s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.schemas[s.Strategy]; exists {
		return fmt.Errorf("strategy %s already registered", s.Strategy)
	}
	r.schemas[s.Strategy] = s
	return nil
}

// Lookup returns the schema of a strategy
func (r *Registry) Lookup(strategy string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	return s, nil
}

// Strategies lists registered strategy names in order
func (r *Registry) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func keys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
