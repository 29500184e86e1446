package template

import (
	"github.com/couchcryptid/vxingest/internal/domain"
)

// Source is the builder-specific view the interpreter resolves field
// references against. Builders scope a Source to one document or to one
// data entry of that document.
type Source interface {
	Field(name string) (any, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(name string) (any, error)

// Field implements Source.
func (f SourceFunc) Field(name string) (any, error) { return f(name) }

// MapSource resolves fields from a plain mapping.
type MapSource map[string]any

// Field implements Source.
func (m MapSource) Field(name string) (any, error) {
	v, ok := m[name]
	if !ok {
		return nil, fieldNotFound(name)
	}
	return v, nil
}

// Param is one resolved named-function parameter.
type Param struct {
	Name  string
	Value any
}

// Params holds a call's parameters in template order.
type Params []Param

// Get returns the value of the named parameter.
func (p Params) Get(name string) (any, bool) {
	for _, e := range p {
		if e.Name == name {
			return e.Value, true
		}
	}
	return nil, false
}

// Float returns the named parameter as a float64. Missing, null, and NaN
// values report false.
func (p Params) Float(name string) (float64, bool) {
	v, ok := p.Get(name)
	if !ok {
		return 0, false
	}
	return domain.AsFloat(v)
}

// String returns the named parameter formatted as a string.
func (p Params) String(name string) string {
	v, _ := p.Get(name)
	return domain.FormatValue(v)
}

// First returns the first parameter.
func (p Params) First() (Param, bool) {
	if len(p) == 0 {
		return Param{}, false
	}
	return p[0], true
}

// Func is a typed named-function handler. It receives the Source of the
// document or entry being synthesized and the resolved parameters.
type Func func(src Source, params Params) (any, error)

// Funcs is a builder's capability table: function name to handler.
type Funcs map[string]Func

// Merge returns a table holding f's entries overlaid by other's.
func (f Funcs) Merge(other Funcs) Funcs {
	out := make(Funcs, len(f)+len(other))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
