package builder

import (
	"fmt"
	"sort"

	"github.com/couchcryptid/vxingest/internal/domain"
	"github.com/couchcryptid/vxingest/internal/template"
)

// Builder type names as stored in ingest specifications.
const (
	TypeSQLObs      = "SqlObsBuilderV01"
	TypeGridModel   = "GribModelBuilderV01"
	TypeNetcdfObs   = "NetcdfMetarObsBuilderV01"
	TypeCTCModelOb  = "CTCModelObsBuilderV01"
	TypePartialSums = "PartialSumsSurfaceModelObsBuilderV01"
)

// Factory constructs a builder for one ingest specification.
type Factory func(spec domain.IngestSpec, env Env) (Builder, error)

type variant struct {
	factory Factory
	funcs   func() template.Funcs
	prepare func(domain.IngestSpec) domain.IngestSpec
	files   bool
}

var variants = map[string]variant{
	TypeSQLObs:      {factory: newSQLBuilder, funcs: func() template.Funcs { return (&sqlBuilder{}).funcs() }},
	TypeGridModel:   {factory: newGridBuilder, funcs: func() template.Funcs { return (&gridBuilder{}).funcs() }, files: true},
	TypeNetcdfObs:   {factory: newNetcdfBuilder, funcs: func() template.Funcs { return (&netcdfBuilder{}).funcs() }, files: true},
	TypeCTCModelOb:  {factory: newCTCBuilder, funcs: func() template.Funcs { return (&ctcBuilder{}).funcs() }, prepare: prepareCTCSpec},
	TypePartialSums: {factory: newSumsBuilder, funcs: func() template.Funcs { return (&sumsBuilder{}).funcs() }, prepare: preparePartialSumsSpec},
}

// Types returns the registered builder type names, sorted.
func Types() []string {
	names := make([]string, 0, len(variants))
	for n := range variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UsesFiles reports whether builders of the type take input file paths as
// units. Other builders take their ingest specification id.
func UsesFiles(builderType string) bool {
	return variants[builderType].files
}

// Capabilities returns the named-function table of a builder type without
// constructing the builder. The handlers must not be invoked.
func Capabilities(builderType string) (template.Funcs, error) {
	v, ok := variants[builderType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBuilder, builderType)
	}
	return v.funcs(), nil
}

// ValidateSpec checks that spec names a registered builder and that its
// template only calls functions that builder provides.
func ValidateSpec(spec domain.IngestSpec) error {
	v, ok := variants[spec.BuilderType]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownBuilder, spec.BuilderType)
	}
	if v.prepare != nil {
		spec = v.prepare(spec)
	}
	funcs := v.funcs()
	in := template.New(funcs, nil)
	if err := in.Validate(spec.Template); err != nil {
		return fmt.Errorf("ingest spec %s: %w", spec.ID, err)
	}
	return nil
}

// Registry resolves builders for one worker and keeps them for the
// worker's lifetime.
type Registry struct {
	env   Env
	built map[string]Builder
}

// NewRegistry creates a registry whose builders use env.
func NewRegistry(env Env) *Registry {
	return &Registry{env: env, built: make(map[string]Builder)}
}

// Resolve returns the builder for spec, constructing it on first use.
func (r *Registry) Resolve(spec domain.IngestSpec) (Builder, error) {
	key := spec.BuilderType + "|" + spec.ID
	if b, ok := r.built[key]; ok {
		return b, nil
	}
	v, ok := variants[spec.BuilderType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBuilder, spec.BuilderType)
	}
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	if v.prepare != nil {
		spec = v.prepare(spec)
	}
	b, err := v.factory(spec, r.env)
	if err != nil {
		return nil, fmt.Errorf("construct %s for %s: %w", spec.BuilderType, spec.ID, err)
	}
	r.built[key] = b
	return b, nil
}
