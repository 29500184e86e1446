package template

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"

	"github.com/couchcryptid/vxingest/internal/domain"
)

const isoModifier = "{ISO}"

// MergeFunc decides which element survives when two data entries of one
// document derive the same data key.
type MergeFunc func(doc domain.Document, existing, incoming map[string]any) map[string]any

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithMerge sets the policy for repeated data keys. The default keeps the
// incoming element.
func WithMerge(m MergeFunc) Option {
	return func(in *Interpreter) { in.merge = m }
}

// WithEntryName copies the derived data key into field of each element
// that does not set it itself.
func WithEntryName(field string) Option {
	return func(in *Interpreter) { in.nameField = field }
}

// Interpreter walks document templates and synthesizes documents against a
// Source, dispatching named functions through a fixed capability table.
type Interpreter struct {
	funcs     Funcs
	logger    *slog.Logger
	merge     MergeFunc
	nameField string
}

// New creates an Interpreter over the given capability table.
func New(funcs Funcs, logger *slog.Logger, opts ...Option) *Interpreter {
	in := &Interpreter{funcs: funcs, logger: logger}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Validate reports every named function t references that the capability
// table lacks, so a bad template fails at builder construction.
func (in *Interpreter) Validate(t domain.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	missing := map[string]struct{}{}
	check := func(s string) {
		if !strings.HasPrefix(s, "&") {
			return
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(s, "&"), "|")
		if _, ok := in.funcs[name]; !ok {
			missing[name] = struct{}{}
		}
	}
	for _, part := range strings.Split(t.IDPattern(), ":") {
		check(part)
	}
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			check(x)
		case map[string]any:
			for k, e := range x {
				check(k)
				walk(e)
			}
		case domain.Template:
			walk(map[string]any(x))
		case []any:
			for _, e := range x {
				walk(e)
			}
		}
	}
	for k, v := range t {
		if k == domain.TemplateIDKey {
			continue
		}
		walk(v)
	}
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(missing))
	for n := range missing {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %s", domain.ErrUnknownFunction, strings.Join(names, ", "))
}

// Emit synthesizes one document and stores it in dm under its derived id.
// A document whose id or fields cannot be resolved is logged and dropped.
func (in *Interpreter) Emit(dm domain.DocumentMap, t domain.Template, doc Source, entries iter.Seq[Source]) bool {
	id, out, err := in.Synthesize(t, doc, entries)
	if err != nil {
		in.logger.Warn("document dropped", "id_pattern", t.IDPattern(), "error", err)
		return false
	}
	dm.Put(id, out)
	return true
}

// Synthesize builds one document from t. Top-level values resolve against
// doc; the data sub-template is expanded once per entry and accumulated
// into a mapping keyed by the derived data key. The template's id pattern
// is not copied into the document; it only yields the returned id.
func (in *Interpreter) Synthesize(t domain.Template, doc Source, entries iter.Seq[Source]) (string, domain.Document, error) {
	id, err := in.DeriveID(t.IDPattern(), doc)
	if err != nil {
		return "", nil, err
	}

	out := domain.Document{}
	for key, val := range t {
		if key == domain.TemplateIDKey || key == domain.TemplateDataKey {
			continue
		}
		v, err := in.Translate(val, doc)
		if err != nil {
			return "", nil, fmt.Errorf("%s: key %q: %w", id, key, err)
		}
		out[key] = v
	}

	if !t.HasData() {
		return id, out, nil
	}
	keyTpl, elemTpl, err := t.Data()
	if err != nil {
		return "", nil, err
	}
	data := map[string]any{}
	if entries != nil {
		for entry := range entries {
			key, elem, err := in.Entry(keyTpl, elemTpl, entry)
			if err != nil {
				in.logger.Debug("data entry skipped", "id", id, "error", err)
				continue
			}
			if existing, ok := data[key].(map[string]any); ok && in.merge != nil {
				data[key] = in.merge(out, existing, elem)
				continue
			}
			data[key] = elem
		}
	}
	out[domain.TemplateDataKey] = data
	return id, out, nil
}

// Entry expands the data sub-template for one entry.
func (in *Interpreter) Entry(keyTpl string, elemTpl map[string]any, src Source) (string, map[string]any, error) {
	elem := make(map[string]any, len(elemTpl)+1)
	for k, v := range elemTpl {
		tv, err := in.Translate(v, src)
		if err != nil {
			return "", nil, fmt.Errorf("data field %q: %w", k, err)
		}
		elem[k] = tv
	}
	kv, err := in.Translate(keyTpl, src)
	if err != nil {
		return "", nil, fmt.Errorf("data key %q: %w", keyTpl, err)
	}
	key := domain.FormatValue(kv)
	if key == "" {
		return "", nil, fmt.Errorf("data key %q resolved empty", keyTpl)
	}
	if in.nameField != "" {
		if _, ok := elem[in.nameField]; !ok {
			elem[in.nameField] = key
		}
	}
	return key, elem, nil
}

// DeriveID substitutes each colon-separated part of pattern: named
// functions are called, field references resolved, literals kept.
func (in *Interpreter) DeriveID(pattern string, src Source) (string, error) {
	if pattern == "" {
		return "", domain.ErrNoDerivedID
	}
	parts := strings.Split(pattern, ":")
	for i, part := range parts {
		var (
			v   any
			err error
		)
		switch {
		case strings.HasPrefix(part, "&"):
			v, err = in.Call(part, src)
		case strings.Contains(part, "*"):
			v, err = in.translateString(part, src)
		default:
			continue
		}
		if err != nil {
			return "", fmt.Errorf("id part %q: %w", part, err)
		}
		s := domain.FormatValue(v)
		if s == "" {
			return "", fmt.Errorf("id part %q: %w", part, domain.ErrNoDerivedID)
		}
		parts[i] = s
	}
	return strings.Join(parts, ":"), nil
}

// Translate resolves one template value. Nested mappings are expanded
// recursively; other non-string values are returned unchanged.
func (in *Interpreter) Translate(v any, src Source) (any, error) {
	switch t := v.(type) {
	case string:
		return in.translateString(t, src)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			tv, err := in.Translate(e, src)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = tv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			tv, err := in.Translate(e, src)
			if err != nil {
				return nil, err
			}
			out[i] = tv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Call invokes a named function definition "&name|p1,p2". Parameters that
// start with "*" are resolved first; others pass through as literals.
func (in *Interpreter) Call(def string, src Source) (any, error) {
	name, raw, _ := strings.Cut(strings.TrimPrefix(def, "&"), "|")
	fn, ok := in.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFunction, name)
	}
	var params Params
	if raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if !strings.HasPrefix(p, "*") {
				params = append(params, Param{Name: p, Value: p})
				continue
			}
			v, err := in.translateString(p, src)
			if err != nil {
				return nil, fmt.Errorf("%s param %q: %w", name, p, err)
			}
			params = append(params, Param{Name: strings.TrimPrefix(p[1:], isoModifier), Value: v})
		}
	}
	return fn(src, params)
}

func (in *Interpreter) translateString(s string, src Source) (any, error) {
	if strings.HasPrefix(s, "&") {
		return in.Call(s, src)
	}
	if !strings.Contains(s, "*") {
		return s, nil
	}
	// A lone reference keeps the field's type and may name a variable with
	// spaces ("*2 metre temperature").
	if strings.HasPrefix(s, "*") && strings.Count(s, "*") == 1 {
		name, iso := splitISO(s[1:])
		v, err := src.Field(name)
		if err == nil {
			return formatRef(v, iso)
		}
		if !errors.Is(err, domain.ErrFieldNotFound) {
			return nil, err
		}
	}
	return in.compose(s, src)
}

// compose replaces every embedded reference in s with its string form.
func (in *Interpreter) compose(s string, src Source) (any, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '*' {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i + 1
		iso := strings.HasPrefix(s[j:], isoModifier)
		if iso {
			j += len(isoModifier)
		}
		k := j
		for k < len(s) && isNameByte(s[k]) {
			k++
		}
		if k == j {
			b.WriteByte('*')
			i++
			continue
		}
		v, err := src.Field(s[j:k])
		if err != nil {
			return nil, err
		}
		rv, err := formatRef(v, iso)
		if err != nil {
			return nil, err
		}
		b.WriteString(domain.FormatValue(rv))
		i = k
	}
	return b.String(), nil
}

func splitISO(name string) (string, bool) {
	if strings.HasPrefix(name, isoModifier) {
		return name[len(isoModifier):], true
	}
	return name, false
}

func formatRef(v any, iso bool) (any, error) {
	if !iso || v == nil {
		return v, nil
	}
	return domain.ConvertToISO(v)
}

func isNameByte(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func fieldNotFound(name string) error {
	return fmt.Errorf("%w: %s", domain.ErrFieldNotFound, name)
}
