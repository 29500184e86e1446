package domain

import "fmt"

// Reserved template keys.
const (
	TemplateIDKey   = "id"
	TemplateDataKey = "data"
)

// Template is a nested mapping describing how to build one output document.
// String leaves are literals, field references ("*name", "*{ISO}name"), or
// named-function calls ("&func|*param1,*param2"). The "data" key holds a
// single-entry sub-template that is expanded once per data entry.
type Template map[string]any

// IDPattern returns the template's id pattern.
func (t Template) IDPattern() string {
	s, _ := t[TemplateIDKey].(string)
	return s
}

// Subset returns the template's subset literal, e.g. "METAR".
func (t Template) Subset() string {
	s, _ := t["subset"].(string)
	return s
}

// HasData reports whether the template carries a data sub-template.
func (t Template) HasData() bool {
	_, ok := t[TemplateDataKey]
	return ok
}

// Data returns the key pattern and element template of the data
// sub-template.
func (t Template) Data() (string, map[string]any, error) {
	raw, ok := t[TemplateDataKey]
	if !ok {
		return "", nil, fmt.Errorf("template has no %q key", TemplateDataKey)
	}
	sub, ok := raw.(map[string]any)
	if !ok || len(sub) != 1 {
		return "", nil, fmt.Errorf("%q must hold exactly one key/value template", TemplateDataKey)
	}
	for key, elem := range sub {
		em, ok := elem.(map[string]any)
		if !ok {
			return "", nil, fmt.Errorf("data element template for %q is %T, want mapping", key, elem)
		}
		return key, em, nil
	}
	return "", nil, nil
}

// Validate checks the structural rules every builder relies on.
func (t Template) Validate() error {
	if t.IDPattern() == "" {
		return fmt.Errorf("template %w", ErrNoDerivedID)
	}
	if t.HasData() {
		if _, _, err := t.Data(); err != nil {
			return err
		}
	}
	return nil
}
