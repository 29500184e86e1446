package domain

import (
	"sort"
	"strings"
)

// Document is one output or metadata document as a JSON-shaped mapping.
type Document map[string]any

// ID returns the document's "id" field, or "" when absent.
func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

// Clone returns a deep copy of the document's nested maps and slices.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// DocumentMap accumulates the documents produced from one input unit,
// keyed by derived id.
type DocumentMap map[string]Document

// Put stores doc under id and stamps the id onto the document so file
// output stays importable.
func (m DocumentMap) Put(id string, doc Document) {
	doc["id"] = id
	m[id] = doc
}

// IDs returns the map's keys in sorted order.
func (m DocumentMap) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Values returns the documents ordered by id.
func (m DocumentMap) Values() []Document {
	out := make([]Document, 0, len(m))
	for _, id := range m.IDs() {
		out = append(out, m[id])
	}
	return out
}

// ByDataType groups documents by the first segment of their id.
func (m DocumentMap) ByDataType() map[string][]Document {
	groups := make(map[string][]Document)
	for _, id := range m.IDs() {
		key := DataTypeKey(id)
		groups[key] = append(groups[key], m[id])
	}
	return groups
}

// Merge copies every document of other into m, overwriting equal ids.
func (m DocumentMap) Merge(other DocumentMap) {
	for id, doc := range other {
		m[id] = doc
	}
}

// DataTypeKey returns the leading segment of a colon-delimited id
// ("DD", "MD", "DF", "LJ").
func DataTypeKey(id string) string {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i]
	}
	return id
}
