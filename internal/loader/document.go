package loader

import (
	"fmt"
)

// Document is an ordered mapping from section name to section value.
// Readers receive deep copies, so a loaded document is never mutated by
// later stages.
type Document struct {
	// Path is the file the document was loaded from, if any.
	Path string

	keys     []string
	sections map[string]any
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{sections: make(map[string]any)}
}

// FromMap builds a document from a plain mapping. Section order is the
// order of keys, which for a Go map is unspecified; tests use it.
func FromMap(m map[string]any) *Document {
	doc := NewDocument()
	for k, v := range m {
		doc.set(k, CloneValue(v))
	}
	return doc
}

func (d *Document) set(name string, value any) {
	if _, exists := d.sections[name]; !exists {
		d.keys = append(d.keys, name)
	}
	d.sections[name] = value
}

// Sections returns section names in document order.
func (d *Document) Sections() []string {
	return append([]string(nil), d.keys...)
}

// Has reports whether the section is present.
func (d *Document) Has(name string) bool {
	_, ok := d.sections[name]
	return ok
}

// Section returns a deep copy of the named section.
func (d *Document) Section(name string) (any, bool) {
	v, ok := d.sections[name]
	if !ok {
		return nil, false
	}
	return CloneValue(v), true
}

// Map returns a deep copy of the named section as a mapping. An absent or
// null section yields an empty mapping.
func (d *Document) Map(name string) (map[string]any, error) {
	v, ok := d.sections[name]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("section %q: expected mapping, got %T", name, v)
	}
	return CloneMap(m), nil
}

// With returns a copy of the document with one section replaced.
func (d *Document) With(name string, value any) *Document {
	out := d.Clone()
	out.set(name, CloneValue(value))
	return out
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := &Document{
		Path:     d.Path,
		keys:     append([]string(nil), d.keys...),
		sections: make(map[string]any, len(d.sections)),
	}
	for k, v := range d.sections {
		out.sections[k] = CloneValue(v)
	}
	return out
}

// mergeFrom overlays other's sections on d. Mappings merge recursively;
// anything else is replaced. The include key itself is never merged.
func (d *Document) mergeFrom(other *Document) {
	for _, name := range other.keys {
		if name == IncludeKey {
			continue
		}
		over := other.sections[name]
		base, ok := d.sections[name]
		if bm, isMap := base.(map[string]any); ok && isMap {
			if om, overIsMap := over.(map[string]any); overIsMap {
				d.set(name, Merge(bm, om))
				continue
			}
		}
		d.set(name, CloneValue(over))
	}
}
