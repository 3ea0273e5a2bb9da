package transform

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"mnemo/internal/logging"
)

// =============================================================================
// MAPPING TABLE (.mnemo/mappings.yaml)
// =============================================================================
//
// The mapping table names, per collection, which source property feeds which
// atom (or section) field. The built-in defaults cover the standard item and
// curriculum databases; a mappings.yaml overrides per collection.

// CollectionKind selects what a collection's rows become.
type CollectionKind string

const (
	KindAtoms    CollectionKind = "atoms"
	KindSections CollectionKind = "sections"
	KindConcepts CollectionKind = "concepts"
)

// FieldMap names the source properties for each target field. Empty entries
// fall back to the default property name of that field.
type FieldMap struct {
	// atoms
	Front     string `yaml:"front,omitempty"`
	Back      string `yaml:"back,omitempty"`
	Type      string `yaml:"type,omitempty"`
	Section   string `yaml:"section,omitempty"`
	Knowledge string `yaml:"knowledge,omitempty"`
	Concepts  string `yaml:"concepts,omitempty"`

	// sections
	Title   string `yaml:"title,omitempty"`
	Parent  string `yaml:"parent,omitempty"`
	Level   string `yaml:"level,omitempty"`
	Order   string `yaml:"order,omitempty"`
	Content string `yaml:"content,omitempty"`

	// concepts
	Name          string `yaml:"name,omitempty"`
	Prerequisites string `yaml:"prerequisites,omitempty"`
	Confusables   string `yaml:"confusables,omitempty"`
}

// CollectionMapping is one collection's transform rule.
type CollectionMapping struct {
	Kind   CollectionKind `yaml:"kind"`
	Fields FieldMap       `yaml:"fields"`
}

// Mapping is the whole table.
type Mapping struct {
	Collections map[string]CollectionMapping `yaml:"collections"`
}

// DefaultMapping covers the built-in database shapes.
func DefaultMapping() *Mapping {
	return &Mapping{
		Collections: map[string]CollectionMapping{
			"items": {
				Kind: KindAtoms,
				Fields: FieldMap{
					Front:     "Front",
					Back:      "Back",
					Type:      "Type",
					Section:   "Section",
					Knowledge: "Knowledge",
					Concepts:  "Concepts",
				},
			},
			"curriculum": {
				Kind: KindSections,
				Fields: FieldMap{
					Title:   "Name",
					Parent:  "Parent",
					Level:   "Level",
					Order:   "Order",
					Content: "Content",
				},
			},
			"concepts": {
				Kind: KindConcepts,
				Fields: FieldMap{
					Name:          "Name",
					Section:       "Section",
					Prerequisites: "Prerequisites",
					Confusables:   "Confusables",
				},
			},
		},
	}
}

// MappingPath returns the mapping file location under a workspace.
func MappingPath(workspace string) string {
	return filepath.Join(workspace, ".mnemo", "mappings.yaml")
}

// LoadMapping reads mappings.yaml, layering it over the defaults. A missing
// file yields the defaults unchanged.
func LoadMapping(workspace string) (*Mapping, error) {
	m := DefaultMapping()

	data, err := os.ReadFile(MappingPath(workspace))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping table: %w", err)
	}

	var override Mapping
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse mapping table: %w", err)
	}
	for name, cm := range override.Collections {
		m.Collections[name] = cm
	}
	logging.TransformDebug("Loaded mapping overrides for %d collections", len(override.Collections))
	return m, nil
}

// For returns the mapping for a collection; unmapped collections fall back
// to the item shape, since custom Notion databases are usually item-like.
func (m *Mapping) For(collection string) CollectionMapping {
	if cm, ok := m.Collections[collection]; ok {
		return cm
	}
	return m.Collections["items"]
}
