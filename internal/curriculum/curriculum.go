// Package curriculum holds the loaded section hierarchy and concept graph.
// Sections form a tree up to three levels deep ("11" > "11.2" > "11.2.3");
// concept prerequisites form a DAG, and the loader refuses cyclic input
// naming the offending cycle rather than looping later.
package curriculum

import (
	"fmt"
	"sort"
	"strings"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Curriculum is the in-memory view over sections and concepts.
type Curriculum struct {
	sections map[string]*types.Section
	children map[string][]string // parent id -> ordered child ids
	concepts map[string]*types.Concept
}

// Loader is the slice of the store the curriculum needs.
type Loader interface {
	ListSections() ([]types.Section, error)
	ListConcepts() ([]types.Concept, error)
}

// Load reads sections and concepts from the store and validates the graph.
func Load(src Loader) (*Curriculum, error) {
	sections, err := src.ListSections()
	if err != nil {
		return nil, fmt.Errorf("failed to load sections: %w", err)
	}
	concepts, err := src.ListConcepts()
	if err != nil {
		return nil, fmt.Errorf("failed to load concepts: %w", err)
	}
	return New(sections, concepts)
}

// New builds a curriculum from already-fetched rows.
func New(sections []types.Section, concepts []types.Concept) (*Curriculum, error) {
	c := &Curriculum{
		sections: make(map[string]*types.Section, len(sections)),
		children: make(map[string][]string),
		concepts: make(map[string]*types.Concept, len(concepts)),
	}

	for i := range sections {
		s := sections[i]
		c.sections[s.ID] = &s
	}
	for i := range sections {
		s := sections[i]
		if s.ParentID == "" {
			c.children[""] = append(c.children[""], s.ID)
			continue
		}
		if _, ok := c.sections[s.ParentID]; !ok {
			logging.MasteryDebug("Section %s references missing parent %s", s.ID, s.ParentID)
		}
		c.children[s.ParentID] = append(c.children[s.ParentID], s.ID)
	}
	for parent := range c.children {
		ids := c.children[parent]
		sort.Slice(ids, func(i, j int) bool {
			a, b := c.sections[ids[i]], c.sections[ids[j]]
			if a == nil || b == nil {
				return ids[i] < ids[j]
			}
			if a.DisplayOrder != b.DisplayOrder {
				return a.DisplayOrder < b.DisplayOrder
			}
			return a.ID < b.ID
		})
	}

	for i := range concepts {
		cp := concepts[i]
		c.concepts[cp.ID] = &cp
	}
	if cycle := findCycle(c.concepts); cycle != nil {
		return nil, fmt.Errorf("concept prerequisites contain a cycle: %s",
			strings.Join(cycle, " -> "))
	}

	return c, nil
}

// findCycle runs DFS over the prerequisite edges and returns the first cycle
// found, closed (first element repeated at the end), or nil.
func findCycle(concepts map[string]*types.Concept) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(concepts))

	ids := make([]string, 0, len(concepts))
	for id := range concepts {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic error output

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		if cp := concepts[id]; cp != nil {
			for _, pre := range cp.Prerequisites {
				if _, ok := concepts[pre]; !ok {
					continue // dangling reference, reported elsewhere
				}
				switch color[pre] {
				case gray:
					// Close the loop from pre's position on the stack.
					for i, s := range stack {
						if s == pre {
							cycle = append(append([]string{}, stack[i:]...), pre)
							return true
						}
					}
				case white:
					if visit(pre) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// =============================================================================
// LOOKUPS
// =============================================================================

// Section returns a section by id, nil when unknown.
func (c *Curriculum) Section(id string) *types.Section {
	return c.sections[id]
}

// HasSection reports whether the id names a known section.
func (c *Curriculum) HasSection(id string) bool {
	_, ok := c.sections[id]
	return ok
}

// Roots returns the top-level section ids in display order.
func (c *Curriculum) Roots() []string {
	return c.children[""]
}

// Children returns the ordered child ids of a section.
func (c *Curriculum) Children(id string) []string {
	return c.children[id]
}

// Descendants returns id plus every section below it, pre-order.
func (c *Curriculum) Descendants(id string) []string {
	out := []string{id}
	for _, child := range c.children[id] {
		out = append(out, c.Descendants(child)...)
	}
	return out
}

// Ancestors returns the chain of parents from id up to the root, nearest
// first. The id itself is not included.
func (c *Curriculum) Ancestors(id string) []string {
	var out []string
	cur := c.sections[id]
	for cur != nil && cur.ParentID != "" {
		out = append(out, cur.ParentID)
		cur = c.sections[cur.ParentID]
	}
	return out
}

// Concept returns a concept by id, nil when unknown.
func (c *Curriculum) Concept(id string) *types.Concept {
	return c.concepts[id]
}

// Confusables returns the confusable concept ids declared for any of the
// given concepts, deduplicated.
func (c *Curriculum) Confusables(conceptIDs []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range conceptIDs {
		cp := c.concepts[id]
		if cp == nil {
			continue
		}
		for _, conf := range cp.Confusables {
			if _, ok := seen[conf]; ok {
				continue
			}
			seen[conf] = struct{}{}
			out = append(out, conf)
		}
	}
	return out
}

// ConceptsInSection returns the ids of concepts attached to a section.
func (c *Curriculum) ConceptsInSection(sectionID string) []string {
	var out []string
	for id, cp := range c.concepts {
		if cp.SectionID == sectionID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
