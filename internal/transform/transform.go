// Package transform maps staged source records onto canonical rows. The
// stage is idempotent: atoms upsert on (source, source_ref) and unchanged
// content is skipped, so re-running on the same staging state is a no-op.
// Rows missing required fields are skipped with a warning, never aborting
// the stage; a constraint violation rolls the whole batch back.
package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/notion"
	"mnemo/internal/quality"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Options configures a transform run.
type Options struct {
	// Collections limits the run; empty means every staged collection.
	Collections []string
	// Strict applies the analyzer's strict mode: hard-rejected content is
	// not persisted.
	Strict bool
}

// Result summarizes a transform run.
type Result struct {
	Created  int
	Updated  int
	Skipped  int
	Warnings int
	Sections int
	Concepts int
}

// Transformer maps staging to canonical rows.
type Transformer struct {
	store    *store.Store
	mapping  *Mapping
	analyzer *quality.Analyzer
}

// New builds a transformer. The analyzer grades atoms at transform time so
// every canonical row lands with a quality grade attached.
func New(st *store.Store, mapping *Mapping, qcfg config.QualityConfig) *Transformer {
	return &Transformer{
		store:    st,
		mapping:  mapping,
		analyzer: quality.New(qcfg),
	}
}

// Run transforms all (or the selected) staged collections.
func (t *Transformer) Run(ctx context.Context, opts Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryTransform, "transform run")
	defer timer.StopWithInfo()

	collections := opts.Collections
	if len(collections) == 0 {
		var err error
		collections, err = t.store.StagedCollections()
		if err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := t.runCollection(collection, opts, res); err != nil {
			return res, fmt.Errorf("transform of collection %s failed: %w", collection, err)
		}
	}
	logging.Transform("Transform complete: created=%d updated=%d skipped=%d warnings=%d",
		res.Created, res.Updated, res.Skipped, res.Warnings)
	return res, nil
}

func (t *Transformer) runCollection(collection string, opts Options, res *Result) error {
	records, err := t.store.ListStaged(collection)
	if err != nil {
		return err
	}
	cm := t.mapping.For(collection)

	switch cm.Kind {
	case KindSections:
		return t.transformSections(collection, records, cm, res)
	case KindConcepts:
		return t.transformConcepts(collection, records, cm, res)
	default:
		return t.transformAtoms(collection, records, cm, opts, res)
	}
}

// =============================================================================
// ATOMS
// =============================================================================

func (t *Transformer) transformAtoms(collection string, records []types.StagedRecord, cm CollectionMapping, opts Options, res *Result) error {
	var batch []types.Atom
	for _, rec := range records {
		if rec.Tombstoned {
			continue
		}
		props, err := notion.ParseProperties(rec.Payload)
		if err != nil {
			logging.TransformWarn("Skipping %s/%s: unparseable payload: %v", collection, rec.ExternalID, err)
			res.Warnings++
			continue
		}

		front := props.Text(field(cm.Fields.Front, "Front"))
		back := props.Text(field(cm.Fields.Back, "Back"))
		if strings.TrimSpace(front) == "" || strings.TrimSpace(back) == "" {
			logging.TransformWarn("Skipping %s/%s: missing front or back", collection, rec.ExternalID)
			res.Warnings++
			continue
		}

		typ := types.AtomType(strings.ToLower(props.Text(field(cm.Fields.Type, "Type"))))
		if !typ.Valid() {
			typ = types.TypeFlashcard
		}

		atom := types.Atom{
			ID:            uuid.NewString(),
			Front:         front,
			Back:          back,
			Type:          typ,
			SectionID:     props.Text(field(cm.Fields.Section, "Section")),
			ConceptIDs:    props.List(field(cm.Fields.Concepts, "Concepts")),
			KnowledgeType: knowledgeType(props.Text(field(cm.Fields.Knowledge, "Knowledge"))),
			Source:        types.SourceNotion,
			SourceRef:     rec.ExternalID,
		}

		report := t.analyzer.Analyze(atom.Front, atom.Back, atom.Type)
		if opts.Strict && report.Rejected {
			logging.TransformWarn("Rejecting %s/%s in strict mode: %v", collection, rec.ExternalID, report.Issues)
			res.Warnings++
			continue
		}
		quality.Apply(&atom, report)
		batch = append(batch, atom)
	}

	if len(batch) == 0 {
		return nil
	}
	upsert, err := t.store.UpsertAtoms(batch)
	if err != nil {
		return err
	}
	res.Created += upsert.Created
	res.Updated += upsert.Updated
	res.Skipped += upsert.Skipped
	return nil
}

func knowledgeType(s string) types.KnowledgeType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "procedural":
		return types.KnowledgeProcedural
	case "applicative", "applied":
		return types.KnowledgeApplicative
	default:
		return types.KnowledgeDeclarative
	}
}

// =============================================================================
// SECTIONS & CONCEPTS
// =============================================================================

func (t *Transformer) transformSections(collection string, records []types.StagedRecord, cm CollectionMapping, res *Result) error {
	var sections []types.Section
	for _, rec := range records {
		if rec.Tombstoned {
			continue
		}
		props, err := notion.ParseProperties(rec.Payload)
		if err != nil {
			logging.TransformWarn("Skipping %s/%s: unparseable payload: %v", collection, rec.ExternalID, err)
			res.Warnings++
			continue
		}
		title := props.Text(field(cm.Fields.Title, "Name"))
		if title == "" {
			logging.TransformWarn("Skipping %s/%s: missing title", collection, rec.ExternalID)
			res.Warnings++
			continue
		}

		sec := types.Section{
			ID:       sectionID(props, cm, rec.ExternalID),
			ParentID: props.Text(field(cm.Fields.Parent, "Parent")),
			Title:    title,
			Content:  props.Text(field(cm.Fields.Content, "Content")),
		}
		if lvl, ok := props.Number(field(cm.Fields.Level, "Level")); ok {
			sec.Level = int(lvl)
		} else {
			sec.Level = strings.Count(sec.ID, ".") + 1
		}
		if ord, ok := props.Number(field(cm.Fields.Order, "Order")); ok {
			sec.DisplayOrder = int(ord)
		}
		sections = append(sections, sec)
	}

	if len(sections) == 0 {
		return nil
	}
	if err := t.store.UpsertSections(sections); err != nil {
		return err
	}
	res.Sections += len(sections)
	return nil
}

// sectionID prefers an explicit coordinate property ("11.2.3"); otherwise
// the external id keeps rows stable across runs.
func sectionID(props notion.Properties, cm CollectionMapping, externalID string) string {
	if id := props.Text("ID"); id != "" {
		return id
	}
	return externalID
}

func (t *Transformer) transformConcepts(collection string, records []types.StagedRecord, cm CollectionMapping, res *Result) error {
	var concepts []types.Concept
	for _, rec := range records {
		if rec.Tombstoned {
			continue
		}
		props, err := notion.ParseProperties(rec.Payload)
		if err != nil {
			logging.TransformWarn("Skipping %s/%s: unparseable payload: %v", collection, rec.ExternalID, err)
			res.Warnings++
			continue
		}
		name := props.Text(field(cm.Fields.Name, "Name"))
		if name == "" {
			logging.TransformWarn("Skipping %s/%s: missing name", collection, rec.ExternalID)
			res.Warnings++
			continue
		}
		concepts = append(concepts, types.Concept{
			ID:            rec.ExternalID,
			Name:          name,
			SectionID:     props.Text(field(cm.Fields.Section, "Section")),
			Prerequisites: props.List(field(cm.Fields.Prerequisites, "Prerequisites")),
			Confusables:   props.List(field(cm.Fields.Confusables, "Confusables")),
		})
	}

	if len(concepts) == 0 {
		return nil
	}
	if err := t.store.UpsertConcepts(concepts); err != nil {
		return err
	}
	res.Concepts += len(concepts)
	return nil
}

func field(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}
