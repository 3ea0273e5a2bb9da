// Package dedup finds duplicate atoms without mutating them. Three passes:
// exact (normalized hash), fuzzy (token-set similarity with blocking), and
// semantic (embedding cosine) when an embedder is available. Resolved groups
// stay resolved: their pairs are excluded from re-detection.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"mnemo/internal/llm"
	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Options configures a detection run.
type Options struct {
	FuzzyThreshold    float64 // default 0.85
	SemanticThreshold float64 // default 0.92
	Semantic          bool    // attempt the embedding pass
}

// Detector runs duplicate detection over the canonical atom set.
type Detector struct {
	store    *store.Store
	embedder llm.Embedder // nil when no API key; semantic degrades to fuzzy
}

// New builds a detector. embedder may be nil.
func New(st *store.Store, embedder llm.Embedder) *Detector {
	return &Detector{store: st, embedder: embedder}
}

// Run detects duplicates among all non-superseded atoms and persists new
// groups. Returns the groups found this run.
func (d *Detector) Run(ctx context.Context, opts Options) ([]types.DuplicateGroup, error) {
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.85
	}
	if opts.SemanticThreshold <= 0 {
		opts.SemanticThreshold = 0.92
	}

	atoms, err := d.store.ListAtoms(store.AtomFilter{ExcludeSuperseded: true})
	if err != nil {
		return nil, fmt.Errorf("failed to load atoms: %w", err)
	}
	resolved, err := d.store.ResolvedPairs()
	if err != nil {
		return nil, fmt.Errorf("failed to load resolved pairs: %w", err)
	}
	open, err := d.store.ListDuplicateGroups(false)
	if err != nil {
		return nil, fmt.Errorf("failed to load open groups: %w", err)
	}
	known := make(map[string]struct{}, len(resolved))
	for k := range resolved {
		known[k] = struct{}{}
	}
	for _, g := range open {
		for i := 0; i < len(g.AtomIDs); i++ {
			for j := i + 1; j < len(g.AtomIDs); j++ {
				known[store.PairKey(g.AtomIDs[i], g.AtomIDs[j])] = struct{}{}
			}
		}
	}

	timer := logging.StartTimer(logging.CategoryDedup, fmt.Sprintf("detect over %d atoms", len(atoms)))
	defer timer.StopWithInfo()

	groups := d.exactPass(atoms, known)
	groups = append(groups, d.fuzzyPass(atoms, known, opts.FuzzyThreshold)...)

	if opts.Semantic {
		semantic, err := d.semanticPass(ctx, atoms, known, opts.SemanticThreshold)
		if err != nil {
			logging.DedupDebug("Semantic pass skipped: %v", err)
			logging.Dedup("Semantic detection unavailable, fuzzy results stand alone")
		} else {
			groups = append(groups, semantic...)
		}
	}

	if len(groups) > 0 {
		if err := d.store.SaveDuplicateGroups(groups); err != nil {
			return nil, err
		}
	}
	for _, g := range groups {
		metrics.DuplicateGroupsTotal.WithLabelValues(string(g.Method)).Inc()
	}
	logging.Dedup("Detected %d duplicate groups (%d atoms scanned)", len(groups), len(atoms))
	return groups, nil
}

// =============================================================================
// EXACT PASS
// =============================================================================

// Normalize lower-cases, strips punctuation and collapses whitespace.
// Letters and digits of any script survive; content in Cyrillic, CJK or
// accented Latin keeps its identity instead of collapsing to the empty key.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		default:
			// punctuation dropped
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ContentHash is the exact-match key: FNV-64a over normalized front\x00back.
func ContentHash(front, back string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(Normalize(front)))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(back)))
	return h.Sum64()
}

func (d *Detector) exactPass(atoms []types.Atom, known map[string]struct{}) []types.DuplicateGroup {
	buckets := make(map[uint64][]string)
	for _, a := range atoms {
		h := ContentHash(a.Front, a.Back)
		buckets[h] = append(buckets[h], a.ID)
	}

	var groups []types.DuplicateGroup
	for _, ids := range buckets {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		if allPairsKnown(ids, known) {
			continue
		}
		markPairs(ids, known)
		groups = append(groups, types.DuplicateGroup{
			ID:         uuid.NewString(),
			AtomIDs:    ids,
			Method:     types.DetectExact,
			Similarity: 1.0,
		})
	}
	sortGroups(groups)
	return groups
}

// =============================================================================
// FUZZY PASS
// =============================================================================

// Similarity is the token-set Dice coefficient over the normalized
// concatenation of front and back. Symmetric by construction.
func Similarity(a, b *types.Atom) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	common := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

func tokenSet(a *types.Atom) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range strings.Fields(Normalize(a.Front + " " + a.Back)) {
		out[t] = struct{}{}
	}
	return out
}

// blockKey keeps the pairwise comparison near-linear: atoms only compete
// within their section, or failing that within their first normalized token.
func blockKey(a *types.Atom) string {
	if a.SectionID != "" {
		return "s:" + a.SectionID
	}
	fields := strings.Fields(Normalize(a.Front))
	if len(fields) > 0 {
		return "t:" + fields[0]
	}
	return "t:"
}

func (d *Detector) fuzzyPass(atoms []types.Atom, known map[string]struct{}, threshold float64) []types.DuplicateGroup {
	blocks := make(map[string][]*types.Atom)
	for i := range atoms {
		a := &atoms[i]
		blocks[blockKey(a)] = append(blocks[blockKey(a)], a)
	}

	var groups []types.DuplicateGroup
	for _, block := range blocks {
		sort.Slice(block, func(i, j int) bool { return block[i].ID < block[j].ID })
		for i := 0; i < len(block); i++ {
			for j := i + 1; j < len(block); j++ {
				a, b := block[i], block[j]
				if _, ok := known[store.PairKey(a.ID, b.ID)]; ok {
					continue
				}
				sim := Similarity(a, b)
				if sim < threshold || sim == 1.0 {
					continue // exact matches belong to the exact pass
				}
				ids := []string{a.ID, b.ID}
				markPairs(ids, known)
				groups = append(groups, types.DuplicateGroup{
					ID:         uuid.NewString(),
					AtomIDs:    ids,
					Method:     types.DetectFuzzy,
					Similarity: sim,
				})
			}
		}
	}
	sortGroups(groups)
	return groups
}

// =============================================================================
// SEMANTIC PASS
// =============================================================================

func (d *Detector) semanticPass(ctx context.Context, atoms []types.Atom, known map[string]struct{}, threshold float64) ([]types.DuplicateGroup, error) {
	if d.embedder == nil {
		return nil, llm.ErrUnavailable
	}

	if err := d.backfillEmbeddings(ctx, atoms); err != nil {
		return nil, err
	}
	embeddings, err := d.store.AllEmbeddings()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*types.Atom, len(atoms))
	ids := make([]string, 0, len(atoms))
	for i := range atoms {
		if _, ok := embeddings[atoms[i].ID]; ok {
			byID[atoms[i].ID] = &atoms[i]
			ids = append(ids, atoms[i].ID)
		}
	}
	sort.Strings(ids)

	var groups []types.DuplicateGroup
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := ids[i], ids[j]
			if _, ok := known[store.PairKey(a, b)]; ok {
				continue
			}
			sim := store.CosineSimilarity(embeddings[a], embeddings[b])
			if sim < threshold {
				continue
			}
			// Skip pairs the fuzzy pass would already catch.
			if Similarity(byID[a], byID[b]) >= 0.85 {
				continue
			}
			pair := []string{a, b}
			markPairs(pair, known)
			groups = append(groups, types.DuplicateGroup{
				ID:         uuid.NewString(),
				AtomIDs:    pair,
				Method:     types.DetectSemantic,
				Similarity: sim,
			})
		}
	}
	sortGroups(groups)
	return groups, nil
}

const embedBatchSize = 50

func (d *Detector) backfillEmbeddings(ctx context.Context, atoms []types.Atom) error {
	missing, err := d.store.MissingEmbeddings(d.embedder.Model())
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	byID := make(map[string]*types.Atom, len(atoms))
	for i := range atoms {
		byID[atoms[i].ID] = &atoms[i]
	}

	logging.Dedup("Backfilling %d embeddings", len(missing))
	for start := 0; start < len(missing); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]
		texts := make([]string, 0, len(batch))
		kept := make([]string, 0, len(batch))
		for _, id := range batch {
			if a, ok := byID[id]; ok {
				texts = append(texts, a.Front+"\n"+a.Back)
				kept = append(kept, id)
			}
		}
		if len(texts) == 0 {
			continue
		}
		vecs, err := d.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, id := range kept {
			if err := d.store.SaveEmbedding(id, vecs[i], d.embedder.Model()); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func allPairsKnown(ids []string, known map[string]struct{}) bool {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if _, ok := known[store.PairKey(ids[i], ids[j])]; !ok {
				return false
			}
		}
	}
	return true
}

func markPairs(ids []string, known map[string]struct{}) {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			known[store.PairKey(ids[i], ids[j])] = struct{}{}
		}
	}
}

// sortGroups orders groups by their lowest atom id so detection output is
// stable run to run.
func sortGroups(groups []types.DuplicateGroup) {
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].AtomIDs[0] < groups[j].AtomIDs[0]
	})
}
