package ingest

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/anki"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// =============================================================================
// ANKI PULL / PUSH
// =============================================================================

const ankiNoteModel = "Basic"

// AnkiSource is the slice of the AnkiConnect client pull/push need.
type AnkiSource interface {
	DeckNames(ctx context.Context) ([]string, error)
	CreateDeck(ctx context.Context, name string) error
	FindNotes(ctx context.Context, deck string) ([]int64, error)
	NotesInfo(ctx context.Context, ids []int64) ([]anki.NoteInfo, error)
	CardsInfo(ctx context.Context, ids []int64) ([]anki.CardInfo, error)
	AddNote(ctx context.Context, n anki.Note) (int64, error)
	UpdateNoteFields(ctx context.Context, n anki.Note) error
}

// AnkiImporter pulls notes from a deck into canonical atoms and pushes
// quality-gated atoms back out.
type AnkiImporter struct {
	store  *store.Store
	client AnkiSource
	deck   string
}

// NewAnkiImporter builds the importer for one deck.
func NewAnkiImporter(st *store.Store, client AnkiSource, deck string) *AnkiImporter {
	if deck == "" {
		deck = "mnemo"
	}
	return &AnkiImporter{store: st, client: client, deck: deck}
}

// Pull imports the deck's notes as atoms. Scheduling stats seed the FSRS
// state so imported review history is not lost: ease factor maps onto
// difficulty, the current interval onto stability.
func (a *AnkiImporter) Pull(ctx context.Context) (created, updated int, err error) {
	noteIDs, err := a.client.FindNotes(ctx, a.deck)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list notes in deck %s: %w", a.deck, err)
	}
	if len(noteIDs) == 0 {
		logging.Sync("Anki pull: deck %s is empty", a.deck)
		return 0, 0, nil
	}

	notes, err := a.client.NotesInfo(ctx, noteIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch notes: %w", err)
	}

	var cardIDs []int64
	for _, n := range notes {
		cardIDs = append(cardIDs, n.Cards...)
	}
	cards, err := a.client.CardsInfo(ctx, cardIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch cards: %w", err)
	}
	statsByNote := make(map[int64]anki.CardInfo, len(cards))
	for _, c := range cards {
		// One note may have several cards; keep the most reviewed one.
		if cur, ok := statsByNote[c.NoteID]; !ok || c.Reps > cur.Reps {
			statsByNote[c.NoteID] = c
		}
	}

	var batch []types.Atom
	for _, n := range notes {
		front := anki.StripHTML(fieldValue(n, "Front"))
		back := anki.StripHTML(fieldValue(n, "Back"))
		if front == "" || back == "" {
			logging.SyncWarn("Skipping anki note %d: empty front or back", n.NoteID)
			continue
		}
		atom := types.Atom{
			ID:            uuid.NewString(),
			Front:         front,
			Back:          back,
			Type:          types.TypeFlashcard,
			KnowledgeType: types.KnowledgeDeclarative,
			Source:        types.SourceAnki,
			SourceRef:     strconv.FormatInt(n.NoteID, 10),
			FSRS:          fsrsFromCard(statsByNote[n.NoteID]),
		}
		batch = append(batch, atom)
	}

	res, err := a.store.UpsertAtoms(batch)
	if err != nil {
		return 0, 0, err
	}
	logging.Sync("Anki pull: %d notes -> created=%d updated=%d skipped=%d",
		len(notes), res.Created, res.Updated, res.Skipped)
	return res.Created, res.Updated, nil
}

// fsrsFromCard seeds FSRS state from Anki's SM-2 stats. Anki stores ease as
// factor×1000 in [1300, 2500+]; that range maps inversely onto difficulty
// [0,1]. The interval (days) becomes the stability estimate directly.
func fsrsFromCard(c anki.CardInfo) types.FSRSState {
	if c.Reps == 0 {
		return types.FSRSState{}
	}

	intervalDays := float64(c.Interval)
	if c.Interval < 0 {
		intervalDays = float64(-c.Interval) / 86400 // learning cards store seconds
	}
	if intervalDays < 0.25 {
		intervalDays = 0.25
	}

	difficulty := 0.5
	if c.Factor > 0 {
		difficulty = clamp01((2500 - float64(c.Factor)) / 1200)
	}

	now := time.Now()
	next := now.Add(time.Duration(intervalDays * 24 * float64(time.Hour)))
	return types.FSRSState{
		StabilityDays:  math.Min(intervalDays, 365),
		Difficulty:     difficulty,
		Retrievability: 0.90,
		ReviewCount:    c.Reps,
		Lapses:         c.Lapses,
		LastReview:     &now,
		NextReview:     &next,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func fieldValue(n anki.NoteInfo, name string) string {
	if f, ok := n.Fields[name]; ok {
		return f.Value
	}
	return ""
}

// Push exports atoms at or above minGrade to the deck. Atoms that came from
// Anki update their source note; everything else becomes a new note tagged
// "mnemo".
func (a *AnkiImporter) Push(ctx context.Context, minGrade types.Grade, dryRun bool) (added, changed int, err error) {
	if minGrade == "" {
		minGrade = types.GradeB
	}

	atoms, err := a.store.ListAtoms(store.AtomFilter{ExcludeSuperseded: true})
	if err != nil {
		return 0, 0, err
	}

	var exportable []types.Atom
	for _, atom := range atoms {
		if atom.QualityGrade != "" && atom.QualityGrade.AtLeast(minGrade) {
			exportable = append(exportable, atom)
		}
	}
	if len(exportable) == 0 {
		return 0, 0, nil
	}
	if dryRun {
		logging.Sync("Anki push (dry run): %d atoms would export to deck %s", len(exportable), a.deck)
		return len(exportable), 0, nil
	}

	decks, err := a.client.DeckNames(ctx)
	if err != nil {
		return 0, 0, err
	}
	if !contains(decks, a.deck) {
		if err := a.client.CreateDeck(ctx, a.deck); err != nil {
			return 0, 0, fmt.Errorf("failed to create deck %s: %w", a.deck, err)
		}
	}

	for _, atom := range exportable {
		if err := ctx.Err(); err != nil {
			return added, changed, err
		}
		fields := map[string]string{"Front": atom.Front, "Back": atom.Back}

		if atom.Source == types.SourceAnki && atom.SourceRef != "" {
			noteID, convErr := strconv.ParseInt(atom.SourceRef, 10, 64)
			if convErr == nil {
				if err := a.client.UpdateNoteFields(ctx, anki.Note{ID: noteID, Fields: fields}); err != nil {
					logging.SyncWarn("Failed to update anki note %d: %v", noteID, err)
					continue
				}
				changed++
				continue
			}
		}

		if _, err := a.client.AddNote(ctx, anki.Note{
			DeckName:  a.deck,
			ModelName: ankiNoteModel,
			Fields:    fields,
			Tags:      []string{"mnemo"},
		}); err != nil {
			logging.SyncWarn("Failed to add anki note for atom %s: %v", atom.ID, err)
			continue
		}
		added++
	}

	logging.Sync("Anki push: added=%d updated=%d (deck %s)", added, changed, a.deck)
	return added, changed, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
