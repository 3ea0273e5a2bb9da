// Package review manages the AI-rewrite review queue. Suggestions are
// generated for grade-D/F atoms and sit in the queue until a human approves,
// rejects or edits them; nothing touches a canonical atom except an
// approval, and approvals re-analyze rather than trusting the estimate.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mnemo/internal/config"
	"mnemo/internal/llm"
	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/quality"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Queue couples the store-backed review queue with the LLM rewriter.
type Queue struct {
	store     *store.Store
	generator llm.Generator // nil when no API key: enqueue degrades to error items
	analyzer  *quality.Analyzer
}

// New builds a review queue. generator may be nil.
func New(st *store.Store, generator llm.Generator, qcfg config.QualityConfig) *Queue {
	return &Queue{
		store:     st,
		generator: generator,
		analyzer:  quality.New(qcfg),
	}
}

// =============================================================================
// ENQUEUE
// =============================================================================

// Enqueue generates rewrite suggestions for every grade-D/F atom that does
// not already have an open queue item. When the LLM is unavailable the items
// are still enqueued with status=error so the pipeline keeps going and the
// queue shows what needs another pass.
func (q *Queue) Enqueue(ctx context.Context) (enqueued, failed int, err error) {
	atoms, err := q.store.ListAtoms(store.AtomFilter{NeedsRewrite: true, ExcludeSuperseded: true})
	if err != nil {
		return 0, 0, err
	}

	var items []types.ReviewQueueItem
	for i := range atoms {
		atom := &atoms[i]
		if err := ctx.Err(); err != nil {
			return enqueued, failed, err
		}

		pending, err := q.store.HasPendingReviewItem(atom.ID)
		if err != nil {
			return enqueued, failed, err
		}
		if pending {
			continue
		}

		item := types.ReviewQueueItem{
			ID:             uuid.NewString(),
			SourceAtomID:   atom.ID,
			RewriteType:    rewriteTypeFor(atom),
			OriginalIssues: atom.QualityIssues,
			OriginalGrade:  atom.QualityGrade,
			Status:         types.ReviewPending,
		}

		if genErr := q.suggest(ctx, atom, &item); genErr != nil {
			if errors.Is(genErr, context.Canceled) || errors.Is(genErr, context.DeadlineExceeded) {
				return enqueued, failed, genErr
			}
			logging.ReviewDebug("Suggestion for atom %s failed: %v", atom.ID, genErr)
			item.Status = types.ReviewError
			item.ReviewerNote = genErr.Error()
			failed++
		} else {
			enqueued++
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return 0, 0, nil
	}
	if err := q.store.EnqueueReviewItems(items); err != nil {
		return 0, 0, err
	}
	logging.Review("Enqueued %d rewrite suggestions (%d errored)", enqueued, failed)
	return enqueued, failed, nil
}

func rewriteTypeFor(atom *types.Atom) types.RewriteType {
	for _, issue := range atom.QualityIssues {
		if issue == types.IssueEnumerationDetected {
			return types.RewriteSplit
		}
	}
	return types.RewriteImprove
}

// suggest fills the item's suggestion fields from the LLM and re-scores the
// suggestion with the analyzer.
func (q *Queue) suggest(ctx context.Context, atom *types.Atom, item *types.ReviewQueueItem) error {
	if q.generator == nil {
		return llm.ErrUnavailable
	}

	switch item.RewriteType {
	case types.RewriteSplit:
		var resp splitResponse
		if err := q.generator.GenerateJSON(ctx, splitPrompt(atom), &resp); err != nil {
			return err
		}
		if len(resp.Cards) < 2 {
			return fmt.Errorf("split produced %d cards, need at least 2", len(resp.Cards))
		}
		worst := types.GradeA
		for _, card := range resp.Cards {
			if strings.TrimSpace(card.Front) == "" || strings.TrimSpace(card.Back) == "" {
				return fmt.Errorf("split produced an empty card")
			}
			item.SplitSuggestions = append(item.SplitSuggestions, types.SplitSuggestion{
				Front: card.Front, Back: card.Back,
			})
			report := q.analyzer.Analyze(card.Front, card.Back, atom.Type)
			if !report.Grade.AtLeast(worst) {
				worst = report.Grade
			}
		}
		item.EstimatedNewGrade = worst
	default:
		var resp improveResponse
		if err := q.generator.GenerateJSON(ctx, improvePrompt(atom), &resp); err != nil {
			return err
		}
		if strings.TrimSpace(resp.Front) == "" || strings.TrimSpace(resp.Back) == "" {
			return fmt.Errorf("rewrite produced empty content")
		}
		item.SuggestedFront = resp.Front
		item.SuggestedBack = resp.Back
		report := q.analyzer.Analyze(resp.Front, resp.Back, atom.Type)
		item.EstimatedNewGrade = report.Grade
	}
	return nil
}

// =============================================================================
// REVIEW OPERATIONS
// =============================================================================

// Approve applies a suggestion. Improve overwrites the source atom under
// optimistic lock and re-analyzes the final content; split supersedes the
// parent and inserts the children in one transaction, refusing unless every
// child re-grades at B or better.
func (q *Queue) Approve(itemID, note string) error {
	item, err := q.store.GetReviewItem(itemID)
	if err != nil {
		return err
	}
	if item.Status != types.ReviewPending && item.Status != types.ReviewEdited {
		return fmt.Errorf("review item %s is %s, not approvable", itemID, item.Status)
	}
	atom, err := q.store.GetAtom(item.SourceAtomID)
	if err != nil {
		return err
	}

	switch item.RewriteType {
	case types.RewriteSplit:
		err = q.approveSplit(item, atom, note)
	default:
		err = q.approveImprove(item, atom, note)
	}
	if err != nil {
		return err
	}
	metrics.ReviewActionsTotal.WithLabelValues("approve").Inc()
	return nil
}

func (q *Queue) approveImprove(item *types.ReviewQueueItem, atom *types.Atom, note string) error {
	updated := *atom
	updated.Front = item.SuggestedFront
	updated.Back = item.SuggestedBack
	report := q.analyzer.Analyze(updated.Front, updated.Back, updated.Type)
	quality.Apply(&updated, report)

	return q.store.ApproveImprove(item.ID, &updated, atom.Version, note)
}

func (q *Queue) approveSplit(item *types.ReviewQueueItem, parent *types.Atom, note string) error {
	if len(item.SplitSuggestions) == 0 {
		return fmt.Errorf("review item %s has no split suggestions", item.ID)
	}

	children := make([]types.Atom, 0, len(item.SplitSuggestions))
	for i, sug := range item.SplitSuggestions {
		child := types.Atom{
			ID:            uuid.NewString(),
			Front:         sug.Front,
			Back:          sug.Back,
			Type:          parent.Type,
			SectionID:     parent.SectionID,
			ConceptIDs:    parent.ConceptIDs,
			KnowledgeType: parent.KnowledgeType,
			Source:        types.SourceAIGenerated,
		}
		report := q.analyzer.Analyze(child.Front, child.Back, child.Type)
		if !report.Grade.AtLeast(types.GradeB) {
			reason := fmt.Sprintf("child %d re-graded %s (< B): %v", i+1, report.Grade, report.Issues)
			if err := q.store.TransitionReviewItem(item.ID, types.ReviewRejected, reason, nil); err != nil {
				return err
			}
			metrics.ReviewActionsTotal.WithLabelValues("reject").Inc()
			return fmt.Errorf("split rejected: %s", reason)
		}
		quality.Apply(&child, report)
		children = append(children, child)
	}

	return q.store.ApproveSplit(item.ID, parent.ID, parent.Version, children, note)
}

// Reject records a rejection with its reason. No atom is mutated.
func (q *Queue) Reject(itemID, reason string) error {
	item, err := q.store.GetReviewItem(itemID)
	if err != nil {
		return err
	}
	if item.Status == types.ReviewApproved || item.Status == types.ReviewRejected {
		return fmt.Errorf("review item %s already %s", itemID, item.Status)
	}
	if err := q.store.TransitionReviewItem(itemID, types.ReviewRejected, reason, nil); err != nil {
		return err
	}
	metrics.ReviewActionsTotal.WithLabelValues("reject").Inc()
	return nil
}

// Edit replaces the suggestion content. The item moves to edited and needs
// a fresh approval; the estimate is re-derived from the edited content.
func (q *Queue) Edit(itemID, front, back string, splits []types.SplitSuggestion) error {
	item, err := q.store.GetReviewItem(itemID)
	if err != nil {
		return err
	}
	if item.Status == types.ReviewApproved || item.Status == types.ReviewRejected {
		return fmt.Errorf("review item %s already %s", itemID, item.Status)
	}
	atom, err := q.store.GetAtom(item.SourceAtomID)
	if err != nil {
		return err
	}

	edited := *item
	switch item.RewriteType {
	case types.RewriteSplit:
		if len(splits) == 0 {
			return fmt.Errorf("split item %s requires edited cards", itemID)
		}
		edited.SplitSuggestions = splits
		worst := types.GradeA
		for _, s := range splits {
			report := q.analyzer.Analyze(s.Front, s.Back, atom.Type)
			if !report.Grade.AtLeast(worst) {
				worst = report.Grade
			}
		}
		edited.EstimatedNewGrade = worst
	default:
		if strings.TrimSpace(front) == "" || strings.TrimSpace(back) == "" {
			return fmt.Errorf("edited suggestion requires front and back")
		}
		edited.SuggestedFront = front
		edited.SuggestedBack = back
		report := q.analyzer.Analyze(front, back, atom.Type)
		edited.EstimatedNewGrade = report.Grade
	}

	if err := q.store.TransitionReviewItem(itemID, types.ReviewEdited, "edited by reviewer", &edited); err != nil {
		return err
	}
	metrics.ReviewActionsTotal.WithLabelValues("edit").Inc()
	return nil
}

// AutoApprove batch-approves pending improve suggestions whose estimated
// score improvement is at least minImprovement points. Splits always need a
// human eye.
func (q *Queue) AutoApprove(minImprovement int) (approved int, err error) {
	items, err := q.store.ListReviewItems(types.ReviewPending, 0)
	if err != nil {
		return 0, err
	}

	for _, item := range items {
		if item.RewriteType != types.RewriteImprove {
			continue
		}
		atom, err := q.store.GetAtom(item.SourceAtomID)
		if err != nil {
			logging.ReviewDebug("Auto-approve skipping %s: %v", item.ID, err)
			continue
		}
		origScore := q.analyzer.Analyze(atom.Front, atom.Back, atom.Type).Score
		newScore := q.analyzer.Analyze(item.SuggestedFront, item.SuggestedBack, atom.Type).Score
		if newScore-origScore < minImprovement {
			continue
		}
		if err := q.Approve(item.ID, fmt.Sprintf("auto-approved (+%d points)", newScore-origScore)); err != nil {
			if errors.Is(err, store.ErrStaleAtom) {
				logging.ReviewDebug("Auto-approve lost race on atom %s", atom.ID)
				continue
			}
			return approved, err
		}
		approved++
		metrics.ReviewActionsTotal.WithLabelValues("auto_approve").Inc()
	}
	logging.Review("Auto-approved %d suggestions (min improvement %d)", approved, minImprovement)
	return approved, nil
}
