// Package pipeline orchestrates the cleaning stages: Transform -> Analyze ->
// Detect -> EnqueueRewrite (optional) -> Summary. Stages run sequentially;
// the Analyze stage fans batches out over a worker pool. Completed stages are
// recorded in the stage log so --resume can skip them.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/config"
	"mnemo/internal/dedup"
	"mnemo/internal/llm"
	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/quality"
	"mnemo/internal/review"
	"mnemo/internal/store"
	"mnemo/internal/transform"
	"mnemo/internal/types"
)

const batchSize = 500

// Stage names as recorded in the stage log.
const (
	StageTransform = "transform"
	StageAnalyze   = "analyze"
	StageDetect    = "detect"
	StageRewrite   = "rewrite"
)

// Options configures one pipeline run.
type Options struct {
	// EnableRewrite enqueues AI rewrite suggestions for low-grade atoms.
	EnableRewrite bool
	// MinGrade is the rewrite threshold: atoms below it are flagged for
	// rewrite. Defaults to C (the D/F band lands in the queue).
	MinGrade types.Grade
	// DryRun analyzes in memory without persisting grades, duplicate groups
	// or staged transforms.
	DryRun bool
	// Resume continues the latest unfinished run, skipping completed stages.
	Resume bool
	// Strict applies the analyzer's hard-rejection mode during transform.
	Strict bool
}

// Summary is what a pipeline run reports back.
type Summary struct {
	Run          *types.SyncRun
	Transform    *transform.Result
	Graded       int
	Distribution map[types.Grade]int
	Duplicates   int
	Enqueued     int
	Skipped      []string // stages skipped by --resume or --dry-run
}

// Runner wires the pipeline stages together.
type Runner struct {
	store       *store.Store
	transformer *transform.Transformer
	detector    *dedup.Detector
	queue       *review.Queue
	analyzer    *quality.Analyzer
}

// New builds a pipeline runner. generator and embedder may be nil; rewrite
// enqueueing and semantic dedup degrade accordingly.
func New(st *store.Store, mapping *transform.Mapping, qcfg config.QualityConfig, generator llm.Generator, embedder llm.Embedder) *Runner {
	return &Runner{
		store:       st,
		transformer: transform.New(st, mapping, qcfg),
		detector:    dedup.New(st, embedder),
		queue:       review.New(st, generator, qcfg),
		analyzer:    quality.New(qcfg),
	}
}

// Run executes the pipeline. Non-fatal stage problems accumulate as warnings
// and degrade the final status to completed_with_warnings; a fatal error
// marks the run failed with the stage that broke.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.MinGrade == "" {
		opts.MinGrade = types.GradeC
	}

	run, done, err := r.openRun(opts)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Run: run, Distribution: make(map[types.Grade]int)}

	timer := logging.StartTimer(logging.CategoryTransform, "cleaning pipeline")
	defer timer.StopWithInfo()

	fatal := r.runStages(ctx, opts, run, done, summary)

	switch {
	case fatal == nil && run.Warnings == 0:
		run.Status = types.RunCompleted
	case fatal == nil:
		run.Status = types.RunCompletedWithWarnings
	case ctx.Err() != nil:
		run.Status = types.RunCancelled
		run.ErrorMessage = "cancelled"
	default:
		run.Status = types.RunFailed
		run.ErrorMessage = fatal.Error()
	}
	if err := r.store.FinishRun(run); err != nil {
		logging.TransformWarn("Failed to record pipeline run %s: %v", run.ID, err)
	}

	logging.Transform("Pipeline run %s: %s", run.ID, store.RunSummary(run))
	if fatal != nil {
		return summary, fatal
	}
	return summary, nil
}

// openRun creates a fresh run record, or picks up the latest unfinished one
// when resuming.
func (r *Runner) openRun(opts Options) (*types.SyncRun, map[string]types.StageRecord, error) {
	done := map[string]types.StageRecord{}

	if opts.Resume {
		last, err := r.store.LatestRun(store.RunKindClean)
		if err == nil && last.Status != types.RunCompleted {
			done, err = r.store.CompletedStages(last.ID)
			if err != nil {
				return nil, nil, err
			}
			logging.Transform("Resuming pipeline run %s (%d stages already done)",
				last.ID, len(done))
			last.ErrorMessage = ""
			return last, done, nil
		}
		logging.Transform("Nothing to resume, starting a fresh run")
	}

	run := &types.SyncRun{
		ID:        uuid.NewString(),
		Status:    types.RunRunning,
		StartedAt: time.Now(),
	}
	if err := r.store.CreateRun(store.RunKindClean, run); err != nil {
		return nil, nil, err
	}
	return run, done, nil
}

func (r *Runner) runStages(ctx context.Context, opts Options, run *types.SyncRun, done map[string]types.StageRecord, summary *Summary) error {
	type stage struct {
		name string
		skip string // non-empty = skip with this reason
		fn   func(context.Context) (processed, warnings int, err error)
	}

	stages := []stage{
		{
			name: StageTransform,
			skip: dryRunSkip(opts.DryRun),
			fn: func(ctx context.Context) (int, int, error) {
				res, err := r.transformer.Run(ctx, transform.Options{Strict: opts.Strict})
				if res != nil {
					summary.Transform = res
					run.Created += res.Created
					run.Updated += res.Updated
					return res.Created + res.Updated + res.Skipped, res.Warnings, err
				}
				return 0, 0, err
			},
		},
		{
			name: StageAnalyze,
			fn: func(ctx context.Context) (int, int, error) {
				return r.analyzeStage(ctx, opts, summary)
			},
		},
		{
			name: StageDetect,
			skip: dryRunSkip(opts.DryRun),
			fn: func(ctx context.Context) (int, int, error) {
				groups, err := r.detector.Run(ctx, dedup.Options{Semantic: true})
				summary.Duplicates = len(groups)
				return len(groups), 0, err
			},
		},
		{
			name: StageRewrite,
			skip: rewriteSkip(opts),
			fn: func(ctx context.Context) (int, int, error) {
				enqueued, failed, err := r.queue.Enqueue(ctx)
				summary.Enqueued = enqueued
				return enqueued, failed, err
			},
		},
	}

	for _, st := range stages {
		if rec, ok := done[st.name]; ok && rec.Status == types.RunCompleted {
			logging.Transform("Stage %s already complete, skipping", st.name)
			summary.Skipped = append(summary.Skipped, st.name)
			continue
		}
		if st.skip != "" {
			logging.Transform("Stage %s skipped: %s", st.name, st.skip)
			summary.Skipped = append(summary.Skipped, st.name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		processed, warnings, err := st.fn(ctx)
		run.Warnings += warnings
		if err != nil {
			// A failed stage is recorded so --resume re-runs it, not its
			// predecessors.
			if markErr := r.store.MarkStageComplete(run.ID, st.name, types.RunFailed, processed, warnings); markErr != nil {
				logging.TransformWarn("Failed to record stage %s: %v", st.name, markErr)
			}
			return fmt.Errorf("stage %s: %w", st.name, err)
		}

		status := types.RunCompleted
		if warnings > 0 {
			status = types.RunCompletedWithWarnings
		}
		if err := r.store.MarkStageComplete(run.ID, st.name, status, processed, warnings); err != nil {
			logging.TransformWarn("Failed to record stage %s: %v", st.name, err)
		}
	}
	return nil
}

func dryRunSkip(dryRun bool) string {
	if dryRun {
		return "dry run"
	}
	return ""
}

func rewriteSkip(opts Options) string {
	if opts.DryRun {
		return "dry run"
	}
	if !opts.EnableRewrite {
		return "rewrite disabled"
	}
	return ""
}

// =============================================================================
// ANALYZE STAGE
// =============================================================================

// analyzeStage re-grades every non-superseded atom. Batches feed a worker
// pool sized to the CPU count through a bounded channel, so the producer
// blocks once more than twice the worker count of batches are queued.
func (r *Runner) analyzeStage(ctx context.Context, opts Options, summary *Summary) (int, int, error) {
	atoms, err := r.store.ListAtoms(store.AtomFilter{ExcludeSuperseded: true})
	if err != nil {
		return 0, 0, err
	}
	if len(atoms) == 0 {
		return 0, 0, nil
	}

	workers := runtime.GOMAXPROCS(0)
	batches := make(chan []types.Atom, 2*workers)

	var (
		mu           sync.Mutex
		graded       int
		warnings     int
		distribution = make(map[types.Grade]int)
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for batch := range batches {
				localDist := make(map[types.Grade]int, 5)
				localWarn := 0
				for i := range batch {
					atom := &batch[i]
					if err := gctx.Err(); err != nil {
						return err
					}

					report := r.analyzer.Analyze(atom.Front, atom.Back, atom.Type)
					flags := atom.Flags
					flags.IsAtomic = report.IsAtomic
					flags.IsVerbose = report.IsVerbose
					flags.NeedsSplit = report.NeedsSplit
					flags.NeedsRewrite = !report.Grade.AtLeast(opts.MinGrade)

					if !opts.DryRun {
						if err := r.store.UpdateQuality(atom.ID, report.Grade, report.Score,
							report.Issues, flags, quality.Version); err != nil {
							logging.TransformWarn("Failed to persist grade for atom %s: %v", atom.ID, err)
							localWarn++
							continue
						}
					}
					localDist[report.Grade]++
					metrics.AtomsGradedTotal.WithLabelValues(string(report.Grade)).Inc()
				}

				mu.Lock()
				for grade, n := range localDist {
					distribution[grade] += n
					graded += n
				}
				warnings += localWarn
				mu.Unlock()
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(batches)
		for start := 0; start < len(atoms); start += batchSize {
			end := start + batchSize
			if end > len(atoms) {
				end = len(atoms)
			}
			select {
			case batches <- atoms[start:end]:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return graded, warnings, err
	}

	summary.Graded = graded
	summary.Distribution = distribution
	logging.Transform("Analyzed %d atoms: %s", graded, formatDistribution(distribution))
	return graded, warnings, nil
}

func formatDistribution(dist map[types.Grade]int) string {
	grades := make([]string, 0, len(dist))
	for g := range dist {
		grades = append(grades, string(g))
	}
	sort.Strings(grades)
	parts := make([]string, len(grades))
	for i, g := range grades {
		parts[i] = fmt.Sprintf("%s=%d", g, dist[types.Grade(g)])
	}
	return strings.Join(parts, " ")
}
