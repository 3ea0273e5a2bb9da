// Package ingest pulls external source data into the staging table. The
// sync engine is checkpointed per collection: pages arrive cursor-ordered,
// batches commit transactionally, and the watermark only advances with a
// committed batch — a crash or cancel never loses acknowledged progress.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/notion"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

const batchSize = 100

// NotionSource is the slice of the Notion client the engine needs; the sync
// tests substitute a scripted fake here.
type NotionSource interface {
	QueryDatabase(ctx context.Context, databaseID, cursor string, sinceWatermark *time.Time) (*notion.QueryResult, error)
}

// Options configures one sync invocation.
type Options struct {
	Mode        types.SyncMode
	Collections []string // empty = all configured
	Parallel    bool
	DryRun      bool
	BatchSize   int    // 0 = default 100
	RunID       string // optional pre-assigned run id (async callers)
}

// Engine runs syncs against the configured collections.
type Engine struct {
	store     *store.Store
	source    NotionSource
	databases map[string]string // collection -> database id

	mu     sync.Mutex
	active map[string]context.CancelFunc // run id -> cancel
}

// New builds a sync engine.
func New(st *store.Store, source NotionSource, databases map[string]string) *Engine {
	return &Engine{
		store:     st,
		source:    source,
		databases: databases,
		active:    make(map[string]context.CancelFunc),
	}
}

// Cancel requests cooperative cancellation of a running sync. The run stops
// at the next batch boundary; the uncommitted batch is discarded.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.active[runID]
	if ok {
		cancel()
	}
	return ok
}

// Sync pulls the selected collections and records a SyncRun. The returned
// run carries final counts and status; the error repeats the fatal cause.
func (e *Engine) Sync(ctx context.Context, opts Options) (*types.SyncRun, error) {
	if opts.Mode == "" {
		opts.Mode = types.SyncIncremental
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = batchSize
	}

	collections := opts.Collections
	if len(collections) == 0 {
		for name := range e.databases {
			collections = append(collections, name)
		}
	}
	for _, c := range collections {
		if _, ok := e.databases[c]; !ok {
			return nil, fmt.Errorf("unknown collection %q (configured: %v)", c, configuredNames(e.databases))
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &types.SyncRun{
		ID:          runID,
		Mode:        opts.Mode,
		Collections: collections,
		Status:      types.RunRunning,
		StartedAt:   time.Now(),
	}
	if !opts.DryRun {
		if err := e.store.CreateRun(store.RunKindSync, run); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.active[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
	}()

	logging.Sync("Sync %s started: mode=%s collections=%v dry_run=%v",
		run.ID, opts.Mode, collections, opts.DryRun)

	var (
		statsMu sync.Mutex
		fatal   error
	)
	addStats := func(created, updated, tombstoned int) {
		statsMu.Lock()
		run.Created += created
		run.Updated += updated
		run.Tombstoned += tombstoned
		statsMu.Unlock()
	}

	if opts.Parallel {
		g, gctx := errgroup.WithContext(runCtx)
		for _, collection := range collections {
			collection := collection
			g.Go(func() error {
				c, u, tomb, err := e.syncCollection(gctx, collection, opts)
				addStats(c, u, tomb)
				return err
			})
		}
		fatal = g.Wait()
	} else {
		for _, collection := range collections {
			c, u, tomb, err := e.syncCollection(runCtx, collection, opts)
			addStats(c, u, tomb)
			if err != nil {
				fatal = err
				break
			}
		}
	}

	now := time.Now()
	run.CompletedAt = &now
	switch {
	case fatal == nil:
		run.Status = types.RunCompleted
		if run.Warnings > 0 {
			run.Status = types.RunCompletedWithWarnings
		}
	case errors.Is(fatal, context.Canceled):
		run.Status = types.RunCancelled
		run.ErrorMessage = "cancelled"
	default:
		run.Status = types.RunFailed
		run.ErrorMessage = fatal.Error()
	}

	if !opts.DryRun {
		if err := e.store.FinishRun(run); err != nil {
			logging.SyncWarn("Failed to persist run %s: %v", run.ID, err)
		}
	}
	metrics.SyncRunsTotal.WithLabelValues(string(run.Status)).Inc()
	logging.Sync("Sync %s finished: status=%s created=%d updated=%d tombstoned=%d",
		run.ID, run.Status, run.Created, run.Updated, run.Tombstoned)

	if fatal != nil && run.Status == types.RunFailed {
		return run, fatal
	}
	return run, nil
}

// syncCollection pulls one collection to completion. Returns created,
// updated and tombstoned counts.
func (e *Engine) syncCollection(ctx context.Context, collection string, opts Options) (created, updated, tombstoned int, err error) {
	databaseID := e.databases[collection]
	syncStart := time.Now()

	checkpoint, err := e.store.GetCheckpoint(collection)
	if err != nil {
		return 0, 0, 0, err
	}

	var since *time.Time
	cursor := ""
	if opts.Mode == types.SyncIncremental {
		since = checkpoint.LastEditedWatermark
	}

	timer := logging.StartTimer(logging.CategorySync, "sync "+collection)
	defer timer.StopWithInfo()

	var batch []types.StagedRecord
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if opts.DryRun {
			created += len(batch)
			batch = batch[:0]
			return nil
		}
		c, u, err := e.store.StageBatch(collection, batch)
		if err != nil {
			return err
		}
		created += c
		updated += u

		// Watermark = newest edit in the committed batch. Pages arrive
		// oldest-edit-first, so this only moves forward.
		watermark := batch[len(batch)-1].ExternalEdited
		for _, r := range batch {
			if r.ExternalEdited.After(watermark) {
				watermark = r.ExternalEdited
			}
		}
		if err := e.store.AdvanceCheckpoint(collection, cursor, &watermark); err != nil {
			return err
		}
		metrics.SyncConsecutiveFailures.WithLabelValues(collection).Set(0)
		batch = batch[:0]
		return nil
	}

	fail := func(cause error) (int, int, int, error) {
		if opts.DryRun {
			return created, updated, tombstoned, cause
		}
		count, ferr := e.store.RecordCheckpointFailure(collection)
		if ferr == nil {
			metrics.SyncConsecutiveFailures.WithLabelValues(collection).Set(float64(count))
			if count >= 3 {
				logging.SyncWarn("Collection %s has %d consecutive sync failures", collection, count)
			}
		}
		return created, updated, tombstoned, cause
	}

	for {
		// Cancellation is honored at batch boundaries only; the current
		// batch is either fully committed or fully discarded.
		if err := ctx.Err(); err != nil {
			logging.Sync("Sync of %s cancelled at batch boundary (%d uncommitted discarded)",
				collection, len(batch))
			return created, updated, tombstoned, err
		}

		result, err := e.source.QueryDatabase(ctx, databaseID, cursor, since)
		if err != nil {
			return fail(fmt.Errorf("failed to pull %s: %w", collection, err))
		}
		metrics.SyncPagesTotal.WithLabelValues(collection).Add(float64(len(result.Pages)))

		for _, page := range result.Pages {
			batch = append(batch, types.StagedRecord{
				Collection:     collection,
				ExternalID:     page.ID,
				Payload:        pagePayload(page),
				ExternalEdited: page.LastEditedTime,
			})
			if len(batch) >= opts.BatchSize {
				if err := flush(); err != nil {
					return fail(err)
				}
				if err := ctx.Err(); err != nil {
					return created, updated, tombstoned, err
				}
			}
		}

		if !result.HasMore {
			break
		}
		cursor = result.NextCursor
	}
	if err := flush(); err != nil {
		return fail(err)
	}

	// Tombstones only on full syncs: an incremental pull not mentioning a
	// record says nothing about its existence.
	if opts.Mode == types.SyncFull && !opts.DryRun {
		n, err := e.store.TombstoneMissing(collection, syncStart)
		if err != nil {
			return fail(err)
		}
		tombstoned = n
	}
	return created, updated, tombstoned, nil
}

func pagePayload(page notion.Page) []byte {
	if len(page.Properties) > 0 {
		return page.Properties
	}
	data, _ := json.Marshal(page)
	return data
}

func configuredNames(dbs map[string]string) []string {
	out := make([]string, 0, len(dbs))
	for name := range dbs {
		out = append(out, name)
	}
	return out
}
