package main

import (
	"context"
	"errors"
	"fmt"

	"mnemo/internal/anki"
	"mnemo/internal/config"
	"mnemo/internal/ingest"
	"mnemo/internal/llm"
	"mnemo/internal/notion"
	"mnemo/internal/pipeline"
	"mnemo/internal/review"
	"mnemo/internal/store"
	"mnemo/internal/transform"
)

// app bundles the wired subsystems a command needs. Build only what the
// command uses; external clients stay nil when unconfigured and callers
// degrade per component.
type app struct {
	cfg   *config.Config
	store *store.Store

	notion *notion.Client
	anki   *anki.Client
	llm    *llm.Client // nil without an API key
}

// newApp loads config and opens the store. The Notion write guard stays
// protected unless the config explicitly disables write protection.
func newApp() (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, &configError{err: err}
	}

	st, err := store.New(cfg.GetDBPath(workspace))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st}

	ncfg := cfg.GetNotion()
	guard := notion.WriteGuard{}
	if ncfg.WriteProtection != nil && !*ncfg.WriteProtection {
		guard = notion.AllowWrites()
	}
	a.notion = notion.NewClient(ncfg.Token, ncfg.RateLimitPerSec, guard)

	acfg := cfg.GetAnki()
	a.anki = anki.NewClient(acfg.URL, acfg.RateLimitPerSec)

	lcfg := cfg.GetLLM()
	client, err := llm.NewClient(context.Background(), llm.Config{
		APIKey:     lcfg.GeminiAPIKey,
		Model:      lcfg.Model,
		EmbedModel: lcfg.EmbedModel,
		Scheduler: llm.SchedulerConfig{
			MaxConcurrent: lcfg.MaxConcurrent,
			RatePerSec:    lcfg.RateLimitPerSec,
		},
	})
	switch {
	case err == nil:
		a.llm = client
	case errors.Is(err, llm.ErrUnavailable):
		// AI features degrade; the pipeline and queue handle nil.
	default:
		st.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// generator returns the LLM as a Generator, nil when unavailable.
func (a *app) generator() llm.Generator {
	if a.llm == nil {
		return nil
	}
	return a.llm
}

// embedder returns the LLM as an Embedder, nil when unavailable.
func (a *app) embedder() llm.Embedder {
	if a.llm == nil {
		return nil
	}
	return a.llm
}

// syncEngine builds the Notion sync engine, failing when no databases are
// configured.
func (a *app) syncEngine() (*ingest.Engine, error) {
	ncfg := a.cfg.GetNotion()
	if !a.notion.Configured() {
		return nil, fmt.Errorf("notion token not configured (set notion.token or MNEMO_NOTION_TOKEN)")
	}
	if len(ncfg.Databases) == 0 {
		return nil, fmt.Errorf("no notion databases configured (set notion.databases in %s)", config.Path(workspace))
	}
	return ingest.New(a.store, a.notion, ncfg.Databases), nil
}

// pipelineRunner wires the cleaning pipeline.
func (a *app) pipelineRunner() (*pipeline.Runner, error) {
	mapping, err := transform.LoadMapping(workspace)
	if err != nil {
		return nil, err
	}
	return pipeline.New(a.store, mapping, a.cfg.GetQuality(), a.generator(), a.embedder()), nil
}

// reviewQueue wires the rewrite review queue.
func (a *app) reviewQueue() *review.Queue {
	return review.New(a.store, a.generator(), a.cfg.GetQuality())
}
