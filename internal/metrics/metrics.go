// Package metrics exposes mnemo's Prometheus collectors. The
// consecutive-failures gauge is the alert surface for broken sync
// checkpoints; no notification side effects are attached to it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync engine
	SyncPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_sync_pages_total",
		Help: "Pages pulled from external sources, by collection.",
	}, []string{"collection"})

	SyncRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_sync_retries_total",
		Help: "Transient-error retries against external APIs.",
	}, []string{"api"})

	SyncConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mnemo_sync_consecutive_failures",
		Help: "Consecutive failed sync attempts per collection (>=3 warrants attention).",
	}, []string{"collection"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_sync_runs_total",
		Help: "Completed sync runs by final status.",
	}, []string{"status"})

	// Cleaning pipeline
	AtomsGradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_atoms_graded_total",
		Help: "Atoms graded by the quality analyzer, by letter grade.",
	}, []string{"grade"})

	DuplicateGroupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_duplicate_groups_total",
		Help: "Duplicate groups detected, by method.",
	}, []string{"method"})

	ReviewActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_review_actions_total",
		Help: "Review queue actions (approve, reject, edit, auto_approve).",
	}, []string{"action"})

	// Study engine
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mnemo_sessions_total",
		Help: "Study sessions started.",
	})

	ResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_responses_total",
		Help: "Learner responses recorded, by outcome (correct/incorrect).",
	}, []string{"outcome"})

	// LLM
	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mnemo_llm_calls_total",
		Help: "LLM calls by kind (rewrite, embed) and status (ok, error).",
	}, []string{"kind", "status"})
)
