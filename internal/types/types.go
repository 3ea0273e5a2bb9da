// Package types defines the shared domain types for mnemo: atoms, sections,
// review items, sync bookkeeping, learner responses, and the derived study
// entities. Every other package imports this one; it imports nothing of ours.
package types

import (
	"time"
)

// =============================================================================
// ATOMS
// =============================================================================

// AtomType is the tagged variant over question kinds. Per-kind behavior
// (quality analysis, rendering) dispatches on the tag rather than on a type
// hierarchy; new kinds register (type, analyzer) pairs with the quality
// package.
type AtomType string

const (
	TypeFlashcard AtomType = "flashcard"
	TypeCloze     AtomType = "cloze"
	TypeMCQ       AtomType = "mcq"
	TypeTrueFalse AtomType = "true_false"
	TypeMatching  AtomType = "matching"
	TypeParsons   AtomType = "parsons"
	TypeNumeric   AtomType = "numeric"
)

// AllAtomTypes lists every registered atom type in display order.
var AllAtomTypes = []AtomType{
	TypeFlashcard, TypeCloze, TypeMCQ, TypeTrueFalse,
	TypeMatching, TypeParsons, TypeNumeric,
}

// Valid reports whether t is a known atom type.
func (t AtomType) Valid() bool {
	for _, k := range AllAtomTypes {
		if t == k {
			return true
		}
	}
	return false
}

// KnowledgeType classifies what kind of knowing an atom exercises.
type KnowledgeType string

const (
	KnowledgeDeclarative KnowledgeType = "declarative"
	KnowledgeProcedural  KnowledgeType = "procedural"
	KnowledgeApplicative KnowledgeType = "applicative"
)

// Source identifies where an atom originally came from.
type Source string

const (
	SourceNotion      Source = "notion"
	SourceAnki        Source = "anki"
	SourceAIGenerated Source = "ai_generated"
	SourceManual      Source = "manual"
)

// Grade is the letter quality grade derived by the analyzer.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// AtLeast reports whether g is the same or a better grade than min.
func (g Grade) AtLeast(min Grade) bool {
	return g.rank() <= min.rank()
}

func (g Grade) rank() int {
	switch g {
	case GradeA:
		return 0
	case GradeB:
		return 1
	case GradeC:
		return 2
	case GradeD:
		return 3
	default:
		return 4
	}
}

// IssueKind is a quality issue flag emitted by the analyzer.
type IssueKind string

const (
	IssueFrontTooLong        IssueKind = "FRONT_TOO_LONG"
	IssueFrontVerbose        IssueKind = "FRONT_VERBOSE"
	IssueBackTooLong         IssueKind = "BACK_TOO_LONG"
	IssueBackVerbose         IssueKind = "BACK_VERBOSE"
	IssueBackTooManyChars    IssueKind = "BACK_TOO_MANY_CHARS"
	IssueEnumerationDetected IssueKind = "ENUMERATION_DETECTED"
	IssueMultipleFacts       IssueKind = "MULTIPLE_FACTS"
	IssueEmptyFront          IssueKind = "EMPTY_FRONT"
	IssueEmptyBack           IssueKind = "EMPTY_BACK"
	IssueVaguePrompt         IssueKind = "VAGUE_PROMPT"
	IssueMissingCloze        IssueKind = "MISSING_CLOZE"
	IssueMCQTooFewOptions    IssueKind = "MCQ_TOO_FEW_OPTIONS"
	IssueMCQNoAnswer         IssueKind = "MCQ_NO_ANSWER"
	IssueTFNotBoolean        IssueKind = "TF_NOT_BOOLEAN"
	IssueMatchingTooFewPairs IssueKind = "MATCHING_TOO_FEW_PAIRS"
	IssueParsonsTooFewSteps  IssueKind = "PARSONS_TOO_FEW_STEPS"
	IssueNumericNotNumber    IssueKind = "NUMERIC_NOT_NUMBER"
)

// FSRSState is the per-atom spaced-repetition state. Retrievability is a
// function of LastReview, StabilityDays and the current clock; it is stored
// only together with its inputs so it can always be recomputed.
type FSRSState struct {
	StabilityDays  float64    `json:"stability_days"`
	Difficulty     float64    `json:"difficulty"`
	Retrievability float64    `json:"retrievability"`
	ReviewCount    int        `json:"review_count"`
	Lapses         int        `json:"lapses"`
	LastReview     *time.Time `json:"last_review,omitempty"`
	NextReview     *time.Time `json:"next_review,omitempty"`
}

// AtomFlags carries the derived boolean flags on an atom.
type AtomFlags struct {
	IsAtomic     bool   `json:"is_atomic"`
	IsVerbose    bool   `json:"is_verbose"`
	NeedsSplit   bool   `json:"needs_split"`
	NeedsRewrite bool   `json:"needs_rewrite"`
	NeedsReview  bool   `json:"needs_review"`
	SupersededBy string `json:"superseded_by,omitempty"`
}

// Atom is the canonical learning unit. Identity (ID) is opaque and immutable;
// Version is the optimistic-lock counter bumped by the store on every write.
// Grade, score and issues are derived from Front/Back/Type by the analyzer
// version recorded in AnalyzerVersion and are re-runnable.
type Atom struct {
	ID            string        `json:"id"`
	Front         string        `json:"front"`
	Back          string        `json:"back"`
	Type          AtomType      `json:"type"`
	SectionID     string        `json:"section_id,omitempty"`
	ConceptIDs    []string      `json:"concept_ids,omitempty"`
	KnowledgeType KnowledgeType `json:"knowledge_type"`
	Difficulty    float64       `json:"difficulty"`

	QualityGrade    Grade       `json:"quality_grade"`
	QualityScore    int         `json:"quality_score"`
	QualityIssues   []IssueKind `json:"quality_issues,omitempty"`
	AnalyzerVersion string      `json:"analyzer_version,omitempty"`

	Source    Source `json:"source"`
	SourceRef string `json:"source_ref,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`

	FSRS  FSRSState `json:"fsrs_state"`
	Flags AtomFlags `json:"flags"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Superseded reports whether the atom has been replaced (by a split) and must
// be excluded from scheduling while staying around for history.
func (a *Atom) Superseded() bool {
	return a.Flags.SupersededBy != ""
}

// =============================================================================
// CURRICULUM
// =============================================================================

// Section is a hierarchical curriculum node, e.g. "11.2.3" at level 3.
type Section struct {
	ID           string `json:"id"`
	ParentID     string `json:"parent_id,omitempty"`
	Level        int    `json:"level"` // 1..3
	DisplayOrder int    `json:"display_order"`
	Title        string `json:"title"`
	Content      string `json:"content,omitempty"` // markdown body, if synced
}

// Concept is a pedagogical grouping node. Prerequisites form a DAG; the
// curriculum loader rejects cycles at load time.
type Concept struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	SectionID     string   `json:"section_id,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	Confusables   []string `json:"confusables,omitempty"`
}

// =============================================================================
// SYNC & STAGING
// =============================================================================

// StagedRecord is a raw landing-zone row keyed (Collection, ExternalID).
// Payload is the untouched source property JSON.
type StagedRecord struct {
	Collection       string    `json:"collection"`
	ExternalID       string    `json:"external_id"`
	Payload          []byte    `json:"payload"`
	ExternalEdited   time.Time `json:"external_last_edited"`
	Tombstoned       bool      `json:"tombstoned"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	TransformedAtoms int       `json:"transformed_atoms"`
}

// SyncCheckpoint is the per-collection incremental-pull cursor state.
type SyncCheckpoint struct {
	Collection          string     `json:"collection"`
	LastCursor          string     `json:"last_cursor"`
	LastEditedWatermark *time.Time `json:"last_edited_watermark,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}

// SyncMode selects full vs incremental pulls.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
)

// RunStatus is the lifecycle status shared by sync runs and pipeline runs.
type RunStatus string

const (
	RunRunning               RunStatus = "running"
	RunCompleted             RunStatus = "completed"
	RunCompletedWithWarnings RunStatus = "completed_with_warnings"
	RunFailed                RunStatus = "failed"
	RunCancelled             RunStatus = "cancelled"
)

// SyncRun is the audit record for one sync invocation.
type SyncRun struct {
	ID           string     `json:"id"`
	Mode         SyncMode   `json:"mode"`
	Collections  []string   `json:"collections,omitempty"`
	Status       RunStatus  `json:"status"`
	Created      int        `json:"created"`
	Updated      int        `json:"updated"`
	Tombstoned   int        `json:"tombstoned"`
	Warnings     int        `json:"warnings"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StageRecord is one completed stage inside a pipeline run, used by --resume
// to skip stages that already finished.
type StageRecord struct {
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	Status      RunStatus `json:"status"`
	Processed   int       `json:"processed"`
	Warnings    int       `json:"warnings"`
	CompletedAt time.Time `json:"completed_at"`
}

// =============================================================================
// REVIEW QUEUE
// =============================================================================

// RewriteType distinguishes the two AI rewrite flows.
type RewriteType string

const (
	RewriteImprove RewriteType = "improve"
	RewriteSplit   RewriteType = "split"
)

// ReviewStatus is the human review state of a queue item.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewEdited   ReviewStatus = "edited"
	ReviewError    ReviewStatus = "error"
)

// SplitSuggestion is one proposed child atom from a split rewrite.
type SplitSuggestion struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

// ReviewQueueItem holds an AI rewrite suggestion awaiting human review.
// Suggestions never mutate the source atom except through approval.
type ReviewQueueItem struct {
	ID                string            `json:"id"`
	SourceAtomID      string            `json:"source_atom_id"`
	RewriteType       RewriteType       `json:"rewrite_type"`
	SuggestedFront    string            `json:"suggested_front,omitempty"`
	SuggestedBack     string            `json:"suggested_back,omitempty"`
	SplitSuggestions  []SplitSuggestion `json:"split_suggestions,omitempty"`
	OriginalIssues    []IssueKind       `json:"original_issues,omitempty"`
	OriginalGrade     Grade             `json:"original_grade"`
	EstimatedNewGrade Grade             `json:"estimated_new_grade,omitempty"`
	Status            ReviewStatus      `json:"status"`
	ReviewerNote      string            `json:"reviewer_note,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ReviewedAt        *time.Time        `json:"reviewed_at,omitempty"`
}

// =============================================================================
// DUPLICATES
// =============================================================================

// DetectMethod is how a duplicate group was found.
type DetectMethod string

const (
	DetectExact    DetectMethod = "exact"
	DetectFuzzy    DetectMethod = "fuzzy"
	DetectSemantic DetectMethod = "semantic"
)

// DuplicateGroup is a set of 2+ atoms suspected to cover the same fact.
type DuplicateGroup struct {
	ID              string       `json:"id"`
	AtomIDs         []string     `json:"atom_ids"`
	Method          DetectMethod `json:"method"`
	Similarity      float64      `json:"similarity"`
	Resolved        bool         `json:"resolved"`
	CanonicalAtomID string       `json:"canonical_atom_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// =============================================================================
// STUDY
// =============================================================================

// Response is one learner interaction, stored append-only.
type Response struct {
	ID             int64     `json:"id"`
	AtomID         string    `json:"atom_id"`
	SessionID      string    `json:"session_id"`
	IsCorrect      bool      `json:"is_correct"`
	ResponseTimeMs int       `json:"response_time_ms"`
	HintUsed       bool      `json:"hint_used"`
	ChosenOption   string    `json:"chosen_option,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ReviewGrade is the FSRS answer grade inferred from a raw response.
type ReviewGrade int

const (
	GradeAgain ReviewGrade = 1
	GradeHard  ReviewGrade = 2
	GradeGood  ReviewGrade = 3
	GradeEasy  ReviewGrade = 4
)

func (g ReviewGrade) String() string {
	switch g {
	case GradeAgain:
		return "again"
	case GradeHard:
		return "hard"
	case GradeGood:
		return "good"
	case GradeEasy:
		return "easy"
	default:
		return "unknown"
	}
}

// SectionMastery is the derived per-section rollup. It is rebuilt from atoms
// and responses, never authoritative.
type SectionMastery struct {
	SectionID         string    `json:"section_id"`
	AtomCount         int       `json:"atom_count"`
	AtomsNew          int       `json:"atoms_new"`
	AtomsLearning     int       `json:"atoms_learning"`
	AtomsMastered     int       `json:"atoms_mastered"`
	AtomsStruggling   int       `json:"atoms_struggling"`
	AvgRetrievability float64   `json:"avg_retrievability"`
	AvgLapses         float64   `json:"avg_lapses"`
	MCQAccuracy       float64   `json:"mcq_accuracy"`
	ParsonsAccuracy   float64   `json:"parsons_accuracy"`
	RemediationScore  float64   `json:"remediation_score"`
	ComputedAt        time.Time `json:"computed_at"`
}

// StruggleSignal flags a section as needing remediation, with the reason the
// policy derived it.
type StruggleSignal struct {
	SectionID         string  `json:"section_id"`
	AvgRetrievability float64 `json:"avg_retrievability"`
	AvgLapses         float64 `json:"avg_lapses"`
	MCQAccuracy       float64 `json:"mcq_accuracy"`
	ParsonsAccuracy   float64 `json:"parsons_accuracy"`
	NeedsRemediation  bool    `json:"needs_remediation"`
	Reason            string  `json:"reason,omitempty"`
}

// ProcessingSpeed buckets the learner's speed/accuracy trade-off.
type ProcessingSpeed string

const (
	SpeedFastAccurate   ProcessingSpeed = "fast_accurate"
	SpeedFastInaccurate ProcessingSpeed = "fast_inaccurate"
	SpeedSlowAccurate   ProcessingSpeed = "slow_accurate"
	SpeedSlowInaccurate ProcessingSpeed = "slow_inaccurate"
)

// LearnerPersona is the derived learner profile, updated by EMA after each
// response and rebuildable from the response log.
type LearnerPersona struct {
	Strengths              map[KnowledgeType]float64 `json:"strengths"`
	Effectiveness          map[string]float64        `json:"effectiveness"`
	ProcessingSpeed        ProcessingSpeed           `json:"processing_speed"`
	Chronotype             string                    `json:"chronotype,omitempty"`
	CalibrationScore       float64                   `json:"calibration_score"`
	InterferenceProneTopic []string                  `json:"interference_prone_topics,omitempty"`
	UpdatedAt              time.Time                 `json:"updated_at"`
}

// NewLearnerPersona returns a persona with neutral priors.
func NewLearnerPersona() *LearnerPersona {
	return &LearnerPersona{
		Strengths: map[KnowledgeType]float64{
			KnowledgeDeclarative: 0.5,
			KnowledgeProcedural:  0.5,
			KnowledgeApplicative: 0.5,
		},
		Effectiveness:    map[string]float64{},
		ProcessingSpeed:  SpeedSlowAccurate,
		CalibrationScore: 0.5,
	}
}

// =============================================================================
// DIAGNOSIS
// =============================================================================

// FailMode classifies why a response failed.
type FailMode string

const (
	FailExecutive      FailMode = "EXECUTIVE"
	FailEncoding       FailMode = "ENCODING"
	FailIntegration    FailMode = "INTEGRATION"
	FailRetrieval      FailMode = "RETRIEVAL"
	FailDiscrimination FailMode = "DISCRIMINATION"
	FailFatigue        FailMode = "FATIGUE"
)

// SuccessMode classifies how a response succeeded.
type SuccessMode string

const (
	SuccessFluency SuccessMode = "FLUENCY"
	SuccessRecall  SuccessMode = "RECALL"
)

// Remediation is the directive attached to a diagnosis.
type Remediation string

const (
	RemediateSlowDown      Remediation = "slow_down"
	RemediateReadSource    Remediation = "read_source"
	RemediateWorkedExample Remediation = "worked_example"
	RemediateElaborate     Remediation = "elaborate"
	RemediateRest          Remediation = "rest"
	RemediateRepeat        Remediation = "repeat"
	RemediateAccelerate    Remediation = "accelerate"
	RemediateContinue      Remediation = "continue"
)

// Diagnosis is the classification of a single response.
type Diagnosis struct {
	AtomID      string      `json:"atom_id"`
	IsCorrect   bool        `json:"is_correct"`
	FailMode    FailMode    `json:"fail_mode,omitempty"`
	SuccessMode SuccessMode `json:"success_mode,omitempty"`
	Remediation Remediation `json:"remediation"`
	Rule        string      `json:"rule"`
	Detail      string      `json:"detail,omitempty"`
}
