// Package config loads and validates mnemo configuration from
// .mnemo/config.json. The recognized option surface is closed: unknown keys
// are refused at load time with nearest-key suggestions rather than silently
// ignored.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrUnknownKey is wrapped by Load when the config file contains a key that
// is not part of the recognized option surface.
var ErrUnknownKey = errors.New("unknown config key")

// Config holds ALL mnemo configuration from .mnemo/config.json.
// This is the single source of truth for configuration.
type Config struct {
	// Path to the SQLite database. Defaults to .mnemo/mnemo.db under the
	// workspace root.
	DBPath string `json:"db_path,omitempty"`

	// External source adapters
	Notion *NotionConfig `json:"notion,omitempty"`
	Anki   *AnkiConfig   `json:"anki,omitempty"`

	// Generative LLM (rewriter, embeddings)
	LLM *LLMConfig `json:"llm,omitempty"`

	// Quality analyzer thresholds
	Quality *QualityConfig `json:"quality,omitempty"`

	// Sync engine behavior
	Sync *SyncConfig `json:"sync,omitempty"`

	// Adaptive study engine
	Study *StudyConfig `json:"study,omitempty"`

	// HTTP API server
	HTTP *HTTPConfig `json:"http,omitempty"`

	// Categorized debug logging (see internal/logging)
	Logging *LoggingConfig `json:"logging,omitempty"`
}

// NotionConfig configures the Notion source adapter.
type NotionConfig struct {
	Token string `json:"token,omitempty"`

	// Databases maps a collection name (e.g. "items", "curriculum") to its
	// Notion database id. Collection names are what sync --database matches.
	Databases map[string]string `json:"databases,omitempty"`

	// Requests per second against the Notion API. Notion's public limit is
	// an average of 3 req/s.
	RateLimitPerSec float64 `json:"rate_limit_per_sec,omitempty" validate:"omitempty,gt=0"`

	// WriteProtection vetoes every mutating Notion call when true.
	// Defaults to ON; absent means protected.
	WriteProtection *bool `json:"write_protection,omitempty"`
}

// AnkiConfig configures the AnkiConnect adapter.
type AnkiConfig struct {
	URL             string  `json:"url,omitempty"`
	Deck            string  `json:"deck,omitempty"`
	RateLimitPerSec float64 `json:"rate_limit_per_sec,omitempty" validate:"omitempty,gt=0"`
}

// LLMConfig configures the Gemini client used for rewriting and embeddings.
type LLMConfig struct {
	GeminiAPIKey    string  `json:"gemini_api_key,omitempty"`
	Model           string  `json:"model,omitempty"`
	EmbedModel      string  `json:"embed_model,omitempty"`
	MaxConcurrent   int     `json:"max_concurrent,omitempty" validate:"omitempty,gt=0"`
	RateLimitPerSec float64 `json:"rate_limit_per_sec,omitempty" validate:"omitempty,gt=0"`
}

// QualityConfig holds the analyzer thresholds. Zero values take the
// evidence defaults applied by GetQuality.
type QualityConfig struct {
	FrontOptimalWords int `json:"front_optimal_words,omitempty" validate:"omitempty,gt=0"`
	FrontWarnWords    int `json:"front_warn_words,omitempty" validate:"omitempty,gt=0"`
	FrontMaxWords     int `json:"front_max_words,omitempty" validate:"omitempty,gt=0"`
	BackOptimalWords  int `json:"back_optimal_words,omitempty" validate:"omitempty,gt=0"`
	BackWarnWords     int `json:"back_warn_words,omitempty" validate:"omitempty,gt=0"`
	BackMaxWords      int `json:"back_max_words,omitempty" validate:"omitempty,gt=0"`
	BackMaxChars      int `json:"back_max_chars,omitempty" validate:"omitempty,gt=0"`

	// Mode is "relaxed" (warn only) or "strict" (hard-reject past max).
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=relaxed strict"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	IntervalMinutes int  `json:"interval_minutes,omitempty" validate:"omitempty,gt=0"`
	Parallel        bool `json:"parallel,omitempty"`
	DryRun          bool `json:"dry_run,omitempty"`
	BatchSize       int  `json:"batch_size,omitempty" validate:"omitempty,gt=0"`
}

// StudyConfig configures scheduling and session assembly.
type StudyConfig struct {
	// TargetRetention is the FSRS retention target. Default 0.90; the
	// "85% rule" is reachable by setting 0.85 here.
	TargetRetention float64 `json:"target_retention,omitempty" validate:"omitempty,gt=0,lt=1"`

	SessionSize   int `json:"session_size,omitempty" validate:"omitempty,gt=0"`
	AutosaveEvery int `json:"autosave_every,omitempty" validate:"omitempty,gt=0"`

	// TypeQuotas are target shares per question type; they must not sum
	// above 1.0. TypeMinimums are per-type floors honored when the pool
	// permits.
	TypeQuotas   map[string]float64 `json:"type_quotas,omitempty"`
	TypeMinimums map[string]int     `json:"type_minimums,omitempty"`
}

// HTTPConfig configures the HTTP API server.
type HTTPConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty" validate:"omitempty,gt=0,lte=65535"`
}

// LoggingConfig mirrors internal/logging's file-level config.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode,omitempty"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Path       string          `json:"path,omitempty"`
}

// =============================================================================
// DEFAULT APPLIERS
// =============================================================================

// GetNotion returns the Notion config with defaults applied.
func (c *Config) GetNotion() NotionConfig {
	cfg := NotionConfig{}
	if c != nil && c.Notion != nil {
		cfg = *c.Notion
	}
	if cfg.RateLimitPerSec == 0 {
		cfg.RateLimitPerSec = 3
	}
	if cfg.WriteProtection == nil {
		protected := true
		cfg.WriteProtection = &protected
	}
	return cfg
}

// GetAnki returns the Anki config with defaults applied.
func (c *Config) GetAnki() AnkiConfig {
	cfg := AnkiConfig{}
	if c != nil && c.Anki != nil {
		cfg = *c.Anki
	}
	if cfg.URL == "" {
		cfg.URL = "http://localhost:8765"
	}
	if cfg.Deck == "" {
		cfg.Deck = "mnemo"
	}
	if cfg.RateLimitPerSec == 0 {
		cfg.RateLimitPerSec = 10
	}
	return cfg
}

// GetLLM returns the LLM config with defaults applied.
func (c *Config) GetLLM() LLMConfig {
	cfg := LLMConfig{}
	if c != nil && c.LLM != nil {
		cfg = *c.LLM
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "gemini-embedding-001"
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.RateLimitPerSec == 0 {
		cfg.RateLimitPerSec = 1
	}
	return cfg
}

// GetQuality returns the analyzer thresholds with evidence defaults.
func (c *Config) GetQuality() QualityConfig {
	cfg := QualityConfig{}
	if c != nil && c.Quality != nil {
		cfg = *c.Quality
	}
	if cfg.FrontOptimalWords == 0 {
		cfg.FrontOptimalWords = 15
	}
	if cfg.FrontWarnWords == 0 {
		cfg.FrontWarnWords = 20
	}
	if cfg.FrontMaxWords == 0 {
		cfg.FrontMaxWords = 25
	}
	if cfg.BackOptimalWords == 0 {
		cfg.BackOptimalWords = 5
	}
	if cfg.BackWarnWords == 0 {
		cfg.BackWarnWords = 15
	}
	if cfg.BackMaxWords == 0 {
		cfg.BackMaxWords = 15
	}
	if cfg.BackMaxChars == 0 {
		cfg.BackMaxChars = 120
	}
	if cfg.Mode == "" {
		cfg.Mode = "relaxed"
	}
	return cfg
}

// GetSync returns the sync config with defaults applied.
func (c *Config) GetSync() SyncConfig {
	cfg := SyncConfig{}
	if c != nil && c.Sync != nil {
		cfg = *c.Sync
	}
	if cfg.IntervalMinutes == 0 {
		cfg.IntervalMinutes = 60
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return cfg
}

// GetStudy returns the study config with defaults applied.
func (c *Config) GetStudy() StudyConfig {
	cfg := StudyConfig{}
	if c != nil && c.Study != nil {
		cfg = *c.Study
	}
	if cfg.TargetRetention == 0 {
		cfg.TargetRetention = 0.90
	}
	if cfg.SessionSize == 0 {
		cfg.SessionSize = 20
	}
	if cfg.AutosaveEvery == 0 {
		cfg.AutosaveEvery = 5
	}
	if len(cfg.TypeQuotas) == 0 {
		cfg.TypeQuotas = map[string]float64{
			"mcq":        0.35,
			"true_false": 0.25,
			"parsons":    0.25,
			"matching":   0.15,
		}
	}
	if len(cfg.TypeMinimums) == 0 {
		cfg.TypeMinimums = map[string]int{
			"mcq":        2,
			"true_false": 2,
			"parsons":    2,
			"matching":   1,
		}
	}
	return cfg
}

// GetHTTP returns the HTTP config with defaults applied.
func (c *Config) GetHTTP() HTTPConfig {
	cfg := HTTPConfig{}
	if c != nil && c.HTTP != nil {
		cfg = *c.HTTP
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 7333
	}
	return cfg
}

// Addr returns host:port for the HTTP server.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// GetDBPath resolves the database path against the workspace root.
func (c *Config) GetDBPath(workspace string) string {
	if c != nil && c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(workspace, ".mnemo", "mnemo.db")
}

// =============================================================================
// LOADING
// =============================================================================

// Path returns the config file path under a workspace root.
func Path(workspace string) string {
	return filepath.Join(workspace, ".mnemo", "config.json")
}

// Load reads, strictly decodes, env-overrides, and validates the config.
// A missing file is not an error; it yields an all-defaults config.
func Load(workspace string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(Path(workspace))
	if err == nil {
		if err := decodeStrict(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeStrict decodes JSON refusing unknown fields, turning the decoder's
// opaque error into an ErrUnknownKey with nearest-key suggestions.
func decodeStrict(data []byte, cfg *Config) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		if key, ok := unknownFieldName(err); ok {
			suggestions := Suggest(key, KnownKeys())
			if len(suggestions) > 0 {
				return fmt.Errorf("%w %q (did you mean %s?)", ErrUnknownKey, key, strings.Join(suggestions, ", "))
			}
			return fmt.Errorf("%w %q (recognized keys: %s)", ErrUnknownKey, key, strings.Join(KnownKeys(), ", "))
		}
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// unknownFieldName extracts the field name from encoding/json's
// `json: unknown field "x"` error.
func unknownFieldName(err error) (string, bool) {
	msg := err.Error()
	const marker = `unknown field "`
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	rest := msg[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// applyEnvOverrides lets environment variables win over file values.
// godotenv.Load is called at process start so .env files participate.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MNEMO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MNEMO_NOTION_TOKEN"); v != "" {
		if cfg.Notion == nil {
			cfg.Notion = &NotionConfig{}
		}
		cfg.Notion.Token = v
	}
	if v := os.Getenv("MNEMO_ANKI_URL"); v != "" {
		if cfg.Anki == nil {
			cfg.Anki = &AnkiConfig{}
		}
		cfg.Anki.URL = v
	}
	if v := os.Getenv("MNEMO_GEMINI_API_KEY"); v != "" {
		if cfg.LLM == nil {
			cfg.LLM = &LLMConfig{}
		}
		cfg.LLM.GeminiAPIKey = v
	}
	if v := os.Getenv("MNEMO_LOG_LEVEL"); v != "" {
		if cfg.Logging == nil {
			cfg.Logging = &LoggingConfig{}
		}
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MNEMO_HTTP_ADDR"); v != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{}
		}
		host, port, ok := strings.Cut(v, ":")
		if ok {
			cfg.HTTP.Host = host
			fmt.Sscanf(port, "%d", &cfg.HTTP.Port)
		} else {
			cfg.HTTP.Host = v
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks ranges and cross-field constraints.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Study != nil {
		sum := 0.0
		for typ, q := range cfg.Study.TypeQuotas {
			if q < 0 || q > 1 {
				return fmt.Errorf("invalid config: type quota %q = %v out of [0,1]", typ, q)
			}
			sum += q
		}
		if sum > 1.0+1e-9 {
			return fmt.Errorf("invalid config: type quotas sum to %.2f (> 1.0)", sum)
		}
	}
	return nil
}

// Save writes the config back to disk (used by `mnemo init`).
func Save(workspace string, cfg *Config) error {
	dir := filepath.Join(workspace, ".mnemo")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(Path(workspace), data, 0644)
}

// FindWorkspaceRoot walks up from dir looking for an existing .mnemo
// directory. Falls back to dir itself when none is found.
func FindWorkspaceRoot(dir string) string {
	cur := dir
	for {
		if st, err := os.Stat(filepath.Join(cur, ".mnemo")); err == nil && st.IsDir() {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return dir
		}
		cur = parent
	}
}

// =============================================================================
// KNOWN KEYS & SUGGESTIONS
// =============================================================================

// KnownKeys returns every recognized json key, nested keys as "section.key".
func KnownKeys() []string {
	keys := collectKeys(reflect.TypeOf(Config{}), "")
	sort.Strings(keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("json"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := tag
		if prefix != "" {
			name = prefix + "." + tag
		}
		keys = append(keys, name)
		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && ft.PkgPath() == t.PkgPath() {
			keys = append(keys, collectKeys(ft, name)...)
		}
	}
	return keys
}

// Suggest returns up to three known keys within edit distance 3 of key,
// closest first. The dotted prefix of nested keys is ignored for matching.
func Suggest(key string, known []string) []string {
	type scored struct {
		key  string
		dist int
	}
	var matches []scored
	for _, k := range known {
		leaf := k
		if idx := strings.LastIndex(k, "."); idx >= 0 {
			leaf = k[idx+1:]
		}
		d := levenshtein(key, leaf)
		if d <= 3 {
			matches = append(matches, scored{key: k, dist: d})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].dist < matches[j].dist })
	var out []string
	for i := 0; i < len(matches) && i < 3; i++ {
		out = append(out, matches[i].key)
	}
	return out
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
