package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".mnemo"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(Path(ws), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.GetStudy().SessionSize; got != 20 {
		t.Errorf("default session size = %d, want 20", got)
	}
	if got := cfg.GetHTTP().Addr(); got != "127.0.0.1:7333" {
		t.Errorf("default http addr = %q", got)
	}
	if wp := cfg.GetNotion().WriteProtection; wp == nil || !*wp {
		t.Error("notion writes must default to protected")
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	ws := writeConfig(t, `{"study": {"sesion_size": 30}}`)

	_, err := Load(ws)
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Load error = %v, want ErrUnknownKey", err)
	}
	if !strings.Contains(err.Error(), "sesion_size") {
		t.Errorf("error should name the offending key: %v", err)
	}
	if !strings.Contains(err.Error(), "session_size") {
		t.Errorf("error should suggest the nearest key: %v", err)
	}
}

func TestLoadRejectsQuotaOverflow(t *testing.T) {
	ws := writeConfig(t, `{"study": {"type_quotas": {"mcq": 0.8, "parsons": 0.5}}}`)

	_, err := Load(ws)
	if err == nil || !strings.Contains(err.Error(), "quotas sum") {
		t.Fatalf("Load error = %v, want quota-sum rejection", err)
	}
}

func TestLoadRejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative quota", `{"study": {"type_quotas": {"mcq": -0.1}}}`},
		{"port too high", `{"http": {"port": 99999}}`},
		{"bad log level", `{"logging": {"level": "chatty"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load accepted an invalid config")
			}
		})
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	ws := writeConfig(t, `{"db_path": "/from/file.db"}`)
	t.Setenv("MNEMO_DB_PATH", "/from/env.db")
	t.Setenv("MNEMO_HTTP_ADDR", "0.0.0.0:9000")

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetDBPath(ws) != "/from/env.db" {
		t.Errorf("db path = %q, want env override", cfg.GetDBPath(ws))
	}
	if got := cfg.GetHTTP().Addr(); got != "0.0.0.0:9000" {
		t.Errorf("http addr = %q, want 0.0.0.0:9000", got)
	}
}

func TestSaveRoundTrips(t *testing.T) {
	ws := t.TempDir()
	protected := false
	in := &Config{Notion: &NotionConfig{Token: "secret", WriteProtection: &protected}}

	if err := Save(ws, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := Load(ws)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if out.Notion == nil || out.Notion.Token != "secret" {
		t.Errorf("round-trip lost notion token: %+v", out.Notion)
	}
	if wp := out.GetNotion().WriteProtection; wp == nil || *wp {
		t.Error("explicit write_protection=false must survive the round trip")
	}
}

func TestSuggest(t *testing.T) {
	known := KnownKeys()

	tests := []struct {
		key  string
		want string
	}{
		{"sesion_size", "study.session_size"},
		{"databses", "notion.databases"},
		{"prt", "http.port"},
	}
	for _, tt := range tests {
		got := Suggest(tt.key, known)
		if len(got) == 0 || got[0] != tt.want {
			t.Errorf("Suggest(%q) = %v, want %q first", tt.key, got, tt.want)
		}
	}

	if got := Suggest("zzzzzzzzzzzz", known); len(got) != 0 {
		t.Errorf("Suggest for gibberish = %v, want none", got)
	}
}

func TestFindWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(filepath.Join(root, ".mnemo"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	if got := FindWorkspaceRoot(nested); got != root {
		t.Errorf("FindWorkspaceRoot(%q) = %q, want %q", nested, got, root)
	}

	orphan := t.TempDir()
	if got := FindWorkspaceRoot(orphan); got != orphan {
		t.Errorf("no-marker fallback = %q, want %q", got, orphan)
	}
}
