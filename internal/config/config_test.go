package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "prospect.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "info"
state_db = "/tmp/prospect-test.db"
max_iterations = 20
default_page_budget = 50
budget_reserve_pct = 0.6
global_novelty_floor = 0.05
novelty_grace_iterations = 1

[general.retry_policy]
max_retries = 3
initial_delay = "5s"
backoff_factor = 2.0
max_delay = "2m"
escalate_after = 2

[rate_limits]
calls_per_hour_cap = 500
calls_per_run_cap = 2000
weekly_headroom_pct = 80

[providers.cerebras]
tier = "fast"
model = "llama-4-scout"
cost_input_per_mtok = 0.1
cost_output_per_mtok = 0.3

[providers.claude-balanced]
tier = "balanced"
model = "claude-sonnet-4-20250514"
cost_input_per_mtok = 3.0
cost_output_per_mtok = 15.0

[tiers]
fast = ["cerebras"]
balanced = ["claude-balanced"]
premium = []

[dedup]
database_path = "/tmp/prospect-dedup-test.db"

[verification]
min_confidence_for_verified = 70
gap_fill_max_attempts = 2
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.MaxIterations != 20 {
		t.Errorf("MaxIterations = %d, want 20", cfg.General.MaxIterations)
	}
	if cfg.General.RetryPolicy.InitialDelay.Duration != 5*time.Second {
		t.Errorf("RetryPolicy.InitialDelay = %v, want 5s", cfg.General.RetryPolicy.InitialDelay)
	}
	if cfg.General.RetryPolicy.MaxDelay.Duration != 2*time.Minute {
		t.Errorf("RetryPolicy.MaxDelay = %v, want 2m", cfg.General.RetryPolicy.MaxDelay)
	}
	if cfg.Providers["cerebras"].Tier != "fast" {
		t.Error("cerebras should be fast tier")
	}
	if cfg.RateLimits.CallsPerHourCap != 500 {
		t.Errorf("CallsPerHourCap = %d, want 500", cfg.RateLimits.CallsPerHourCap)
	}
	if cfg.Dedup.DatabasePath != "/tmp/prospect-dedup-test.db" {
		t.Errorf("Dedup.DatabasePath = %q, want /tmp/prospect-dedup-test.db", cfg.Dedup.DatabasePath)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := `
[general]
state_db = "/tmp/prospect-test.db"

[providers]
[tiers]
[dedup]
[verification]
`
	path := writeTestConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.General.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", loaded.General.LogLevel)
	}
	if loaded.General.MaxIterations != 20 {
		t.Errorf("MaxIterations = %d, want default 20", loaded.General.MaxIterations)
	}
	if loaded.General.DefaultPageBudget != 50 {
		t.Errorf("DefaultPageBudget = %d, want default 50", loaded.General.DefaultPageBudget)
	}
	if loaded.General.BudgetReservePct != 0.6 {
		t.Errorf("BudgetReservePct = %v, want default 0.6", loaded.General.BudgetReservePct)
	}
	if loaded.General.GlobalNoveltyFloor != 0.05 {
		t.Errorf("GlobalNoveltyFloor = %v, want default 0.05", loaded.General.GlobalNoveltyFloor)
	}
	if loaded.RateLimits.CallsPerHourCap != 500 {
		t.Errorf("CallsPerHourCap = %d, want default 500", loaded.RateLimits.CallsPerHourCap)
	}
	if loaded.Verification.MinConfidenceForVerified != 70 {
		t.Errorf("MinConfidenceForVerified = %v, want default 70", loaded.Verification.MinConfidenceForVerified)
	}
	if loaded.Dedup.DatabasePath != "dedup.db" {
		t.Errorf("Dedup.DatabasePath = %q, want default dedup.db", loaded.Dedup.DatabasePath)
	}
}

func TestLoadUnknownProviderInTier(t *testing.T) {
	cfg := `
[general]
state_db = "/tmp/prospect-test.db"

[providers.cerebras]
tier = "fast"
model = "llama"

[tiers]
fast = ["cerebras", "nonexistent"]
balanced = []
premium = []
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown provider in tier")
	}
}

func TestLoadInvalidMaxIterations(t *testing.T) {
	cfg := `
[general]
state_db = "/tmp/prospect-test.db"
max_iterations = -1
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for non-positive max_iterations")
	}
	if !strings.Contains(err.Error(), "max_iterations") {
		t.Errorf("expected max_iterations validation error, got: %v", err)
	}
}

func TestLoadInvalidBudgetReservePct(t *testing.T) {
	cfg := `
[general]
state_db = "/tmp/prospect-test.db"
budget_reserve_pct = 1.5
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for out-of-range budget_reserve_pct")
	}
}

func TestLoadInvalidWeeklyHeadroomPct(t *testing.T) {
	cfg := `
[general]
state_db = "/tmp/prospect-test.db"

[rate_limits]
weekly_headroom_pct = 150
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for out-of-range weekly_headroom_pct")
	}
}

func TestLoadInvalidMinConfidenceForVerified(t *testing.T) {
	cfg := `
[general]
state_db = "/tmp/prospect-test.db"

[verification]
min_confidence_for_verified = 150
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for out-of-range min_confidence_for_verified")
	}
}

func TestLoadRetryTierOverride(t *testing.T) {
	cfg := validConfig + `

[general.retry_tiers.premium]
max_retries = 5
initial_delay = "10s"
`
	path := writeTestConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	policy := loaded.RetryPolicyFor("premium")
	if policy.MaxRetries != 5 {
		t.Errorf("expected premium override max_retries 5, got %d", policy.MaxRetries)
	}
	if policy.InitialDelay.Duration != 10*time.Second {
		t.Errorf("expected premium override initial_delay 10s, got %v", policy.InitialDelay)
	}
	// backoff_factor wasn't overridden so it should fall back to the general policy.
	if policy.BackoffFactor != 2.0 {
		t.Errorf("expected inherited backoff_factor 2.0, got %v", policy.BackoffFactor)
	}

	fastPolicy := loaded.RetryPolicyFor("fast")
	if fastPolicy.MaxRetries != 3 {
		t.Errorf("expected fast tier to use general policy max_retries 3, got %d", fastPolicy.MaxRetries)
	}
}

func TestLoadRetryTiersUnknownTierName(t *testing.T) {
	cfg := validConfig + `

[general.retry_tiers.superfast]
max_retries = 1
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown retry tier name")
	}
}

func TestLoadRetryPolicyNegativeMaxRetries(t *testing.T) {
	cfg := `
[general]
state_db = "/tmp/prospect-test.db"

[general.retry_policy]
max_retries = -1
`
	path := writeTestConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for negative max_retries")
	}
	if !strings.Contains(err.Error(), "max_retries") {
		t.Errorf("expected max_retries validation error, got: %v", err)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"60s", 60 * time.Second},
		{"2m", 2 * time.Minute},
		{"1h", time.Hour},
		{"500ms", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		var d Duration
		if err := d.UnmarshalText([]byte(tt.input)); err != nil {
			t.Errorf("UnmarshalText(%q) error: %v", tt.input, err)
			continue
		}
		if d.Duration != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.input, d.Duration, tt.want)
		}
	}
}

func TestDurationUnmarshalInvalid(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestDurationMarshalText(t *testing.T) {
	d := Duration{Duration: 90 * time.Second}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText error: %v", err)
	}
	if string(text) != "1m30s" {
		t.Errorf("MarshalText() = %q, want 1m30s", string(text))
	}
}

func TestCloneIsolatesNestedFields(t *testing.T) {
	cfg := &Config{
		General: General{
			LogLevel:   "info",
			RetryTiers: map[string]RetryPolicy{"fast": {MaxRetries: 1}},
		},
		Providers: map[string]Provider{"cerebras": {Tier: "fast"}},
		Tiers:     Tiers{Fast: []string{"cerebras"}},
	}

	clone := cfg.Clone()
	clone.General.RetryTiers["fast"] = RetryPolicy{MaxRetries: 99}
	clone.Providers["cerebras"] = Provider{Tier: "balanced"}
	clone.Tiers.Fast[0] = "mutated"

	if cfg.General.RetryTiers["fast"].MaxRetries != 1 {
		t.Error("expected clone mutation to not affect original RetryTiers")
	}
	if cfg.Providers["cerebras"].Tier != "fast" {
		t.Error("expected clone mutation to not affect original Providers")
	}
	if cfg.Tiers.Fast[0] != "cerebras" {
		t.Error("expected clone mutation to not affect original Tiers.Fast")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := ExpandHome("~/data/prospect.db")
	want := filepath.Join(home, "data/prospect.db")
	if got != want {
		t.Errorf("ExpandHome = %q, want %q", got, want)
	}
	if got := ExpandHome("/already/absolute"); got != "/already/absolute" {
		t.Errorf("ExpandHome should leave absolute paths unchanged, got %q", got)
	}
}
