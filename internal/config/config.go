// Package config loads and validates the Prospect TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level Prospect configuration, loaded from a single
// prospect.toml file.
type Config struct {
	General      General             `toml:"general"`
	RateLimits   RateLimits          `toml:"rate_limits"`
	Providers    map[string]Provider `toml:"providers"`
	Tiers        Tiers               `toml:"tiers"`
	Dedup        Dedup               `toml:"dedup"`
	Verification Verification        `toml:"verification"`
}

// General holds run-level settings. The iteration-budget and novelty fields
// are loaded and validated here but not read by internal/temporal, which
// uses its own DefaultMaxIterations and literal saturation thresholds. The
// retry policy is applied only to LLM calls, through llm.TieredClient in
// cmd/prospect.
type General struct {
	LogLevel   string `toml:"log_level"`
	StateDB    string `toml:"state_db"`

	MaxIterations        int     `toml:"max_iterations"`
	DefaultPageBudget    int     `toml:"default_page_budget"`
	BudgetReservePct     float64 `toml:"budget_reserve_pct"`
	GlobalNoveltyFloor   float64 `toml:"global_novelty_floor"`   // stop once new_entities/pages_fetched drops below this
	NoveltyGraceIterations int   `toml:"novelty_grace_iterations"` // novelty floor is only enforced once iteration_count exceeds this

	RetryPolicy RetryPolicy            `toml:"retry_policy"`
	RetryTiers  map[string]RetryPolicy `toml:"retry_tiers"` // per-tier overrides, keyed by fast/balanced/premium
}

// RetryPolicy configures exponential backoff and model-tier escalation for
// LLM port calls.
type RetryPolicy struct {
	MaxRetries    int      `toml:"max_retries"`
	InitialDelay  Duration `toml:"initial_delay"`
	BackoffFactor float64  `toml:"backoff_factor"`
	MaxDelay      Duration `toml:"max_delay"`
	EscalateAfter int      `toml:"escalate_after"` // retries before escalating to the next model tier
}

// RateLimits caps how often the LLM port may be called per research run:
// a sliding hourly cap and a hard per-run cap.
type RateLimits struct {
	CallsPerHourCap   int `toml:"calls_per_hour_cap"`
	CallsPerRunCap    int `toml:"calls_per_run_cap"`
	WeeklyHeadroomPct int `toml:"weekly_headroom_pct"`
}

// Provider is one configured LLM model: which tier it serves and what it
// costs.
type Provider struct {
	Tier              string  `toml:"tier"` // fast, balanced, premium
	Model             string  `toml:"model"`
	CostInputPerMtok  float64 `toml:"cost_input_per_mtok"`
	CostOutputPerMtok float64 `toml:"cost_output_per_mtok"`
}

// Tiers groups configured provider names by escalation tier:
// RetryPolicy.EscalateAfter promotes a call from Fast to Balanced to
// Premium as retries accumulate.
type Tiers struct {
	Fast     []string `toml:"fast"`
	Balanced []string `toml:"balanced"`
	Premium  []string `toml:"premium"`
}

// Dedup configures the SQLite-backed DedupStore.
type Dedup struct {
	DatabasePath string `toml:"database_path"`
}

// Verification configures the Verifier's confidence and gap-filling
// behavior.
type Verification struct {
	MinConfidenceForVerified float64 `toml:"min_confidence_for_verified"`
	GapFillMaxAttempts       int     `toml:"gap_fill_max_attempts"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}

	cloned := *cfg
	cloned.General.RetryTiers = cloneRetryPolicyMap(cfg.General.RetryTiers)
	cloned.Providers = cloneProviders(cfg.Providers)
	cloned.Tiers = Tiers{
		Fast:     cloneStringSlice(cfg.Tiers.Fast),
		Balanced: cloneStringSlice(cfg.Tiers.Balanced),
		Premium:  cloneStringSlice(cfg.Tiers.Premium),
	}
	return &cloned
}

func cloneRetryPolicyMap(in map[string]RetryPolicy) map[string]RetryPolicy {
	if in == nil {
		return nil
	}
	out := make(map[string]RetryPolicy, len(in))
	for key, policy := range in {
		out[strings.ToLower(strings.TrimSpace(key))] = policy
	}
	return out
}

func cloneProviders(in map[string]Provider) map[string]Provider {
	if in == nil {
		return nil
	}
	out := make(map[string]Provider, len(in))
	for key, provider := range in {
		out[key] = provider
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Load reads and validates a Prospect TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "prospect.db"
	}
	if cfg.General.MaxIterations == 0 {
		cfg.General.MaxIterations = 20
	}
	if cfg.General.DefaultPageBudget == 0 {
		cfg.General.DefaultPageBudget = 50
	}
	if cfg.General.BudgetReservePct == 0 {
		cfg.General.BudgetReservePct = 0.6
	}
	if cfg.General.GlobalNoveltyFloor == 0 {
		cfg.General.GlobalNoveltyFloor = 0.05
	}
	if cfg.General.NoveltyGraceIterations == 0 {
		cfg.General.NoveltyGraceIterations = 1
	}

	if cfg.General.RetryPolicy.MaxRetries == 0 {
		cfg.General.RetryPolicy.MaxRetries = 3
	}
	if cfg.General.RetryPolicy.InitialDelay.Duration == 0 {
		cfg.General.RetryPolicy.InitialDelay.Duration = 5 * time.Second
	}
	if cfg.General.RetryPolicy.BackoffFactor == 0 {
		cfg.General.RetryPolicy.BackoffFactor = 2.0
	}
	if cfg.General.RetryPolicy.MaxDelay.Duration == 0 {
		cfg.General.RetryPolicy.MaxDelay.Duration = 2 * time.Minute
	}
	if cfg.General.RetryPolicy.EscalateAfter == 0 {
		cfg.General.RetryPolicy.EscalateAfter = 2
	}
	if cfg.General.RetryTiers == nil {
		cfg.General.RetryTiers = map[string]RetryPolicy{}
	}

	if cfg.RateLimits.CallsPerHourCap == 0 {
		cfg.RateLimits.CallsPerHourCap = 500
	}
	if cfg.RateLimits.CallsPerRunCap == 0 {
		cfg.RateLimits.CallsPerRunCap = 2000
	}
	if cfg.RateLimits.WeeklyHeadroomPct == 0 {
		cfg.RateLimits.WeeklyHeadroomPct = 80
	}

	if cfg.Dedup.DatabasePath == "" {
		cfg.Dedup.DatabasePath = "dedup.db"
	}

	if cfg.Verification.MinConfidenceForVerified == 0 {
		cfg.Verification.MinConfidenceForVerified = 70
	}
	if cfg.Verification.GapFillMaxAttempts == 0 {
		cfg.Verification.GapFillMaxAttempts = 2
	}
}

// RetryPolicyFor computes the effective retry policy for a model tier,
// falling back to General.RetryPolicy when no tier override exists.
func (cfg *Config) RetryPolicyFor(tier string) RetryPolicy {
	if cfg == nil {
		return RetryPolicy{
			MaxRetries:    3,
			InitialDelay:  Duration{Duration: 5 * time.Second},
			BackoffFactor: 2.0,
			MaxDelay:      Duration{Duration: 2 * time.Minute},
			EscalateAfter: 2,
		}
	}

	policy := cfg.General.RetryPolicy
	if tierPolicy, ok := cfg.General.RetryTiers[strings.ToLower(strings.TrimSpace(tier))]; ok {
		policy = mergeRetryPolicy(policy, tierPolicy)
	}
	return policy
}

func mergeRetryPolicy(base, override RetryPolicy) RetryPolicy {
	if override.MaxRetries != 0 {
		base.MaxRetries = override.MaxRetries
	}
	if override.InitialDelay.Duration != 0 {
		base.InitialDelay = override.InitialDelay
	}
	if override.BackoffFactor != 0 {
		base.BackoffFactor = override.BackoffFactor
	}
	if override.MaxDelay.Duration != 0 {
		base.MaxDelay = override.MaxDelay
	}
	if override.EscalateAfter != 0 {
		base.EscalateAfter = override.EscalateAfter
	}
	return base
}

// normalizePaths expands "~" and trims whitespace for configured filesystem paths.
func normalizePaths(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.General.StateDB = ExpandHome(strings.TrimSpace(cfg.General.StateDB))
	cfg.Dedup.DatabasePath = ExpandHome(strings.TrimSpace(cfg.Dedup.DatabasePath))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func validate(cfg *Config) error {
	allTierNames := make([]string, 0, len(cfg.Tiers.Fast)+len(cfg.Tiers.Balanced)+len(cfg.Tiers.Premium))
	allTierNames = append(allTierNames, cfg.Tiers.Fast...)
	allTierNames = append(allTierNames, cfg.Tiers.Balanced...)
	allTierNames = append(allTierNames, cfg.Tiers.Premium...)

	for _, name := range allTierNames {
		if _, ok := cfg.Providers[name]; !ok {
			return fmt.Errorf("tier references unknown provider %q", name)
		}
	}

	if cfg.General.MaxIterations <= 0 {
		return fmt.Errorf("general.max_iterations must be > 0")
	}
	if cfg.General.DefaultPageBudget <= 0 {
		return fmt.Errorf("general.default_page_budget must be > 0")
	}
	if cfg.General.BudgetReservePct < 0 || cfg.General.BudgetReservePct > 1 {
		return fmt.Errorf("general.budget_reserve_pct must be between 0 and 1")
	}
	if cfg.General.GlobalNoveltyFloor < 0 {
		return fmt.Errorf("general.global_novelty_floor cannot be negative")
	}

	if err := validateRetryPolicy("general.retry_policy", cfg.General.RetryPolicy); err != nil {
		return fmt.Errorf("general retry policy: %w", err)
	}
	knownTiers := map[string]struct{}{"fast": {}, "balanced": {}, "premium": {}}
	for tier, policy := range cfg.General.RetryTiers {
		if _, ok := knownTiers[tier]; !ok {
			return fmt.Errorf("general.retry_tiers.%s: unknown tier %q", tier, tier)
		}
		if err := validateRetryPolicy(fmt.Sprintf("general.retry_tiers.%s", tier), policy); err != nil {
			return fmt.Errorf("general retry tier %q: %w", tier, err)
		}
	}

	if cfg.RateLimits.CallsPerHourCap < 0 {
		return fmt.Errorf("rate_limits.calls_per_hour_cap cannot be negative")
	}
	if cfg.RateLimits.CallsPerRunCap < 0 {
		return fmt.Errorf("rate_limits.calls_per_run_cap cannot be negative")
	}
	if cfg.RateLimits.WeeklyHeadroomPct < 0 || cfg.RateLimits.WeeklyHeadroomPct > 100 {
		return fmt.Errorf("rate_limits.weekly_headroom_pct must be between 0 and 100")
	}

	if cfg.Verification.MinConfidenceForVerified < 0 || cfg.Verification.MinConfidenceForVerified > 100 {
		return fmt.Errorf("verification.min_confidence_for_verified must be between 0 and 100")
	}
	if cfg.Verification.GapFillMaxAttempts < 0 {
		return fmt.Errorf("verification.gap_fill_max_attempts cannot be negative")
	}

	return nil
}

func validateRetryPolicy(fieldPath string, policy RetryPolicy) error {
	if policy.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries cannot be negative: %d", fieldPath, policy.MaxRetries)
	}
	if policy.InitialDelay.Duration < 0 {
		return fmt.Errorf("%s.initial_delay cannot be negative: %s", fieldPath, policy.InitialDelay)
	}
	if policy.MaxDelay.Duration < 0 {
		return fmt.Errorf("%s.max_delay cannot be negative: %s", fieldPath, policy.MaxDelay)
	}
	if policy.BackoffFactor < 0 {
		return fmt.Errorf("%s.backoff_factor cannot be negative: %f", fieldPath, policy.BackoffFactor)
	}
	if policy.EscalateAfter < 0 {
		return fmt.Errorf("%s.escalate_after cannot be negative: %d", fieldPath, policy.EscalateAfter)
	}
	return nil
}
