// Package config loads mycelium configuration. It supports a home-level
// config, a repo-level mycelium.yaml override, and MYCELIUM_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mycelium-sh/mycelium/pkg/models"
)

// ProjectConfigName is the repo-level config file.
const ProjectConfigName = "mycelium.yaml"

// Config is the full configuration tree.
type Config struct {
	Agent       AgentConfig       `mapstructure:"agent"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Validators  ValidatorsConfig  `mapstructure:"validators"`
	Budgets     []BudgetConfig    `mapstructure:"budgets"`
	Integration IntegrationConfig `mapstructure:"integration"`
	Run         RunConfig         `mapstructure:"run"`
	Components  ComponentsConfig  `mapstructure:"components"`
}

// AgentConfig selects the coding agent and the planner/validator LLM.
type AgentConfig struct {
	// Provider is anthropic, codex, or mock.
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	// Binary is the codex executable for subprocess providers.
	Binary string `mapstructure:"binary"`
	// CostPer1K prices tokens for cost estimates.
	CostPer1K float64 `mapstructure:"cost_per_1k"`
}

// WorkerConfig tunes the per-task retry loop.
type WorkerConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	TDDMode     string        `mapstructure:"tdd_mode"`
	Bootstrap   []string      `mapstructure:"bootstrap"`
	Lint        string        `mapstructure:"lint"`
	Doctor      string        `mapstructure:"doctor"`
	FastCommand string        `mapstructure:"fast_command"`
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
	// LintTimeoutSeconds kills a lint command that runs longer; 0 disables.
	LintTimeoutSeconds int `mapstructure:"lint_timeout_seconds"`
	// DoctorTimeoutSeconds kills a doctor command that runs longer; 0 disables.
	DoctorTimeoutSeconds int `mapstructure:"doctor_timeout_seconds"`
	PromptLimit int           `mapstructure:"prompt_limit"`
	Checkpoint  bool          `mapstructure:"checkpoint"`
}

// EnforcementConfig controls post-turn scope checking.
type EnforcementConfig struct {
	// ManifestEnforcement is off, warn, or block.
	ManifestEnforcement string `mapstructure:"manifest_enforcement"`
	// AutoRescope lets warn mode amend manifests and requeue; block
	// mode never auto-rescopes.
	AutoRescope            bool   `mapstructure:"auto_rescope"`
	MaxComponentsForScoped int    `mapstructure:"max_components_for_scoped"`
	FallbackCommand        string `mapstructure:"fallback_command"`
}

// ValidatorConfig configures one judge in the pipeline.
type ValidatorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Mode     string `mapstructure:"mode"`
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

// ValidatorsConfig holds the pipeline slots plus the per-batch doctor.
type ValidatorsConfig struct {
	Test         ValidatorConfig `mapstructure:"test"`
	Style        ValidatorConfig `mapstructure:"style"`
	Architecture ValidatorConfig `mapstructure:"architecture"`
	Doctor       ValidatorConfig `mapstructure:"doctor"`
	// DoctorCadence runs the doctor-meta judge every N batches.
	DoctorCadence int `mapstructure:"doctor_cadence"`
}

// BudgetConfig is one budget rule.
type BudgetConfig struct {
	// Scope is task or run.
	Scope string `mapstructure:"scope"`
	// Kind is tokens or cost.
	Kind string `mapstructure:"kind"`
	// Limit is tokens (kind=tokens) or dollars (kind=cost).
	Limit float64 `mapstructure:"limit"`
	// Mode is warn or block.
	Mode string `mapstructure:"mode"`
}

// IntegrationConfig tunes batch merging.
type IntegrationConfig struct {
	RollbackOnDoctorFailure bool `mapstructure:"rollback_on_doctor_failure"`
}

// RunConfig tunes the orchestrator loop.
type RunConfig struct {
	MaxParallel      int `mapstructure:"max_parallel"`
	StalenessMinutes int `mapstructure:"staleness_minutes"`
}

// ComponentsConfig is the ownership model for scope enforcement.
type ComponentsConfig struct {
	// Roots maps component name to its root directories.
	Roots map[string][]string `mapstructure:"roots"`
	// Doctors maps component name to its scoped doctor command.
	Doctors map[string]string `mapstructure:"doctors"`
}

// Load reads configuration for a repository. Precedence, highest first:
// MYCELIUM_* environment variables, <repo>/mycelium.yaml,
// <home>/config.yaml, built-in defaults.
func Load(home, repoPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(home)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, models.NewUserError(models.CodeConfigInvalid,
				"home config unreadable",
				fmt.Sprintf("cannot read %s: %v", filepath.Join(home, "config.yaml"), err),
				"fix or remove the file", err)
		}
	}

	project := filepath.Join(repoPath, ProjectConfigName)
	if _, err := os.Stat(project); err == nil {
		pv := viper.New()
		pv.SetConfigFile(project)
		if err := pv.ReadInConfig(); err != nil {
			return nil, models.NewUserError(models.CodeConfigInvalid,
				"project config unreadable",
				fmt.Sprintf("cannot parse %s: %v", project, err),
				"fix the YAML syntax", err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge project config: %w", err)
		}
	}

	v.SetEnvPrefix("MYCELIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("agent.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, models.NewUserError(models.CodeConfigInvalid,
			"config invalid",
			fmt.Sprintf("cannot decode configuration: %v", err), "", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.provider", "codex")
	v.SetDefault("agent.cost_per_1k", 0.015)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.tdd_mode", "off")
	v.SetDefault("worker.prompt_limit", 4000)
	v.SetDefault("worker.checkpoint", true)
	v.SetDefault("enforcement.manifest_enforcement", "warn")
	v.SetDefault("enforcement.auto_rescope", true)
	v.SetDefault("enforcement.max_components_for_scoped", 3)
	v.SetDefault("validators.doctor_cadence", 0)
	v.SetDefault("integration.rollback_on_doctor_failure", false)
	v.SetDefault("run.max_parallel", 4)
	v.SetDefault("run.staleness_minutes", 10)
}

// enums accepted by validate.
var (
	enforceModes   = map[string]bool{"off": true, "warn": true, "block": true}
	validatorModes = map[string]bool{"": true, "off": true, "warn": true, "block": true}
	budgetScopes   = map[string]bool{"task": true, "run": true}
	budgetKinds    = map[string]bool{"tokens": true, "cost": true}
	budgetModes    = map[string]bool{"warn": true, "block": true}
)

func (c *Config) validate() error {
	if !models.TDDMode(c.Worker.TDDMode).Valid() {
		return invalid("worker.tdd_mode", c.Worker.TDDMode, "off, stage-a, or strict")
	}
	if !enforceModes[c.Enforcement.ManifestEnforcement] {
		return invalid("enforcement.manifest_enforcement", c.Enforcement.ManifestEnforcement, "off, warn, or block")
	}
	for name, vc := range map[string]ValidatorConfig{
		"test": c.Validators.Test, "style": c.Validators.Style,
		"architecture": c.Validators.Architecture, "doctor": c.Validators.Doctor,
	} {
		if !validatorModes[vc.Mode] {
			return invalid("validators."+name+".mode", vc.Mode, "off, warn, or block")
		}
	}
	for i, b := range c.Budgets {
		key := fmt.Sprintf("budgets[%d]", i)
		if !budgetScopes[b.Scope] {
			return invalid(key+".scope", b.Scope, "task or run")
		}
		if !budgetKinds[b.Kind] {
			return invalid(key+".kind", b.Kind, "tokens or cost")
		}
		if !budgetModes[b.Mode] {
			return invalid(key+".mode", b.Mode, "warn or block")
		}
		if b.Limit <= 0 {
			return invalid(key+".limit", fmt.Sprint(b.Limit), "a positive number")
		}
	}
	if c.Worker.LintTimeoutSeconds < 0 {
		return invalid("worker.lint_timeout_seconds", fmt.Sprint(c.Worker.LintTimeoutSeconds), "zero or a positive number")
	}
	if c.Worker.DoctorTimeoutSeconds < 0 {
		return invalid("worker.doctor_timeout_seconds", fmt.Sprint(c.Worker.DoctorTimeoutSeconds), "zero or a positive number")
	}
	if c.Run.MaxParallel < 1 {
		return invalid("run.max_parallel", fmt.Sprint(c.Run.MaxParallel), "at least 1")
	}
	return nil
}

func invalid(key, got, want string) error {
	return models.NewUserError(models.CodeConfigInvalid,
		"config invalid",
		fmt.Sprintf("%s is %q, want %s", key, got, want),
		fmt.Sprintf("edit %s", ProjectConfigName), nil)
}

// Staleness returns the run-state staleness window.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Run.StalenessMinutes) * time.Minute
}

// LintTimeout returns the lint command deadline; zero disables it.
func (c *Config) LintTimeout() time.Duration {
	return time.Duration(c.Worker.LintTimeoutSeconds) * time.Second
}

// DoctorTimeout returns the doctor command deadline; zero disables it.
func (c *Config) DoctorTimeout() time.Duration {
	return time.Duration(c.Worker.DoctorTimeoutSeconds) * time.Second
}
