// Package config loads and saves otail.yaml, the persistent
// configuration described in spec.md §6: a readonly flag and an ordered
// list of colouring rules.
//
// Adapted from the teacher's config package (the Load/Save/Path skeleton
// and its use of the OS-appropriate config directory) but switched from
// an ad hoc JSON shape to the YAML readonly/rules shape
// original_source/src/config.rs specifies, including its three-path
// lookup order (./otail.yaml, ./.otail.yaml, home config directory).
// Library: gopkg.in/yaml.v3 — a new dependency not carried
// by the teacher or any other example repo, justified because spec.md
// mandates the YAML format specifically and no repo in the pack carries
// a YAML library (the closest, TimelordUK-mless, uses TOML instead).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"otail/internal/filter"
	"otail/internal/rules"
)

// FileName is the configuration file's name, matching
// original_source/src/config.rs::CONFIG_FILENAME.
const FileName = "otail.yaml"

// RuleConfig is the YAML-serializable form of a rules.ColouringRule.
type RuleConfig struct {
	ID      string `yaml:"id,omitempty"`
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"`
	Pattern string `yaml:"pattern"`
	FG      string `yaml:"fg,omitempty"`
	BG      string `yaml:"bg,omitempty"`
	Label   string `yaml:"label,omitempty"`
}

// ToColouringRule compiles rc into a rules.ColouringRule, validating its
// filter pattern in the process.
func (rc RuleConfig) ToColouringRule() (rules.ColouringRule, error) {
	ft, err := parseFilterType(rc.Type)
	if err != nil {
		return rules.ColouringRule{}, err
	}
	spec, err := filter.NewFilterSpec(ft, rc.Pattern)
	if err != nil {
		return rules.ColouringRule{}, err
	}
	return rules.ColouringRule{
		ID:      rc.ID,
		Enabled: rc.Enabled,
		Filter:  spec,
		FG:      rules.Colour(rc.FG),
		BG:      rules.Colour(rc.BG),
		Label:   rc.Label,
	}, nil
}

// FromColouringRule converts a rules.ColouringRule back to its
// YAML-serializable form, e.g. when saving rules added interactively.
func FromColouringRule(r rules.ColouringRule) RuleConfig {
	return RuleConfig{
		ID:      r.ID,
		Enabled: r.Enabled,
		Type:    r.Filter.Type.String(),
		Pattern: r.Filter.Pattern,
		FG:      string(r.FG),
		BG:      string(r.BG),
		Label:   r.Label,
	}
}

func parseFilterType(s string) (filter.FilterType, error) {
	switch s {
	case "disabled":
		return filter.Disabled, nil
	case "simple", "":
		return filter.SimpleCaseSensitive, nil
	case "simple-ci":
		return filter.SimpleCaseInsensitive, nil
	case "regex":
		return filter.Regex, nil
	default:
		return 0, fmt.Errorf("unknown rule type %q", s)
	}
}

// Config is the on-disk shape of otail.yaml.
type Config struct {
	ReadOnly bool         `yaml:"readonly"`
	Rules    []RuleConfig `yaml:"rules"`
}

// ColouringSpec builds a rules.ColouringSpec from the config's rule list,
// skipping (and reporting) any rule with an invalid pattern rather than
// failing the whole load.
func (c Config) ColouringSpec() (rules.ColouringSpec, []error) {
	var spec rules.ColouringSpec
	var errs []error
	for _, rc := range c.Rules {
		cr, err := rc.ToColouringRule()
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rc.Label, err))
			continue
		}
		spec.Add(cr)
	}
	return spec, errs
}

// FindPath resolves otail.yaml's location using the three-path lookup
// order from original_source::find_config: ./otail.yaml, ./.otail.yaml,
// then the user's home config directory. It returns the first candidate
// that exists, or the working-directory candidate if none do (so a
// fresh Save has somewhere to write).
func FindPath() (string, error) {
	candidates, err := candidatePaths()
	if err != nil {
		return "", err
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return candidates[0], nil
}

func candidatePaths() ([]string, error) {
	var out []string

	if cwd, err := os.Getwd(); err == nil {
		out = append(out, filepath.Join(cwd, FileName))
		out = append(out, filepath.Join(cwd, "."+FileName))
	}

	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".config", FileName))
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("could not resolve any candidate config path")
	}
	return out, nil
}

// Load reads and parses the configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load, but returns a zero-value Config
// instead of an error when path does not exist, matching the CLI's
// "config is optional" behaviour.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Config{}, nil
	}
	return Load(path)
}

// Save writes cfg to path, creating its directory if necessary. Save is
// a no-op returning nil when cfg.ReadOnly is set, matching
// original_source::maybe_save_config's readonly guard.
func Save(cfg Config, path string) error {
	if cfg.ReadOnly {
		return nil
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
