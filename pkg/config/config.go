// Package config provides configuration loading and management for mritopup.
// It handles loading configuration from YAML files, provides default values
// and validates the result once before a run starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultConfigProfile is the topup configuration shipped with FSL
const DefaultConfigProfile = "b02b0.cnf"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Directory layout
	Paths struct {
		// WorkDir holds per-pair scratch files and the destination tree
		WorkDir string `yaml:"workDir"`

		// OutputDir receives the zip bundle and QA reports
		OutputDir string `yaml:"outputDir"`

		// InputsDir is the BIDS root containing sub-<subject>/ directories
		InputsDir string `yaml:"inputsDir"`
	} `yaml:"paths"`

	// Session identifies the data being corrected
	Session struct {
		Subject string `yaml:"subject"`
		Session string `yaml:"session"`

		// DestinationID names the routed result tree and the archive.
		// A random id is generated when empty.
		DestinationID string `yaml:"destinationId"`
	} `yaml:"session"`

	// Inputs optionally supplied by the caller
	Inputs struct {
		// Fieldmaps overrides discovery under the session fmap directory
		Fieldmaps []string `yaml:"fieldmaps"`

		// AcquisitionParameters is used unchanged for every pair when set
		AcquisitionParameters string `yaml:"acquisitionParameters"`

		// ConfigProfile is passed to topup --config
		ConfigProfile string `yaml:"configProfile"`

		// IntendedFor is a JSON manifest with an IntendedFor list
		IntendedFor string `yaml:"intendedFor"`

		// ApplyTo1 and ApplyTo2 are corrected with acquisition rows 1 and 2
		ApplyTo1 string `yaml:"applyTo1"`
		ApplyTo2 string `yaml:"applyTo2"`
	} `yaml:"inputs"`

	// Optional topup outputs
	Topup struct {
		DisplacementField    bool `yaml:"displacementField"`
		JacobianDeterminants bool `yaml:"jacobianDeterminants"`
		RigidBodyMatrix      bool `yaml:"rigidBodyMatrix"`
		Verbose              bool `yaml:"verbose"`

		// DebugLevel is omitted from the command when zero
		DebugLevel int `yaml:"debugLevel"`
	} `yaml:"topup"`

	// Output parameters
	Output struct {
		// QA generates a comparison report per corrected file
		QA bool `yaml:"qa"`

		// DryRun logs external commands without executing them
		DryRun bool `yaml:"dryRun"`

		// LogLevel is any logrus level name
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Paths.WorkDir = "work"
	cfg.Paths.OutputDir = "output"
	cfg.Paths.InputsDir = filepath.Join("work", "BIDS")

	cfg.Inputs.ConfigProfile = DefaultConfigProfile

	cfg.Output.QA = false
	cfg.Output.DryRun = false
	cfg.Output.LogLevel = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks required settings and fills derived defaults. It is called
// once, before the pipeline starts.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.WorkDir == "" {
		errs = append(errs, errors.New("paths.workDir is required"))
	}
	if c.Paths.OutputDir == "" {
		errs = append(errs, errors.New("paths.outputDir is required"))
	}
	if c.Session.Subject == "" {
		errs = append(errs, errors.New("session.subject is required"))
	}
	if len(c.Inputs.Fieldmaps) == 0 && c.Paths.InputsDir == "" {
		errs = append(errs, errors.New("paths.inputsDir or inputs.fieldmaps is required"))
	}
	if c.Topup.DebugLevel < 0 {
		errs = append(errs, fmt.Errorf("topup.debugLevel must be >= 0, got %d", c.Topup.DebugLevel))
	}

	for name, path := range map[string]string{
		"inputs.acquisitionParameters": c.Inputs.AcquisitionParameters,
		"inputs.intendedFor":           c.Inputs.IntendedFor,
		"inputs.applyTo1":              c.Inputs.ApplyTo1,
		"inputs.applyTo2":              c.Inputs.ApplyTo2,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	paths := []*string{
		&c.Paths.WorkDir, &c.Paths.OutputDir, &c.Paths.InputsDir,
		&c.Inputs.AcquisitionParameters, &c.Inputs.IntendedFor,
		&c.Inputs.ApplyTo1, &c.Inputs.ApplyTo2,
	}
	for i := range c.Inputs.Fieldmaps {
		paths = append(paths, &c.Inputs.Fieldmaps[i])
	}
	if filepath.Base(c.Inputs.ConfigProfile) != c.Inputs.ConfigProfile {
		paths = append(paths, &c.Inputs.ConfigProfile)
	}
	// FSL tools run with the work dir as their working directory
	for _, p := range paths {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", *p, err)
		}
		*p = abs
	}

	if c.Inputs.ConfigProfile == "" {
		c.Inputs.ConfigProfile = DefaultConfigProfile
	}
	if c.Session.DestinationID == "" {
		c.Session.DestinationID = uuid.New().String()
	}

	return nil
}

// UsesDefaultProfile reports whether topup runs with the FSL-provided profile
func (c *Config) UsesDefaultProfile() bool {
	return c.Inputs.ConfigProfile == "" || c.Inputs.ConfigProfile == DefaultConfigProfile
}

// ProfilePath returns the file behind the topup configuration profile
func (c *Config) ProfilePath() string {
	return ResolveProfile(c.Inputs.ConfigProfile)
}

// ResolveProfile maps a bare profile name to a file. The current directory
// is tried first, then $FSLDIR/etc/flirtsch where FSL ships its profiles.
// Paths and unresolvable names are returned unchanged.
func ResolveProfile(name string) string {
	if name == "" {
		name = DefaultConfigProfile
	}
	if filepath.Base(name) != name {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	if fslDir := os.Getenv("FSLDIR"); fslDir != "" {
		return filepath.Join(fslDir, "etc", "flirtsch", name)
	}
	return name
}

// FieldmapDir returns the directory that holds the session's fieldmaps
func (c *Config) FieldmapDir() string {
	dir := filepath.Join(c.Paths.InputsDir, "sub-"+c.Session.Subject)
	if c.Session.Session != "" {
		dir = filepath.Join(dir, "ses-"+c.Session.Session)
	}
	return filepath.Join(dir, "fmap")
}

// SubjectDir is the root IntendedFor entries are resolved against
func (c *Config) SubjectDir() string {
	return filepath.Join(c.Paths.InputsDir, "sub-"+c.Session.Subject)
}

// TopupDir is the per-pair scratch directory
func (c *Config) TopupDir() string {
	return filepath.Join(c.Paths.WorkDir, "topup")
}

// DestinationDir is the tree corrected files are routed into
func (c *Config) DestinationDir() string {
	return filepath.Join(c.Paths.WorkDir, c.Session.DestinationID)
}
