package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// CLIOverrides holds values from command-line flags. Pointer fields
// distinguish "not specified" (nil) from an explicit false.
type CLIOverrides struct {
	ConfigPath   string
	DryRun       *bool
	Deletions    *bool
	UploadCovers *bool
}

// Resolved is the effective configuration after every override layer, with
// empty paths replaced by their platform defaults.
type Resolved struct {
	Config

	// ConfigPath is the file that was read, or would have been read when
	// none exists.
	ConfigPath string

	// Warnings are non-fatal problems found during validation.
	Warnings []string
}

// Load reads and parses a TOML config file and returns the resulting Config.
// Unknown keys are fatal errors with "did you mean?" suggestions. Values are
// validated by Resolve once environment and flags have been applied, since a
// file may leave required settings to the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags. The
// result is validated and has its default paths filled in.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if err := applyEnv(cfg, env); err != nil {
		return nil, err
	}

	applyCLI(cfg, cli)
	fillDefaultPaths(cfg)

	warnings, err := Validate(cfg)
	if err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &Resolved{Config: *cfg, ConfigPath: cfgPath, Warnings: warnings}, nil
}

func applyEnv(cfg *Config, env EnvOverrides) error {
	setString(&cfg.Calibre.BaseURL, env.CalibreBaseURL)
	setString(&cfg.Calibre.LibraryID, env.CalibreLibrary)
	setString(&cfg.Calibre.Username, env.CalibreUsername)
	setString(&cfg.Calibre.Password, env.CalibrePassword)
	setString(&cfg.Tolino.LoginMode, env.LoginMode)
	setString(&cfg.Tolino.HardwareID, env.HardwareID)
	setString(&cfg.Tolino.RefreshToken, env.RefreshToken)
	setString(&cfg.Tolino.Username, env.TolinoUsername)
	setString(&cfg.Tolino.Password, env.TolinoPassword)
	setString(&cfg.Sync.StateFile, env.StateFile)
	setString(&cfg.Sync.StagingDir, env.StagingDir)

	var errs []error

	if env.PartnerID != "" {
		id, err := strconv.Atoi(strings.TrimSpace(env.PartnerID))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid partner id %q", EnvPartnerID, env.PartnerID))
		} else {
			cfg.Tolino.PartnerID = id
		}
	}

	if err := setBool(&cfg.Sync.EnableDeletions, EnvEnableDeletions, env.EnableDeletions); err != nil {
		errs = append(errs, err)
	}

	if err := setBool(&cfg.Sync.UploadCovers, EnvUploadCovers, env.UploadCovers); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.DryRun != nil {
		cfg.Sync.DryRun = *cli.DryRun
	}

	if cli.Deletions != nil {
		cfg.Sync.EnableDeletions = *cli.Deletions
	}

	if cli.UploadCovers != nil {
		cfg.Sync.UploadCovers = *cli.UploadCovers
	}
}

// fillDefaultPaths expands "~/" and replaces empty paths with the platform
// defaults.
func fillDefaultPaths(cfg *Config) {
	cfg.Sync.StateFile = pathOrDefault(cfg.Sync.StateFile, DefaultStatePath())
	cfg.Sync.StagingDir = pathOrDefault(cfg.Sync.StagingDir, DefaultStagingDir())
	cfg.Tolino.TokenFile = pathOrDefault(cfg.Tolino.TokenFile, DefaultTokenPath())
}

func pathOrDefault(path, def string) string {
	if path == "" {
		return def
	}

	return expandTilde(path)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// setBool accepts the strconv.ParseBool spellings plus yes/no and on/off.
func setBool(dst *bool, name, v string) error {
	if v == "" {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on":
		*dst = true
		return nil
	case "no", "off":
		*dst = false
		return nil
	}

	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", name, v)
	}

	*dst = b

	return nil
}
