// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for tolino-calibre-sync. It supports a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Logging options sit at the top level; everything else lives in sections.
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Calibre CalibreConfig `toml:"calibre"`
	Tolino  TolinoConfig  `toml:"tolino"`
	Sync    SyncConfig    `toml:"sync"`
	Safety  SafetyConfig  `toml:"safety"`
	Network NetworkConfig `toml:"network"`
}

// CalibreConfig locates the Calibre content server and the library to read.
// Username and password are optional; when both are set requests use HTTP
// digest authentication.
type CalibreConfig struct {
	BaseURL          string   `toml:"base_url"`
	LibraryID        string   `toml:"library_id"`
	Username         string   `toml:"username"`
	Password         string   `toml:"password"`
	PreferredFormats []string `toml:"preferred_formats"`
}

// TolinoConfig selects the reseller partner and how to log in to its cloud.
type TolinoConfig struct {
	PartnerID    int    `toml:"partner_id"`
	LoginMode    string `toml:"login_mode"`
	HardwareID   string `toml:"hardware_id"`
	RefreshToken string `toml:"refresh_token"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	TokenFile    string `toml:"token_file"`
	DeleteMethod string `toml:"delete_method"`
}

// SyncConfig controls what a sync cycle does and where it keeps its state.
type SyncConfig struct {
	StateFile       string `toml:"state_file"`
	StagingDir      string `toml:"staging_dir"`
	EnableDeletions bool   `toml:"enable_deletions"`
	UploadCovers    bool   `toml:"upload_covers"`
	UpdateMetadata  bool   `toml:"update_metadata"`
	Collection      string `toml:"collection"`
	DryRun          bool   `toml:"dry_run"`
	PollInterval    string `toml:"poll_interval"`
}

// SafetyConfig holds the big-delete thresholds. A run that would delete more
// than BigDeleteThreshold books, or more than BigDeletePercentage percent of
// the mapped books, is refused unless forced. Mappings smaller than
// BigDeleteMinItems are never checked.
type SafetyConfig struct {
	BigDeleteThreshold  int `toml:"big_delete_threshold"`
	BigDeletePercentage int `toml:"big_delete_percentage"`
	BigDeleteMinItems   int `toml:"big_delete_min_items"`
}

// NetworkConfig controls the HTTP clients for both services.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// PollIntervalDuration returns the parsed poll interval. Validate guarantees
// the string parses; a zero result means the engine default.
func (s *SyncConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil {
		return 0
	}

	return d
}

// TimeoutDuration returns the parsed HTTP timeout, or the default when the
// value does not parse.
func (n *NetworkConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		return defaultTimeout
	}

	return d
}
