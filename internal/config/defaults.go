package config

import "time"

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file once the Calibre URL and
// the tolino credentials are supplied.
const (
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
	defaultLibraryID           = "calibre"
	defaultPartnerID           = 3
	defaultLoginMode           = "device"
	defaultPollInterval        = "1h"
	defaultTimeoutString       = "60s"
	defaultTimeout             = 60 * time.Second
	defaultBigDeleteThreshold  = 1000
	defaultBigDeletePercentage = 50
	defaultBigDeleteMinItems   = 10
)

// Default file names inside the platform data and cache directories.
const (
	stateFileName  = "sync-state.json"
	tokenFileName  = "tolino-token.json"
	stagingDirName = "staging"
)

// DefaultUserAgent is sent when network.user_agent is empty. The CLI
// replaces it with one carrying the build version.
const DefaultUserAgent = "tolino-calibre-sync"

// defaultPreferredFormats is the format preference when none is configured.
func defaultPreferredFormats() []string {
	return []string{"EPUB", "PDF"}
}

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
		Calibre: CalibreConfig{
			LibraryID:        defaultLibraryID,
			PreferredFormats: defaultPreferredFormats(),
		},
		Tolino: TolinoConfig{
			PartnerID: defaultPartnerID,
			LoginMode: defaultLoginMode,
		},
		Sync: SyncConfig{
			UploadCovers: true,
			PollInterval: defaultPollInterval,
		},
		Safety: SafetyConfig{
			BigDeleteThreshold:  defaultBigDeleteThreshold,
			BigDeletePercentage: defaultBigDeletePercentage,
			BigDeleteMinItems:   defaultBigDeleteMinItems,
		},
		Network: NetworkConfig{
			Timeout:   defaultTimeoutString,
			UserAgent: DefaultUserAgent,
		},
	}
}
