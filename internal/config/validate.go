package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poesterlin/tolino-calibre-sync/internal/tokenfile"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

// Validation range constants.
const (
	minPercentage   = 1
	maxPercentage   = 100
	minBigDelete    = 1
	minPollInterval = time.Minute
	minTimeout      = time.Second
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"auto": true, "text": true, "json": true}

var validDeleteMethods = map[string]bool{
	"": true, http.MethodGet: true, http.MethodPost: true, http.MethodDelete: true,
}

// Validate checks the resolved configuration and returns all errors found,
// joined, plus any non-fatal warnings. It accumulates every error rather
// than stopping at the first, so users can fix all issues in one pass.
func Validate(cfg *Config) ([]string, error) {
	var (
		errs     []error
		warnings []string
	)

	calibreErrs, calibreWarnings := validateCalibre(&cfg.Calibre)
	errs = append(errs, calibreErrs...)
	warnings = append(warnings, calibreWarnings...)

	errs = append(errs, validateTolino(&cfg.Tolino)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateSafety(&cfg.Safety)...)
	errs = append(errs, validateLogging(cfg)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return warnings, errors.Join(errs...)
}

func validateCalibre(c *CalibreConfig) ([]error, []string) {
	var (
		errs     []error
		warnings []string
	)

	switch {
	case c.BaseURL == "":
		errs = append(errs, errors.New("calibre.base_url: required"))
	case strings.HasSuffix(c.BaseURL, "/"):
		errs = append(errs, fmt.Errorf("calibre.base_url: must not end with a slash, got %q", c.BaseURL))
	default:
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("calibre.base_url: must be an http or https URL, got %q", c.BaseURL))
		}
	}

	if c.LibraryID == "" {
		errs = append(errs, errors.New("calibre.library_id: required"))
	}

	if (c.Username == "") != (c.Password == "") {
		warnings = append(warnings,
			"calibre.username and calibre.password must both be set for authentication; connecting anonymously")
	}

	if len(c.PreferredFormats) == 0 {
		errs = append(errs, errors.New("calibre.preferred_formats: at least one format is required"))
	}

	for i, f := range c.PreferredFormats {
		if strings.TrimSpace(f) == "" {
			errs = append(errs, fmt.Errorf("calibre.preferred_formats[%d]: empty format", i))
		}
	}

	return errs, warnings
}

func validateTolino(t *TolinoConfig) []error {
	var errs []error

	if _, err := tolino.LookupPartner(t.PartnerID); err != nil {
		errs = append(errs, fmt.Errorf("tolino.partner_id: %w", err))
	}

	switch tolino.LoginMode(t.LoginMode) {
	case tolino.ModeDevice:
		if t.HardwareID == "" {
			errs = append(errs, errors.New("tolino.hardware_id: required in device mode"))
		}

		if t.RefreshToken == "" && !hasSavedToken(t.TokenFile) {
			errs = append(errs, errors.New("tolino.refresh_token: required in device mode when no token file exists"))
		}
	case tolino.ModePassword:
		if t.Username == "" || t.Password == "" {
			errs = append(errs, errors.New("tolino.username and tolino.password: required in password mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("tolino.login_mode: must be %q or %q, got %q",
			tolino.ModeDevice, tolino.ModePassword, t.LoginMode))
	}

	if !validDeleteMethods[strings.ToUpper(t.DeleteMethod)] {
		errs = append(errs, fmt.Errorf("tolino.delete_method: must be GET, POST or DELETE, got %q", t.DeleteMethod))
	}

	return errs
}

// hasSavedToken reports whether the token file holds a refresh token.
func hasSavedToken(path string) bool {
	if path == "" {
		return false
	}

	tok, _, err := tokenfile.Load(path)

	return err == nil && tok != nil && tok.RefreshToken != ""
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.PollInterval != "" {
		d, err := time.ParseDuration(s.PollInterval)
		if err != nil {
			errs = append(errs, fmt.Errorf("sync.poll_interval: invalid duration %q", s.PollInterval))
		} else if d < minPollInterval {
			errs = append(errs, fmt.Errorf("sync.poll_interval: must be at least %s, got %s", minPollInterval, d))
		}
	}

	if s.Collection != strings.TrimSpace(s.Collection) {
		errs = append(errs, fmt.Errorf("sync.collection: leading or trailing whitespace in %q", s.Collection))
	}

	return errs
}

func validateSafety(s *SafetyConfig) []error {
	var errs []error

	if s.BigDeleteThreshold < minBigDelete {
		errs = append(errs, fmt.Errorf("safety.big_delete_threshold: must be >= %d, got %d",
			minBigDelete, s.BigDeleteThreshold))
	}

	if s.BigDeletePercentage < minPercentage || s.BigDeletePercentage > maxPercentage {
		errs = append(errs, fmt.Errorf("safety.big_delete_percentage: must be %d-%d, got %d",
			minPercentage, maxPercentage, s.BigDeletePercentage))
	}

	if s.BigDeleteMinItems < 0 {
		errs = append(errs, fmt.Errorf("safety.big_delete_min_items: must be >= 0, got %d", s.BigDeleteMinItems))
	}

	return errs
}

func validateLogging(cfg *Config) []error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", cfg.LogLevel))
	}

	if !validLogFormats[cfg.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", cfg.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	d, err := time.ParseDuration(n.Timeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("network.timeout: invalid duration %q", n.Timeout))
	} else if d < minTimeout {
		errs = append(errs, fmt.Errorf("network.timeout: must be at least %s, got %s", minTimeout, d))
	}

	return errs
}
