package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

// redacted replaces secret values in rendered output.
const redacted = "********"

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command. Passwords
// and tokens are masked.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)
	ew.printf("log_level  = %q\n", r.LogLevel)
	ew.printf("log_format = %q\n\n", r.LogFormat)

	renderCalibreSection(ew, &r.Calibre)
	renderTolinoSection(ew, &r.Tolino)
	renderSyncSection(ew, &r.Sync)
	renderSafetySection(ew, &r.Safety)
	renderNetworkSection(ew, &r.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderCalibreSection(ew *errWriter, c *CalibreConfig) {
	ew.printf("[calibre]\n")
	ew.printf("  base_url          = %q\n", c.BaseURL)
	ew.printf("  library_id        = %q\n", c.LibraryID)
	ew.printf("  username          = %q\n", c.Username)
	ew.printf("  password          = %q\n", mask(c.Password))
	ew.printf("  preferred_formats = [%s]\n", joinQuoted(c.PreferredFormats))
	ew.printf("\n")
}

func renderTolinoSection(ew *errWriter, t *TolinoConfig) {
	ew.printf("[tolino]\n")
	ew.printf("  partner_id    = %d # %s\n", t.PartnerID, tolino.PartnerName(t.PartnerID))
	ew.printf("  login_mode    = %q\n", t.LoginMode)
	ew.printf("  hardware_id   = %q\n", t.HardwareID)
	ew.printf("  refresh_token = %q\n", mask(t.RefreshToken))
	ew.printf("  username      = %q\n", t.Username)
	ew.printf("  password      = %q\n", mask(t.Password))
	ew.printf("  token_file    = %q\n", t.TokenFile)

	if t.DeleteMethod != "" {
		ew.printf("  delete_method = %q\n", t.DeleteMethod)
	}

	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  state_file       = %q\n", s.StateFile)
	ew.printf("  staging_dir      = %q\n", s.StagingDir)
	ew.printf("  enable_deletions = %t\n", s.EnableDeletions)
	ew.printf("  upload_covers    = %t\n", s.UploadCovers)
	ew.printf("  update_metadata  = %t\n", s.UpdateMetadata)
	ew.printf("  collection       = %q\n", s.Collection)
	ew.printf("  dry_run          = %t\n", s.DryRun)
	ew.printf("  poll_interval    = %q\n", s.PollInterval)
	ew.printf("\n")
}

func renderSafetySection(ew *errWriter, s *SafetyConfig) {
	ew.printf("[safety]\n")
	ew.printf("  big_delete_threshold  = %d\n", s.BigDeleteThreshold)
	ew.printf("  big_delete_percentage = %d\n", s.BigDeletePercentage)
	ew.printf("  big_delete_min_items  = %d\n", s.BigDeleteMinItems)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  timeout    = %q\n", n.Timeout)
	ew.printf("  user_agent = %q\n", n.UserAgent)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}

	return redacted
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
