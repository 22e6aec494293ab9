package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/poesterlin/tolino-calibre-sync/internal/config"
	"github.com/poesterlin/tolino-calibre-sync/internal/state"
	"github.com/poesterlin/tolino-calibre-sync/internal/tokenfile"
	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

// Token state constants for status reporting.
const (
	tokenStateNone     = "none"
	tokenStateSaved    = "saved"
	tokenStateMismatch = "saved for another partner or device"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync state without contacting either service",
		Long: `Display the configured partner and login mode, the saved token, the
number of books in the state file, and whether a sync is running.`,
		RunE: runStatus,
	}
}

// statusReport is printed as text or, with --json, as JSON.
type statusReport struct {
	ConfigPath  string `json:"config_path"`
	Partner     string `json:"partner"`
	PartnerID   int    `json:"partner_id"`
	LoginMode   string `json:"login_mode"`
	HardwareID  string `json:"hardware_id,omitempty"`
	TokenFile   string `json:"token_file"`
	TokenState  string `json:"token_state"`
	StateFile   string `json:"state_file"`
	StateKind   string `json:"state_kind"`
	SyncedBooks int    `json:"synced_books"`
	LastSaved   string `json:"last_saved,omitempty"`
	RunningPID  int    `json:"running_pid,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg

	report := statusReport{
		ConfigPath: cfg.ConfigPath,
		Partner:    tolino.PartnerName(cfg.Tolino.PartnerID),
		PartnerID:  cfg.Tolino.PartnerID,
		LoginMode:  cfg.Tolino.LoginMode,
		HardwareID: cfg.Tolino.HardwareID,
		TokenFile:  cfg.Tolino.TokenFile,
		StateFile:  cfg.Sync.StateFile,
		StateKind:  "json",
	}

	if state.IsSQLitePath(cfg.Sync.StateFile) {
		report.StateKind = "sqlite"
	}

	tokenState, err := readTokenState(cfg)
	if err != nil {
		return err
	}

	report.TokenState = tokenState

	info, err := os.Stat(cfg.Sync.StateFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Never synced.
	case err != nil:
		return fmt.Errorf("reading state file: %w", err)
	default:
		n, lerr := countMapped(cmd, cc)
		if lerr != nil {
			return lerr
		}

		report.SyncedBooks = n
		report.LastSaved = formatAgo(info.ModTime())
	}

	if pid, rerr := runningSync(config.LockPath(cfg.Sync.StateFile)); rerr == nil {
		report.RunningPID = pid
	}

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatus(os.Stdout, &report)

	return nil
}

// readTokenState reports whether a refresh token is saved and whether it
// belongs to the configured partner and hardware id.
func readTokenState(cfg *config.Resolved) (string, error) {
	meta, err := tokenfile.ReadMeta(cfg.Tolino.TokenFile)
	if err != nil {
		return "", err
	}

	if meta == nil {
		return tokenStateNone, nil
	}

	if meta[tokenfile.MetaPartnerID] != strconv.Itoa(cfg.Tolino.PartnerID) {
		return tokenStateMismatch, nil
	}

	if hw := meta[tokenfile.MetaHardwareID]; hw != "" && cfg.Tolino.HardwareID != "" && hw != cfg.Tolino.HardwareID {
		return tokenStateMismatch, nil
	}

	return tokenStateSaved, nil
}

func countMapped(cmd *cobra.Command, cc *CLIContext) (int, error) {
	store, err := state.Open(cmd.Context(), cc.Cfg.Sync.StateFile, cc.Logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	m, err := store.Load(cmd.Context())
	if err != nil {
		return 0, err
	}

	return len(m), nil
}

func printStatus(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "Config:      %s\n", r.ConfigPath)
	fmt.Fprintf(w, "Partner:     %s (%d)\n", r.Partner, r.PartnerID)
	fmt.Fprintf(w, "Login mode:  %s\n", r.LoginMode)

	if r.HardwareID != "" {
		fmt.Fprintf(w, "Hardware ID: %s\n", r.HardwareID)
	}

	fmt.Fprintf(w, "Token:       %s (%s)\n", r.TokenState, r.TokenFile)
	fmt.Fprintf(w, "State:       %s (%s)\n", r.StateFile, r.StateKind)

	if r.LastSaved == "" {
		fmt.Fprintln(w, "Synced:      never")
	} else {
		fmt.Fprintf(w, "Synced:      %d book(s), saved %s\n", r.SyncedBooks, r.LastSaved)
	}

	if r.RunningPID != 0 {
		fmt.Fprintf(w, "Running:     yes (PID %d)\n", r.RunningPID)
	} else {
		fmt.Fprintln(w, "Running:     no")
	}
}
