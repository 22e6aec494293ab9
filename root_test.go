package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poesterlin/tolino-calibre-sync/internal/config"
)

// isolateEnv points config lookup and default paths at a temp dir and sets
// the minimum settings a device-mode config needs.
func isolateEnv(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(home, "cache"))
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvCalibreBaseURL, "http://calibre.local:8080")
	t.Setenv(config.EnvHardwareID, "hw-1")
	t.Setenv(config.EnvRefreshToken, "refresh-1")
	t.Setenv(config.EnvStateFile, filepath.Join(home, "state.json"))

	return home
}

func resolvedFor(logLevel, logFormat string) *config.Resolved {
	cfg := config.DefaultConfig()
	cfg.LogLevel = logLevel
	cfg.LogFormat = logFormat

	return &config.Resolved{Config: *cfg}
}

func TestBuildLogger_Levels(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		cfg   *config.Resolved
		flags CLIFlags
		want  slog.Level
	}{
		{"no config", nil, CLIFlags{}, slog.LevelInfo},
		{"config debug", resolvedFor("debug", "text"), CLIFlags{}, slog.LevelDebug},
		{"config warn", resolvedFor("warn", "text"), CLIFlags{}, slog.LevelWarn},
		{"verbose beats config", resolvedFor("error", "text"), CLIFlags{Verbose: true}, slog.LevelDebug},
		{"quiet beats config", resolvedFor("debug", "text"), CLIFlags{Quiet: true}, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := buildLogger(&bytes.Buffer{}, tt.cfg, tt.flags)

			assert.True(t, logger.Handler().Enabled(ctx, tt.want))
			assert.False(t, logger.Handler().Enabled(ctx, tt.want-1))
		})
	}
}

func TestBuildLogger_Formats(t *testing.T) {
	var buf bytes.Buffer

	buildLogger(&buf, resolvedFor("info", "json"), CLIFlags{}).Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])

	buf.Reset()
	buildLogger(&buf, resolvedFor("info", "text"), CLIFlags{}).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	// A buffer is not a terminal, so auto picks JSON.
	buf.Reset()
	buildLogger(&buf, resolvedFor("info", "auto"), CLIFlags{}).Info("hello")
	assert.True(t, json.Valid(buf.Bytes()))
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{
		"sync", "status", "ls", "get", "rm", "devices", "partners", "trigger", "config", "version",
	} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "json", "verbose", "quiet"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestNewRootCmd_SkipConfigCommandsRunWithoutConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvCalibreBaseURL, "")

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), version)

	// status needs a resolved config and must fail without a base URL.
	cmd = newRootCmd()
	cmd.SetArgs([]string{"status"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calibre.base_url")
}

func TestNewRootCmd_ConfigFlagUsed(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("log_levle = \"debug\"\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", path, "status"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "log_level"`)
}

func TestLoadConfig_SyncFlagsOverride(t *testing.T) {
	isolateEnv(t)
	t.Setenv(config.EnvEnableDeletions, "true")

	cmd := newSyncCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--dry-run", "--no-covers"}))

	r, err := loadConfig(cmd, CLIFlags{})
	require.NoError(t, err)

	assert.True(t, r.Sync.DryRun)
	assert.False(t, r.Sync.UploadCovers)
	assert.True(t, r.Sync.EnableDeletions, "unset flag leaves env value")

	require.NoError(t, cmd.ParseFlags([]string{"--deletions=false"}))

	r, err = loadConfig(cmd, CLIFlags{})
	require.NoError(t, err)
	assert.False(t, r.Sync.EnableDeletions)
}

func TestChangedBool_UnknownFlag(t *testing.T) {
	assert.Nil(t, changedBool(newStatusCmd(), "dry-run", false))
}
