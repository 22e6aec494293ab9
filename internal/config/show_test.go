package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolved() *Resolved {
	cfg := validConfig()
	cfg.Calibre.Username = "reader"
	cfg.Calibre.Password = "calibre-secret"
	cfg.Tolino.TokenFile = "/data/tolino-token.json"
	cfg.Sync.StateFile = "/data/sync-state.json"

	return &Resolved{Config: *cfg, ConfigPath: "/etc/tolino-calibre-sync/config.toml"}
}

func TestRenderEffective_Sections(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderEffective(testResolved(), &buf))

	out := buf.String()
	assert.Contains(t, out, "/etc/tolino-calibre-sync/config.toml")
	assert.Contains(t, out, "[calibre]")
	assert.Contains(t, out, `base_url          = "http://calibre.local:8080"`)
	assert.Contains(t, out, `preferred_formats = ["EPUB", "PDF"]`)
	assert.Contains(t, out, "[tolino]")
	assert.Contains(t, out, "partner_id    = 3 # Thalia.de")
	assert.Contains(t, out, "[sync]")
	assert.Contains(t, out, `state_file       = "/data/sync-state.json"`)
	assert.Contains(t, out, "[safety]")
	assert.Contains(t, out, "[network]")
	assert.NotContains(t, out, "delete_method")
}

func TestRenderEffective_MasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderEffective(testResolved(), &buf))

	out := buf.String()
	assert.NotContains(t, out, "calibre-secret")
	assert.NotContains(t, out, "refresh-1")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, `  password      = ""`, "empty secrets stay visibly empty")
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRenderEffective_WriteError(t *testing.T) {
	err := RenderEffective(testResolved(), failWriter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestJoinQuoted(t *testing.T) {
	assert.Equal(t, `"a", "b"`, joinQuoted([]string{"a", "b"}))
	assert.Empty(t, joinQuoted(nil))
}
