package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/shopkeep/internal/config"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown", "site", "demo1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"site":"demo1"`)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestLoadConfigDefaultLocationIsOptional(t *testing.T) {
	t.Setenv("SHOPKEEP_HOME", t.TempDir())
	cfg := loadConfig("")
	assert.Equal(t, config.Default().Server.Addr, cfg.Server.Addr)
}

func TestLoadConfigExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shopkeep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7000\"\n"), 0o644))
	cfg := loadConfig(path)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}
