package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "INBOX", cfg.Sieve.DefaultMailbox)
	assert.Equal(t, 8, cfg.Sieve.MaxLoopDepth)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sieve.toml")
	data := `
[logging]
level = "debug"
format = "json"

[sieve]
max_actions = 64
default_mailbox = "Inbox"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 64, cfg.Sieve.MaxActions)
	assert.Equal(t, "Inbox", cfg.Sieve.DefaultMailbox)
	// untouched defaults survive
	assert.Equal(t, 4, cfg.Sieve.MaxRedirects)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Sieve.MaxLoopDepth = 2
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}
