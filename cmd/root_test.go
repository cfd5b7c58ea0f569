//go:build !integration

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "worker", "cron", "migrate", "import", "jobs", "reindex", "index"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "ef-pipeline", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestNestedSubcommands(t *testing.T) {
	sub := func() map[string]bool {
		out := map[string]bool{}
		for _, c := range importCmd.Commands() {
			out["import "+c.Name()] = true
		}
		for _, c := range jobsCmd.Commands() {
			out["jobs "+c.Name()] = true
		}
		for _, c := range indexCmd.Commands() {
			out["index "+c.Name()] = true
		}
		return out
	}()
	for _, name := range []string{"import submit", "import analyze", "jobs list", "jobs show", "index settings"} {
		assert.True(t, sub[name], "expected %q", name)
	}
}

func TestCommandFlags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)

	flag = cronCmd.Flags().Lookup("interval")
	require.NotNil(t, flag)
	assert.Equal(t, "1m0s", flag.DefValue)

	flag = importSubmitCmd.Flags().Lookup("mode")
	require.NotNil(t, flag)
	assert.Equal(t, "upfront", flag.DefValue)
	assert.NotNil(t, importAnalyzeCmd.Flags().Lookup("file"))
	assert.Nil(t, importAnalyzeCmd.Flags().Lookup("replace-all"))

	flag = jobsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)

	flag = workerCmd.Flags().Lookup("stale-after")
	require.NotNil(t, flag)
	assert.Equal(t, "15m0s", flag.DefValue)
}

func TestRootCmd_PersistentPreRunE_LoadsConfig(t *testing.T) {
	tmpDir := t.TempDir()
	content := `
store:
  database_url: postgres://localhost/ef
search:
  backend: opensearch
log:
  level: info
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte(content), 0o644))

	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	oldCfg := cfg
	cfg = nil
	defer func() { cfg = oldCfg }()

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	require.NotNil(t, cfg)
	assert.Equal(t, "postgres://localhost/ef", cfg.Store.DatabaseURL)
	assert.Equal(t, "opensearch", cfg.Search.Backend)
	assert.Equal(t, 500, cfg.Import.LinesPerChunk)
}

func TestRootCmd_PersistentPreRunE_BadLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("log:\n  level: shouting\n"), 0o644))

	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	oldCfg := cfg
	defer func() { cfg = oldCfg }()

	err := rootCmd.PersistentPreRunE(rootCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init logger")
}
