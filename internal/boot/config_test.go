package boot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesBringUpDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, uint64(4096), cfg.PageSize)
	require.Equal(t, 6, cfg.SchedulerLevels)
	require.Equal(t, 1, cfg.NumCores)
}

func TestLoadConfigOverridesOnlyNamedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "valicore.toml")
	require.NoError(t, os.WriteFile(path, []byte("num_cores = 4\nboost_period_ms = 250\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.NumCores)
	require.Equal(t, uint64(250), cfg.BoostPeriodMs)
	require.Equal(t, uint64(4096), cfg.PageSize) // untouched default
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
