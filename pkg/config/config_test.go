package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/kvs-migration-orchestrator/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeConfig(t, "sourceServiceUri: http://source.example:8080\n")

	settings, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://source.example:8080", settings.SourceServiceURI)
	assert.Equal(t, 8, settings.CopyPhaseWorkerCount)
	assert.Equal(t, 1, settings.CatchupPhaseWorkerCount)
	assert.Equal(t, int64(1000), settings.DowntimeThreshold)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
sourceServiceUri: http://source.example:8080
kvsActorServiceUri: http://source.example:9090
copyPhaseWorkerCount: 16
catchupPhaseWorkerCount: 3
downtimeThreshold: 50
requestTimeout: 10s
`)

	settings, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://source.example:9090", settings.KVSActorServiceURI)
	assert.Equal(t, 16, settings.CopyPhaseWorkerCount)
	assert.Equal(t, 3, settings.CatchupPhaseWorkerCount)
	assert.Equal(t, int64(50), settings.DowntimeThreshold)
	assert.Equal(t, 10*time.Second, settings.RequestTimeout)
}

func TestLoadRequiresSourceServiceURI(t *testing.T) {
	path := writeConfig(t, "copyPhaseWorkerCount: 2\n")

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "sourceServiceUri: http://from-file:8080\n")
	t.Setenv("MIGRATION_SOURCE_SERVICE_URI", "http://from-env:9090")

	settings, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:9090", settings.SourceServiceURI)
}
