package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codalab/bundlecore/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(4*(1<<20)), cfg.Manager.MinRequestMemory)
	assert.Equal(t, "codalab/default-cpu:latest", cfg.Manager.DefaultCPUImage)
	assert.Equal(t, 4, cfg.Manager.MakePoolSize)
	assert.Equal(t, 60, cfg.Worker.WorkerTimeoutSeconds)
	assert.Equal(t, "runc", cfg.Worker.DockerRuntime)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	content := `
manager:
  default_cpu_image: "myregistry/cpu:v2"
  make_pool_size: 8
worker:
  worker_timeout_seconds: 120
  tag: "gpu-box"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "myregistry/cpu:v2", cfg.Manager.DefaultCPUImage)
	assert.Equal(t, 8, cfg.Manager.MakePoolSize)
	assert.Equal(t, 120, cfg.Worker.WorkerTimeoutSeconds)
	assert.Equal(t, "gpu-box", cfg.Worker.Tag)
}

func TestLoadRejectsInvalidWorkerTimeout(t *testing.T) {
	content := "worker:\n  worker_timeout_seconds: 0\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := config.Load(path)
	assert.ErrorIs(t, err, config.ErrInvalidWorkerTimeout)
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
