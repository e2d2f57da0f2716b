package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ExplicitConfigPathMustExist(t *testing.T) {
	t.Setenv("MESHFLOW_CONFIG", filepath.Join(t.TempDir(), "missing-on-purpose"))

	cfg, err := Load("test-service")
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_DefaultValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	t.Setenv("MESHFLOW_CONFIG", path)

	cfg, err := Load("test-service")
	require.NoError(t, err)

	assert.Equal(t, "test-service", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, "meshflow", cfg.Executor.Namespace)
	assert.Equal(t, 1800, cfg.Executor.MaxWorkflowExecutionTime)
	assert.Equal(t, 300, cfg.Executor.DefaultNodeTimeout)
	assert.Equal(t, 30, cfg.Executor.NodeCancellationTimeout)
	assert.Equal(t, 100, cfg.Executor.DefaultMaxLoopIterations)
	assert.Equal(t, 100, cfg.Executor.DefaultMaxMapItems)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoad_TOMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshflow.toml")
	body := `
[service]
port = 9090
log_level = "debug"

[executor]
namespace = "acme"
agent_name = "research-pipeline"
default_node_timeout_seconds = 45

[bus]
redis_host = "redis.internal"
redis_port = 6380
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("MESHFLOW_CONFIG", path)

	cfg, err := Load("workflow-executor")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "acme", cfg.Executor.Namespace)
	assert.Equal(t, "research-pipeline", cfg.Executor.AgentName)
	assert.Equal(t, 45, cfg.Executor.DefaultNodeTimeout)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	// Untouched options keep defaults.
	assert.Equal(t, 1800, cfg.Executor.MaxWorkflowExecutionTime)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshflow.toml")
	body := `
[executor]
namespace = "from-file"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("MESHFLOW_CONFIG", path)
	t.Setenv("MESHFLOW_NAMESPACE", "from-env")
	t.Setenv("PORT", "7070")

	cfg, err := Load("workflow-executor")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Executor.Namespace)
	assert.Equal(t, 7070, cfg.Service.Port)
}

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config { return defaults("svc") }

	cfg := base()
	cfg.Service.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Executor.MaxWorkflowExecutionTime = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Database.Enabled = true
	cfg.Database.MaxConns = 1
	cfg.Database.MinConns = 5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Bus.RedisHost = ""
	assert.Error(t, cfg.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaults("svc")
	assert.Equal(t, float64(1800), cfg.Executor.WorkflowTimeout().Seconds())
	assert.Equal(t, float64(300), cfg.Executor.NodeTimeout().Seconds())
	assert.Equal(t, float64(30), cfg.Executor.CancellationGrace().Seconds())
}
