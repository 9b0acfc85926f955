package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icnaas/pkg/rules"
)

func TestLoadManagerDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadManager("")
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, "local", cfg.Locker)
	assert.Equal(t, "production", cfg.Environment)

	ssh := cfg.SSH()
	assert.Equal(t, "centos", ssh.User)
	assert.Equal(t, "id_rsa", ssh.KeyFile)
	assert.Equal(t, 5*time.Second, ssh.ConnectTimeout)

	q := cfg.Queue()
	assert.Equal(t, 4, q.Workers)
	assert.Equal(t, 3, q.MaxAttempts)
	assert.False(t, cfg.TLS().Enabled())
	assert.Equal(t, "icnaas", cfg.MySQL().Database)
	assert.Equal(t, "icnaas/locks/", cfg.Consul().Prefix)
}

func TestLoadManagerFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "manager.env")
	require.NoError(t, os.WriteFile(path, []byte("ICNAAS_STORE=mysql\nICNAAS_MYSQL_HOST=db.local\nICNAAS_PUSH_WORKERS=8\n"), 0o600))
	t.Setenv("ICNAAS_PUSH_WORKERS", "2")
	t.Cleanup(func() {
		_ = os.Unsetenv("ICNAAS_STORE")
		_ = os.Unsetenv("ICNAAS_MYSQL_HOST")
	})

	cfg, err := LoadManager(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Store)
	assert.Equal(t, "db.local", cfg.MySQL().Host)
	assert.Equal(t, 2, cfg.PushWorkers, "process environment wins over the file")
}

func TestLoadManagerRejectsUnknownBackends(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ICNAAS_STORE", "postgres")
	_, err := LoadManager("")
	assert.ErrorContains(t, err, "unsupported store")

	t.Setenv("ICNAAS_STORE", "sqlite")
	t.Setenv("ICNAAS_LOCKER", "etcd")
	_, err = LoadManager("")
	assert.ErrorContains(t, err, "unsupported locker")
}

func TestLoadOrchestrator(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ICNAAS_LAYERS", "3")
	t.Setenv("ICNAAS_SAFEGUARD_INT_IN", "7")
	t.Setenv("ICNAAS_RULE_FAMILIES", "interests")

	cfg, err := LoadOrchestrator("")
	require.NoError(t, err)

	exec := cfg.Execution()
	assert.Equal(t, 3, exec.Layers)
	assert.Equal(t, 200, exec.FirstCellID)
	assert.Equal(t, 30*time.Minute, exec.DeployTimeout)

	dec := cfg.Decision()
	assert.Equal(t, 7, dec.Safeguards.IntIn)
	assert.Equal(t, 10, dec.Safeguards.CPUOut)
	assert.Equal(t, 6, dec.SleepSlices)

	rc, err := cfg.Rules()
	require.NoError(t, err)
	assert.Equal(t, []rules.Family{rules.Interests}, rc.Families)
	assert.Equal(t, rules.Threshold{Out: 1500, In: 30}, rc.Interests)
}

func TestLoadOrchestratorValidation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ICNAAS_MONITOR", "zabbix")
	_, err := LoadOrchestrator("")
	assert.ErrorContains(t, err, "unsupported monitor")

	t.Setenv("ICNAAS_MONITOR", "static")
	t.Setenv("ICNAAS_LAYERS", "0")
	_, err = LoadOrchestrator("")
	assert.Error(t, err)

	t.Setenv("ICNAAS_LAYERS", "2")
	t.Setenv("ICNAAS_RULE_FAMILIES", "cpu,disk")
	cfg, err := LoadOrchestrator("")
	require.NoError(t, err)
	_, err = cfg.Rules()
	assert.ErrorContains(t, err, "disk")
}

func TestLoadClientMissingEnvFile(t *testing.T) {
	_, err := LoadClient(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
