package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mkeyconform/internal/caps"
	"github.com/piwi3910/mkeyconform/internal/conformance"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("test", "none")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mkeyconform.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestListCommand(t *testing.T) {
	out, err := execute(t, "list", "-s", "custom")
	require.NoError(t, err)
	assert.Contains(t, out, "custom/noBlockSigAttr")
	assert.NotContains(t, out, "ops/")
}

func TestRunCommand(t *testing.T) {
	cfg := writeConfig(t, "log_level: error\n")
	out, err := execute(t, "run", "--config", cfg, "-s", "sig_types", "-o", "json")
	require.NoError(t, err)

	var report conformance.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "mlx5_0", report.Device)
	assert.Equal(t, report.Summary.Total, report.Summary.Passed)
	assert.NotZero(t, report.Summary.Total)
}

func TestRunCommandRecordsHistory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	cfg := writeConfig(t, "log_level: error\nresults:\n  enabled: true\n  path: "+dir+"\n")

	_, err := execute(t, "run", "--config", cfg, "-f", "ops/crc32_read")
	require.NoError(t, err)

	out, err := execute(t, "history", "--config", cfg, "-o", "json")
	require.NoError(t, err)
	var runs []conformance.Report
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Summary.Passed)

	out, err = execute(t, "history", "show", runs[0].RunID, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "ops/crc32_read")
}

func TestRunCommandNoMatch(t *testing.T) {
	cfg := writeConfig(t, "log_level: error\n")
	_, err := execute(t, "run", "--config", cfg, "-f", "does-not-exist")
	assert.Error(t, err)
}

func TestRunCommandSkipsDisabledCapability(t *testing.T) {
	cfg := writeConfig(t, "log_level: error\nsim:\n  disable: [nvmedif]\n")
	out, err := execute(t, "run", "--config", cfg, "-s", "nvmedif", "-o", "json")
	require.NoError(t, err)

	var report conformance.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, report.Summary.Total, report.Summary.Skipped)
}

func TestCapsCommand(t *testing.T) {
	cfg := writeConfig(t, "log_level: error\nsim:\n  disable: [crc64_xp10]\n")
	out, err := execute(t, "caps", "mlx5_1", "--config", cfg, "-o", "json")
	require.NoError(t, err)

	var features []caps.Feature
	require.NoError(t, json.Unmarshal([]byte(out), &features))
	require.NotEmpty(t, features)
	for _, f := range features {
		if f.Name == "crc64_xp10" {
			assert.False(t, f.Supported)
		}
		if f.Name == "crc32" {
			assert.True(t, f.Supported)
		}
	}
}

func TestDevicesCommand(t *testing.T) {
	cfg := writeConfig(t, "log_level: error\nsysfs:\n  root: "+filepath.Join(t.TempDir(), "none")+"\n")
	out, err := execute(t, "devices", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "mlx5_0")
	assert.Contains(t, out, "simulated")
}

func TestInvalidConfig(t *testing.T) {
	cfg := writeConfig(t, "parallel: 0\n")
	_, err := execute(t, "list", "--config", cfg)
	assert.Error(t, err)
}
