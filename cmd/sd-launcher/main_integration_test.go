package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	binaryName  = "sd-launcher"
	binaryPath  string
	projectRoot string
)

func TestMain(m *testing.M) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Println("Could not get caller information")
		os.Exit(1)
	}
	projectRoot = filepath.Join(filepath.Dir(filename), "..", "..")

	tmp, err := os.MkdirTemp("", "sd-launcher-it")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}
	binaryPath = filepath.Join(tmp, binaryName)

	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	buildCmd.Dir = filepath.Join(projectRoot, "cmd", "sd-launcher")
	if out, err := buildCmd.CombinedOutput(); err != nil {
		fmt.Printf("Failed to build binary: %v\nOutput:\n%s\n", err, out)
		os.Exit(1)
	}

	code := m.Run()
	os.RemoveAll(tmp)
	os.Exit(code)
}

// runCommand executes the binary from the project root.
func runCommand(t *testing.T, args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = projectRoot
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("Command failed with error: %v\nStderr:\n%s", err, stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

// createTempConfig writes a config whose state all lives under a temp dir.
func createTempConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	models := filepath.Join(dir, "models")
	require.NoError(t, os.MkdirAll(models, 0o755))

	content := fmt.Sprintf(`SavePath = %q
DatabasePath = %q
BleveIndexPath = %q
SettingsPath = %q
CatalogPath = "data/catalog.toml"

[Tunnel]
Port = 7860
LogDir = %q
`, models, filepath.Join(dir, "history.db"), filepath.Join(dir, "index.bleve"),
		filepath.Join(dir, "settings.json"), filepath.Join(dir, "logs"))

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, models
}

func TestCatalogList(t *testing.T) {
	cfg, _ := createTempConfig(t)
	stdout, _, err := runCommand(t, "--config", cfg, "catalog", "list", "vae")
	require.NoError(t, err)
	assert.Contains(t, stdout, "vae (")
	assert.NotContains(t, stdout, "checkpoint (")
}

func TestCatalogListUnknownCategory(t *testing.T) {
	cfg, _ := createTempConfig(t)
	_, stderr, err := runCommand(t, "--config", cfg, "catalog", "list", "hypernetwork")
	require.Error(t, err)
	assert.Contains(t, stderr, "Error:")
}

func TestResolveRejectsForeignURL(t *testing.T) {
	cfg, _ := createTempConfig(t)
	_, stderr, err := runCommand(t, "--config", cfg, "resolve", "https://example.com/model.safetensors")
	require.Error(t, err)
	assert.Contains(t, stderr, "not a CivitAI URL")
}

func TestTunnelPresets(t *testing.T) {
	cfg, _ := createTempConfig(t)
	stdout, _, err := runCommand(t, "--config", cfg, "tunnel", "presets")
	require.NoError(t, err)
	for _, name := range []string{"ngrok", "cloudflared", "localtunnel", "gradio"} {
		assert.Contains(t, stdout, name)
	}
	assert.Less(t, strings.Index(stdout, "ngrok"), strings.Index(stdout, "gradio"))
}

func TestCleanRemovesPartials(t *testing.T) {
	cfg, models := createTempConfig(t)
	sub := filepath.Join(models, "Lora")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	partial := filepath.Join(sub, "a.safetensors.123.tmp")
	kept := filepath.Join(sub, "a.torrent")
	require.NoError(t, os.WriteFile(partial, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0o644))

	_, _, err := runCommand(t, "--config", cfg, "clean")
	require.NoError(t, err)
	assert.NoFileExists(t, partial)
	assert.FileExists(t, kept)

	_, _, err = runCommand(t, "--config", cfg, "clean", "--torrents")
	require.NoError(t, err)
	assert.NoFileExists(t, kept)
}

func TestDbViewEmpty(t *testing.T) {
	cfg, _ := createTempConfig(t)
	stdout, _, err := runCommand(t, "--config", cfg, "db", "view")
	require.NoError(t, err)
	assert.Contains(t, stdout, "0 record(s)")
}

func TestSearchWithoutIndex(t *testing.T) {
	cfg, _ := createTempConfig(t)
	_, stderr, err := runCommand(t, "--config", cfg, "search", "anything")
	require.Error(t, err)
	assert.Contains(t, stderr, "no index")
}

func TestSettingsRoundTrip(t *testing.T) {
	cfg, _ := createTempConfig(t)
	_, _, err := runCommand(t, "--config", cfg, "settings", "set", "tunnel.ngrok_token", "abc123")
	require.NoError(t, err)

	stdout, _, err := runCommand(t, "--config", cfg, "settings", "get", "tunnel.ngrok_token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", strings.TrimSpace(stdout))

	_, _, err = runCommand(t, "--config", cfg, "settings", "get", "missing.key")
	require.Error(t, err)
}
