package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testScenariosDir = "testdata/scenarios"

func runTestCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeScenario writes a scenario that targets testdata/specs/counter.cue
// by absolute path and returns the scenario file path.
func writeScenario(t *testing.T, dir, name, steps string) string {
	t.Helper()
	spec, err := filepath.Abs(filepath.Join(testSpecsDir, "counter.cue"))
	require.NoError(t, err)

	content := fmt.Sprintf(`name: %s
description: "generated"
specs:
  - %s
steps:
%s
`, name, spec, steps)
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	_, err := runTestCmd(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := runTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyDirJSON(t *testing.T) {
	out, err := runTestCmd(t, "json", t.TempDir())
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestTestCommandRunsScenarios(t *testing.T) {
	out, err := runTestCmd(t, "text", testScenariosDir)
	require.NoError(t, err, out)

	assert.Contains(t, out, "✓ counter_write")
	assert.Contains(t, out, "✓ linked_totals")
	assert.Contains(t, out, "Test Summary: 2 passed, 0 failed, 2 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandSingleFile(t *testing.T) {
	out, err := runTestCmd(t, "text", filepath.Join(testScenariosDir, "counter_write.yaml"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommandFilter(t *testing.T) {
	out, err := runTestCmd(t, "json", testScenariosDir, "--filter", "linked*")
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "linked_totals", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestTestCommandInvalidFilter(t *testing.T) {
	_, err := runTestCmd(t, "text", testScenariosDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "wrong_next", `  - write: { count: 2 }
    expect:
      state: { next: 99 }`)

	out, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_next")
	assert.Contains(t, out, `path "next" = 3, want 99`)
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "bad_write", `  - write: { count: "x" }`)

	out, err := runTestCmd(t, "json", dir)
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
}

func TestTestCommandGoldenUpdateAndCompare(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "golden_counter", `  - write: { count: 7 }`)
	goldenPath := filepath.Join(dir, "golden", "golden_counter.golden")

	out, err := runTestCmd(t, "text", dir, "--update")
	require.NoError(t, err, out)
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name":"golden_counter"`)

	out, err = runTestCmd(t, "text", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ golden_counter")

	require.NoError(t, os.WriteFile(goldenPath, []byte(`{"stale":true}`), 0o644))
	out, err = runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandInvalidScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\n"), 0o644))

	out, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("scenarios", "golden", "cart.golden"),
		goldenFilePath(filepath.Join("scenarios", "cart.yaml")))
}

func TestFilterScenarios(t *testing.T) {
	files := []string{"a/cart_add.yaml", "a/cart_remove.yml", "b/view.yaml"}

	got, err := filterScenarios(files, "cart_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/cart_add.yaml", "a/cart_remove.yml"}, got)

	got, err = filterScenarios(files, "")
	require.NoError(t, err)
	assert.Equal(t, files, got)
}
