package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `version: "1"
project: shop
defaultIntent: feature
services:
  api:
    root: services/api
    provides:
      env:
        API_URL: "http://localhost:4000"
    states:
      deps:
        type: package.deps
        lockfile: yarn.lock
      env:
        type: env.export
        keys: [API_URL]
  web:
    root: apps/web
    requires:
      services: [api]
    consumes:
      env:
        API_URL: api.API_URL
    states:
      deps:
        type: package.deps
intents:
  feature:
    desired:
      services:
        api: [deps, env]
        web: [deps]
  backend:
    desired:
      services:
        api: [env]
`

// setupProject writes a manifest into a temp project. With healthy set, every
// lockfile the manifest names exists.
func setupProject(t *testing.T, manifest string, healthy bool) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "devstate.yaml"), manifest)
	if healthy {
		writeTestFile(t, filepath.Join(dir, "services/api/yarn.lock"), "# lock\n")
		writeTestFile(t, filepath.Join(dir, "apps/web/package-lock.json"), "{}\n")
	}
	return dir
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// runCLI executes the command tree with args and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DEVSTATE_STATE", "")

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

type reportJSON struct {
	RunID   string `json:"runId"`
	Intent  string `json:"intent"`
	Stale   bool   `json:"stale"`
	Results []struct {
		Key    string `json:"key"`
		Status string `json:"status"`
	} `json:"results"`
	Summary struct {
		Healthy int `json:"healthy"`
		Missing int `json:"missing"`
		Unknown int `json:"unknown"`
		Total   int `json:"total"`
	} `json:"summary"`
	Violations []struct {
		Policy   string `json:"policy"`
		Severity string `json:"severity"`
		Resource string `json:"resource"`
	} `json:"violations"`
}

func decodeReport(t *testing.T, out string) reportJSON {
	t.Helper()
	var rep reportJSON
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)
	return rep
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitNotCompliant, ExitCode(&ExitError{Code: ExitNotCompliant}))
	wrapped := errors.Join(errors.New("context"), &ExitError{Code: ExitPolicyDenied})
	assert.Equal(t, ExitPolicyDenied, ExitCode(wrapped))
}

func TestInit_CreatesStarterFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-app")

	out, err := runCLI(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Created "+filepath.Join(dir, "devstate.yaml"))
	assert.Contains(t, out, "✓ Created "+filepath.Join(dir, ".devstate.toml"))

	manifest, err := os.ReadFile(filepath.Join(dir, "devstate.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "project: my-app")

	out, err = runCLI(t, "init", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "- Kept existing")

	out, err = runCLI(t, "validate", "-m", filepath.Join(dir, "devstate.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
	assert.Contains(t, out, "intent feature: 3 states")
}

func TestValidate(t *testing.T) {
	dir := setupProject(t, testManifest, false)

	out, err := runCLI(t, "validate", "-m", filepath.Join(dir, "devstate.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "intent backend: 1 states")
	assert.Contains(t, out, "intent feature: 3 states")
}

func TestValidate_Invalid(t *testing.T) {
	manifest := strings.Replace(testManifest, "api: [env]", "db: [schema]", 1)
	dir := setupProject(t, manifest, false)

	out, err := runCLI(t, "validate", "-m", filepath.Join(dir, "devstate.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "is invalid (1 errors)")
	assert.Contains(t, out, `intent "backend"`)
}

func TestValidate_BrokenPolicy(t *testing.T) {
	dir := setupProject(t, testManifest, false)
	writeTestFile(t, filepath.Join(dir, "policies/broken.rego"), "package broken\n\ndeny contains msg if {")
	writeTestFile(t, filepath.Join(dir, ".devstate.toml"), "[policy]\npaths = [\"policies\"]\n")

	out, err := runCLI(t, "validate", "-m", filepath.Join(dir, "devstate.yaml"))
	require.Error(t, err)
	assert.Contains(t, out, "broken")
}

func TestGraph_DOT(t *testing.T) {
	dir := setupProject(t, testManifest, false)

	out, err := runCLI(t, "graph", "-m", filepath.Join(dir, "devstate.yaml"), "-o", "dot")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph services {\n"), out)
	assert.Contains(t, out, `"web" -> "api"`)
}

func TestPlan_JSON(t *testing.T) {
	dir := setupProject(t, testManifest, false)

	out, err := runCLI(t, "plan", "-m", filepath.Join(dir, "devstate.yaml"), "--intent", "backend", "--json")
	require.NoError(t, err)

	var plan struct {
		Intent       string `json:"intent"`
		ManifestHash string `json:"manifestHash"`
		Items        []struct {
			Service string `json:"service"`
			State   string `json:"state"`
			Type    string `json:"type"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, "backend", plan.Intent)
	assert.Len(t, plan.ManifestHash, 64)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, "api", plan.Items[0].Service)
	assert.Equal(t, "env.export", plan.Items[0].Type)
}

func TestPlan_UnknownIntent(t *testing.T) {
	dir := setupProject(t, testManifest, false)

	_, err := runCLI(t, "plan", "-m", filepath.Join(dir, "devstate.yaml"), "--intent", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "intent not found")
}

func TestSync_Compliant(t *testing.T) {
	dir := setupProject(t, testManifest, true)
	manifest := filepath.Join(dir, "devstate.yaml")

	out, err := runCLI(t, "sync", "-m", manifest, "--json", "--applied")
	require.NoError(t, err)

	rep := decodeReport(t, out)
	assert.Equal(t, "feature", rep.Intent)
	assert.Equal(t, 3, rep.Summary.Healthy)
	assert.Equal(t, 3, rep.Summary.Total)
	assert.Empty(t, rep.Violations)

	state, err := os.ReadFile(filepath.Join(dir, ".devstate/state.json"))
	require.NoError(t, err)
	assert.Contains(t, string(state), `"api:deps"`)
	assert.Contains(t, string(state), `"lastAppliedAt": "`)

	out, err = runCLI(t, "status", "-m", manifest, "--json")
	require.NoError(t, err)
	status := decodeReport(t, out)
	assert.Equal(t, 3, status.Summary.Healthy)
	assert.False(t, status.Stale)

	out, err = runCLI(t, "history", "-m", manifest, "--json")
	require.NoError(t, err)
	var runs []struct {
		ID        string `json:"id"`
		Mode      string `json:"mode"`
		Compliant bool   `json:"compliant"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, rep.RunID, runs[0].ID)
	assert.Equal(t, "sync", runs[0].Mode)
	assert.True(t, runs[0].Compliant)

	out, err = runCLI(t, "history", "-m", manifest, "--run", rep.RunID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "Run: "+rep.RunID)
	assert.Contains(t, out, "api:deps")

	out, err = runCLI(t, "history", "-m", manifest, "--key", "web:deps")
	require.NoError(t, err)
	assert.Contains(t, out, "Key: web:deps")
}

func TestSync_NotCompliant(t *testing.T) {
	dir := setupProject(t, testManifest, false)

	out, err := runCLI(t, "dev", "-m", filepath.Join(dir, "devstate.yaml"), "--json")
	require.Error(t, err)
	assert.Equal(t, ExitNotCompliant, ExitCode(err))

	rep := decodeReport(t, out)
	assert.Equal(t, 2, rep.Summary.Missing)
	assert.Equal(t, 1, rep.Summary.Healthy)
}

func TestSync_PolicyDenied(t *testing.T) {
	manifest := testManifest + "policies:\n  require_healthy:\n    - web:deps\n"
	dir := setupProject(t, manifest, false)
	writeTestFile(t, filepath.Join(dir, "services/api/yarn.lock"), "# lock\n")

	out, err := runCLI(t, "sync", "-m", filepath.Join(dir, "devstate.yaml"), "--json")
	require.Error(t, err)
	assert.Equal(t, ExitPolicyDenied, ExitCode(err))

	rep := decodeReport(t, out)
	require.Len(t, rep.Violations, 1)
	assert.Equal(t, "required-healthy", rep.Violations[0].Policy)
	assert.Equal(t, "web:deps", rep.Violations[0].Resource)
}

func TestSync_FailOnNone(t *testing.T) {
	manifest := testManifest + "policies:\n  require_healthy:\n    - web:deps\n"
	dir := setupProject(t, manifest, false)
	writeTestFile(t, filepath.Join(dir, ".devstate.toml"), "[policy]\nfail_on = \"none\"\n")

	_, err := runCLI(t, "sync", "-m", filepath.Join(dir, "devstate.yaml"), "--json")
	require.Error(t, err)
	assert.Equal(t, ExitNotCompliant, ExitCode(err))
}

func TestSync_MetricsTextfile(t *testing.T) {
	dir := setupProject(t, testManifest, true)
	metrics := filepath.Join(dir, "devstate.prom")

	_, err := runCLI(t, "sync", "-m", filepath.Join(dir, "devstate.yaml"), "--json", "--metrics-textfile", metrics)
	require.NoError(t, err)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "devstate_runs_total")
}

func TestSync_MetricsTextfileFailure(t *testing.T) {
	dir := setupProject(t, testManifest, true)
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := runCLI(t, "sync", "-m", filepath.Join(dir, "devstate.yaml"), "--json", "--metrics-textfile", filepath.Join(blocker, "devstate.prom"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "metrics textfile")

	_, statErr := os.Stat(filepath.Join(dir, ".devstate/state.json"))
	assert.NoError(t, statErr, "the run itself still persists state")
}

func TestStatus_NeverSynced(t *testing.T) {
	dir := setupProject(t, testManifest, true)

	out, err := runCLI(t, "status", "-m", filepath.Join(dir, "devstate.yaml"), "-o", "table", "--no-color")
	require.Error(t, err)
	assert.Equal(t, ExitNotCompliant, ExitCode(err))
	assert.Contains(t, out, "State: never synced")
	assert.Contains(t, out, "reason=never validated")
	assert.Contains(t, out, "unknown-states")

	_, statErr := os.Stat(filepath.Join(dir, ".devstate/state.json"))
	assert.True(t, os.IsNotExist(statErr), "status must not write state")
}

func TestStatus_Live(t *testing.T) {
	dir := setupProject(t, testManifest, true)

	out, err := runCLI(t, "status", "-m", filepath.Join(dir, "devstate.yaml"), "--live", "--intent", "backend", "--json")
	require.NoError(t, err)
	rep := decodeReport(t, out)
	assert.Equal(t, 1, rep.Summary.Healthy)

	_, statErr := os.Stat(filepath.Join(dir, ".devstate/state.json"))
	assert.True(t, os.IsNotExist(statErr), "status --live must not write state")
}

func TestHistory_Disabled(t *testing.T) {
	dir := setupProject(t, testManifest, false)
	writeTestFile(t, filepath.Join(dir, ".devstate.toml"), "[history]\nenabled = false\n")

	_, err := runCLI(t, "history", "-m", filepath.Join(dir, "devstate.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history is disabled")
}

func TestObservers_Builtins(t *testing.T) {
	dir := setupProject(t, testManifest, false)

	out, err := runCLI(t, "observers", "-m", filepath.Join(dir, "devstate.yaml"), "--json")
	require.NoError(t, err)

	var infos []struct {
		Type   string `json:"type"`
		Origin string `json:"origin"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	types := make([]string, 0, len(infos))
	for _, info := range infos {
		assert.Equal(t, "builtin", info.Origin)
		types = append(types, info.Type)
	}
	assert.Equal(t, []string{
		"db.schema", "env.export", "env.inherit",
		"package.deps", "process.container", "process.http",
	}, types)
}

func TestOutputFormat_Invalid(t *testing.T) {
	dir := setupProject(t, testManifest, false)

	_, err := runCLI(t, "plan", "-m", filepath.Join(dir, "devstate.yaml"), "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}
