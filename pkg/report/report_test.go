package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/openfroyo/devstate/pkg/observers"
	"github.com/openfroyo/devstate/pkg/stores"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func sampleReport() *engine.Report {
	previous := "1a2b3c4d5e6f7a8b"
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	results := []engine.ObservationResult{
		{
			Key: "api:deps", Service: "api", State: "deps", Type: "package.deps",
			Observation: engine.Observation{Status: engine.StatusHealthy, Evidence: engine.Map{
				"checksum": engine.String("sha256:ab12"),
				"exists":   engine.Bool(true),
				"lockfile": engine.String("yarn.lock"),
			}},
			PreviousStatus: engine.StatusHealthy,
		},
		{
			Key: "api:http", Service: "api", State: "http", Type: "process.http",
			Observation: engine.Observation{Status: engine.StatusMissing, Evidence: engine.Map{
				"host": engine.String("127.0.0.1"),
				"open": engine.Bool(false),
				"port": engine.Int(4001),
			}},
			PreviousStatus: engine.StatusHealthy,
		},
		{
			Key: "web:container", Service: "web", State: "container", Type: "process.container",
			Observation: engine.Observation{Status: engine.StatusUnknown, Evidence: engine.Map{
				"error": engine.String("docker unavailable"),
			}},
		},
	}
	return &engine.Report{
		RunID:        "run-1",
		Mode:         engine.RunModeSync,
		Intent:       "feature",
		ManifestPath: "/work/shop/devstate.yaml",
		ManifestHash: "9f86d081884c7d65",
		PreviousHash: &previous,
		Stale:        true,
		StartedAt:    started,
		CompletedAt:  started.Add(300 * time.Millisecond),
		Results:      results,
		Summary:      engine.Summarize(results),
		Violations: []engine.PolicyViolation{{
			Policy:   "unknown-states",
			Resource: "web:container",
			Message:  "web:container (process.container) could not be observed",
			Severity: "warning",
		}},
	}
}

func sampleGraph(t *testing.T) *engine.Graph {
	t.Helper()
	m := &engine.Manifest{}
	require.NoError(t, m.AddService(&engine.Service{
		Name:     "web",
		Type:     "frontend",
		Requires: engine.Requirements{Services: []string{"api"}},
		Consumes: []engine.EnvBinding{{Name: "API_URL", Source: "api.API_URL"}},
	}))
	require.NoError(t, m.AddService(&engine.Service{
		Name:     "api",
		Type:     "node",
		Requires: engine.Requirements{Services: []string{"cache"}},
	}))
	return engine.BuildGraph(m)
}

func samplePlan() *engine.Plan {
	return &engine.Plan{
		Intent: "feature",
		Items: []engine.PlanItem{
			{ServiceName: "api", StateID: "deps", Type: "package.deps", Config: engine.Map{"lockfile": engine.String("package-lock.json")}},
			{ServiceName: "api", StateID: "http", Type: "process.http", Config: engine.Map{"port": engine.Int(4001)}},
			{ServiceName: "db", StateID: "schema", Type: "db.schema", Config: engine.Map{}},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":      FormatTable,
		"table": FormatTable,
		"JSON":  FormatJSON,
		"yaml":  FormatYAML,
		" dot ": FormatDOT,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestReport_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).Report(sampleReport()))
	newGoldie(t).Assert(t, "report_table", buf.Bytes())
}

func TestReport_NeverSyncedCompliant(t *testing.T) {
	rep := sampleReport()
	rep.PreviousHash = nil
	rep.Stale = false
	rep.Results = rep.Results[:1]
	rep.Summary = engine.Summarize(rep.Results)
	rep.Violations = nil

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).Report(rep))

	out := buf.String()
	assert.Contains(t, out, "State: never synced\n")
	assert.Contains(t, out, "Summary: 1 healthy, 0 missing, 0 unknown of 1 (compliant)\n")
	assert.NotContains(t, out, "Policy violations")
}

func TestReport_Color(t *testing.T) {
	text.EnableColors()

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).WithColor(true).Report(sampleReport()))
	assert.Contains(t, buf.String(), "\x1b[")

	buf.Reset()
	require.NoError(t, NewRenderer(&buf, FormatTable).Report(sampleReport()))
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestReport_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatJSON).Report(sampleReport()))

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "run-1", doc["runId"])
	assert.Equal(t, true, doc["stale"])
	assert.Equal(t, "1a2b3c4d5e6f7a8b", doc["previousHash"])

	results := doc["results"].([]interface{})
	require.Len(t, results, 3)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "api:deps", first["key"])
	assert.Equal(t, "healthy", first["status"])

	summary := doc["summary"].(map[string]interface{})
	assert.Equal(t, float64(3), summary["total"])
}

func TestReport_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatYAML).Report(sampleReport()))

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "feature", doc["intent"])
	assert.Contains(t, buf.String(), "runId: run-1\n")
}

func TestReport_DOTRejected(t *testing.T) {
	var buf bytes.Buffer
	err := NewRenderer(&buf, FormatDOT).Report(sampleReport())
	assert.ErrorContains(t, err, "only supported by the graph command")
}

func TestGraph_DOT(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatDOT).Graph(sampleGraph(t)))
	newGoldie(t).Assert(t, "graph", buf.Bytes())
}

func TestGraph_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).Graph(sampleGraph(t)))
	newGoldie(t).Assert(t, "graph_table", buf.Bytes())
}

func TestGraph_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatJSON).Graph(sampleGraph(t)))

	var doc struct {
		Nodes    []engine.GraphNode `json:"nodes"`
		Edges    []engine.GraphEdge `json:"edges"`
		Dangling []engine.GraphEdge `json:"dangling"`
		Cycles   []string           `json:"cycles"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Len(t, doc.Nodes, 3)
	assert.Len(t, doc.Edges, 3)
	require.Len(t, doc.Dangling, 1)
	assert.Equal(t, "cache", doc.Dangling[0].To)
	assert.Empty(t, doc.Cycles)
}

func TestPlan_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).Plan(samplePlan()))
	newGoldie(t).Assert(t, "plan_table", buf.Bytes())
}

func TestValidation(t *testing.T) {
	valid := &engine.ValidationResult{
		Warnings: []string{`dependency cycle: a -> b -> a`},
		Intents:  map[string]int{"feature": 3, "backend": 1},
	}

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).Validation("devstate.yaml", valid))
	assert.Equal(t, "warning: dependency cycle: a -> b -> a\n"+
		"devstate.yaml is valid\n"+
		"  intent backend: 1 states\n"+
		"  intent feature: 3 states\n", buf.String())

	invalid := &engine.ValidationResult{
		Errors:  []error{engine.NewPermanentError("manifest declares no intents", nil).WithCode(engine.ErrCodeNoIntents)},
		Intents: map[string]int{},
	}
	buf.Reset()
	require.NoError(t, NewRenderer(&buf, FormatJSON).Validation("devstate.yaml", invalid))

	var doc validationDocument
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.False(t, doc.Valid)
	require.Len(t, doc.Errors, 1)
	assert.Contains(t, doc.Errors[0], "no intents")
	assert.NotNil(t, doc.Warnings)
}

func TestRuns(t *testing.T) {
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	runs := []*stores.Run{
		{
			ID: "0b5e1c7a-1111-2222-3333-444455556666", Mode: "sync", Intent: "feature",
			StartedAt: started, CompletedAt: started.Add(1500 * time.Millisecond),
			Healthy: 2, Missing: 1, Total: 3,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).Runs(runs))
	out := buf.String()
	assert.Contains(t, out, "0b5e1c7a ")
	assert.NotContains(t, out, "0b5e1c7a-1111")
	assert.Contains(t, out, "2024-05-01T09:00:00Z")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "not compliant")

	buf.Reset()
	require.NoError(t, NewRenderer(&buf, FormatTable).Runs(nil))
	assert.Equal(t, "No runs recorded.\n", buf.String())
}

func TestRunDetail(t *testing.T) {
	started := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	run := &stores.Run{
		ID: "run-1", Mode: "sync", Intent: "feature", ManifestPath: "devstate.yaml", ManifestHash: "abc",
		StartedAt: started, CompletedAt: started.Add(time.Second),
		Healthy: 1, Total: 1, Compliant: true, Violations: 2,
	}
	observations := []*stores.Observation{
		{RunID: "run-1", Key: "api:deps", Type: "package.deps", Status: "healthy", PreviousStatus: "missing", Evidence: engine.Map{"exists": engine.Bool(true)}},
	}

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).RunDetail(run, observations))
	out := buf.String()
	assert.Contains(t, out, "Run: run-1\n")
	assert.Contains(t, out, "was missing")
	assert.Contains(t, out, "exists=true")
	assert.Contains(t, out, "(compliant)")
	assert.Contains(t, out, "Policy violations: 2\n")

	buf.Reset()
	require.NoError(t, NewRenderer(&buf, FormatJSON).RunDetail(run, observations))
	assert.True(t, strings.HasPrefix(buf.String(), "{\n  \"run\": {"))
}

func TestKeyHistory(t *testing.T) {
	observed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	observations := []*stores.Observation{
		{RunID: "0123456789abcdef", Key: "api:deps", Status: "healthy", PreviousStatus: "missing", ObservedAt: observed},
		{RunID: "fedcba9876543210", Key: "api:deps", Status: "missing", ObservedAt: observed.Add(-time.Hour)},
	}

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).KeyHistory("api:deps", observations))
	out := buf.String()
	assert.Contains(t, out, "Key: api:deps\n")
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "2024-05-01T09:00:00Z")
	assert.Contains(t, out, "was missing")

	buf.Reset()
	require.NoError(t, NewRenderer(&buf, FormatTable).KeyHistory("web:deps", nil))
	assert.Equal(t, "No recorded results for web:deps.\n", buf.String())

	buf.Reset()
	require.NoError(t, NewRenderer(&buf, FormatJSON).KeyHistory("api:deps", observations))
	assert.True(t, strings.HasPrefix(buf.String(), "{\n  \"key\": \"api:deps\","))
}

func TestObservers(t *testing.T) {
	infos := []observers.Info{
		{Type: "db.schema", Origin: observers.OriginBuiltin},
		{Type: "custom.check", Origin: observers.OriginPlugin, Source: "plugins/check.wasm"},
	}

	var buf bytes.Buffer
	require.NoError(t, NewRenderer(&buf, FormatTable).Observers(infos))
	out := buf.String()
	assert.Contains(t, out, "│ custom.check │ plugin  │ plugins/check.wasm │")
	assert.Contains(t, out, "│ db.schema    │ builtin │                    │")
}

func TestFormatMap_Truncates(t *testing.T) {
	long := engine.Map{"path": engine.String(strings.Repeat("x", 100))}
	got := formatMap(long)
	assert.Len(t, []rune(got), maxCellWidth)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, "", formatMap(nil))
}
