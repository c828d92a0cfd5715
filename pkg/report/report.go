// Package report renders devstate results for people and for tools.
//
// Every renderer supports a table (the default), JSON and YAML. Graphs can
// also be rendered as Graphviz DOT.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/openfroyo/devstate/pkg/observers"
	"github.com/openfroyo/devstate/pkg/stores"
	"sigs.k8s.io/yaml"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatDOT   Format = "dot"
)

// ParseFormat validates an output format name. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML, FormatDOT:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json, yaml or dot)", s)
	}
}

// Renderer writes one kind of output to a writer.
type Renderer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewRenderer creates a renderer.
func NewRenderer(out io.Writer, format Format) *Renderer {
	if format == "" {
		format = FormatTable
	}
	return &Renderer{out: out, format: format}
}

// WithColor enables ANSI colors in table output.
func (r *Renderer) WithColor(enabled bool) *Renderer {
	r.color = enabled
	return r
}

// Format returns the output format.
func (r *Renderer) Format() Format {
	return r.format
}

// Report renders the results of a run.
func (r *Renderer) Report(rep *engine.Report) error {
	if r.format != FormatTable {
		return r.structured(rep)
	}
	return r.reportTable(rep)
}

// Graph renders the service dependency graph.
func (r *Renderer) Graph(g *engine.Graph) error {
	switch r.format {
	case FormatDOT:
		_, err := io.WriteString(r.out, g.ToDOT())
		return err
	case FormatTable:
		return r.graphTable(g)
	default:
		return r.structured(graphDocument{
			Nodes:    g.Nodes,
			Edges:    g.Edges,
			Dangling: g.Dangling(),
			Cycles:   formatCycles(g.Cycles()),
		})
	}
}

// Plan renders the items an intent expands to.
func (r *Renderer) Plan(p *engine.Plan) error {
	if r.format != FormatTable {
		return r.structured(p)
	}
	return r.planTable(p)
}

// Validation renders the outcome of validating a manifest.
func (r *Renderer) Validation(manifestPath string, v *engine.ValidationResult) error {
	if r.format != FormatTable {
		doc := validationDocument{
			Manifest: manifestPath,
			Valid:    v.Valid(),
			Errors:   make([]string, 0, len(v.Errors)),
			Warnings: v.Warnings,
			Intents:  v.Intents,
		}
		for _, err := range v.Errors {
			doc.Errors = append(doc.Errors, err.Error())
		}
		if doc.Warnings == nil {
			doc.Warnings = []string{}
		}
		return r.structured(doc)
	}
	return r.validationText(manifestPath, v)
}

// Runs renders a list of recorded runs.
func (r *Renderer) Runs(runs []*stores.Run) error {
	if r.format != FormatTable {
		return r.structured(runs)
	}
	return r.runsTable(runs)
}

// RunDetail renders one recorded run and its observations.
func (r *Renderer) RunDetail(run *stores.Run, observations []*stores.Observation) error {
	if r.format != FormatTable {
		return r.structured(runDocument{Run: run, Observations: observations})
	}
	return r.runDetailTable(run, observations)
}

// KeyHistory renders the recorded results of one service:state key.
func (r *Renderer) KeyHistory(key string, observations []*stores.Observation) error {
	if r.format != FormatTable {
		return r.structured(keyHistoryDocument{Key: key, Observations: observations})
	}
	return r.keyHistoryTable(key, observations)
}

// Observers renders the registered observer types.
func (r *Renderer) Observers(infos []observers.Info) error {
	if r.format != FormatTable {
		return r.structured(infos)
	}
	return r.observersTable(infos)
}

// structured writes v as JSON or YAML.
func (r *Renderer) structured(v interface{}) error {
	switch r.format {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
		_, err = fmt.Fprintln(r.out, string(data))
		return err
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		_, err = r.out.Write(data)
		return err
	default:
		return fmt.Errorf("output format %s is only supported by the graph command", r.format)
	}
}

type graphDocument struct {
	Nodes    []engine.GraphNode `json:"nodes"`
	Edges    []engine.GraphEdge `json:"edges"`
	Dangling []engine.GraphEdge `json:"dangling"`
	Cycles   []string           `json:"cycles"`
}

type validationDocument struct {
	Manifest string         `json:"manifest"`
	Valid    bool           `json:"valid"`
	Errors   []string       `json:"errors"`
	Warnings []string       `json:"warnings"`
	Intents  map[string]int `json:"intents"`
}

type runDocument struct {
	Run          *stores.Run           `json:"run"`
	Observations []*stores.Observation `json:"observations"`
}

type keyHistoryDocument struct {
	Key          string                `json:"key"`
	Observations []*stores.Observation `json:"observations"`
}

func formatCycles(cycles [][]string) []string {
	out := make([]string, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, engine.FormatCycle(c))
	}
	return out
}
