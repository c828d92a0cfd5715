package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/openfroyo/devstate/pkg/observers"
	"github.com/openfroyo/devstate/pkg/stores"
)

// maxCellWidth bounds free-form cells such as evidence and config.
const maxCellWidth = 60

// newTable creates a table with the standard styling.
func (r *Renderer) newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

func (r *Renderer) render(t table.Writer) error {
	_, err := fmt.Fprintln(r.out, t.Render())
	return err
}

func (r *Renderer) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Renderer) reportTable(rep *engine.Report) error {
	r.printf("Intent: %s  Mode: %s  Run: %s\n", rep.Intent, rep.Mode, rep.RunID)
	r.printf("Manifest: %s (%s)\n", rep.ManifestPath, shortHash(rep.ManifestHash))
	switch {
	case rep.PreviousHash == nil:
		r.printf("State: never synced\n")
	case rep.Stale:
		r.printf("State: %s (manifest changed since %s)\n", r.warn("stale"), shortHash(*rep.PreviousHash))
	}
	r.printf("\n")

	if len(rep.Results) == 0 {
		r.printf("No desired states in intent %s.\n", rep.Intent)
	} else {
		t := r.newTable()
		t.AppendHeader(table.Row{"Key", "Type", "Status", "Change", "Evidence"})
		for _, res := range rep.Results {
			t.AppendRow(table.Row{
				res.Key,
				res.Type,
				r.status(res.Status),
				change(res.PreviousStatus, res.Status),
				formatMap(res.Evidence),
			})
		}
		if err := r.render(t); err != nil {
			return err
		}
	}

	r.printf("\n%s\n", r.summaryLine(rep.Summary))

	if len(rep.Violations) > 0 {
		r.printf("\nPolicy violations:\n")
		t := r.newTable()
		t.AppendHeader(table.Row{"Severity", "Policy", "Resource", "Message"})
		for _, v := range rep.Violations {
			t.AppendRow(table.Row{v.Severity, v.Policy, v.Resource, v.Message})
		}
		return r.render(t)
	}
	return nil
}

func (r *Renderer) summaryLine(s engine.Summary) string {
	verdict := r.ok("compliant")
	if !s.Compliant() {
		verdict = r.bad("not compliant")
	}
	return fmt.Sprintf("Summary: %d healthy, %d missing, %d unknown of %d (%s)",
		s.Healthy, s.Missing, s.Unknown, s.Total, verdict)
}

func (r *Renderer) graphTable(g *engine.Graph) error {
	t := r.newTable()
	t.AppendHeader(table.Row{"Service", "Type", "Declared"})
	for _, n := range g.Nodes {
		t.AppendRow(table.Row{n.Name, n.Type, yesNo(n.Declared)})
	}
	if err := r.render(t); err != nil {
		return err
	}

	if len(g.Edges) > 0 {
		r.printf("\n")
		t = r.newTable()
		t.AppendHeader(table.Row{"From", "To", "Reason"})
		for _, e := range g.Edges {
			t.AppendRow(table.Row{e.From, e.To, e.Reason})
		}
		if err := r.render(t); err != nil {
			return err
		}
	}

	dangling := g.Dangling()
	cycles := g.Cycles()
	if len(dangling) > 0 || len(cycles) > 0 {
		r.printf("\n")
	}
	for _, e := range dangling {
		r.printf("%s %s references undeclared service %s (%s)\n", r.warn("warning:"), e.From, e.To, e.Reason)
	}
	for _, c := range cycles {
		r.printf("%s dependency cycle %s\n", r.warn("warning:"), engine.FormatCycle(c))
	}
	return nil
}

func (r *Renderer) planTable(p *engine.Plan) error {
	r.printf("Intent: %s (%d states)\n\n", p.Intent, len(p.Items))
	if len(p.Items) == 0 {
		return nil
	}

	t := r.newTable()
	t.AppendHeader(table.Row{"#", "Service", "State", "Type", "Config"})
	for i, item := range p.Items {
		t.AppendRow(table.Row{strconv.Itoa(i + 1), item.ServiceName, item.StateID, item.Type, formatMap(item.Config)})
	}
	return r.render(t)
}

func (r *Renderer) validationText(manifestPath string, v *engine.ValidationResult) error {
	for _, err := range v.Errors {
		r.printf("%s %v\n", r.bad("error:"), err)
	}
	for _, w := range v.Warnings {
		r.printf("%s %s\n", r.warn("warning:"), w)
	}

	if !v.Valid() {
		r.printf("%s is invalid (%d errors)\n", manifestPath, len(v.Errors))
		return nil
	}

	r.printf("%s is valid\n", manifestPath)
	names := make([]string, 0, len(v.Intents))
	for name := range v.Intents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.printf("  intent %s: %d states\n", name, v.Intents[name])
	}
	return nil
}

func (r *Renderer) runsTable(runs []*stores.Run) error {
	if len(runs) == 0 {
		r.printf("No runs recorded.\n")
		return nil
	}

	t := r.newTable()
	t.AppendHeader(table.Row{"Run", "Started", "Mode", "Intent", "Healthy", "Missing", "Unknown", "Result", "Duration"})
	for _, run := range runs {
		result := r.ok("compliant")
		if !run.Compliant {
			result = r.bad("not compliant")
		}
		t.AppendRow(table.Row{
			shortID(run.ID),
			run.StartedAt.UTC().Format(time.RFC3339),
			run.Mode,
			run.Intent,
			strconv.Itoa(run.Healthy),
			strconv.Itoa(run.Missing),
			strconv.Itoa(run.Unknown),
			result,
			run.Duration().Round(time.Millisecond).String(),
		})
	}
	return r.render(t)
}

func (r *Renderer) runDetailTable(run *stores.Run, observations []*stores.Observation) error {
	r.printf("Run: %s\n", run.ID)
	r.printf("Intent: %s  Mode: %s\n", run.Intent, run.Mode)
	r.printf("Started: %s  Duration: %s\n", run.StartedAt.UTC().Format(time.RFC3339), run.Duration().Round(time.Millisecond))
	r.printf("Manifest: %s (%s)\n\n", run.ManifestPath, shortHash(run.ManifestHash))

	if len(observations) > 0 {
		t := r.newTable()
		t.AppendHeader(table.Row{"Key", "Type", "Status", "Change", "Evidence"})
		for _, o := range observations {
			t.AppendRow(table.Row{
				o.Key,
				o.Type,
				r.status(engine.Status(o.Status)),
				change(engine.Status(o.PreviousStatus), engine.Status(o.Status)),
				formatMap(o.Evidence),
			})
		}
		if err := r.render(t); err != nil {
			return err
		}
		r.printf("\n")
	}

	r.printf("%s\n", r.summaryLine(engine.Summary{
		Healthy: run.Healthy,
		Missing: run.Missing,
		Unknown: run.Unknown,
		Total:   run.Total,
	}))
	if run.Violations > 0 {
		r.printf("Policy violations: %d\n", run.Violations)
	}
	return nil
}

func (r *Renderer) keyHistoryTable(key string, observations []*stores.Observation) error {
	if len(observations) == 0 {
		r.printf("No recorded results for %s.\n", key)
		return nil
	}

	r.printf("Key: %s\n\n", key)
	t := r.newTable()
	t.AppendHeader(table.Row{"Run", "Observed", "Status", "Change", "Evidence"})
	for _, o := range observations {
		t.AppendRow(table.Row{
			shortID(o.RunID),
			o.ObservedAt.UTC().Format(time.RFC3339),
			r.status(engine.Status(o.Status)),
			change(engine.Status(o.PreviousStatus), engine.Status(o.Status)),
			formatMap(o.Evidence),
		})
	}
	return r.render(t)
}

func (r *Renderer) observersTable(infos []observers.Info) error {
	t := r.newTable()
	t.AppendHeader(table.Row{"Type", "Origin", "Source"})
	for _, info := range infos {
		t.AppendRow(table.Row{info.Type, string(info.Origin), info.Source})
	}
	return r.render(t)
}

func (r *Renderer) status(s engine.Status) string {
	switch s {
	case engine.StatusHealthy:
		return r.ok(string(s))
	case engine.StatusMissing:
		return r.bad(string(s))
	default:
		return r.warn(string(s))
	}
}

func (r *Renderer) ok(s string) string   { return r.paint(text.FgGreen, s) }
func (r *Renderer) bad(s string) string  { return r.paint(text.FgRed, s) }
func (r *Renderer) warn(s string) string { return r.paint(text.FgYellow, s) }

func (r *Renderer) paint(c text.Color, s string) string {
	if !r.color {
		return s
	}
	return c.Sprint(s)
}

// change describes a status transition; empty when nothing changed.
func change(previous, current engine.Status) string {
	if previous == "" || previous == current {
		return ""
	}
	return "was " + string(previous)
}

// formatMap renders a map as sorted key=value pairs.
func formatMap(m engine.Map) string {
	if len(m) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m))
	for _, k := range m.SortedKeys() {
		parts = append(parts, k+"="+engine.Display(m[k]))
	}
	return truncate(strings.Join(parts, ", "), maxCellWidth)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
