package policy

import (
	"fmt"

	"github.com/openfroyo/devstate/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that fail a run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"

	// SeverityNone is only valid as a threshold and matches nothing.
	SeverityNone Severity = "none"
)

var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// ParseSeverity validates a violation severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("invalid severity %q (want info, warning, error or critical)", s)
	}
	return sev, nil
}

// AtLeast reports whether s is at or above threshold. A threshold of
// SeverityNone, or one that is not a severity, is never reached.
func (s Severity) AtLeast(threshold Severity) bool {
	want, ok := severityRank[threshold]
	if !ok {
		return false
	}
	return severityRank[s] >= want
}

// Blocking returns the violations at or above the fail_on threshold.
func Blocking(violations []engine.PolicyViolation, failOn string) []engine.PolicyViolation {
	var out []engine.PolicyViolation
	for _, v := range violations {
		if Severity(v.Severity).AtLeast(Severity(failOn)) {
			out = append(out, v)
		}
	}
	return out
}

// Policy is one Rego module. Every value of its deny set is a violation.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description is taken from the leading comment of the module.
	Description string `json:"description,omitempty"`

	// Rego contains the module source.
	Rego string `json:"-"`

	// Severity is used for violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Source is the file the policy was read from; empty for built-ins.
	Source string `json:"source,omitempty"`

	// Builtin marks policies shipped with devstate.
	Builtin bool `json:"builtin"`
}

// Input is the document policies see as input.
type Input struct {
	Report   *engine.Report `json:"report"`
	Manifest ManifestInput  `json:"manifest"`
}

// ManifestInput is the part of the manifest exposed to policies.
type ManifestInput struct {
	Project  string       `json:"project,omitempty"`
	Version  string       `json:"version,omitempty"`
	Context  engine.Value `json:"context"`
	Policies engine.Value `json:"policies"`
}

// NewInput builds the policy input for a report.
func NewInput(report *engine.Report, m *engine.Manifest) *Input {
	in := &Input{Report: report}
	if m != nil {
		in.Manifest = ManifestInput{
			Project:  m.Project,
			Version:  m.Version,
			Context:  m.Context,
			Policies: m.Policies,
		}
	}
	return in
}
