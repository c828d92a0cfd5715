package engine

import (
	"fmt"
	"strings"
	"time"
)

// Manifest is the in-memory form of a manifest document. It is immutable
// once loaded; services and intents keep their declared order.
type Manifest struct {
	// Version is the manifest format version as written by the author.
	Version string `json:"version,omitempty"`

	// Project identifies the project the manifest describes.
	Project string `json:"project,omitempty"`

	// DefaultIntent names the intent used when none is selected.
	DefaultIntent string `json:"defaultIntent,omitempty"`

	// Services in declared order.
	Services []*Service `json:"services"`

	// Intents in declared order.
	Intents []*Intent `json:"intents"`

	// Context is passed through uninterpreted.
	Context Value `json:"context,omitempty"`

	// Policies is passed through uninterpreted.
	Policies Value `json:"policies,omitempty"`

	// State holds the optional state section; only "path" is read.
	State Map `json:"state,omitempty"`

	// Plugins declares externally provided observers.
	Plugins []PluginDecl `json:"plugins,omitempty"`

	services map[string]*Service
	intents  map[string]*Intent
}

// AddService appends a service. Names must be unique.
func (m *Manifest) AddService(s *Service) error {
	if m.services == nil {
		m.services = make(map[string]*Service)
	}
	if _, exists := m.services[s.Name]; exists {
		return fmt.Errorf("duplicate service %q", s.Name)
	}
	m.services[s.Name] = s
	m.Services = append(m.Services, s)
	return nil
}

// AddIntent appends an intent. Names must be unique.
func (m *Manifest) AddIntent(in *Intent) error {
	if m.intents == nil {
		m.intents = make(map[string]*Intent)
	}
	if _, exists := m.intents[in.Name]; exists {
		return fmt.Errorf("duplicate intent %q", in.Name)
	}
	m.intents[in.Name] = in
	m.Intents = append(m.Intents, in)
	return nil
}

// Service looks up a service by name.
func (m *Manifest) Service(name string) (*Service, bool) {
	s, ok := m.services[name]
	return s, ok
}

// Intent looks up an intent by name.
func (m *Manifest) Intent(name string) (*Intent, bool) {
	in, ok := m.intents[name]
	return in, ok
}

// StatePath returns the state.path override declared in the manifest, if any.
func (m *Manifest) StatePath() (string, bool) {
	return m.State.GetString("path")
}

// Service is a named unit of the developer environment.
type Service struct {
	// Name is unique within the manifest.
	Name string `json:"name"`

	// Root is the service directory relative to the project root.
	Root string `json:"root,omitempty"`

	// Type is a free-form tag; the core does not interpret it.
	Type string `json:"type,omitempty"`

	// Requires lists the services and states this service depends on.
	Requires Requirements `json:"requires"`

	// Provides lists environment variables this service exports.
	Provides []EnvBinding `json:"provides,omitempty"`

	// Consumes lists environment variables this service reads, with the
	// binding that supplies each one.
	Consumes []EnvBinding `json:"consumes,omitempty"`

	// States in declared order.
	States []*StateDef `json:"states"`

	states map[string]*StateDef
}

// AddState appends a state definition. IDs must be unique within the service.
func (s *Service) AddState(def *StateDef) error {
	if s.states == nil {
		s.states = make(map[string]*StateDef)
	}
	if _, exists := s.states[def.ID]; exists {
		return fmt.Errorf("duplicate state %q in service %q", def.ID, s.Name)
	}
	s.states[def.ID] = def
	s.States = append(s.States, def)
	return nil
}

// State looks up a state definition by ID.
func (s *Service) State(id string) (*StateDef, bool) {
	def, ok := s.states[id]
	return def, ok
}

// RootDir returns the service root, defaulting to the project root itself.
func (s *Service) RootDir() string {
	if s.Root == "" {
		return "."
	}
	return s.Root
}

// Requirements are the declared dependencies of a service.
type Requirements struct {
	// Services are required service names.
	Services []string `json:"services,omitempty"`

	// States maps required service names to state IDs, in declared order.
	States []StateRequirement `json:"states,omitempty"`
}

// StateRequirement names states of another service that must hold.
type StateRequirement struct {
	Service string   `json:"service"`
	States  []string `json:"states"`
}

// EnvBinding is one environment variable entry under provides.env or consumes.env.
type EnvBinding struct {
	// Name is the variable name.
	Name string `json:"name"`

	// Source is the binding descriptor when it is a string, e.g. "api.API_URL".
	Source string `json:"source,omitempty"`

	// Raw is the descriptor exactly as declared.
	Raw Value `json:"raw,omitempty"`
}

// ProviderRef splits a "<service>.<VAR>" source. ok is false when the source
// does not have that shape.
func (b EnvBinding) ProviderRef() (service, variable string, ok bool) {
	service, variable, found := strings.Cut(b.Source, ".")
	if !found || service == "" || variable == "" {
		return "", "", false
	}
	return service, variable, true
}

// StateDef declares one desired state of a service.
type StateDef struct {
	// ID is unique within the owning service.
	ID string `json:"id"`

	// Type selects the observer.
	Type string `json:"type"`

	// Config holds every other declared key; its shape belongs to the observer.
	Config Map `json:"config,omitempty"`
}

// Intent is a named selection of desired per-service states.
type Intent struct {
	// Name is unique within the manifest.
	Name string `json:"name"`

	// Scope is passed through uninterpreted.
	Scope Value `json:"scope,omitempty"`

	// Desired lists services and their required states in declared order.
	Desired []DesiredService `json:"desired"`
}

// DesiredService is one entry of an intent's desired.services map.
type DesiredService struct {
	Service string   `json:"service"`
	States  []string `json:"states"`
}

// PluginDecl declares an external observer implemented as a WASI module.
type PluginDecl struct {
	// Type is the state type the plugin observes.
	Type string `json:"type" yaml:"type" validate:"required"`

	// Module is the path to the .wasm file, relative to the project root.
	Module string `json:"module" yaml:"module" validate:"required"`

	// Checksum is the optional hex SHA-256 of the module.
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`
}

// PlanItem is one (service, state) obligation of an expanded intent.
type PlanItem struct {
	ServiceName string   `json:"service"`
	StateID     string   `json:"state"`
	Type        string   `json:"type"`
	Config      Map      `json:"config,omitempty"`
	Service     *Service `json:"-"`
}

// Key returns the persisted-state key "<service>:<state>".
func (p PlanItem) Key() string {
	return StateKey(p.ServiceName, p.StateID)
}

// StateKey builds the persisted-state key for a service and state.
func StateKey(service, state string) string {
	return service + ":" + state
}

// Plan is the ordered expansion of one intent.
type Plan struct {
	// Intent is the resolved intent name.
	Intent string `json:"intent"`

	// ManifestHash is the hash of the manifest the plan was built from.
	ManifestHash string `json:"manifestHash,omitempty"`

	// Items in intent order, then declared state order.
	Items []PlanItem `json:"items"`
}

// Observation is what an observer reports for one plan item.
type Observation struct {
	Status   Status `json:"status"`
	Evidence Map    `json:"evidence"`
}

// ObservationResult is an observation bound to its plan item.
type ObservationResult struct {
	// Key is "<service>:<state>".
	Key string `json:"key"`

	Service string `json:"service"`
	State   string `json:"state"`
	Type    string `json:"type"`

	Observation

	// ObservedAt is when the observation was taken. For status reports it is
	// the persisted lastValidatedAt, and zero if never validated.
	ObservedAt time.Time `json:"observedAt"`

	// DurationMs is how long the observer took.
	DurationMs int64 `json:"durationMs"`

	// PreviousStatus is the persisted status before this run, if any.
	PreviousStatus Status `json:"previousStatus,omitempty"`

	// LastAppliedAt is carried from persisted state.
	LastAppliedAt *time.Time `json:"lastAppliedAt"`
}

// Changed reports whether the status differs from the persisted one.
func (r ObservationResult) Changed() bool {
	return r.PreviousStatus != "" && r.PreviousStatus != r.Status
}

// GraphEdge is a dependency edge between two services.
type GraphEdge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Kind classifies the edge by its reason.
func (e GraphEdge) Kind() EdgeKind {
	if strings.HasPrefix(e.Reason, string(EdgeConsumes)+" ") {
		return EdgeConsumes
	}
	return EdgeRequires
}

// Variable returns the consumed variable name for consumes edges.
func (e GraphEdge) Variable() string {
	if e.Kind() != EdgeConsumes {
		return ""
	}
	return strings.TrimPrefix(e.Reason, string(EdgeConsumes)+" ")
}

// Summary aggregates observation statuses.
type Summary struct {
	Healthy int `json:"healthy"`
	Missing int `json:"missing"`
	Unknown int `json:"unknown"`
	Total   int `json:"total"`
}

// Compliant reports whether every observed state holds.
func (s Summary) Compliant() bool {
	return s.Missing == 0 && s.Unknown == 0
}

// PersistedState is the durable record of the last persisted run.
type PersistedState struct {
	// ManifestHash is the hash of the manifest whose results were persisted,
	// or nil if nothing has been persisted yet.
	ManifestHash *string `json:"manifestHash"`

	// Observations maps "<service>:<state>" to its record.
	Observations map[string]ObservationRecord `json:"observations"`
}

// NewPersistedState returns the empty state used before the first run.
func NewPersistedState() *PersistedState {
	return &PersistedState{
		Observations: make(map[string]ObservationRecord),
	}
}

// IsStale reports whether the persisted results belong to a different manifest.
// A state that was never persisted is not stale.
func (p *PersistedState) IsStale(manifestHash string) bool {
	return p.ManifestHash != nil && *p.ManifestHash != manifestHash
}

// ObservationRecord is one persisted observation.
type ObservationRecord struct {
	Status          Status     `json:"status"`
	Evidence        Map        `json:"evidence"`
	LastValidatedAt time.Time  `json:"lastValidatedAt"`
	LastAppliedAt   *time.Time `json:"lastAppliedAt"`
}

// PolicyViolation is a single policy violation raised against a report.
type PolicyViolation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Resource is the "<service>:<state>" key or service name involved, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is info, warning, error or critical.
	Severity string `json:"severity"`
}

// Report is the complete output of one reconciliation pass.
type Report struct {
	RunID        string              `json:"runId"`
	Mode         RunMode             `json:"mode"`
	Project      string              `json:"project,omitempty"`
	Intent       string              `json:"intent"`
	ManifestPath string              `json:"manifestPath"`
	ManifestHash string              `json:"manifestHash"`
	PreviousHash *string             `json:"previousHash"`
	Stale        bool                `json:"stale"`
	StartedAt    time.Time           `json:"startedAt"`
	CompletedAt  time.Time           `json:"completedAt"`
	Results      []ObservationResult `json:"results"`
	Summary      Summary             `json:"summary"`
	Violations   []PolicyViolation   `json:"violations,omitempty"`
}
