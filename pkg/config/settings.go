package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// SettingsFileName is the tool settings file looked up at the project root.
const SettingsFileName = ".devstate.toml"

// StateEnvVar overrides the state file path.
const StateEnvVar = "DEVSTATE_STATE"

// Default locations, relative to the project root.
const (
	DefaultStatePath   = ".devstate/state.json"
	DefaultHistoryPath = ".devstate/history.db"
)

// Settings are the tool settings of one project.
type Settings struct {
	State     StateSettings
	History   HistorySettings
	Observe   ObserveSettings
	Policy    PolicySettings
	Telemetry TelemetrySettings

	// statePathExplicit is set when the path came from the file or environment
	// rather than the default, so it beats a manifest state.path.
	statePathExplicit bool
}

// StateSettings selects where persisted state lives.
type StateSettings struct {
	Backend string `validate:"oneof=file s3"`
	Path    string `validate:"required"`
	S3      S3Settings
}

// S3Settings locate the state object for the s3 backend.
type S3Settings struct {
	Bucket  string
	Key     string
	Region  string
	Profile string
}

// HistorySettings configure the SQLite run history.
type HistorySettings struct {
	Enabled   bool
	Path      string `validate:"required_if=Enabled true"`
	Retention int    `validate:"gte=0"`
}

// ObserveSettings tune observation.
type ObserveSettings struct {
	Parallelism  int           `validate:"gte=1,lte=64"`
	ProbeTimeout time.Duration `validate:"gt=0"`
	DockerHost   string
}

// PolicySettings configure report policies.
type PolicySettings struct {
	Paths  []string
	FailOn string `validate:"oneof=info warning error critical none"`
}

// TelemetrySettings configure logging, tracing and metrics.
type TelemetrySettings struct {
	LogLevel        string  `validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat       string  `validate:"oneof=console json"`
	TraceExporter   string  `validate:"oneof=none stdout otlp"`
	TraceEndpoint   string  `validate:"required_if=TraceExporter otlp"`
	SamplingRate    float64 `validate:"gte=0,lte=1"`
	MetricsTextfile string
	MetricsListen   string
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() *Settings {
	return &Settings{
		State: StateSettings{
			Backend: "file",
			Path:    DefaultStatePath,
			S3: S3Settings{
				Key: "devstate/state.json",
			},
		},
		History: HistorySettings{
			Enabled:   true,
			Path:      DefaultHistoryPath,
			Retention: 200,
		},
		Observe: ObserveSettings{
			Parallelism:  4,
			ProbeTimeout: 300 * time.Millisecond,
		},
		Policy: PolicySettings{
			FailOn: "error",
		},
		Telemetry: TelemetrySettings{
			LogFormat:     "console",
			TraceExporter: "none",
			SamplingRate:  1.0,
		},
	}
}

// settingsFile mirrors .devstate.toml key names.
type settingsFile struct {
	State struct {
		Backend string `toml:"backend"`
		Path    string `toml:"path"`
		S3      struct {
			Bucket  string `toml:"bucket"`
			Key     string `toml:"key"`
			Region  string `toml:"region"`
			Profile string `toml:"profile"`
		} `toml:"s3"`
	} `toml:"state"`
	History struct {
		Enabled   bool   `toml:"enabled"`
		Path      string `toml:"path"`
		Retention int    `toml:"retention"`
	} `toml:"history"`
	Observe struct {
		Parallelism  int    `toml:"parallelism"`
		ProbeTimeout string `toml:"probe_timeout"`
		DockerHost   string `toml:"docker_host"`
	} `toml:"observe"`
	Policy struct {
		Paths  []string `toml:"paths"`
		FailOn string   `toml:"fail_on"`
	} `toml:"policy"`
	Telemetry struct {
		LogLevel        string  `toml:"log_level"`
		LogFormat       string  `toml:"log_format"`
		TraceExporter   string  `toml:"trace_exporter"`
		TraceEndpoint   string  `toml:"trace_endpoint"`
		SamplingRate    float64 `toml:"sampling_rate"`
		MetricsTextfile string  `toml:"metrics_textfile"`
		MetricsListen   string  `toml:"metrics_listen"`
	} `toml:"telemetry"`
}

// LoadSettings reads the settings file at path and overlays it onto the
// defaults. A missing file yields the defaults unless required is set.
func LoadSettings(path string, required bool) (*Settings, error) {
	cfg := DefaultSettings()

	var raw settingsFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("load settings %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("state", "backend") {
		cfg.State.Backend = strings.TrimSpace(raw.State.Backend)
	}
	if meta.IsDefined("state", "path") {
		cfg.State.Path = strings.TrimSpace(raw.State.Path)
		cfg.statePathExplicit = true
	}
	if meta.IsDefined("state", "s3", "bucket") {
		cfg.State.S3.Bucket = strings.TrimSpace(raw.State.S3.Bucket)
	}
	if meta.IsDefined("state", "s3", "key") {
		cfg.State.S3.Key = strings.TrimSpace(raw.State.S3.Key)
	}
	if meta.IsDefined("state", "s3", "region") {
		cfg.State.S3.Region = strings.TrimSpace(raw.State.S3.Region)
	}
	if meta.IsDefined("state", "s3", "profile") {
		cfg.State.S3.Profile = strings.TrimSpace(raw.State.S3.Profile)
	}

	if meta.IsDefined("history", "enabled") {
		cfg.History.Enabled = raw.History.Enabled
	}
	if meta.IsDefined("history", "path") {
		cfg.History.Path = strings.TrimSpace(raw.History.Path)
	}
	if meta.IsDefined("history", "retention") {
		cfg.History.Retention = raw.History.Retention
	}

	if meta.IsDefined("observe", "parallelism") {
		cfg.Observe.Parallelism = raw.Observe.Parallelism
	}
	if meta.IsDefined("observe", "probe_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Observe.ProbeTimeout))
		if err != nil {
			return nil, fmt.Errorf("load settings %s: observe.probe_timeout: %w", path, err)
		}
		cfg.Observe.ProbeTimeout = d
	}
	if meta.IsDefined("observe", "docker_host") {
		cfg.Observe.DockerHost = strings.TrimSpace(raw.Observe.DockerHost)
	}

	if meta.IsDefined("policy", "paths") {
		cfg.Policy.Paths = raw.Policy.Paths
	}
	if meta.IsDefined("policy", "fail_on") {
		cfg.Policy.FailOn = strings.TrimSpace(raw.Policy.FailOn)
	}

	if meta.IsDefined("telemetry", "log_level") {
		cfg.Telemetry.LogLevel = strings.TrimSpace(raw.Telemetry.LogLevel)
	}
	if meta.IsDefined("telemetry", "log_format") {
		cfg.Telemetry.LogFormat = strings.TrimSpace(raw.Telemetry.LogFormat)
	}
	if meta.IsDefined("telemetry", "trace_exporter") {
		cfg.Telemetry.TraceExporter = strings.TrimSpace(raw.Telemetry.TraceExporter)
	}
	if meta.IsDefined("telemetry", "trace_endpoint") {
		cfg.Telemetry.TraceEndpoint = strings.TrimSpace(raw.Telemetry.TraceEndpoint)
	}
	if meta.IsDefined("telemetry", "sampling_rate") {
		cfg.Telemetry.SamplingRate = raw.Telemetry.SamplingRate
	}
	if meta.IsDefined("telemetry", "metrics_textfile") {
		cfg.Telemetry.MetricsTextfile = strings.TrimSpace(raw.Telemetry.MetricsTextfile)
	}
	if meta.IsDefined("telemetry", "metrics_listen") {
		cfg.Telemetry.MetricsListen = strings.TrimSpace(raw.Telemetry.MetricsListen)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv applies environment overrides.
func (s *Settings) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(StateEnvVar)); v != "" {
		s.State.Path = v
		s.statePathExplicit = true
	}
}

// Validate checks field constraints and cross-field rules.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	if s.State.Backend == "s3" {
		if s.State.S3.Bucket == "" {
			return fmt.Errorf("state.s3.bucket is required for the s3 backend")
		}
		if s.State.S3.Key == "" {
			return fmt.Errorf("state.s3.key is required for the s3 backend")
		}
	}
	return nil
}

// StatePath resolves the state file location. An explicit settings or
// environment path wins over the manifest's state.path, which wins over the
// default. Relative paths resolve against projectRoot.
func (s *Settings) StatePath(projectRoot, manifestStatePath string) string {
	path := s.State.Path
	if !s.statePathExplicit && manifestStatePath != "" {
		path = manifestStatePath
	}
	return resolvePath(projectRoot, path)
}

// HistoryPath resolves the history database location.
func (s *Settings) HistoryPath(projectRoot string) string {
	return resolvePath(projectRoot, s.History.Path)
}

// PolicyPaths resolves the policy file locations.
func (s *Settings) PolicyPaths(projectRoot string) []string {
	out := make([]string, 0, len(s.Policy.Paths))
	for _, p := range s.Policy.Paths {
		out = append(out, resolvePath(projectRoot, p))
	}
	return out
}

func resolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
