package observers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Guest paths seen by plugin modules.
const (
	// GuestProjectRoot is where the project root is mounted read-only.
	GuestProjectRoot = "/project"
)

// PluginConfig tunes the plugin host.
type PluginConfig struct {
	// Timeout bounds a single plugin observation.
	Timeout time.Duration

	// MemoryLimitPages caps guest memory in 64KB pages.
	MemoryLimitPages uint32
}

// DefaultPluginConfig returns the plugin host defaults.
func DefaultPluginConfig() PluginConfig {
	return PluginConfig{
		Timeout:          5 * time.Second,
		MemoryLimitPages: 256, // 16MB
	}
}

// pluginRequest is written to the module's stdin.
type pluginRequest struct {
	ProjectRoot string     `json:"projectRoot"`
	ServiceRoot string     `json:"serviceRoot"`
	Service     string     `json:"service"`
	State       string     `json:"state"`
	Type        string     `json:"type"`
	Config      engine.Map `json:"config"`
}

// pluginResponse is read from the module's stdout.
type pluginResponse struct {
	Status   engine.Status `json:"status"`
	Evidence engine.Map    `json:"evidence"`
}

// WASMObserver runs a WASI command module once per observation.
type WASMObserver struct {
	stateType   string
	modulePath  string
	projectRoot string
	timeout     time.Duration

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// NewWASMObserver compiles a WASI module. projectRoot is mounted read-only at
// /project for every run.
func NewWASMObserver(ctx context.Context, stateType, modulePath, projectRoot string, wasm []byte, cfg PluginConfig) (*WASMObserver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPluginConfig().Timeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultPluginConfig().MemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasm)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module %s: %w", modulePath, err)
	}

	return &WASMObserver{
		stateType:   stateType,
		modulePath:  modulePath,
		projectRoot: projectRoot,
		timeout:     cfg.Timeout,
		runtime:     runtime,
		compiled:    compiled,
	}, nil
}

// Observe runs the module with the request on stdin and decodes its stdout.
func (w *WASMObserver) Observe(ctx context.Context, req engine.ObserveRequest) (engine.Observation, error) {
	input, err := json.Marshal(pluginRequest{
		ProjectRoot: GuestProjectRoot,
		ServiceRoot: w.guestPath(req.ServiceRoot),
		Service:     req.Item.ServiceName,
		State:       req.Item.StateID,
		Type:        req.Item.Type,
		Config:      configOrEmpty(req.Item.Config),
	})
	if err != nil {
		return engine.Observation{}, fmt.Errorf("failed to encode plugin request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(filepath.Base(w.modulePath)).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(w.projectRoot, GuestProjectRoot))

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modConfig)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case !errors.As(err, &exitErr):
			return engine.Observation{}, fmt.Errorf("plugin %s failed: %w", w.stateType, err)
		case exitErr.ExitCode() != 0:
			return engine.Observation{}, fmt.Errorf("plugin %s exited with code %d: %s",
				w.stateType, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
	}

	var resp pluginResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return engine.Observation{}, fmt.Errorf("plugin %s returned invalid output: %w", w.stateType, err)
	}
	if resp.Evidence == nil {
		resp.Evidence = engine.Map{}
	}
	return engine.Observation{Status: resp.Status, Evidence: resp.Evidence}, nil
}

// Close releases the runtime and the compiled module.
func (w *WASMObserver) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// guestPath maps a host path under the project root into the guest mount.
func (w *WASMObserver) guestPath(hostPath string) string {
	rel, err := filepath.Rel(w.projectRoot, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return GuestProjectRoot
	}
	return path.Join(GuestProjectRoot, filepath.ToSlash(rel))
}

func configOrEmpty(m engine.Map) engine.Map {
	if m == nil {
		return engine.Map{}
	}
	return m
}

// LoadPlugins compiles every plugin declaration and registers it on r.
// Plugins cannot take over built-in or already registered types, and a
// declared checksum must match the module bytes.
func LoadPlugins(ctx context.Context, r *Registry, projectRoot string, decls []engine.PluginDecl, cfg PluginConfig) error {
	for i, decl := range decls {
		resource := fmt.Sprintf("plugins[%d]", i)

		if IsBuiltin(decl.Type) {
			return engine.NewPermanentError(
				fmt.Sprintf("plugin cannot override built-in type %s", decl.Type), nil).
				WithCode(engine.ErrCodeSchema).
				WithResource(resource)
		}
		if _, exists := r.Lookup(decl.Type); exists {
			return engine.NewPermanentError(
				fmt.Sprintf("plugin type %s is already registered", decl.Type), nil).
				WithCode(engine.ErrCodeSchema).
				WithResource(resource)
		}

		modulePath := resolve(projectRoot, decl.Module)
		wasm, err := os.ReadFile(modulePath)
		if err != nil {
			return engine.NewPermanentError("plugin module not readable", err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(modulePath)
		}

		if decl.Checksum != "" {
			if err := verifyChecksum(wasm, decl.Checksum); err != nil {
				return engine.NewPermanentError("plugin checksum verification failed", err).
					WithCode(engine.ErrCodeSchema).
					WithResource(resource)
			}
		}

		obs, err := NewWASMObserver(ctx, decl.Type, modulePath, projectRoot, wasm, cfg)
		if err != nil {
			return engine.NewPermanentError("plugin module is not a valid WASI module", err).
				WithCode(engine.ErrCodeSchema).
				WithResource(resource)
		}

		if err := r.Register(decl.Type, obs, OriginPlugin, decl.Module); err != nil {
			_ = obs.Close(ctx)
			return err
		}
	}
	return nil
}

// verifyChecksum compares the hex SHA-256 of wasm with expected.
func verifyChecksum(wasm []byte, expected string) error {
	hash := sha256.Sum256(wasm)
	computed := hex.EncodeToString(hash[:])

	if !strings.EqualFold(computed, expected) {
		return fmt.Errorf("module checksum mismatch: expected %s, got %s", expected, computed)
	}
	return nil
}
