package observers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/rs/zerolog"
)

// Built-in state types.
const (
	TypePackageDeps      = "package.deps"
	TypeDBSchema         = "db.schema"
	TypeEnvExport        = "env.export"
	TypeEnvInherit       = "env.inherit"
	TypeProcessHTTP      = "process.http"
	TypeProcessContainer = "process.container"
)

// DefaultLockfile is used by package.deps when no lockfile is configured.
const DefaultLockfile = "package-lock.json"

// Options configure the built-in observers.
type Options struct {
	// ProbeTimeout bounds each TCP reachability probe.
	ProbeTimeout time.Duration

	// DockerHost overrides DOCKER_HOST for process.container.
	DockerHost string

	// Docker replaces the docker client, mainly for tests.
	Docker ContainerAPI
}

// NewDefaultRegistry returns a registry with every built-in observer.
func NewDefaultRegistry(logger zerolog.Logger, opts Options) (*Registry, error) {
	r := NewRegistry(logger)
	if err := RegisterBuiltins(r, opts); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterBuiltins registers the built-in observers on r.
func RegisterBuiltins(r *Registry, opts Options) error {
	builtins := []struct {
		stateType string
		observer  engine.Observer
	}{
		{TypePackageDeps, engine.ObserverFunc(observePackageDeps)},
		{TypeDBSchema, engine.ObserverFunc(observeDBSchema)},
		{TypeEnvExport, engine.ObserverFunc(observeEnvExport)},
		{TypeEnvInherit, engine.ObserverFunc(observeEnvInherit)},
		{TypeProcessHTTP, NewHTTPObserver(opts.ProbeTimeout)},
		{TypeProcessContainer, NewContainerObserver(opts.Docker, opts.DockerHost)},
	}

	for _, b := range builtins {
		if err := r.Register(b.stateType, b.observer, OriginBuiltin, ""); err != nil {
			return err
		}
	}
	return nil
}

// IsBuiltin reports whether stateType is shipped with devstate.
func IsBuiltin(stateType string) bool {
	switch stateType {
	case TypePackageDeps, TypeDBSchema, TypeEnvExport, TypeEnvInherit, TypeProcessHTTP, TypeProcessContainer:
		return true
	}
	return false
}

// observePackageDeps checks that the service lockfile exists.
func observePackageDeps(_ context.Context, req engine.ObserveRequest) (engine.Observation, error) {
	lockfile := DefaultLockfile
	if v, ok := req.Item.Config.Get("lockfile"); ok {
		s, isStr := v.(engine.String)
		if !isStr || s == "" {
			return engine.Observation{}, fmt.Errorf("lockfile must be a non-empty string")
		}
		lockfile = string(s)
	}

	path := resolve(req.ServiceRoot, lockfile)
	return fileObservation("lockfile", path)
}

// observeDBSchema checks that the schema source exists. An unset source is
// unknown rather than missing.
func observeDBSchema(_ context.Context, req engine.ObserveRequest) (engine.Observation, error) {
	source, ok := req.Item.Config.GetString("source")
	if !ok {
		return engine.Observation{
			Status:   engine.StatusUnknown,
			Evidence: engine.Map{"reason": engine.String("source not set")},
		}, nil
	}

	return fileObservation("source", resolve(req.ServiceRoot, source))
}

// observeEnvExport is healthy when a non-empty keys list is declared.
func observeEnvExport(_ context.Context, req engine.ObserveRequest) (engine.Observation, error) {
	keys, ok := req.Item.Config.GetList("keys")
	if !ok || len(keys) == 0 {
		return engine.Observation{
			Status:   engine.StatusMissing,
			Evidence: engine.Map{"keys": engine.List{}},
		}, nil
	}

	return engine.Observation{
		Status:   engine.StatusHealthy,
		Evidence: engine.Map{"keys": keys},
	}, nil
}

// observeEnvInherit is healthy when a source service is named.
func observeEnvInherit(_ context.Context, req engine.ObserveRequest) (engine.Observation, error) {
	from, ok := req.Item.Config.GetString("from")
	if !ok {
		return engine.Observation{
			Status:   engine.StatusMissing,
			Evidence: engine.Map{"from": engine.Null{}},
		}, nil
	}

	return engine.Observation{
		Status:   engine.StatusHealthy,
		Evidence: engine.Map{"from": engine.String(from)},
	}, nil
}

// fileObservation reports whether path exists, with its checksum if it does.
func fileObservation(field, path string) (engine.Observation, error) {
	evidence := engine.Map{field: engine.String(path)}

	sum, err := fileChecksum(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			evidence["exists"] = engine.Bool(false)
			return engine.Observation{Status: engine.StatusMissing, Evidence: evidence}, nil
		}
		return engine.Observation{}, err
	}

	evidence["exists"] = engine.Bool(true)
	evidence["checksum"] = engine.String(sum)
	return engine.Observation{Status: engine.StatusHealthy, Evidence: evidence}, nil
}

// fileChecksum returns "sha256:<hex>" of a regular file's contents.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}
