package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/devstate/pkg/engine"
)

// BackendFile is the name of the local file backend.
const BackendFile = "file"

// LoadState reads persisted state from path. A missing file is the empty
// state; content that is not valid state JSON is CorruptState.
func LoadState(path string) (*engine.PersistedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return engine.NewPersistedState(), nil
		}
		return nil, fmt.Errorf("failed to read state %s: %w", path, err)
	}
	return DecodeState(data, path)
}

// DecodeState parses persisted state JSON. source names the data in errors.
func DecodeState(data []byte, source string) (*engine.PersistedState, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, corruptState(source, errors.New("empty state document"))
	}

	var state engine.PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, corruptState(source, err)
	}
	if state.Observations == nil {
		state.Observations = make(map[string]engine.ObservationRecord)
	}
	return &state, nil
}

// EncodeState renders state as indented JSON with sorted keys.
func EncodeState(state *engine.PersistedState) ([]byte, error) {
	if state == nil {
		state = engine.NewPersistedState()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteState writes state to path, creating parent directories. The file is
// written to a temporary sibling, synced and renamed into place so readers
// never see a partial document.
func WriteState(state *engine.PersistedState, path string) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to set state permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace state %s: %w", path, err)
	}
	return nil
}

// FileBackend stores state in a local JSON file.
type FileBackend struct {
	path string
}

// NewFileBackend creates a file backend for path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the state file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Load implements engine.StateBackend.
func (b *FileBackend) Load(_ context.Context) (*engine.PersistedState, error) {
	return LoadState(b.path)
}

// Write implements engine.StateBackend.
func (b *FileBackend) Write(_ context.Context, state *engine.PersistedState) error {
	return WriteState(state, b.path)
}

// Name implements engine.StateBackend.
func (b *FileBackend) Name() string {
	return BackendFile
}

func corruptState(source string, err error) error {
	return engine.NewPermanentError("state is not valid JSON", err).
		WithCode(engine.ErrCodeCorruptState).
		WithResource(source)
}
