package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/devstate/pkg/engine"
	"gopkg.in/yaml.v3"
)

// DefaultManifestNames are tried in order when no manifest path is given.
var DefaultManifestNames = []string{"devstate.yaml", "devstate.yml", "devstate.cue"}

// LoadedManifest is a parsed manifest together with where it came from.
type LoadedManifest struct {
	// Manifest is the parsed document.
	Manifest *engine.Manifest

	// Path is the absolute manifest path.
	Path string

	// ProjectRoot is the directory containing the manifest.
	ProjectRoot string

	// Hash is the hex SHA-256 of the raw manifest bytes.
	Hash string
}

// Loader reads manifest documents.
type Loader struct {
	validate *validator.Validate
}

// NewLoader creates a manifest loader.
func NewLoader() *Loader {
	return &Loader{validate: validator.New()}
}

// LoadManifest reads, hashes and parses the manifest at path.
func LoadManifest(path string) (*LoadedManifest, error) {
	return NewLoader().Load(path)
}

// DiscoverManifest returns the first default manifest name present in dir.
func DiscoverManifest(dir string) (string, error) {
	for _, name := range DefaultManifestNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", engine.NewPermanentError(
		fmt.Sprintf("no manifest found (tried %s)", strings.Join(DefaultManifestNames, ", ")), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(dir)
}

// Load reads, hashes and parses the manifest at path.
func (l *Loader) Load(path string) (*LoadedManifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, engine.NewPermanentError("cannot resolve manifest path", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(path)
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		if err == nil {
			err = fmt.Errorf("is a directory")
		}
		return nil, engine.NewPermanentError("manifest not found", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(abs)
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, engine.NewPermanentError("manifest not readable", err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(abs)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	doc := raw
	if strings.EqualFold(filepath.Ext(abs), ".cue") {
		doc, err = evaluateCUE(raw, abs)
		if err != nil {
			return nil, err
		}
	}

	m, err := l.Parse(doc, abs)
	if err != nil {
		return nil, err
	}

	return &LoadedManifest{
		Manifest:    m,
		Path:        abs,
		ProjectRoot: filepath.Dir(abs),
		Hash:        HashBytes(raw),
	}, nil
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse decodes a YAML or JSON manifest document. source names the document
// in error messages.
func (l *Loader) Parse(data []byte, source string) (*engine.Manifest, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewPermanentError("manifest is not well-formed", err).
			WithCode(engine.ErrCodeParse).
			WithResource(source)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, engine.NewPermanentError("manifest is empty", nil).
			WithCode(engine.ErrCodeParse).
			WithResource(source)
	}

	root := resolve(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, engine.NewPermanentError("manifest is not an object", nil).
			WithCode(engine.ErrCodeParse).
			WithResource(source)
	}

	p := &parser{source: source, validate: l.validate}
	return p.manifest(root)
}
