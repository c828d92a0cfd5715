package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Loader reads Rego policies from files and directories.
type Loader struct {
	logger zerolog.Logger
	cache  map[string]*cachedPolicy
	mu     sync.RWMutex
}

type cachedPolicy struct {
	policy  *Policy
	modTime int64
	size    int64
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*cachedPolicy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directories are walked recursively for .rego files.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	files, err := l.Files(paths)
	if err != nil {
		return nil, err
	}

	policies := make([]Policy, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policy, err := l.loadFromFile(file)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *policy)
	}

	l.logger.Debug().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

// Files expands paths into the .rego files they name, in a stable order.
// An explicitly named file is taken whatever its extension.
func (l *Loader) Files(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}

		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		var found []string
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(p) == ".rego" && !strings.HasSuffix(p, "_test.rego") {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

// loadFromFile loads a policy from a single file, reusing the cached copy
// while the file is unchanged.
func (l *Loader) loadFromFile(filePath string) (*Policy, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy: %w", err)
	}

	l.mu.RLock()
	cached, ok := l.cache[filePath]
	l.mu.RUnlock()
	if ok && cached.modTime == info.ModTime().UnixNano() && cached.size == info.Size() {
		return cached.policy, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	policy := parseRegoFile(filePath, data)

	l.mu.Lock()
	l.cache[filePath] = &cachedPolicy{
		policy:  policy,
		modTime: info.ModTime().UnixNano(),
		size:    info.Size(),
	}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Msg("Policy loaded from file")

	return policy, nil
}

// parseRegoFile turns a .rego file into a Policy named after the file.
func parseRegoFile(filePath string, data []byte) *Policy {
	name := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))

	return &Policy{
		Name:        name,
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Source:      filePath,
	}
}

// extractDescription joins the leading comment block of a module.
func extractDescription(content string) string {
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment != "" && !strings.HasPrefix(comment, "METADATA") {
				if description.Len() > 0 {
					description.WriteString(" ")
				}
				description.WriteString(comment)
			}
			continue
		}
		if trimmed != "" {
			break
		}
	}

	return description.String()
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]*cachedPolicy)
	l.logger.Debug().Msg("Policy cache cleared")
}
