package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/devstate/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const starterManifest = `version: "1"
project: %s
defaultIntent: feature

services:
  api:
    root: services/api
    provides:
      env:
        API_URL: "http://localhost:4000"
    states:
      deps:
        type: package.deps
      http:
        type: process.http
        port: 4000
  web:
    root: apps/web
    requires:
      services: [api]
    consumes:
      env:
        API_URL: api.API_URL
    states:
      deps:
        type: package.deps

intents:
  feature:
    desired:
      services:
        web: [deps]
        api: [deps, http]

# Keys listed here must be healthy or the run fails with exit code 3.
# policies:
#   require_healthy:
#     - api:deps
`

const starterSettings = `# devstate settings. Every key is optional.

[state]
backend = "file"
path = ".devstate/state.json"

[history]
enabled = true
path = ".devstate/history.db"
retention = 200

[observe]
parallelism = 4
probe_timeout = "300ms"

[policy]
paths = []
fail_on = "error"
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a starter manifest and settings file",
		Long: `Create a starter devstate.yaml and .devstate.toml in a project directory.

Existing files are left untouched unless --force is given.`,
		Example: `  # Initialize the current directory
  devstate init

  # Initialize another project, replacing existing files
  devstate init ./my-app --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", dir, err)
			}

			log.Debug().
				Str("dir", abs).
				Bool("force", force).
				Msg("Initializing project")

			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", abs, err)
			}

			out := cmd.OutOrStdout()
			files := []struct {
				name    string
				content string
			}{
				{config.DefaultManifestNames[0], fmt.Sprintf(starterManifest, filepath.Base(abs))},
				{config.SettingsFileName, starterSettings},
			}
			for _, f := range files {
				path := filepath.Join(abs, f.name)
				created, err := writeStarter(path, f.content, force)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "✓ Created %s\n", path)
				} else {
					fmt.Fprintf(out, "- Kept existing %s\n", path)
				}
			}

			fmt.Fprintf(out, "\nNext: edit %s, then run 'devstate validate' and 'devstate sync'.\n", config.DefaultManifestNames[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing files")

	return cmd
}

// writeStarter writes content to path unless the file exists and force is unset.
func writeStarter(path, content string, force bool) (bool, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, f.Close()
}
