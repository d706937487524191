// Package scaffold creates the directory layout and starter files for a new
// flowsyncd project.
package scaffold

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const starterManifest = `# Declarative workflow manifest. Managed by flowsyncd export; deploy reads
# this to reconcile the remote n8n instance.
externalize_code: true
workflows: []
`

const starterAuth = `# n8n API credentials. Keep this file out of version control.
api_url: "http://localhost:5678"
api_key: ""
`

const starterEnvSchema = `{
  "required": [],
  "vars": {}
}
`

const starterGitignore = `.n8n-auth
.env
`

// Create scaffolds a project at root. Existing files are never overwritten;
// the command is safe to run in a partially initialized directory.
func Create(root string, logger *slog.Logger) error {
	dirs := []string{
		filepath.Join(root, "n8n", "workflows"),
		filepath.Join(root, "n8n", "manifests"),
		filepath.Join(root, "n8n", "scripts"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
		logger.Info("created directory", "dir", dir)
	}

	files := map[string]string{
		filepath.Join(root, "n8n", "manifests", "workflows.yaml"):  starterManifest,
		filepath.Join(root, "n8n", "manifests", "env.schema.json"): starterEnvSchema,
		filepath.Join(root, ".n8n-auth"):                           starterAuth,
		filepath.Join(root, ".gitignore"):                          starterGitignore,
	}
	for path, content := range files {
		if _, err := os.Stat(path); err == nil {
			logger.Info("skipping existing file", "file", path)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		logger.Info("created file", "file", path)
	}
	return nil
}
