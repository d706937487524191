// Package export implements the mirror-mode export: the local n8n/ tree is
// fully replaced to match the remote server, including deletions. It is the
// sole writer of the manifest and the generated credential documentation.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/schaermu/flowsyncd/internal/config"
	"github.com/schaermu/flowsyncd/internal/externalize"
	"github.com/schaermu/flowsyncd/internal/manifest"
	"github.com/schaermu/flowsyncd/internal/n8n"
	"github.com/schaermu/flowsyncd/internal/snapshot"
	"github.com/schaermu/flowsyncd/internal/workflow"
)

// Engine orchestrates the export process.
type Engine struct {
	cfg    *config.Config
	client n8n.Client
	logger *slog.Logger
}

// NewEngine creates a new export engine.
func NewEngine(cfg *config.Config, client n8n.Client, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, client: client, logger: logger}
}

// Run exports all remote workflows into the project tree.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting export", "api_url", e.cfg.APIURL, "target", e.cfg.WorkflowsDir())

	for _, dir := range []string{e.cfg.WorkflowsDir(), e.cfg.ManifestsDir(), e.cfg.ScriptsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create project directory: %w", err)
		}
	}

	// The externalize_code setting is read from the current manifest; a
	// missing or unreadable manifest means a fresh project and the default
	// applies.
	externalizeCode := true
	if m, err := manifest.Load(snapshot.NewWorkingTree(e.cfg.RepoRoot)); err == nil {
		externalizeCode = m.ExternalizeCode
	}
	e.logger.Info("code externalization", "enabled", externalizeCode)

	tagNames, err := e.fetchTagNames(ctx)
	if err != nil {
		// Tags are export bookkeeping only; a failed fetch downgrades to
		// whatever names the workflow documents carry.
		e.logger.Warn("could not fetch tags", "error", err)
	}

	remote, err := e.client.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list remote workflows: %w", err)
	}
	e.logger.Info("remote workflows fetched", "count", len(remote))

	if err := e.cleanWorkflowsDir(); err != nil {
		return err
	}
	// Mirror mode: every generated script directory goes first, whether or
	// not externalization is enabled. Enabled exports rewrite what they need.
	cleanup, err := externalize.PlanCleanup(e.cfg.ScriptsDir(), nil)
	if err != nil {
		return err
	}
	if err := cleanup.Apply(e.logger); err != nil {
		return err
	}

	m := &manifest.Manifest{ExternalizeCode: externalizeCode}
	credRefs := make(map[string][]workflow.CredentialRef)
	totalScripts := 0

	for _, ref := range remote {
		if ref.ID == "" || ref.Name == "" {
			e.logger.Warn("skipping workflow with missing id or name")
			continue
		}
		e.logger.Info("exporting workflow", "workflow", ref.Name)

		doc, err := e.client.GetWorkflow(ctx, ref.ID)
		if err != nil {
			return fmt.Errorf("fetch workflow %q: %w", ref.Name, err)
		}

		refs := workflow.ExtractCredentials(doc)
		if len(refs) > 0 {
			credRefs[ref.Name] = refs
		}

		cleaned := workflow.StripVolatileFields(doc, workflow.VolatileFields)
		if externalizeCode {
			rewritten, scripts, err := externalize.Externalize(cleaned, ref.Name)
			if err != nil {
				return fmt.Errorf("externalize workflow %q: %w", ref.Name, err)
			}
			if err := externalize.WriteScripts(e.cfg.N8nRoot(), scripts); err != nil {
				return err
			}
			if len(scripts) > 0 {
				e.logger.Info("externalized code blocks", "workflow", ref.Name, "count", len(scripts))
			}
			totalScripts += len(scripts)
			cleaned = rewritten
		}

		canonical, err := workflow.Canonicalize(cleaned)
		if err != nil {
			return fmt.Errorf("canonicalize workflow %q: %w", ref.Name, err)
		}

		relPath := workflow.DocumentPath(ref.Name)
		dest := filepath.Join(e.cfg.N8nRoot(), filepath.FromSlash(relPath))
		if err := os.WriteFile(dest, canonical, 0644); err != nil {
			return fmt.Errorf("write workflow %q: %w", ref.Name, err)
		}
		e.logger.Info("saved workflow", "path", "n8n/"+relPath)

		m.Entries = append(m.Entries, manifest.Entry{
			Name:                ref.Name,
			Active:              docActive(doc),
			Tags:                docTagNames(doc, tagNames),
			RequiresCredentials: credentialNames(refs),
		})
	}

	if err := e.writeManifest(m); err != nil {
		return err
	}
	if err := e.writeCredentials(credRefs); err != nil {
		return err
	}

	e.logger.Info("export complete",
		"workflows", len(m.Entries),
		"externalized_scripts", totalScripts)
	return nil
}

// cleanWorkflowsDir removes every exported workflow document so deleted
// remote workflows do not linger locally.
func (e *Engine) cleanWorkflowsDir() error {
	matches, err := filepath.Glob(filepath.Join(e.cfg.WorkflowsDir(), "*.json"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("clean workflows directory: %w", err)
		}
	}
	if len(matches) > 0 {
		e.logger.Info("cleaned workflows directory", "removed", len(matches))
	}
	return nil
}

func (e *Engine) fetchTagNames(ctx context.Context) (map[string]string, error) {
	tags, err := e.client.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(tags))
	for _, t := range tags {
		if t.ID != "" && t.Name != "" {
			names[t.ID] = t.Name
		}
	}
	return names, nil
}

func (e *Engine) writeManifest(m *manifest.Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}
	if err := os.WriteFile(e.cfg.ManifestPath(), data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	e.logger.Info("manifest updated", "path", e.cfg.ManifestPath())
	return nil
}

func (e *Engine) writeCredentials(credRefs map[string][]workflow.CredentialRef) error {
	if len(credRefs) == 0 {
		return nil
	}
	index := manifest.BuildCredentialIndex(credRefs)
	data, err := index.Marshal()
	if err != nil {
		return fmt.Errorf("serialize credentials documentation: %w", err)
	}
	if err := os.WriteFile(e.cfg.CredentialsPath(), data, 0644); err != nil {
		return fmt.Errorf("write credentials documentation: %w", err)
	}
	e.logger.Info("credentials documented", "path", e.cfg.CredentialsPath())
	return nil
}

// docActive reads the workflow's remote activation flag.
func docActive(doc map[string]any) bool {
	active, _ := doc["active"].(bool)
	return active
}

// docTagNames resolves the workflow's tag objects to names, preferring the
// authoritative tag listing over the embedded name.
func docTagNames(doc map[string]any, tagNames map[string]string) []string {
	tags, _ := doc["tags"].([]any)
	var names []string
	for _, t := range tags {
		obj, ok := t.(map[string]any)
		if !ok {
			if s, ok := t.(string); ok && s != "" {
				names = append(names, s)
			}
			continue
		}
		if id, ok := obj["id"].(string); ok {
			if name, ok := tagNames[id]; ok {
				names = append(names, name)
				continue
			}
		}
		if name, ok := obj["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func credentialNames(refs []workflow.CredentialRef) []string {
	seen := make(map[string]bool)
	var names []string
	for _, r := range refs {
		if !seen[r.Name] {
			seen[r.Name] = true
			names = append(names, r.Name)
		}
	}
	sort.Strings(names)
	return names
}
