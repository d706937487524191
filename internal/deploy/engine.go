package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schaermu/flowsyncd/internal/manifest"
	"github.com/schaermu/flowsyncd/internal/n8n"
	"github.com/schaermu/flowsyncd/internal/render"
	"github.com/schaermu/flowsyncd/internal/snapshot"
	"github.com/schaermu/flowsyncd/internal/workflow"
)

// deployStripFields are removed from rendered documents before they are sent
// to the create API. Activation is asserted separately from the manifest,
// and tags are informational at deploy time (they are never pushed).
var deployStripFields = append([]string{"active", "tags", "pinData"}, workflow.VolatileFields...)

// Options controls one deploy run.
type Options struct {
	DryRun bool
	Backup bool
	Prune  bool
}

// Engine orchestrates a deploy: load the manifest from a snapshot, render
// every declared workflow, plan against the remote listing, and execute.
// Rendering happens in full before any remote mutation, so an unrenderable
// workflow fails the command before the server is touched.
type Engine struct {
	client n8n.Client
	logger *slog.Logger
	opts   Options
}

// NewEngine creates a deploy engine.
func NewEngine(client n8n.Client, logger *slog.Logger, opts Options) *Engine {
	return &Engine{client: client, logger: logger, opts: opts}
}

// Run executes the complete deploy against the given snapshot.
func (e *Engine) Run(ctx context.Context, snap snapshot.Snapshot) (*Result, error) {
	e.logger.Info("starting deploy",
		"source", snap.Ref(),
		"dry_run", e.opts.DryRun,
		"backup", e.opts.Backup,
		"prune", e.opts.Prune)

	m, err := manifest.Load(snap)
	if err != nil {
		return nil, err
	}
	e.logger.Info("manifest loaded", "workflows", len(m.Entries))

	documents, err := e.renderAll(snap, m)
	if err != nil {
		return nil, err
	}

	remote, err := e.client.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote workflows: %w", err)
	}
	e.logger.Info("remote listing fetched", "workflows", len(remote))

	plan, err := Compute(m.Entries, remote, e.opts.Prune)
	if err != nil {
		return nil, err
	}
	create, replace, prune := plan.Counts()
	e.logger.Info("deploy plan", "create", create, "replace", replace, "prune", prune)

	executor := NewExecutor(e.client, e.logger, e.opts.DryRun, e.opts.Backup)
	result, err := executor.Execute(ctx, plan, documents)
	if err != nil {
		return nil, err
	}

	for _, pf := range result.PartialFailures {
		e.logger.Error("destructive partial failure", "workflow", pf.Workflow, "error", pf.Err)
	}
	e.logger.Info("deploy finished",
		"created", result.Created,
		"replaced", result.Replaced,
		"pruned", result.Pruned,
		"failed", result.Failed,
		"aborted", result.Aborted)
	return result, nil
}

// renderAll reads, renders and prepares the deploy payload for every
// manifest entry. Checksums are enforced during deploys: a mismatch means
// the scripts on disk drifted from what the directive pinned.
func (e *Engine) renderAll(snap snapshot.Snapshot, m *manifest.Manifest) (map[string]map[string]any, error) {
	documents := make(map[string]map[string]any, len(m.Entries))
	for _, entry := range m.Entries {
		data, err := snap.Read(entry.DocumentPath())
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", entry.Name, err)
		}
		doc, err := workflow.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", entry.Name, err)
		}

		rendered, reports, err := render.Render(doc, entry.Name, snap, render.Options{EnforceChecksum: true})
		if err != nil {
			return nil, err
		}
		for _, r := range reports {
			if r.Status == "included" {
				e.logger.Debug("include resolved", "workflow", entry.Name, "node", r.Node, "field", r.Field, "script", r.Include)
			}
		}

		payload := workflow.StripVolatileFields(rendered, deployStripFields)
		payload["name"] = entry.Name
		documents[entry.Name] = payload
	}
	return documents, nil
}
