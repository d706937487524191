// Package validate checks a project snapshot without touching the remote
// server: manifest integrity, renderability of every declared workflow, and
// the optional environment schema.
package validate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/flowsyncd/internal/envschema"
	"github.com/schaermu/flowsyncd/internal/manifest"
	"github.com/schaermu/flowsyncd/internal/render"
	"github.com/schaermu/flowsyncd/internal/snapshot"
	"github.com/schaermu/flowsyncd/internal/workflow"
)

// Options controls validation strictness.
type Options struct {
	// Strict turns warnings into failures.
	Strict bool
	// EnforceNoInlineCode reports inline code in workflow nodes.
	EnforceNoInlineCode bool
	// EnforceChecksum makes checksum mismatches errors even outside strict
	// mode.
	EnforceChecksum bool
	// RequireChecksum reports include directives without checksums.
	RequireChecksum bool
	// EnvFile is loaded into the environment before schema validation.
	EnvFile string
}

// Result collects validation findings.
type Result struct {
	Errors   []string
	Warnings []string
}

// Failed reports whether validation should exit non-zero under the given
// options.
func (r *Result) Failed(opts Options) bool {
	return len(r.Errors) > 0 || (opts.Strict && len(r.Warnings) > 0)
}

// Run validates the project as seen through the snapshot.
func Run(snap snapshot.Snapshot, opts Options, logger *slog.Logger) (*Result, error) {
	result := &Result{}

	m, err := manifest.Load(snap)
	if err != nil {
		var verr *manifest.ValidationErrors
		if errors.As(err, &verr) {
			result.Errors = append(result.Errors, verr.Issues...)
			return result, nil
		}
		return nil, err
	}
	logger.Info("manifest valid", "workflows", len(m.Entries), "source", snap.Ref())

	for _, entry := range m.Entries {
		result.checkWorkflow(snap, entry, opts, logger)
	}

	issues, err := envschema.Validate(snap, opts.EnvFile)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	result.Warnings = append(result.Warnings, issues...)

	return result, nil
}

func (r *Result) checkWorkflow(snap snapshot.Snapshot, entry manifest.Entry, opts Options, logger *slog.Logger) {
	data, err := snap.Read(entry.DocumentPath())
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("workflow %q: %v", entry.Name, err))
		return
	}
	doc, err := workflow.Decode(data)
	if err != nil {
		r.Errors = append(r.Errors, fmt.Sprintf("workflow %q: %v", entry.Name, err))
		return
	}

	_, reports, err := render.Render(doc, entry.Name, snap, render.Options{
		EnforceChecksum: opts.EnforceChecksum,
		RequireChecksum: opts.RequireChecksum,
	})
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
		return
	}

	for _, rep := range reports {
		switch rep.Status {
		case "inline":
			if opts.EnforceNoInlineCode {
				r.Warnings = append(r.Warnings,
					fmt.Sprintf("workflow %q node %q field %q: inline code (expected include directive)", entry.Name, rep.Node, rep.Field))
			}
		case "checksum-mismatch":
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("workflow %q node %q field %q: checksum mismatch for %s", entry.Name, rep.Node, rep.Field, rep.Include))
		case "missing-checksum":
			r.Warnings = append(r.Warnings,
				fmt.Sprintf("workflow %q node %q field %q: include directive has no checksum", entry.Name, rep.Node, rep.Field))
		}
	}
	logger.Debug("workflow renders", "workflow", entry.Name, "code_fields", len(reports))
}
