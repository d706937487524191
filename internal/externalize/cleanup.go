package externalize

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// CleanupPlan lists script directories to remove. Mirror-mode exports delete
// the script tree of every workflow that no longer externalizes code, so
// nothing is left orphaned. Computing the plan is separated from applying it
// so dry runs can report deletions without performing them.
type CleanupPlan struct {
	Dirs []string // absolute paths
}

// PlanCleanup returns the script directories under scriptsDir whose names
// are not in keep (a set of workflow slugs). With an empty keep set the plan
// removes every generated script directory, which is the
// externalization-disabled case.
func PlanCleanup(scriptsDir string, keep map[string]bool) (*CleanupPlan, error) {
	entries, err := os.ReadDir(scriptsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &CleanupPlan{}, nil
		}
		return nil, fmt.Errorf("scan scripts directory: %w", err)
	}

	plan := &CleanupPlan{}
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		plan.Dirs = append(plan.Dirs, filepath.Join(scriptsDir, e.Name()))
	}
	sort.Strings(plan.Dirs)
	return plan, nil
}

// Apply removes every directory in the plan.
func (p *CleanupPlan) Apply(logger *slog.Logger) error {
	for _, dir := range p.Dirs {
		logger.Info("removing stale script directory", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove script directory %s: %w", dir, err)
		}
	}
	return nil
}
