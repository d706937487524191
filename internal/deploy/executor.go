package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/flowsyncd/internal/n8n"
)

// PartialFailure is the destructive replace outcome: the old workflow was
// deleted but creating its successor failed, so neither exists remotely. It
// is surfaced as its own type and never folded into a generic error.
type PartialFailure struct {
	Workflow string
	Err      error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("PARTIAL FAILURE for workflow %q: old workflow deleted but new one could not be created: %v", e.Workflow, e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// Outcome records the result of one executed action.
type Outcome struct {
	Action Action
	Status string // "ok", "failed", "skipped", "dry-run"
	Err    error
}

// Result summarizes an executed (or dry-run) plan.
type Result struct {
	Outcomes        []Outcome
	Created         int
	Replaced        int
	Pruned          int
	Failed          int
	PartialFailures []*PartialFailure
	// Aborted is set when an authentication or connectivity failure stopped
	// the remaining plan.
	Aborted bool
}

// Executor applies a plan against the remote API client, one action at a
// time in plan order. A single workflow's API failure is recovered at the
// per-workflow level; auth/connectivity failures abort the remaining plan.
type Executor struct {
	client n8n.Client
	logger *slog.Logger
	dryRun bool
	backup bool
	now    func() time.Time
}

// NewExecutor creates an executor. With dryRun set, Execute performs no
// mutating calls and reports the plan as if it had run. With backup set,
// replaces rename the old workflow instead of deleting it.
func NewExecutor(client n8n.Client, logger *slog.Logger, dryRun, backup bool) *Executor {
	return &Executor{client: client, logger: logger, dryRun: dryRun, backup: backup, now: time.Now}
}

// Execute runs the plan. documents maps workflow name to its fully rendered
// deploy payload; every Create/Replace action must have one.
func (x *Executor) Execute(ctx context.Context, plan *Plan, documents map[string]map[string]any) (*Result, error) {
	result := &Result{}

	// currentIDs tracks the remote ID produced by each create/replace so the
	// trailing activation can address it. failed marks workflows whose
	// create/replace did not complete; their activation is skipped.
	currentIDs := make(map[string]string)
	failed := make(map[string]bool)

	for i, action := range plan.Actions {
		if result.Aborted {
			result.Outcomes = append(result.Outcomes, Outcome{Action: action, Status: "skipped"})
			continue
		}
		if x.dryRun {
			x.logger.Info("[dry-run] would " + action.String())
			result.Outcomes = append(result.Outcomes, Outcome{Action: action, Status: "dry-run"})
			x.countAction(action, result)
			continue
		}

		var outcome Outcome
		switch action.Kind {
		case ActionCreate:
			outcome = x.executeCreate(ctx, action, documents, currentIDs)
			if outcome.Status == "ok" {
				result.Created++
			}
		case ActionReplace:
			outcome = x.executeReplace(ctx, action, documents, currentIDs, result)
			if outcome.Status == "ok" {
				result.Replaced++
			}
		case ActionPrune:
			outcome = x.executePrune(ctx, action)
			if outcome.Status == "ok" {
				result.Pruned++
			}
		case ActionActivate:
			outcome = x.executeActivation(ctx, action, currentIDs, failed)
		default:
			outcome = Outcome{Action: action, Status: "failed", Err: fmt.Errorf("unknown action kind %q", action.Kind)}
		}

		if outcome.Status == "failed" {
			result.Failed++
			if action.Kind == ActionCreate || action.Kind == ActionReplace {
				failed[action.Name] = true
			}
			x.logger.Error("action failed", "action", action.String(), "error", outcome.Err)
			if abortsDeployment(outcome.Err) {
				x.logger.Error("aborting remaining plan after authentication/connectivity failure",
					"remaining", len(plan.Actions)-i-1)
				result.Aborted = true
			}
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

func (x *Executor) countAction(action Action, result *Result) {
	switch action.Kind {
	case ActionCreate:
		result.Created++
	case ActionReplace:
		result.Replaced++
	case ActionPrune:
		result.Pruned++
	}
}

func (x *Executor) executeCreate(ctx context.Context, action Action, documents map[string]map[string]any, currentIDs map[string]string) Outcome {
	doc, ok := documents[action.Name]
	if !ok {
		return Outcome{Action: action, Status: "failed", Err: fmt.Errorf("no rendered document for workflow %q", action.Name)}
	}
	x.logger.Info("creating workflow", "workflow", action.Name)
	id, err := x.client.CreateWorkflow(ctx, doc)
	if err != nil {
		return Outcome{Action: action, Status: "failed", Err: fmt.Errorf("create workflow %q: %w", action.Name, err)}
	}
	currentIDs[action.Name] = id
	return Outcome{Action: action, Status: "ok"}
}

func (x *Executor) executeReplace(ctx context.Context, action Action, documents map[string]map[string]any, currentIDs map[string]string, result *Result) Outcome {
	doc, ok := documents[action.Name]
	if !ok {
		return Outcome{Action: action, Status: "failed", Err: fmt.Errorf("no rendered document for workflow %q", action.Name)}
	}

	if x.backup {
		backupName := fmt.Sprintf("%s [BKP %s]", action.Name, x.now().UTC().Format("2006-01-02 15:04:05"))
		x.logger.Info("backing up workflow", "workflow", action.Name, "backup", backupName)
		if err := x.client.RenameWorkflow(ctx, action.RemoteID, backupName); err != nil {
			// The old workflow stays untouched under its original name; a
			// create now would collide, so this workflow is skipped.
			return Outcome{Action: action, Status: "failed", Err: fmt.Errorf("backup workflow %q: %w", action.Name, err)}
		}
	} else {
		x.logger.Info("deleting old workflow", "workflow", action.Name, "remote_id", action.RemoteID)
		if err := x.client.DeleteWorkflow(ctx, action.RemoteID); err != nil {
			// Old workflow left in place rather than risking data loss.
			return Outcome{Action: action, Status: "failed", Err: fmt.Errorf("delete old workflow %q: %w", action.Name, err)}
		}
	}

	x.logger.Info("creating replacement workflow", "workflow", action.Name)
	id, err := x.client.CreateWorkflow(ctx, doc)
	if err != nil {
		if !x.backup {
			// Destructive partial state: the old workflow is gone and the new
			// one was never created.
			pf := &PartialFailure{Workflow: action.Name, Err: err}
			result.PartialFailures = append(result.PartialFailures, pf)
			return Outcome{Action: action, Status: "failed", Err: pf}
		}
		return Outcome{Action: action, Status: "failed", Err: fmt.Errorf("create replacement for %q: %w", action.Name, err)}
	}
	currentIDs[action.Name] = id
	return Outcome{Action: action, Status: "ok"}
}

func (x *Executor) executePrune(ctx context.Context, action Action) Outcome {
	x.logger.Info("pruning workflow", "workflow", action.Name, "remote_id", action.RemoteID)
	if err := x.client.DeleteWorkflow(ctx, action.RemoteID); err != nil {
		return Outcome{Action: action, Status: "failed", Err: fmt.Errorf("prune workflow %q: %w", action.Name, err)}
	}
	return Outcome{Action: action, Status: "ok"}
}

func (x *Executor) executeActivation(ctx context.Context, action Action, currentIDs map[string]string, failed map[string]bool) Outcome {
	if failed[action.Name] {
		return Outcome{Action: action, Status: "skipped"}
	}
	id, ok := currentIDs[action.Name]
	if !ok {
		return Outcome{Action: action, Status: "skipped"}
	}

	var err error
	if action.Active {
		x.logger.Info("activating workflow", "workflow", action.Name)
		err = x.client.ActivateWorkflow(ctx, id)
	} else {
		x.logger.Info("deactivating workflow", "workflow", action.Name)
		err = x.client.DeactivateWorkflow(ctx, id)
	}
	if err != nil {
		// The create/replace stands; activation state is reported and can be
		// re-asserted by the next deploy.
		return Outcome{Action: action, Status: "failed", Err: fmt.Errorf("set activation for %q: %w", action.Name, err)}
	}
	return Outcome{Action: action, Status: "ok"}
}

func abortsDeployment(err error) bool {
	var apiErr *n8n.APIError
	return errors.As(err, &apiErr) && apiErr.AbortsDeployment()
}
