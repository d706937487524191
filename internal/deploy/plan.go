// Package deploy computes and executes reconciliation plans: the declared
// workflow set from the manifest diffed against the remote server's actual
// workflow set. Planning is pure and side-effect free; execution is strictly
// sequential.
package deploy

import (
	"errors"
	"fmt"

	"github.com/schaermu/flowsyncd/internal/manifest"
	"github.com/schaermu/flowsyncd/internal/n8n"
)

// ActionKind enumerates the reconciliation actions.
type ActionKind string

const (
	ActionCreate   ActionKind = "create"
	ActionReplace  ActionKind = "replace"
	ActionPrune    ActionKind = "prune"
	ActionActivate ActionKind = "activate"
)

// Action is one step of a reconciliation plan.
type Action struct {
	Kind ActionKind
	Name string
	// RemoteID is the existing remote workflow for Replace and Prune.
	RemoteID string
	// Active is the asserted activation state for Activate actions.
	Active bool
	// Entry is the manifest entry behind Create and Replace actions.
	Entry *manifest.Entry
}

func (a Action) String() string {
	switch a.Kind {
	case ActionReplace, ActionPrune:
		return fmt.Sprintf("%s %q (remote id %s)", a.Kind, a.Name, a.RemoteID)
	case ActionActivate:
		if a.Active {
			return fmt.Sprintf("activate %q", a.Name)
		}
		return fmt.Sprintf("deactivate %q", a.Name)
	default:
		return fmt.Sprintf("%s %q", a.Kind, a.Name)
	}
}

// ErrRemoteNameCollision indicates the remote listing carries two workflows
// with the same name. The server is expected to enforce uniqueness; a
// collision means the plan cannot be trusted and nothing proceeds.
var ErrRemoteNameCollision = errors.New("duplicate workflow name in remote listing")

// Plan is an ordered action list. Create/Replace actions appear in manifest
// declaration order, each immediately followed by its activation intent; all
// Prune actions come after every Create/Replace, in remote listing order.
type Plan struct {
	Actions []Action
}

// Counts returns the number of create, replace and prune actions.
func (p *Plan) Counts() (create, replace, prune int) {
	for _, a := range p.Actions {
		switch a.Kind {
		case ActionCreate:
			create++
		case ActionReplace:
			replace++
		case ActionPrune:
			prune++
		}
	}
	return
}

// Compute diffs the manifest entries against the remote workflow listing.
// Activation is always asserted explicitly after every create and replace,
// never left at whatever the server defaulted to.
func Compute(entries []manifest.Entry, remote []n8n.WorkflowRef, prune bool) (*Plan, error) {
	byName := make(map[string]string, len(remote))
	for _, ref := range remote {
		if _, dup := byName[ref.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrRemoteNameCollision, ref.Name)
		}
		byName[ref.Name] = ref.ID
	}

	plan := &Plan{}
	matched := make(map[string]bool, len(entries))
	for i := range entries {
		entry := &entries[i]
		if remoteID, exists := byName[entry.Name]; exists {
			matched[entry.Name] = true
			plan.Actions = append(plan.Actions, Action{
				Kind: ActionReplace, Name: entry.Name, RemoteID: remoteID, Entry: entry,
			})
		} else {
			plan.Actions = append(plan.Actions, Action{
				Kind: ActionCreate, Name: entry.Name, Entry: entry,
			})
		}
		plan.Actions = append(plan.Actions, Action{
			Kind: ActionActivate, Name: entry.Name, Active: entry.Active,
		})
	}

	if prune {
		for _, ref := range remote {
			if !matched[ref.Name] {
				plan.Actions = append(plan.Actions, Action{
					Kind: ActionPrune, Name: ref.Name, RemoteID: ref.ID,
				})
			}
		}
	}
	return plan, nil
}
