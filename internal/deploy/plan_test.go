package deploy

import (
	"errors"
	"testing"

	"github.com/schaermu/flowsyncd/internal/manifest"
	"github.com/schaermu/flowsyncd/internal/n8n"
)

func TestComputePlanOrder(t *testing.T) {
	entries := []manifest.Entry{
		{Name: "A", Active: true},
		{Name: "B", Active: false},
	}
	remote := []n8n.WorkflowRef{
		{ID: "id-b", Name: "B", Active: true},
		{ID: "id-d", Name: "D", Active: false},
	}

	plan, err := Compute(entries, remote, true)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	want := []struct {
		kind     ActionKind
		name     string
		remoteID string
		active   bool
	}{
		{kind: ActionCreate, name: "A"},
		{kind: ActionActivate, name: "A", active: true},
		{kind: ActionReplace, name: "B", remoteID: "id-b"},
		{kind: ActionActivate, name: "B", active: false},
		{kind: ActionPrune, name: "D", remoteID: "id-d"},
	}
	if len(plan.Actions) != len(want) {
		t.Fatalf("plan has %d actions, want %d: %+v", len(plan.Actions), len(want), plan.Actions)
	}
	for i, w := range want {
		a := plan.Actions[i]
		if a.Kind != w.kind || a.Name != w.name || a.RemoteID != w.remoteID || a.Active != w.active {
			t.Errorf("action %d = %+v, want %+v", i, a, w)
		}
	}

	create, replace, prune := plan.Counts()
	if create != 1 || replace != 1 || prune != 1 {
		t.Errorf("Counts() = %d, %d, %d", create, replace, prune)
	}
}

func TestComputeWithoutPrune(t *testing.T) {
	entries := []manifest.Entry{{Name: "A"}}
	remote := []n8n.WorkflowRef{{ID: "id-x", Name: "X"}}

	plan, err := Compute(entries, remote, false)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	for _, a := range plan.Actions {
		if a.Kind == ActionPrune {
			t.Errorf("unexpected prune action: %+v", a)
		}
	}
}

func TestComputeRemoteNameCollision(t *testing.T) {
	remote := []n8n.WorkflowRef{
		{ID: "1", Name: "Same"},
		{ID: "2", Name: "Same"},
	}

	_, err := Compute(nil, remote, false)
	if !errors.Is(err, ErrRemoteNameCollision) {
		t.Fatalf("expected ErrRemoteNameCollision, got %v", err)
	}
}

func TestComputeDeterministic(t *testing.T) {
	entries := []manifest.Entry{{Name: "B"}, {Name: "A"}}
	remote := []n8n.WorkflowRef{{ID: "1", Name: "C"}, {ID: "2", Name: "D"}}

	first, err := Compute(entries, remote, true)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	second, err := Compute(entries, remote, true)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	if len(first.Actions) != len(second.Actions) {
		t.Fatalf("plans differ in length")
	}
	for i := range first.Actions {
		if first.Actions[i].Kind != second.Actions[i].Kind || first.Actions[i].Name != second.Actions[i].Name {
			t.Errorf("action %d differs: %+v vs %+v", i, first.Actions[i], second.Actions[i])
		}
	}
	// Entries stay in declaration order, prunes in remote listing order.
	if first.Actions[0].Name != "B" || first.Actions[4].Name != "C" || first.Actions[5].Name != "D" {
		t.Errorf("unexpected ordering: %+v", first.Actions)
	}
}

func TestActionString(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		want   string
	}{
		{name: "create", action: Action{Kind: ActionCreate, Name: "A"}, want: `create "A"`},
		{name: "replace", action: Action{Kind: ActionReplace, Name: "A", RemoteID: "7"}, want: `replace "A" (remote id 7)`},
		{name: "prune", action: Action{Kind: ActionPrune, Name: "A", RemoteID: "7"}, want: `prune "A" (remote id 7)`},
		{name: "activate", action: Action{Kind: ActionActivate, Name: "A", Active: true}, want: `activate "A"`},
		{name: "deactivate", action: Action{Kind: ActionActivate, Name: "A"}, want: `deactivate "A"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.action.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
