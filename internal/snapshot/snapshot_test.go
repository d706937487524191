package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func TestWorkingTreeRead(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "n8n", "workflows"), 0o755); err != nil {
		t.Fatalf("failed to create dirs: %v", err)
	}
	content := []byte(`{"name": "wf"}`)
	if err := os.WriteFile(filepath.Join(tmpDir, "n8n", "workflows", "wf.json"), content, 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	snap := NewWorkingTree(tmpDir)

	got, err := snap.Read("n8n/workflows/wf.json")
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Read = %q, want %q", got, content)
	}
	if snap.Ref() != "working tree" {
		t.Errorf("Ref() = %q, want %q", snap.Ref(), "working tree")
	}
}

func TestWorkingTreeReadMissing(t *testing.T) {
	snap := NewWorkingTree(t.TempDir())

	_, err := snap.Read("n8n/manifests/workflows.yaml")
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("expected ErrPathNotFound, got %v", err)
	}

	var perr *PathError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PathError, got %T", err)
	}
	if perr.RefName != "working tree" {
		t.Errorf("PathError.RefName = %q, want %q", perr.RefName, "working tree")
	}
}

func TestWorkingTreeList(t *testing.T) {
	tmpDir := t.TempDir()
	for _, name := range []string{"b.json", "a.json"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}

	snap := NewWorkingTree(tmpDir)
	names, err := snap.List(".")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.json" || names[1] != "b.json" {
		t.Errorf("List = %v, want [a.json b.json]", names)
	}

	if _, err := snap.List("missing"); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("expected ErrPathNotFound for missing dir, got %v", err)
	}
}

// fakeRunner scripts git invocations by joined argument string.
type fakeRunner struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func (r *fakeRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, key)
	if err, ok := r.errs[key]; ok {
		return nil, err
	}
	if out, ok := r.outputs[key]; ok {
		return out, nil
	}
	return nil, fmt.Errorf("unexpected git call: %s", key)
}

func TestNewRevisionVerifiesRef(t *testing.T) {
	runner := &fakeRunner{
		errs: map[string]error{
			"rev-parse --verify --quiet nope^{commit}": errors.New("exit status 1"),
		},
	}

	_, err := NewRevision(context.Background(), runner, "nope", "")
	if !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("expected ErrRevisionNotFound, got %v", err)
	}
}

func TestRevisionRead(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string][]byte{
			"rev-parse --verify --quiet main^{commit}": []byte("abc123\n"),
			"show main:n8n/manifests/workflows.yaml":   []byte("workflows: []\n"),
		},
	}

	snap, err := NewRevision(context.Background(), runner, "main", "")
	if err != nil {
		t.Fatalf("NewRevision returned error: %v", err)
	}

	got, err := snap.Read("n8n/manifests/workflows.yaml")
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if string(got) != "workflows: []\n" {
		t.Errorf("Read = %q", got)
	}
	if snap.Ref() != "revision main" {
		t.Errorf("Ref() = %q, want %q", snap.Ref(), "revision main")
	}
}

func TestRevisionReadCaches(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string][]byte{
			"rev-parse --verify --quiet main^{commit}": []byte("abc123\n"),
			"show main:n8n/workflows/wf.json":          []byte("{}"),
		},
	}

	snap, err := NewRevision(context.Background(), runner, "main", "")
	if err != nil {
		t.Fatalf("NewRevision returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := snap.Read("n8n/workflows/wf.json"); err != nil {
			t.Fatalf("Read returned error: %v", err)
		}
	}

	shows := 0
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "show ") {
			shows++
		}
	}
	if shows != 1 {
		t.Errorf("expected a single git show, got %d (calls: %v)", shows, runner.calls)
	}
}

func TestRevisionReadMissingPath(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string][]byte{
			"rev-parse --verify --quiet main^{commit}": []byte("abc123\n"),
		},
		errs: map[string]error{
			"show main:gone.json": errors.New("exit status 128"),
		},
	}

	snap, err := NewRevision(context.Background(), runner, "main", "")
	if err != nil {
		t.Fatalf("NewRevision returned error: %v", err)
	}

	_, err = snap.Read("gone.json")
	if !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("expected ErrPathNotFound, got %v", err)
	}
	if errors.Is(err, ErrRevisionNotFound) {
		// Path errors must stay distinguishable from revision errors.
		t.Fatal("path error must not match ErrRevisionNotFound")
	}
}

func TestRevisionList(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string][]byte{
			"rev-parse --verify --quiet v1.0^{commit}": []byte("abc123\n"),
			"ls-tree --name-only v1.0:sub/n8n/workflows": []byte(
				"a.json\nb.json\n"),
		},
	}

	snap, err := NewRevision(context.Background(), runner, "v1.0", "sub")
	if err != nil {
		t.Fatalf("NewRevision returned error: %v", err)
	}

	names, err := snap.List("n8n/workflows")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(names) != 2 || names[0] != "a.json" || names[1] != "b.json" {
		t.Errorf("List = %v, want [a.json b.json]", names)
	}
}
