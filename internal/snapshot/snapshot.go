// Package snapshot provides a uniform read-only view over a project's file
// tree, backed either by the live working directory or by an arbitrary git
// revision. Components never touch the filesystem directly; they read
// through a Snapshot so the same code serves both current-state and
// point-in-time operations.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot is an immutable view of a project tree. All paths are relative to
// the project root and slash-separated. Reads through one Snapshot instance
// are consistent for the lifetime of a command invocation; a Snapshot is
// never written to.
type Snapshot interface {
	// Read returns the content of the file at the given relative path.
	Read(rel string) ([]byte, error)
	// List returns the names of the entries directly under the given
	// relative directory.
	List(relDir string) ([]string, error)
	// Ref describes the snapshot identity for diagnostics ("working tree"
	// or a git ref).
	Ref() string
}

var (
	// ErrRevisionNotFound indicates the requested git ref does not exist.
	ErrRevisionNotFound = errors.New("revision not found")
	// ErrPathNotFound indicates the path is absent from the snapshot.
	ErrPathNotFound = errors.New("path not found in snapshot")
)

// RevisionError reports a git ref that could not be resolved.
type RevisionError struct {
	RefName string
	Detail  string
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("revision %q not found: %s", e.RefName, e.Detail)
}

func (e *RevisionError) Is(target error) bool { return target == ErrRevisionNotFound }

// PathError reports a path that is absent from a snapshot. The ref is kept
// so callers can tell "missing at revision X" apart from "missing on disk".
type PathError struct {
	RefName string
	Path    string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q not found in %s", e.Path, e.RefName)
}

func (e *PathError) Is(target error) bool { return target == ErrPathNotFound }

// WorkingTree is a Snapshot backed by direct filesystem reads under root.
type WorkingTree struct {
	root string
}

// NewWorkingTree creates a snapshot of the live working directory at root.
func NewWorkingTree(root string) *WorkingTree {
	return &WorkingTree{root: root}
}

func (s *WorkingTree) Read(rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(rel)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &PathError{RefName: s.Ref(), Path: rel}
		}
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

func (s *WorkingTree) List(relDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, filepath.FromSlash(relDir)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &PathError{RefName: s.Ref(), Path: relDir}
		}
		return nil, fmt.Errorf("list %s: %w", relDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *WorkingTree) Ref() string { return "working tree" }
