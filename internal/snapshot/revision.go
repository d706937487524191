package snapshot

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// readCacheSize bounds the per-instance memo of revision reads. Manifest and
// workflow files are read more than once during a deploy (validation, then
// rendering), and each read is a git subprocess otherwise.
const readCacheSize = 256

// Runner executes a git plumbing command and returns its stdout. It exists
// so tests can substitute the subprocess boundary.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// GitRunner runs git against a repository directory.
type GitRunner struct {
	RepoDir string
}

func (r *GitRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.RepoDir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

// Revision is a Snapshot that reads file content as of a git ref, using read
// plumbing only: nothing is written to the working tree or the index. Reads
// do not retry; a missing revision or path is immediately fatal to that read.
type Revision struct {
	ctx     context.Context
	git     Runner
	refName string
	subdir  string
	reads   *lru.Cache[string, []byte]
}

// NewRevision creates a snapshot of the repository at the given ref. The ref
// is resolved eagerly so a bad ref fails the command before any partial
// work, and so later read failures can be attributed to missing paths rather
// than missing revisions. subdir, when non-empty, roots all relative paths
// at that directory within the repository.
func NewRevision(ctx context.Context, git Runner, ref, subdir string) (*Revision, error) {
	if _, err := git.Run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}"); err != nil {
		return nil, &RevisionError{RefName: ref, Detail: err.Error()}
	}
	reads, err := lru.New[string, []byte](readCacheSize)
	if err != nil {
		return nil, err
	}
	return &Revision{ctx: ctx, git: git, refName: ref, subdir: subdir, reads: reads}, nil
}

func (s *Revision) Read(rel string) ([]byte, error) {
	spec := s.refName + ":" + s.fullPath(rel)
	if data, ok := s.reads.Get(spec); ok {
		return data, nil
	}
	data, err := s.git.Run(s.ctx, "show", spec)
	if err != nil {
		// The ref was verified at construction, so a failed show means the
		// path does not exist at that revision.
		return nil, &PathError{RefName: s.Ref(), Path: rel}
	}
	s.reads.Add(spec, data)
	return data, nil
}

func (s *Revision) List(relDir string) ([]string, error) {
	out, err := s.git.Run(s.ctx, "ls-tree", "--name-only", s.refName+":"+s.fullPath(relDir))
	if err != nil {
		return nil, &PathError{RefName: s.Ref(), Path: relDir}
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (s *Revision) Ref() string { return "revision " + s.refName }

func (s *Revision) fullPath(rel string) string {
	if s.subdir == "" {
		return rel
	}
	return path.Join(s.subdir, rel)
}
