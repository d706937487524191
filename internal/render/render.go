// Package render expands @@n8n-gitops:include directives inside workflow
// documents into inline code, reading script files through a snapshot and
// verifying content checksums. It is the structural inverse of the
// externalize package.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/schaermu/flowsyncd/internal/snapshot"
	"github.com/schaermu/flowsyncd/internal/workflow"
)

// DirectivePrefix marks a code field value as an include directive.
const DirectivePrefix = "@@n8n-gitops:include"

// ScriptsRoot is the only subtree include paths may resolve into, relative
// to the project root.
const ScriptsRoot = "n8n/scripts"

var directiveRe = regexp.MustCompile(`^@@n8n-gitops:include\s+(\S+)(?:\s+checksum:([0-9a-fA-F]+))?\s*$`)

var (
	// ErrPathEscapesScripts indicates an include path that resolves outside
	// the scripts root. Never sanitized, always rejected.
	ErrPathEscapesScripts = errors.New("include path escapes scripts root")
	// ErrIncludeNotFound indicates the referenced script file is absent.
	ErrIncludeNotFound = errors.New("include file not found")
	// ErrChecksumMismatch indicates the script content does not match the
	// digest recorded in the directive.
	ErrChecksumMismatch = errors.New("include checksum mismatch")
)

// Directive is a parsed include directive.
type Directive struct {
	Path     string // relative to the scripts root
	Checksum string // lowercase hex sha256, empty when absent
}

// IsDirective reports whether a code field value is an include directive.
func IsDirective(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), DirectivePrefix)
}

// ParseDirective parses an include directive value. The path recorded in a
// directive is relative to the n8n project directory ("scripts/..."), per
// the externalizer's output.
func ParseDirective(value string) (*Directive, error) {
	m := directiveRe.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return nil, fmt.Errorf("malformed include directive %q", value)
	}
	return &Directive{Path: m[1], Checksum: strings.ToLower(m[2])}, nil
}

// IncludeError reports a failed include resolution with the offending
// workflow, node and field attached. Failures are never reported bare.
type IncludeError struct {
	Workflow string
	Node     string
	Field    string
	Err      error
}

func (e *IncludeError) Error() string {
	return fmt.Sprintf("workflow %q node %q field %q: %v", e.Workflow, e.Node, e.Field, e.Err)
}

func (e *IncludeError) Unwrap() error { return e.Err }

// Options controls render behavior.
type Options struct {
	// EnforceChecksum makes checksum mismatches fatal instead of advisory.
	EnforceChecksum bool
	// RequireChecksum reports directives that carry no checksum.
	RequireChecksum bool
}

// Report describes the outcome of one code field during rendering.
type Report struct {
	Node    string
	Field   string
	Status  string // "included", "inline", "checksum-mismatch", "missing-checksum"
	Include string // directive path, when one was resolved
}

// Render returns a copy of doc with every include directive replaced by the
// literal content of its script file, read through the snapshot. Fields
// holding inline code pass through unchanged. Any resolution failure aborts
// the render; a checksum mismatch aborts only under opts.EnforceChecksum and
// is otherwise reported as advisory.
func Render(doc map[string]any, workflowName string, snap snapshot.Snapshot, opts Options) (map[string]any, []Report, error) {
	rendered := deepCopy(doc).(map[string]any)
	var reports []Report

	for _, n := range workflow.Nodes(rendered) {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		params := workflow.Parameters(node)
		if params == nil {
			continue
		}
		nodeName := workflow.NodeName(node)

		for field := range workflow.CodeFieldExtensions {
			value, ok := params[field].(string)
			if !ok || value == "" {
				continue
			}
			if !IsDirective(value) {
				reports = append(reports, Report{Node: nodeName, Field: field, Status: "inline"})
				continue
			}

			content, report, err := resolveInclude(value, snap, opts)
			if err != nil {
				return nil, nil, &IncludeError{Workflow: workflowName, Node: nodeName, Field: field, Err: err}
			}
			report.Node = nodeName
			report.Field = field
			reports = append(reports, report)
			if content != nil {
				params[field] = string(content)
			}
		}
	}
	return rendered, reports, nil
}

func resolveInclude(value string, snap snapshot.Snapshot, opts Options) ([]byte, Report, error) {
	dir, err := ParseDirective(value)
	if err != nil {
		return nil, Report{}, err
	}

	resolved, err := ResolveScriptPath(dir.Path)
	if err != nil {
		return nil, Report{}, err
	}

	content, err := snap.Read(resolved)
	if err != nil {
		if errors.Is(err, snapshot.ErrPathNotFound) {
			return nil, Report{}, fmt.Errorf("%w: %s (%s)", ErrIncludeNotFound, dir.Path, snap.Ref())
		}
		return nil, Report{}, err
	}

	report := Report{Status: "included", Include: dir.Path}
	switch {
	case dir.Checksum == "":
		if opts.RequireChecksum {
			report.Status = "missing-checksum"
		}
	default:
		if got := Digest(content); got != dir.Checksum {
			if opts.EnforceChecksum {
				return nil, Report{}, fmt.Errorf("%w: %s: directive has %s, content is %s",
					ErrChecksumMismatch, dir.Path, dir.Checksum, got)
			}
			report.Status = "checksum-mismatch"
		}
	}
	return content, report, nil
}

// ResolveScriptPath normalizes a directive path and confirms it stays inside
// the scripts root. Traversal segments and absolute paths fail closed with
// ErrPathEscapesScripts regardless of depth.
func ResolveScriptPath(dirPath string) (string, error) {
	if path.IsAbs(dirPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesScripts, dirPath)
	}
	// Directive paths are written relative to the n8n project directory and
	// must begin with the scripts/ segment. Clean resolves any traversal
	// segments before the containment check.
	full := path.Clean("n8n/" + dirPath)
	if full != ScriptsRoot && !strings.HasPrefix(full, ScriptsRoot+"/") {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesScripts, dirPath)
	}
	return full, nil
}

// Digest returns the lowercase hex sha256 of content, the digest form used
// in include directives.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// deepCopy clones decoded JSON structures so rendering never mutates the
// caller's document.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
