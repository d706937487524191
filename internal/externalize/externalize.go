// Package externalize moves embedded code out of workflow documents into
// standalone script files, replacing each code field with an include
// directive carrying the content checksum. Rendering the result restores the
// original inline code byte-for-byte.
package externalize

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/schaermu/flowsyncd/internal/render"
	"github.com/schaermu/flowsyncd/internal/workflow"
)

// ScriptFile is one externalized code body. Path is relative to the n8n
// project directory ("scripts/<workflow-slug>/<file>").
type ScriptFile struct {
	Path    string
	Content []byte
}

// Externalize scans doc's node parameters for recognized code fields and
// rewrites every non-empty inline value into a script file plus an include
// directive. Already-externalized fields (directive values) pass through.
// The returned document is a copy; doc is not modified. Filename collisions
// within a run resolve to deterministic counter suffixes, never overwrites.
func Externalize(doc map[string]any, workflowName string) (map[string]any, []ScriptFile, error) {
	modified := copyDocument(doc)
	wfSlug := workflow.Slugify(workflowName)
	taken := make(map[string]bool)
	var scripts []ScriptFile

	for _, n := range workflow.Nodes(modified) {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		params := workflow.Parameters(node)
		if params == nil {
			continue
		}
		nodeName := workflow.NodeName(node)

		for _, field := range codeFieldOrder() {
			value, ok := params[field].(string)
			if !ok || value == "" || render.IsDirective(value) {
				continue
			}

			name := workflow.Uniquify(workflow.ScriptFileName(nodeName, field), taken)
			taken[name] = true

			relPath := fmt.Sprintf("scripts/%s/%s", wfSlug, name)
			content := []byte(value)
			scripts = append(scripts, ScriptFile{Path: relPath, Content: content})
			params[field] = fmt.Sprintf("%s %s checksum:%s", render.DirectivePrefix, relPath, render.Digest(content))
		}
	}
	return modified, scripts, nil
}

// codeFieldOrder fixes the iteration order over the code field table so
// collision counters are assigned deterministically.
func codeFieldOrder() []string {
	fields := make([]string, 0, len(workflow.CodeFieldExtensions))
	for f := range workflow.CodeFieldExtensions {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// WriteScripts persists script files under the n8n project directory.
func WriteScripts(n8nRoot string, scripts []ScriptFile) error {
	for _, s := range scripts {
		dest := filepath.Join(n8nRoot, filepath.FromSlash(s.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("create script directory: %w", err)
		}
		if err := os.WriteFile(dest, s.Content, 0644); err != nil {
			return fmt.Errorf("write script %s: %w", s.Path, err)
		}
	}
	return nil
}

func copyDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}
