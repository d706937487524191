package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// CodeFieldExtensions maps the recognized code field names in node parameters
// to the file extension used when the code is externalized. The table is
// closed: anything not listed here is never treated as code.
var CodeFieldExtensions = map[string]string{
	"pythonCode":   ".py",
	"jsCode":       ".js",
	"code":         ".js",
	"functionCode": ".js",
}

// canonicalFieldForExt maps an extension to the field name whose externalized
// filename carries no field suffix.
var canonicalFieldForExt = map[string]string{
	".py": "pythonCode",
	".js": "jsCode",
}

func init() {
	for field, ext := range CodeFieldExtensions {
		if _, ok := canonicalFieldForExt[ext]; !ok {
			panic(fmt.Sprintf("workflow: code field %q maps to extension %q with no canonical field", field, ext))
		}
	}
}

// IsCodeField returns true if the parameter name is a recognized code field.
func IsCodeField(name string) bool {
	_, ok := CodeFieldExtensions[name]
	return ok
}

// ScriptFileName derives the externalized filename for a code field on a
// node. The field name is appended only when it is not the canonical field
// for its extension (pythonCode for .py, jsCode for .js), so the common case
// stays short: "Run.py", "Run.js", "Run_functionCode.js".
func ScriptFileName(nodeName, fieldName string) string {
	ext := CodeFieldExtensions[fieldName]
	base := Slugify(nodeName)
	if canonicalFieldForExt[ext] != fieldName {
		base = base + "_" + fieldName
	}
	return base + ext
}

// Uniquify returns candidate if it is not taken, otherwise appends a
// deterministic numeric counter before the extension until the name is free:
// "Run.js" -> "Run_2.js" -> "Run_3.js".
func Uniquify(candidate string, taken map[string]bool) string {
	if !taken[candidate] {
		return candidate
	}
	ext := ""
	stem := candidate
	if idx := strings.LastIndex(candidate, "."); idx > 0 {
		stem, ext = candidate[:idx], candidate[idx:]
	}
	for n := 2; ; n++ {
		next := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !taken[next] {
			return next
		}
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^\w\-.]`)
	multiUnder  = regexp.MustCompile(`_+`)
)

// Slugify converts a workflow or node name into a filesystem-safe slug.
// Unsafe characters become underscores, runs of underscores collapse, and
// leading/trailing underscores are trimmed. Empty results fall back to
// "workflow" so derived paths are never blank.
func Slugify(name string) string {
	safe := unsafeChars.ReplaceAllString(name, "_")
	safe = multiUnder.ReplaceAllString(safe, "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return "workflow"
	}
	return safe
}

// DocumentPath returns the repository-relative path of a workflow document,
// derived from its name. The path is never stored in the manifest.
func DocumentPath(name string) string {
	return "workflows/" + Slugify(name) + ".json"
}

// Nodes returns the workflow's node list, or nil when absent or malformed.
func Nodes(doc map[string]any) []any {
	nodes, _ := doc["nodes"].([]any)
	return nodes
}

// NodeName returns the node's name, or "unnamed" when absent.
func NodeName(node map[string]any) string {
	if name, ok := node["name"].(string); ok && name != "" {
		return name
	}
	return "unnamed"
}

// Parameters returns the node's parameter object, or nil when absent.
func Parameters(node map[string]any) map[string]any {
	params, _ := node["parameters"].(map[string]any)
	return params
}

// CredentialRef is one credential reference found in a workflow node.
type CredentialRef struct {
	Type string
	Name string
}

// ExtractCredentials collects all credential references from a workflow's
// nodes, in node order. Only the credential names are collected; secret
// values never appear in workflow documents.
func ExtractCredentials(doc map[string]any) []CredentialRef {
	var refs []CredentialRef
	for _, n := range Nodes(doc) {
		node, ok := n.(map[string]any)
		if !ok {
			continue
		}
		creds, ok := node["credentials"].(map[string]any)
		if !ok {
			continue
		}
		types := make([]string, 0, len(creds))
		for credType := range creds {
			types = append(types, credType)
		}
		sort.Strings(types)
		for _, credType := range types {
			data, ok := creds[credType].(map[string]any)
			if !ok {
				continue
			}
			if name, ok := data["name"].(string); ok && name != "" {
				refs = append(refs, CredentialRef{Type: credType, Name: name})
			}
		}
	}
	return refs
}
