package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// VolatileFields are stripped from workflow documents before serialization.
// They are assigned by the n8n server on every write and would otherwise
// churn on each export and be rejected by the create API on deploy. The set
// is a closed allowlist; nothing is inferred.
var VolatileFields = []string{
	"id",
	"createdAt",
	"updatedAt",
	"versionId",
	"shared",
	"isArchived",
	"triggerCount",
}

// StripVolatileFields returns a copy of doc without the given top-level
// fields. The input document is not modified.
func StripVolatileFields(doc map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Canonicalize serializes a workflow document deterministically: volatile
// fields stripped, the workflow's tag list sorted, mapping keys emitted in
// lexicographic order, sequences preserved as-is, two-space indentation and
// a trailing newline. Canonicalizing the same logical document always yields
// byte-identical output regardless of input key order, which keeps git diffs
// minimal and deployments byte-reproducible.
func Canonicalize(doc map[string]any) ([]byte, error) {
	cleaned := StripVolatileFields(doc, VolatileFields)
	if tags, ok := cleaned["tags"].([]any); ok {
		cleaned["tags"] = sortedTags(tags)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cleaned); err != nil {
		return nil, fmt.Errorf("canonicalize workflow: %w", err)
	}
	// Encode already appends exactly one trailing newline.
	return buf.Bytes(), nil
}

// sortedTags orders a tag sequence lexicographically. Tags are either plain
// strings or n8n tag objects carrying a "name"; element order inside other
// sequences is semantic and untouched, but tag order is not.
func sortedTags(tags []any) []any {
	out := make([]any, len(tags))
	copy(out, tags)
	sort.SliceStable(out, func(i, j int) bool {
		return tagKey(out[i]) < tagKey(out[j])
	})
	return out
}

func tagKey(tag any) string {
	switch t := tag.(type) {
	case string:
		return t
	case map[string]any:
		if name, ok := t["name"].(string); ok {
			return name
		}
	}
	return fmt.Sprintf("%v", tag)
}

// Decode parses a workflow document from its serialized form.
func Decode(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow document: %w", err)
	}
	return doc, nil
}
