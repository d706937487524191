// Package manifest parses, validates and writes the declarative workflow
// manifest. Validation is eager and collects every violation instead of
// stopping at the first; the manifest is only ever written back as a full
// mirror rewrite.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/flowsyncd/internal/snapshot"
	"github.com/schaermu/flowsyncd/internal/workflow"
)

// Path is the manifest location relative to the project root.
const Path = "n8n/manifests/workflows.yaml"

// Entry declares one workflow. The on-disk document path is derived from the
// name, never stored.
type Entry struct {
	Name                string   `yaml:"name"`
	Active              bool     `yaml:"active"`
	Tags                []string `yaml:"tags,omitempty"`
	RequiresCredentials []string `yaml:"requires_credentials,omitempty"`
	RequiresEnv         []string `yaml:"requires_env,omitempty"`
}

// DocumentPath returns the repository-relative path of this entry's workflow
// document.
func (e *Entry) DocumentPath() string {
	return "n8n/" + workflow.DocumentPath(e.Name)
}

// Manifest is the declarative workflow set.
type Manifest struct {
	ExternalizeCode bool
	Entries         []Entry
}

// ValidationErrors aggregates every manifest violation found during Load.
type ValidationErrors struct {
	Issues []string
}

func (e *ValidationErrors) Error() string {
	return fmt.Sprintf("invalid manifest (%d issue(s)):\n  - %s",
		len(e.Issues), strings.Join(e.Issues, "\n  - "))
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

// rawManifest mirrors the on-disk shape with loose typing so malformed
// encodings surface as validation issues rather than decode panics.
type rawManifest struct {
	ExternalizeCode *bool      `yaml:"externalize_code"`
	Workflows       []rawEntry `yaml:"workflows"`
}

type rawEntry struct {
	Name                string    `yaml:"name"`
	Active              bool      `yaml:"active"`
	Tags                yaml.Node `yaml:"tags"`
	RequiresCredentials []string  `yaml:"requires_credentials"`
	RequiresEnv         []string  `yaml:"requires_env"`
}

// Load reads and validates the manifest from a snapshot. All violations are
// collected into a single *ValidationErrors; a manifest with any violation
// is rejected before any remote call is made.
func Load(snap snapshot.Snapshot) (*Manifest, error) {
	data, err := snap.Read(Path)
	if err != nil {
		return nil, fmt.Errorf("read manifest at %s (%s): %w", Path, snap.Ref(), err)
	}

	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}

	m := &Manifest{ExternalizeCode: true}
	if raw.ExternalizeCode != nil {
		m.ExternalizeCode = *raw.ExternalizeCode
	}

	verr := &ValidationErrors{}
	seen := make(map[string]bool)

	for idx, re := range raw.Workflows {
		if re.Name == "" {
			verr.add("workflow entry %d: missing required field 'name'", idx)
			continue
		}
		if seen[re.Name] {
			verr.add("duplicate workflow name %q", re.Name)
			continue
		}
		seen[re.Name] = true

		entry := Entry{
			Name:                re.Name,
			Active:              re.Active,
			RequiresCredentials: re.RequiresCredentials,
			RequiresEnv:         re.RequiresEnv,
		}

		tags, err := decodeTags(&re.Tags)
		if err != nil {
			verr.add("workflow %q: %v", re.Name, err)
		} else {
			entry.Tags = tags
		}

		if _, err := snap.Read(entry.DocumentPath()); err != nil {
			verr.add("workflow %q: document %s not found in %s", re.Name, entry.DocumentPath(), snap.Ref())
		}

		m.Entries = append(m.Entries, entry)
	}

	if len(verr.Issues) > 0 {
		return nil, verr
	}
	return m, nil
}

// decodeTags accepts tags only as a sequence of strings. The legacy mapping
// encoding ({id: name}) is explicitly rejected, not auto-converted.
func decodeTags(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0, yaml.ScalarNode:
		if node.Kind == yaml.ScalarNode && node.Tag != "!!null" {
			return nil, fmt.Errorf("'tags' must be a list of strings")
		}
		return nil, nil
	case yaml.SequenceNode:
		var tags []string
		if err := node.Decode(&tags); err != nil {
			return nil, fmt.Errorf("'tags' must be a list of strings")
		}
		return tags, nil
	case yaml.MappingNode:
		return nil, fmt.Errorf("legacy mapping encoding for 'tags' is not supported, use a list")
	default:
		return nil, fmt.Errorf("'tags' must be a list of strings")
	}
}

// writeManifest is the serialized mirror form.
type writeManifest struct {
	ExternalizeCode bool    `yaml:"externalize_code"`
	Workflows       []Entry `yaml:"workflows"`
}

// Marshal serializes the manifest in its canonical mirror form: entries
// sorted by name, each entry's tags sorted lexicographically. Load order is
// irrelevant to the output bytes.
func (m *Manifest) Marshal() ([]byte, error) {
	out := writeManifest{ExternalizeCode: m.ExternalizeCode}
	out.Workflows = make([]Entry, len(m.Entries))
	copy(out.Workflows, m.Entries)
	sort.Slice(out.Workflows, func(i, j int) bool {
		return out.Workflows[i].Name < out.Workflows[j].Name
	})
	for i := range out.Workflows {
		tags := make([]string, len(out.Workflows[i].Tags))
		copy(tags, out.Workflows[i].Tags)
		sort.Strings(tags)
		out.Workflows[i].Tags = tags
	}
	return yaml.Marshal(out)
}
