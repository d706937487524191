package manifest

import (
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/flowsyncd/internal/workflow"
)

// CredentialsPath is the generated credential documentation file, relative
// to the project root. It is write-only: nothing ever parses it back in.
const CredentialsPath = "n8n/credentials.yaml"

// CredentialUse documents one named credential and the workflows that
// reference it. Only names are recorded; secret values are never exported.
type CredentialUse struct {
	Name      string   `yaml:"name"`
	Workflows []string `yaml:"workflows"`
}

// CredentialIndex maps credential type to its documented uses.
type CredentialIndex map[string][]CredentialUse

// BuildCredentialIndex aggregates credential references across workflows
// into a fully sorted index: types, names and workflow lists are all in
// lexicographic order so repeated exports are byte-stable.
func BuildCredentialIndex(refs map[string][]workflow.CredentialRef) CredentialIndex {
	// byType[type][name] = set of workflow names
	byType := make(map[string]map[string]map[string]bool)
	for wfName, wfRefs := range refs {
		for _, ref := range wfRefs {
			if byType[ref.Type] == nil {
				byType[ref.Type] = make(map[string]map[string]bool)
			}
			if byType[ref.Type][ref.Name] == nil {
				byType[ref.Type][ref.Name] = make(map[string]bool)
			}
			byType[ref.Type][ref.Name][wfName] = true
		}
	}

	index := make(CredentialIndex, len(byType))
	for credType, names := range byType {
		sortedNames := make([]string, 0, len(names))
		for name := range names {
			sortedNames = append(sortedNames, name)
		}
		sort.Strings(sortedNames)

		uses := make([]CredentialUse, 0, len(sortedNames))
		for _, name := range sortedNames {
			wfs := make([]string, 0, len(names[name]))
			for wf := range names[name] {
				wfs = append(wfs, wf)
			}
			sort.Strings(wfs)
			uses = append(uses, CredentialUse{Name: name, Workflows: wfs})
		}
		index[credType] = uses
	}
	return index
}

// Marshal serializes the index. yaml.v3 emits map keys in sorted order, so
// the output is deterministic.
func (c CredentialIndex) Marshal() ([]byte, error) {
	return yaml.Marshal(map[string][]CredentialUse(c))
}
