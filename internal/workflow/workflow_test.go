package workflow

import (
	"reflect"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "spaces", in: "Simple Name", want: "Simple_Name"},
		{name: "special chars", in: "Name!@#$%^&*()", want: "Name"},
		{name: "leading and trailing underscores", in: "__Name__", want: "Name"},
		{name: "empty", in: "", want: "workflow"},
		{name: "only unsafe chars", in: "!!!", want: "workflow"},
		{name: "dots and dashes kept", in: "my-workflow.v2", want: "my-workflow.v2"},
		{name: "collapsed runs", in: "a  b  c", want: "a_b_c"},
		{name: "non-ascii replaced", in: "Café", want: "Caf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestScriptFileName(t *testing.T) {
	tests := []struct {
		name      string
		nodeName  string
		fieldName string
		want      string
	}{
		{name: "canonical python", nodeName: "Run", fieldName: "pythonCode", want: "Run.py"},
		{name: "canonical js", nodeName: "Run", fieldName: "jsCode", want: "Run.js"},
		{name: "non-canonical code field", nodeName: "Run", fieldName: "code", want: "Run_code.js"},
		{name: "non-canonical functionCode", nodeName: "Old Node", fieldName: "functionCode", want: "Old_Node_functionCode.js"},
		{name: "node name slugified", nodeName: "Fetch Data!", fieldName: "jsCode", want: "Fetch_Data.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScriptFileName(tt.nodeName, tt.fieldName); got != tt.want {
				t.Errorf("ScriptFileName(%q, %q) = %q, want %q", tt.nodeName, tt.fieldName, got, tt.want)
			}
		})
	}
}

func TestUniquify(t *testing.T) {
	taken := map[string]bool{
		"Run.py":   true,
		"Run_2.py": true,
		"noext":    true,
	}

	tests := []struct {
		name      string
		candidate string
		want      string
	}{
		{name: "free name unchanged", candidate: "Other.py", want: "Other.py"},
		{name: "counter before extension", candidate: "Run.py", want: "Run_3.py"},
		{name: "no extension", candidate: "noext", want: "noext_2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Uniquify(tt.candidate, taken); got != tt.want {
				t.Errorf("Uniquify(%q) = %q, want %q", tt.candidate, got, tt.want)
			}
		})
	}
}

func TestIsCodeField(t *testing.T) {
	for _, field := range []string{"pythonCode", "jsCode", "code", "functionCode"} {
		if !IsCodeField(field) {
			t.Errorf("expected %q to be a code field", field)
		}
	}
	for _, field := range []string{"query", "url", "PythonCode", ""} {
		if IsCodeField(field) {
			t.Errorf("expected %q not to be a code field", field)
		}
	}
}

func TestExtractCredentials(t *testing.T) {
	doc := map[string]any{
		"nodes": []any{
			map[string]any{
				"name": "Slack",
				"credentials": map[string]any{
					"slackApi": map[string]any{"id": "1", "name": "Team Slack"},
				},
			},
			map[string]any{
				"name": "HTTP",
				"credentials": map[string]any{
					"httpHeaderAuth": map[string]any{"name": "Service Token"},
					"basicAuth":      map[string]any{"name": "Legacy Basic"},
				},
			},
			map[string]any{"name": "NoCreds"},
		},
	}

	got := ExtractCredentials(doc)
	want := []CredentialRef{
		{Type: "slackApi", Name: "Team Slack"},
		{Type: "basicAuth", Name: "Legacy Basic"},
		{Type: "httpHeaderAuth", Name: "Service Token"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractCredentials() = %v, want %v", got, want)
	}
}

func TestExtractCredentialsEmpty(t *testing.T) {
	if refs := ExtractCredentials(map[string]any{}); refs != nil {
		t.Errorf("expected nil refs for empty document, got %v", refs)
	}
}
