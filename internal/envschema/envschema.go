// Package envschema validates the process environment against the project's
// optional env.schema.json. The schema documents which environment variables
// deployed workflows expect; values themselves are never recorded anywhere.
package envschema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/schaermu/flowsyncd/internal/snapshot"
)

// Path is the schema location relative to the project root.
const Path = "n8n/manifests/env.schema.json"

// Schema describes expected environment variables.
type Schema struct {
	Required []string           `json:"required"`
	Vars     map[string]VarSpec `json:"vars"`
}

// VarSpec constrains one variable.
type VarSpec struct {
	Type    string `json:"type"`    // "string", "integer", "boolean"
	Pattern string `json:"pattern"` // optional regexp the value must match
}

// Validate checks the environment against the schema read from the
// snapshot. A missing schema file means no validation ("no issues"). When
// envFile is non-empty, it is loaded into the process environment first.
// Returned issues are warnings; callers decide whether they are fatal.
func Validate(snap snapshot.Snapshot, envFile string) ([]string, error) {
	data, err := snap.Read(Path)
	if err != nil {
		if errors.Is(err, snapshot.ErrPathNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env schema: %w", err)
	}

	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Path, err)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	var issues []string
	for _, name := range schema.Required {
		if os.Getenv(name) == "" {
			issues = append(issues, fmt.Sprintf("required environment variable %q is not set", name))
		}
	}

	varNames := make([]string, 0, len(schema.Vars))
	for name := range schema.Vars {
		varNames = append(varNames, name)
	}
	sort.Strings(varNames)

	for _, name := range varNames {
		spec := schema.Vars[name]
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern for %q in %s: %w", name, Path, err)
			}
			if !re.MatchString(value) {
				issues = append(issues, fmt.Sprintf("environment variable %q does not match pattern %q", name, spec.Pattern))
			}
		}
		switch spec.Type {
		case "", "string":
		case "integer":
			if _, err := strconv.Atoi(value); err != nil {
				issues = append(issues, fmt.Sprintf("environment variable %q must be an integer", name))
			}
		case "boolean":
			switch strings.ToLower(value) {
			case "true", "false", "1", "0", "yes", "no":
			default:
				issues = append(issues, fmt.Sprintf("environment variable %q must be a boolean (true/false, 1/0, yes/no)", name))
			}
		default:
			issues = append(issues, fmt.Sprintf("environment variable %q has unknown schema type %q", name, spec.Type))
		}
	}
	return issues, nil
}
