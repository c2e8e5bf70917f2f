package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a declarative end-to-end flow over one fresh store.
// Scenarios exercise the protocol the way a pair of clients would,
// producing a transcript that is compared against a golden file.
type Scenario struct {
	// Name uniquely identifies this scenario; the golden file is
	// testdata/<name>.golden.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Users lists the identities taking part. Each gets a profile
	// registered as <id>@example.com before the first step.
	Users []string `yaml:"users"`

	// Steps is the flow, executed in order.
	Steps []Step `yaml:"steps"`
}

// Step is one operation performed as one user.
type Step struct {
	// As is the acting user id.
	As string `yaml:"as"`

	// Op names the operation, e.g. "connect.request" or "docs.write".
	Op string `yaml:"op"`

	// Args are the operation arguments. String values may reference a
	// saved result as "$name".
	Args map[string]string `yaml:"args,omitempty"`

	// Save stores the step's result id under this name for later
	// "$name" references.
	Save string `yaml:"save,omitempty"`

	// ExpectError names the fault kind this step must fail with. Empty
	// means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Load reads a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("load scenario %s: %w", path, err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("load scenario %s: missing name", path)
	}
	return &sc, nil
}
