package workflow

// Workflow is a recovery plan: the captures to open and the steps to run
// against the volume groups they hold
type Workflow struct {
	// Name of the workflow (required)
	Name string `mapstructure:"name"`

	// Optional description of the workflow
	Description string `mapstructure:"description,omitempty"`

	// Case or examiner details, recorded in the log only
	Case     string `mapstructure:"case,omitempty"`
	Examiner string `mapstructure:"examiner,omitempty"`

	// Captures as path[@offset], used when none are given on the command line
	Bodies []string `mapstructure:"bodies,omitempty"`

	// Ordered list of steps to execute
	Steps []Step `mapstructure:"steps"`

	// Variables that can be referenced in step parameters
	Variables map[string]interface{} `mapstructure:"variables,omitempty"`
}

// Step represents a single step in the workflow
type Step struct {
	// Unique name for the step (required)
	Name string `mapstructure:"name"`

	// Type of operation to perform (required)
	Type string `mapstructure:"type"`

	// Optional human-readable description of the step
	Description string `mapstructure:"description,omitempty"`

	// Optional conditional execution expression
	Condition string `mapstructure:"condition,omitempty"`

	// Flexible parameters for the step
	// Uses ",remain" to capture all additional parameters
	Parameters map[string]interface{} `mapstructure:",remain"`
}
