package definition

// Definition is the declarative form of a pipeline as written by a user.
type Definition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Params      map[string]Param  `json:"params,omitempty" yaml:"params,omitempty"`
	Concurrency int               `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Workdir     string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Steps       []Step            `json:"steps" yaml:"steps"`
}

// Param declares a run parameter.
type Param struct {
	Default     any    `json:"default" yaml:"default"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Step declares one node of the pipeline graph.
type Step struct {
	Name              string         `json:"name" yaml:"name"`
	Kind              string         `json:"kind" yaml:"kind"`
	With              map[string]any `json:"with,omitempty" yaml:"with,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn         []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout           Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry             *Retry         `json:"retry,omitempty" yaml:"retry,omitempty"`
	ContinueOnFailure bool           `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	Required          bool           `json:"required,omitempty" yaml:"required,omitempty"`
}

// Retry overrides the default retry policy of a step. Zero fields keep the
// default.
type Retry struct {
	Attempts   int      `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Backoff    Duration `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxBackoff Duration `json:"max_backoff,omitempty" yaml:"max_backoff,omitempty"`
	Multiplier float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}
