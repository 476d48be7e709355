// Package step defines the Step contract executed by the pipeline executor,
// the kind registry that turns definition entries into Step instances, and
// the built-in command, http and lua kinds.
package step
