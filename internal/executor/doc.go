// Package executor runs plans. Steps of one level run concurrently up to a
// concurrency bound, levels are separated by a barrier, and results are
// collected in a per-run ExecutionContext that also sequences the run's
// events.
package executor
