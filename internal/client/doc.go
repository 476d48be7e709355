// Package client talks to a pipeline server: it submits definitions, follows
// a run's event stream across dropped connections and reports the final
// result.
package client
