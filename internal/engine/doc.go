// Package engine runs submitted pipelines on behalf of the server. It
// validates and builds each definition, persists the run and its events,
// bounds how many runs execute at once and fans events out to live
// followers.
package engine
