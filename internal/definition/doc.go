// Package definition parses pipeline definitions from YAML or JSON documents,
// local files and remote http(s) locations, and validates their structure
// against an embedded JSON Schema before a plan is built from them.
package definition
