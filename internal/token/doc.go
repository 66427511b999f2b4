// Package token provides the indirection layer between clickable chat
// actions and the full (agent, path, sort, page, filter) tuples they stand
// for. Chat callback payloads have a hard length limit, so screens embed a
// short token and resolve it back to the structured action on click.
package token
