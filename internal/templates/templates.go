// Package templates embeds the shell script templates rendered before
// remote execution.
package templates

import "embed"

//go:embed scripts
var Scripts embed.FS

const (
	SaveProjectsScriptPath = "scripts/projects/save.hbs"
	LoadProjectsScriptPath = "scripts/projects/load.hbs"
	EnsureEventsScriptPath = "scripts/projects/ensure_events.hbs"
	TailEventsScriptPath   = "scripts/projects/tail_events.hbs"
)
