package projects

import (
	"github.com/aymerick/raymond"

	"fieldexec/internal/templates"
)

func renderScript(path string, params map[string]string) (string, error) {
	raw, err := templates.Scripts.ReadFile(path)
	if err != nil {
		return "", err
	}

	tpl, err := raymond.Parse(string(raw))
	if err != nil {
		return "", err
	}

	return tpl.Exec(params)
}

// RenderLoadScript reads the remote document, yielding empty output when it
// does not exist yet.
func RenderLoadScript(baseName string) (string, error) {
	return renderScript(templates.LoadProjectsScriptPath, map[string]string{
		"baseName": baseName,
	})
}

// RenderSaveScript writes the remote document atomically with owner-only
// permissions and appends the audit line. payload and event must already be
// shell-quoted.
func RenderSaveScript(baseName, quotedPayload, quotedEvent string) (string, error) {
	return renderScript(templates.SaveProjectsScriptPath, map[string]string{
		"baseName": baseName,
		"payload":  quotedPayload,
		"event":    quotedEvent,
	})
}

// RenderEnsureEventsScript idempotently creates the base directory and the
// event log with the permission discipline applied.
func RenderEnsureEventsScript(baseName string) (string, error) {
	return renderScript(templates.EnsureEventsScriptPath, map[string]string{
		"baseName": baseName,
	})
}

// RenderTailEventsScript seeks to the end of the event log and follows new
// appends.
func RenderTailEventsScript(baseName string) (string, error) {
	return renderScript(templates.TailEventsScriptPath, map[string]string{
		"baseName": baseName,
	})
}
