// Package projects synchronizes the shared project list between a local
// cache and an authoritative copy on the local filesystem or a remote host.
package projects

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DocumentVersion is the schema version of projects.json.
	DocumentVersion = 1
	// MaxProjects caps the document; most-recently-added wins ties.
	MaxProjects = 25

	DocumentFileName = "projects.json"
	EventsFileName   = "project_events.jsonl"

	// EventProjectsUpdated marks audit lines appended on every save.
	EventProjectsUpdated = "projects.updated"

	// DefaultBaseDirName is the per-target base directory under $HOME.
	DefaultBaseDirName = ".fieldexec"
)

// Project is one shared record. Paths are unique case-insensitively within
// a document.
type Project struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Name string `json:"name"`
}

// Document is the shared state file layout.
type Document struct {
	Version        int       `json:"version"`
	UpdatedAtMSUTC int64     `json:"updated_at_ms_utc"`
	Projects       []Project `json:"projects"`
}

// Event is one audit line in project_events.jsonl.
type Event struct {
	Type           string `json:"type"`
	UpdatedAtMSUTC int64  `json:"updated_at_ms_utc"`
}

func nowMSUTC() int64 {
	return time.Now().UTC().UnixMilli()
}

func NewProject(path, name string) Project {
	return Project{
		ID:   uuid.NewString(),
		Path: path,
		Name: name,
	}
}

func NewDocument(records []Project) Document {
	return Document{
		Version:        DocumentVersion,
		UpdatedAtMSUTC: nowMSUTC(),
		Projects:       records,
	}
}

func NewUpdatedEvent() Event {
	return Event{
		Type:           EventProjectsUpdated,
		UpdatedAtMSUTC: nowMSUTC(),
	}
}
