package projects

import "strings"

// Normalize is the pure document-cleanup rule: entries with an empty id,
// path or name after trimming are dropped; the first record seen for each
// case-insensitive path wins; at most MaxProjects survive. Input order is
// preserved, so normalizing twice equals normalizing once.
func Normalize(records []Project) []Project {
	seen := make(map[string]struct{}, len(records))
	out := make([]Project, 0, len(records))

	for _, record := range records {
		id := strings.TrimSpace(record.ID)
		path := strings.TrimSpace(record.Path)
		name := strings.TrimSpace(record.Name)
		if id == "" || path == "" || name == "" {
			continue
		}
		key := strings.ToLower(path)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Project{ID: id, Path: path, Name: name})
		if len(out) == MaxProjects {
			break
		}
	}
	return out
}
