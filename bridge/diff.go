package bridge

import (
	"strings"

	"github.com/bazelment/agentbridge/api"
)

// SummarizeDiff reduces a unified diff to per-file change counts. Files whose
// section cannot be parsed are skipped rather than failing the whole summary.
func SummarizeDiff(raw string) []api.DiffFile {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var files []api.DiffFile
	sections := splitFileSections(raw)
	for _, section := range sections {
		if file, ok := parseFileSection(section); ok {
			files = append(files, file)
		}
	}
	return files
}

// Summary rolls per-file counts up to the session-level diff summary.
func Summary(files []api.DiffFile) *api.DiffSummary {
	if len(files) == 0 {
		return nil
	}
	summary := &api.DiffSummary{FileCount: len(files)}
	for _, f := range files {
		summary.Added += f.Additions
		summary.Removed += f.Deletions
	}
	return summary
}

func splitFileSections(raw string) []string {
	var sections []string
	var current []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			if len(current) > 0 {
				sections = append(sections, strings.Join(current, "\n"))
			}
			current = []string{line}
			continue
		}
		if len(current) > 0 {
			current = append(current, line)
		}
	}
	if len(current) > 0 {
		sections = append(sections, strings.Join(current, "\n"))
	}
	return sections
}

func parseFileSection(section string) (api.DiffFile, bool) {
	var file api.DiffFile
	var oldPath, newPath string
	sawHeader := false

	for _, line := range strings.Split(section, "\n") {
		switch {
		case strings.HasPrefix(line, "--- "):
			oldPath = strings.TrimPrefix(line, "--- ")
			sawHeader = true
		case strings.HasPrefix(line, "+++ "):
			newPath = strings.TrimPrefix(line, "+++ ")
			sawHeader = true
		case strings.HasPrefix(line, "+"):
			if sawHeader {
				file.Additions++
			}
		case strings.HasPrefix(line, "-"):
			if sawHeader {
				file.Deletions++
			}
		}
	}
	if !sawHeader {
		return api.DiffFile{}, false
	}

	file.Path = stripDiffPrefix(newPath)
	if newPath == "/dev/null" || file.Path == "" {
		file.Path = stripDiffPrefix(oldPath)
	}

	switch {
	case file.Deletions == 0 && file.Additions > 0:
		file.Status = api.DiffFileAdded
	case file.Additions == 0 && file.Deletions > 0:
		file.Status = api.DiffFileDeleted
	default:
		file.Status = api.DiffFileModified
	}
	if file.Path == "" {
		return api.DiffFile{}, false
	}
	return file, true
}

// stripDiffPrefix removes the a/ or b/ prefix git puts on header paths.
func stripDiffPrefix(path string) string {
	if len(path) > 2 && (path[:2] == "a/" || path[:2] == "b/") {
		return path[2:]
	}
	return path
}
