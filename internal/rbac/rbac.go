package rbac

import "strings"

// Level is a project permission level.
type Level string
type Action string

const (
	LevelAnnotator Level = "ANNOTATOR"
	LevelCurator   Level = "CURATOR"
	LevelManager   Level = "MANAGER"
)

const (
	ActionAnnotate         Action = "annotate"
	ActionCurate           Action = "curate"
	ActionSeeIdentities    Action = "see-identities"
	ActionBeCurationTarget Action = "be-curation-target"
	ActionManage           Action = "manage"
)

func Can(level Level, action Action) bool {
	switch level {
	case LevelManager:
		return true
	case LevelCurator:
		return action == ActionAnnotate || action == ActionCurate || action == ActionBeCurationTarget
	case LevelAnnotator:
		return action == ActionAnnotate || action == ActionBeCurationTarget
	default:
		return false
	}
}

// Highest picks the strongest of several levels held by one member.
func Highest(levels []Level) (Level, bool) {
	best, found := Level(""), false
	for _, level := range levels {
		if rank(level) > rank(best) {
			best, found = level, true
		}
	}
	return best, found
}

func rank(level Level) int {
	switch level {
	case LevelManager:
		return 3
	case LevelCurator:
		return 2
	case LevelAnnotator:
		return 1
	default:
		return 0
	}
}

func Parse(level string) (Level, bool) {
	switch normalized := Level(strings.ToUpper(strings.TrimSpace(level))); normalized {
	case LevelAnnotator, LevelCurator, LevelManager:
		return normalized, true
	default:
		return "", false
	}
}
