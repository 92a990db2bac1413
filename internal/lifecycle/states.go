// Package lifecycle holds the document state machines that gate annotation
// and curation work.
package lifecycle

import (
	"strings"

	"github.com/zeebo/errs"
)

// ErrInvalidTransition is returned for transitions that are not part of the
// state machine.
var ErrInvalidTransition = errs.Class("invalid transition")

type SourceDocumentState string

const (
	SourceNew                  SourceDocumentState = "NEW"
	SourceAnnotationInProgress SourceDocumentState = "ANNOTATION_IN_PROGRESS"
	SourceAnnotationFinished   SourceDocumentState = "ANNOTATION_FINISHED"
	SourceCurationInProgress   SourceDocumentState = "CURATION_IN_PROGRESS"
	SourceCurationFinished     SourceDocumentState = "CURATION_FINISHED"
)

var sourceStates = []SourceDocumentState{
	SourceNew,
	SourceAnnotationInProgress,
	SourceAnnotationFinished,
	SourceCurationInProgress,
	SourceCurationFinished,
}

// ParseSourceDocumentState accepts the stored spelling of a state.
func ParseSourceDocumentState(value string) (SourceDocumentState, error) {
	normalized := SourceDocumentState(strings.ToUpper(strings.TrimSpace(value)))
	for _, state := range sourceStates {
		if state == normalized {
			return state, nil
		}
	}
	return "", ErrInvalidTransition.New("unknown source document state %q", value)
}

// CurationFinished reports whether curation of the document is closed.
func (s SourceDocumentState) CurationFinished() bool {
	return s == SourceCurationFinished
}

type AnnotationDocumentState string

const (
	AnnotationNew        AnnotationDocumentState = "NEW"
	AnnotationInProgress AnnotationDocumentState = "IN_PROGRESS"
	AnnotationFinished   AnnotationDocumentState = "FINISHED"
	AnnotationIgnore     AnnotationDocumentState = "IGNORE"
)

var annotationStates = []AnnotationDocumentState{
	AnnotationNew,
	AnnotationInProgress,
	AnnotationFinished,
	AnnotationIgnore,
}

func ParseAnnotationDocumentState(value string) (AnnotationDocumentState, error) {
	normalized := AnnotationDocumentState(strings.ToUpper(strings.TrimSpace(value)))
	for _, state := range annotationStates {
		if state == normalized {
			return state, nil
		}
	}
	return "", ErrInvalidTransition.New("unknown annotation document state %q", value)
}

// Taken reports whether the document counts toward assignment quotas.
func (s AnnotationDocumentState) Taken() bool {
	return s == AnnotationInProgress || s == AnnotationFinished
}

// Terminal reports whether the annotator may no longer edit the document.
func (s AnnotationDocumentState) Terminal() bool {
	return s == AnnotationFinished || s == AnnotationIgnore
}

// ProjectState mirrors the source document states at project level.
type ProjectState string

const (
	ProjectNew                  ProjectState = "NEW"
	ProjectAnnotationInProgress ProjectState = "ANNOTATION_IN_PROGRESS"
	ProjectAnnotationFinished   ProjectState = "ANNOTATION_FINISHED"
	ProjectCurationInProgress   ProjectState = "CURATION_IN_PROGRESS"
	ProjectCurationFinished     ProjectState = "CURATION_FINISHED"
)

// AggregateProjectState derives the project state from the states of its
// documents. An empty project is NEW.
func AggregateProjectState(states []SourceDocumentState) ProjectState {
	if len(states) == 0 {
		return ProjectNew
	}
	counts := make(map[SourceDocumentState]int, len(sourceStates))
	for _, state := range states {
		counts[state]++
	}
	total := len(states)
	switch {
	case counts[SourceCurationFinished] == total:
		return ProjectCurationFinished
	case counts[SourceCurationInProgress] > 0 || counts[SourceCurationFinished] > 0:
		return ProjectCurationInProgress
	case counts[SourceAnnotationFinished] == total:
		return ProjectAnnotationFinished
	case counts[SourceNew] == total:
		return ProjectNew
	default:
		return ProjectAnnotationInProgress
	}
}
