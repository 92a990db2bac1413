package lifecycle

type transitionRule struct {
	from       []SourceDocumentState
	to         SourceDocumentState
	deprecated bool
}

const (
	NewToAnnotationInProgress                = "NEW_TO_ANNOTATION_IN_PROGRESS"
	AnnotationInProgressToAnnotationFinished = "ANNOTATION_IN_PROGRESS_TO_ANNOTATION_FINISHED"
	AnnotationFinishedToAnnotationInProgress = "ANNOTATION_FINISHED_TO_ANNOTATION_IN_PROGRESS"
	AnnotationInProgressToCurationInProgress = "ANNOTATION_IN_PROGRESS_TO_CURATION_IN_PROGRESS"
	AnnotationFinishedToCurationInProgress   = "ANNOTATION_FINISHED_TO_CURATION_IN_PROGRESS"
	CurationInProgressToCurationFinished     = "CURATION_IN_PROGRESS_TO_CURATION_FINISHED"
	CurationFinishedToCurationInProgress     = "CURATION_FINISHED_TO_CURATION_IN_PROGRESS"
)

var sourceTransitions = map[string]transitionRule{
	NewToAnnotationInProgress: {
		from: []SourceDocumentState{SourceNew},
		to:   SourceAnnotationInProgress,
	},
	// The two annotation-level transitions below predate per-annotator
	// document states. Nothing new should depend on them.
	AnnotationInProgressToAnnotationFinished: {
		from:       []SourceDocumentState{SourceAnnotationInProgress},
		to:         SourceAnnotationFinished,
		deprecated: true,
	},
	AnnotationFinishedToAnnotationInProgress: {
		from:       []SourceDocumentState{SourceAnnotationFinished},
		to:         SourceAnnotationInProgress,
		deprecated: true,
	},
	AnnotationInProgressToCurationInProgress: {
		from: []SourceDocumentState{SourceAnnotationInProgress},
		to:   SourceCurationInProgress,
	},
	AnnotationFinishedToCurationInProgress: {
		from: []SourceDocumentState{SourceAnnotationFinished},
		to:   SourceCurationInProgress,
	},
	CurationInProgressToCurationFinished: {
		from: []SourceDocumentState{SourceCurationInProgress},
		to:   SourceCurationFinished,
	},
	CurationFinishedToCurationInProgress: {
		from: []SourceDocumentState{SourceCurationFinished},
		to:   SourceCurationInProgress,
	},
}

// Transition returns the state a source document ends up in after the named
// transition.
func Transition(name string) (SourceDocumentState, error) {
	rule, ok := sourceTransitions[name]
	if !ok {
		return "", ErrInvalidTransition.New("%q", name)
	}
	return rule.to, nil
}

// TransitionFrom is Transition with the additional check that the transition
// starts at current.
func TransitionFrom(current SourceDocumentState, name string) (SourceDocumentState, error) {
	rule, ok := sourceTransitions[name]
	if !ok {
		return "", ErrInvalidTransition.New("%q", name)
	}
	for _, from := range rule.from {
		if from == current {
			return rule.to, nil
		}
	}
	return "", ErrInvalidTransition.New("%q does not apply to state %s", name, current)
}

// IsDeprecated flags transitions kept only for compatibility.
func IsDeprecated(name string) bool {
	return sourceTransitions[name].deprecated
}

// CurationStartTransition names the transition that moves a document into
// curation, or "" if the document is already there or cannot enter it.
func CurationStartTransition(current SourceDocumentState) string {
	switch current {
	case SourceAnnotationInProgress:
		return AnnotationInProgressToCurationInProgress
	case SourceAnnotationFinished:
		return AnnotationFinishedToCurationInProgress
	default:
		return ""
	}
}

var annotationEdges = map[AnnotationDocumentState][]AnnotationDocumentState{
	AnnotationNew:        {AnnotationInProgress, AnnotationIgnore},
	AnnotationInProgress: {AnnotationFinished, AnnotationIgnore},
	AnnotationFinished:   {AnnotationInProgress, AnnotationIgnore},
	AnnotationIgnore:     {AnnotationInProgress},
}

// CheckAnnotationTransition validates a change of an annotation document
// state. Resetting to NEW is always allowed.
func CheckAnnotationTransition(from, to AnnotationDocumentState) error {
	if from == to || to == AnnotationNew {
		return nil
	}
	for _, next := range annotationEdges[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition.New("annotation document %s -> %s", from, to)
}

// OneClickTransition computes the next state offered by the single-click
// state toggle. With an annotator-reported state the toggle cycles
// IN_PROGRESS -> FINISHED -> IGNORE -> IN_PROGRESS; without one it cycles
// NEW -> IGNORE -> NEW and IN_PROGRESS <-> FINISHED. Combinations that cannot
// occur leave the state unchanged.
func OneClickTransition(effective AnnotationDocumentState, annotatorState *AnnotationDocumentState) AnnotationDocumentState {
	if annotatorState != nil {
		switch effective {
		case AnnotationInProgress:
			return AnnotationFinished
		case AnnotationFinished:
			return AnnotationIgnore
		case AnnotationIgnore:
			return AnnotationInProgress
		default:
			return effective
		}
	}

	switch effective {
	case AnnotationNew:
		return AnnotationIgnore
	case AnnotationInProgress:
		return AnnotationFinished
	case AnnotationFinished:
		return AnnotationInProgress
	case AnnotationIgnore:
		return AnnotationNew
	default:
		return effective
	}
}
