package layer

// Span is a half-open character range [Begin, End).
type Span struct {
	Begin int `json:"begin"`
	End   int `json:"end"`
}

// Endpoints locates a relation by the spans of its source and target.
type Endpoints struct {
	Source Span `json:"source"`
	Target Span `json:"target"`
}

type Relation int

const (
	Disjoint Relation = iota
	Overlapping
	Stacked
)

func (r Relation) String() string {
	switch r {
	case Overlapping:
		return "overlapping"
	case Stacked:
		return "stacked"
	default:
		return "disjoint"
	}
}

type Verdict int

const (
	Allow Verdict = iota
	Reject
)

func (v Verdict) String() string {
	if v == Reject {
		return "reject"
	}
	return "allow"
}

// SpanRelation classifies two spans. Adjacent spans do not overlap.
func SpanRelation(a, b Span) Relation {
	if a == b {
		return Stacked
	}
	if a.Begin < b.End && b.Begin < a.End {
		return Overlapping
	}
	// Zero-width spans at the same offset never pass the test above.
	if a.Begin == a.End && b.Begin == b.End && a.Begin == b.Begin {
		return Stacked
	}
	return Disjoint
}

// RelationRelation classifies two relations by their endpoints: they stack
// when both endpoints match and overlap when they share either one.
func RelationRelation(a, b Endpoints) Relation {
	sameSource := a.Source == b.Source
	sameTarget := a.Target == b.Target
	switch {
	case sameSource && sameTarget:
		return Stacked
	case sameSource || sameTarget || a.Source == b.Target || a.Target == b.Source:
		return Overlapping
	default:
		return Disjoint
	}
}

// Evaluate decides whether a candidate may coexist with an existing
// annotation standing in the given relation to it.
func Evaluate(overlap OverlapMode, anchoring AnchoringMode, relation Relation) Verdict {
	if relation == Disjoint {
		return Allow
	}
	switch Effective(overlap, anchoring) {
	case AnyOverlap:
		return Allow
	case StackingOnly:
		if relation == Stacked {
			return Allow
		}
	case OverlapOnly:
		if relation == Overlapping {
			return Allow
		}
	}
	return Reject
}

// Fits reports whether [begin, end) respects the anchoring granularity of a
// text with the given token and sentence boundaries.
func (m AnchoringMode) Fits(tokens, sentences []Span, begin, end int) bool {
	if begin < 0 || end < begin {
		return false
	}
	switch m {
	case Characters:
		return true
	case SingleToken:
		for _, token := range tokens {
			if token.Begin == begin && token.End == end {
				return true
			}
		}
		return false
	case Tokens:
		return startsAndEnds(tokens, begin, end)
	case Sentences:
		return startsAndEnds(sentences, begin, end)
	default:
		return false
	}
}

func startsAndEnds(units []Span, begin, end int) bool {
	starts, ends := false, false
	for _, unit := range units {
		if unit.Begin == begin {
			starts = true
		}
		if unit.End == end {
			ends = true
		}
	}
	return starts && ends && begin < end
}
