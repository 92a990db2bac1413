// Package layer implements the consistency rules that decide whether two
// annotations on the same layer may coexist.
package layer

import (
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class for malformed layer configuration.
var Error = errs.Class("layer")

type AnchoringMode string

const (
	Characters  AnchoringMode = "CHARACTERS"
	SingleToken AnchoringMode = "SINGLE_TOKEN"
	Tokens      AnchoringMode = "TOKENS"
	Sentences   AnchoringMode = "SENTENCES"
)

func ParseAnchoringMode(value string) (AnchoringMode, error) {
	switch mode := AnchoringMode(strings.ToUpper(strings.TrimSpace(value))); mode {
	case Characters, SingleToken, Tokens, Sentences:
		return mode, nil
	default:
		return "", Error.New("unknown anchoring mode %q", value)
	}
}

// Allows reports whether an annotation anchored at granularity other may be
// placed on a layer anchored at m.
func (m AnchoringMode) Allows(other AnchoringMode) bool {
	switch m {
	case Characters:
		return true
	case Tokens:
		return other == SingleToken || other == Tokens || other == Sentences
	case SingleToken:
		return other == SingleToken
	case Sentences:
		return other == Sentences
	default:
		return false
	}
}

type OverlapMode string

const (
	NoOverlap    OverlapMode = "NO_OVERLAP"
	StackingOnly OverlapMode = "STACKING_ONLY"
	OverlapOnly  OverlapMode = "OVERLAP_ONLY"
	AnyOverlap   OverlapMode = "ANY_OVERLAP"
)

func ParseOverlapMode(value string) (OverlapMode, error) {
	switch mode := OverlapMode(strings.ToUpper(strings.TrimSpace(value))); mode {
	case NoOverlap, StackingOnly, OverlapOnly, AnyOverlap:
		return mode, nil
	default:
		return "", Error.New("unknown overlap mode %q", value)
	}
}

// IsAllowStacking reports whether the mode permits two annotations at the
// exact same position.
func IsAllowStacking(mode OverlapMode) bool {
	return mode == AnyOverlap || mode == StackingOnly
}

// Effective applies the anchoring-dependent degeneration of overlap modes.
// A single token cannot partially overlap another, so modes that only add
// partial overlap collapse to their stricter counterpart.
func Effective(overlap OverlapMode, anchoring AnchoringMode) OverlapMode {
	if anchoring != SingleToken {
		return overlap
	}
	switch overlap {
	case OverlapOnly:
		return NoOverlap
	case AnyOverlap:
		return StackingOnly
	default:
		return overlap
	}
}
