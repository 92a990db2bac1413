package merge

import (
	"fmt"
	"sort"
	"strings"
)

type Decision int

const (
	Skip Decision = iota
	Apply
	// Override applies the candidate and replaces what the layer policy
	// rejects it against.
	Override
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Override:
		return "override"
	default:
		return "skip"
	}
}

// DecisionContext is what a strategy sees for one candidate.
type DecisionContext struct {
	Candidate Candidate
	// Peers are the candidates at the same position in every loaded source
	// set, the candidate itself included.
	Peers []Candidate
	// Target is the state of the curation target at the position.
	Target Occupancy
	// Superseded is set when a later source holds a candidate the layer
	// policy rejects this one against.
	Superseded bool
	// Sources is the number of source sets taking part.
	Sources int
}

// votes counts the peers carrying the candidate's label and the largest
// number of peers carrying any other label.
func (dc DecisionContext) votes() (own, rival int) {
	counts := map[string]int{}
	for _, peer := range dc.Peers {
		counts[peer.Label()]++
	}
	label := dc.Candidate.Label()
	for l, n := range counts {
		if l == label {
			own = n
		} else if n > rival {
			rival = n
		}
	}
	return own, rival
}

// Strategy decides per candidate whether a bulk merge applies it.
type Strategy interface {
	Name() string
	Decide(dc DecisionContext) Decision
}

type firstWins struct{}

func (firstWins) Name() string { return "firstWins" }

// Decide keeps whatever reached the position first.
func (firstWins) Decide(dc DecisionContext) Decision {
	if dc.Target.Occupied && !dc.Target.Identical {
		return Skip
	}
	return Apply
}

type completeAgreement struct{}

func (completeAgreement) Name() string { return "completeAgreement" }

// Decide applies only what every source set annotated identically.
func (completeAgreement) Decide(dc DecisionContext) Decision {
	if dc.Target.Occupied {
		return Skip
	}
	own, rival := dc.votes()
	if rival > 0 || own < dc.Sources {
		return Skip
	}
	return Apply
}

type incompleteAgreement struct{}

func (incompleteAgreement) Name() string { return "incompleteAgreement" }

// Decide applies what all source sets that annotated the position agree on.
func (incompleteAgreement) Decide(dc DecisionContext) Decision {
	if dc.Target.Occupied {
		return Skip
	}
	if _, rival := dc.votes(); rival > 0 {
		return Skip
	}
	return Apply
}

// Threshold applies the majority label when it has at least MinVotes
// votes and at least MinConfidence of the votes cast at the position.
type Threshold struct {
	MinVotes      int
	MinConfidence float64
}

func (t Threshold) Name() string { return "threshold" }

func (t Threshold) Decide(dc DecisionContext) Decision {
	if dc.Target.Occupied {
		return Skip
	}
	own, rival := dc.votes()
	if own <= rival || own < t.MinVotes || len(dc.Peers) == 0 {
		return Skip
	}
	if float64(own)/float64(len(dc.Peers)) < t.MinConfidence {
		return Skip
	}
	return Apply
}

type overwrite struct{}

func (overwrite) Name() string { return "overwrite" }

// Decide replaces target content with the sources' content. When sources
// clash the last one wins, so candidates it supersedes are skipped.
func (overwrite) Decide(dc DecisionContext) Decision {
	if dc.Superseded {
		return Skip
	}
	if n := len(dc.Peers); n > 0 && dc.Peers[n-1].Label() != dc.Candidate.Label() {
		return Skip
	}
	return Override
}

// DefaultStrategy is used when a request names none.
const DefaultStrategy = "incompleteAgreement"

// StrategyOptions parameterize the threshold strategy.
type StrategyOptions struct {
	MinVotes      int     `json:"minVotes"`
	MinConfidence float64 `json:"minConfidence"`
}

// LookupStrategy resolves a strategy by name.
func LookupStrategy(name string, opts StrategyOptions) (Strategy, error) {
	switch name {
	case "":
		return incompleteAgreement{}, nil
	case "firstWins":
		return firstWins{}, nil
	case "completeAgreement":
		return completeAgreement{}, nil
	case "incompleteAgreement":
		return incompleteAgreement{}, nil
	case "threshold":
		t := Threshold{MinVotes: opts.MinVotes, MinConfidence: opts.MinConfidence}
		if t.MinVotes < 1 {
			t.MinVotes = 1
		}
		if t.MinConfidence < 0 || t.MinConfidence > 1 {
			return nil, fmt.Errorf("threshold confidence %v outside [0,1]", t.MinConfidence)
		}
		return t, nil
	case "overwrite":
		return overwrite{}, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q (have %s)", name, strings.Join(StrategyNames(), ", "))
	}
}

func StrategyNames() []string {
	names := []string{"firstWins", "completeAgreement", "incompleteAgreement", "threshold", "overwrite"}
	sort.Strings(names)
	return names
}
