package merge

import (
	"go.uber.org/zap"

	"loupe/api/internal/cas"
	"loupe/api/internal/layer"
	"loupe/api/internal/schema"
)

// Source is one annotator's set taking part in a bulk merge.
type Source struct {
	Annotator string
	CAS       *cas.CAS
}

// MergeDocument applies the candidates of every source to target, source
// by source in the given order and in extraction order within a source.
// Per-candidate conflicts and unresolved candidates are counted. Any other
// error aborts and target must then be discarded.
func (e *Engine) MergeDocument(target *cas.CAS, sources []Source, strategy Strategy, layers schema.Set) (Summary, error) {
	extracted := make([][]Candidate, len(sources))
	peers := map[string][]Candidate{}
	for i, src := range sources {
		candidates, err := Extract(src.CAS)
		if err != nil {
			return Summary{}, err
		}
		extracted[i] = candidates
		for _, cand := range candidates {
			pos := cand.Position()
			peers[pos] = append(peers[pos], cand)
		}
	}

	summary := Summary{Documents: 1}
	for i, src := range sources {
		for _, cand := range extracted[i] {
			decision := strategy.Decide(DecisionContext{
				Candidate:  cand,
				Peers:      peers[cand.Position()],
				Target:     e.Inspect(target, cand),
				Sources:    len(sources),
				Superseded: superseded(layers, cand, extracted[i+1:]),
			})
			if decision == Skip {
				summary.Skipped++
				continue
			}
			applied, err := e.Merge(target, cand, layers, Options{Override: decision == Override})
			switch {
			case err == nil:
				summary.record(applied.Outcome)
			case ErrAnnotationConflict.Has(err):
				summary.Conflicted++
			case ErrUnresolved.Has(err):
				summary.Skipped++
				e.logger.Debug("candidate skipped",
					zap.String("annotator", src.Annotator),
					zap.String("position", cand.Position()),
					zap.Error(err),
				)
			default:
				return summary, err
			}
		}
	}
	return summary, nil
}

// superseded reports whether any of the later candidates clashes with cand.
func superseded(layers schema.Set, cand Candidate, later [][]Candidate) bool {
	for _, candidates := range later {
		for _, other := range candidates {
			if clashes(layers, cand, other) {
				return true
			}
		}
	}
	return false
}

// clashes reports whether the layer policy rejects b against a when both
// land in one target. Candidates with equal position and label never clash.
func clashes(layers schema.Set, a, b Candidate) bool {
	if a.Kind != b.Kind || a.Kind == KindSlot || a.Annotation.Layer != b.Annotation.Layer {
		return false
	}
	if a.Position() == b.Position() && a.Label() == b.Label() {
		return false
	}
	l, ok := layers.Get(a.Annotation.Layer)
	if !ok {
		return false
	}
	if a.Kind == KindRelation {
		relation := layer.RelationRelation(
			layer.Endpoints{Source: a.Source.Span(), Target: a.Target.Span()},
			layer.Endpoints{Source: b.Source.Span(), Target: b.Target.Span()},
		)
		if relation == layer.Stacked && !l.IsAllowStacking() {
			return true
		}
		return layer.Evaluate(l.Overlap, l.Anchoring, relation) == layer.Reject
	}
	relation := layer.SpanRelation(a.Annotation.Span(), b.Annotation.Span())
	return layer.Evaluate(l.Overlap, l.Anchoring, relation) == layer.Reject
}
