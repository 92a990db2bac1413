package merge

import (
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"loupe/api/internal/cas"
	"loupe/api/internal/layer"
	"loupe/api/internal/schema"
)

var (
	ErrSourceNotFound       = errs.Class("source not found")
	ErrAnnotationConflict   = errs.Class("annotation conflict")
	ErrConfirmationRequired = errs.Class("confirmation required")
	ErrCurationFinished     = errs.Class("curation finished")
	// ErrUnresolved marks candidates that cannot land in the target, such as
	// a relation whose endpoints were never merged. The candidate is skipped.
	ErrUnresolved = errs.Class("unresolved")
	// ErrBrokenReference marks a source set that references annotations it
	// does not contain. It aborts the document.
	ErrBrokenReference = errs.Class("broken reference")
)

// Recoverable reports whether err only affects a single candidate.
func Recoverable(err error) bool {
	return ErrUnresolved.Has(err) || ErrAnnotationConflict.Has(err)
}

type Outcome int

const (
	Created Outcome = iota + 1
	Updated
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	default:
		return "none"
	}
}

type Options struct {
	// Override replaces annotations the layer policy rejects the candidate
	// against instead of failing with ErrAnnotationConflict.
	Override bool
}

// Applied reports what a merge did and which target annotation now holds
// the candidate. For slot candidates that is the host.
type Applied struct {
	Outcome      Outcome
	AnnotationID string
}

// Occupancy describes the target at a candidate's position.
type Occupancy struct {
	// Identical is set when the target already holds the candidate.
	Identical bool
	// Occupied is set when the target holds something else there.
	Occupied bool
}

type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.Named("merge")}
}

// Merge applies one candidate to target.
func (e *Engine) Merge(target *cas.CAS, cand Candidate, layers schema.Set, opts Options) (Applied, error) {
	l, ok := layers.Get(cand.Annotation.Layer)
	if !ok {
		return Applied{}, ErrUnresolved.New("layer %q not enabled", cand.Annotation.Layer)
	}
	switch cand.Kind {
	case KindSpan:
		return e.mergeSpan(target, cand, l, opts)
	case KindRelation:
		return e.mergeRelation(target, cand, l, opts)
	case KindSlot:
		return e.mergeSlot(target, cand, l, opts)
	default:
		return Applied{}, ErrUnresolved.New("unknown candidate kind %v", cand.Kind)
	}
}

// Inspect reports whether the position of cand in target is free, holds
// the candidate already, or holds something else.
func (e *Engine) Inspect(target *cas.CAS, cand Candidate) Occupancy {
	var occ Occupancy
	switch cand.Kind {
	case KindSpan:
		for _, existing := range target.At(cand.Annotation.Layer, cand.Annotation.Span()) {
			if cas.SameFeatures(existing, cand.Annotation) {
				occ.Identical = true
			} else {
				occ.Occupied = true
			}
		}
	case KindRelation:
		source, sok := resolve(target, cand.Source)
		dest, tok := resolve(target, cand.Target)
		if !sok || !tok {
			return occ
		}
		want := layer.Endpoints{Source: source.Span(), Target: dest.Span()}
		for _, existing := range target.Select(cand.Annotation.Layer) {
			ends, ok := target.Endpoints(existing)
			if !ok || layer.RelationRelation(ends, want) != layer.Stacked {
				continue
			}
			if cas.SameFeatures(existing, cand.Annotation) {
				occ.Identical = true
			} else {
				occ.Occupied = true
			}
		}
	case KindSlot:
		host, ok := resolve(target, cand.Annotation)
		if !ok {
			return occ
		}
		links := host.Links[cand.Feature]
		if cand.Index >= len(links) || links[cand.Index].Target == "" {
			return occ
		}
		if linkTarget, ok := resolve(target, cand.LinkTarget); ok && links[cand.Index] == (cas.Link{Role: cand.Link.Role, Target: linkTarget.ID}) {
			occ.Identical = true
		} else {
			occ.Occupied = true
		}
	}
	return occ
}

func (e *Engine) mergeSpan(target *cas.CAS, cand Candidate, l schema.Layer, opts Options) (Applied, error) {
	if l.IsRelation() {
		return Applied{}, ErrUnresolved.New("layer %q holds relations", l.Name)
	}
	span := cand.Annotation.Span()
	if !l.Anchoring.Fits(target.Tokens, target.Sentences, span.Begin, span.End) {
		return Applied{}, ErrUnresolved.New("[%d,%d) does not fit %s anchoring of %q", span.Begin, span.End, l.Anchoring, l.Name)
	}

	var conflicts []cas.Annotation
	for _, existing := range target.Select(l.Name) {
		if existing.IsRelation() {
			continue
		}
		relation := layer.SpanRelation(existing.Span(), span)
		if relation == layer.Stacked && cas.SameFeatures(existing, cand.Annotation) {
			return Applied{Outcome: Unchanged, AnnotationID: existing.ID}, nil
		}
		if layer.Evaluate(l.Overlap, l.Anchoring, relation) == layer.Reject {
			conflicts = append(conflicts, existing)
		}
	}

	fresh := cas.Annotation{Layer: l.Name, Begin: span.Begin, End: span.End, Features: cand.Annotation.Features}
	return e.apply(target, l, fresh, conflicts, span, opts)
}

func (e *Engine) mergeRelation(target *cas.CAS, cand Candidate, l schema.Layer, opts Options) (Applied, error) {
	if !l.IsRelation() {
		return Applied{}, ErrUnresolved.New("layer %q holds spans", l.Name)
	}
	source, ok := resolve(target, cand.Source)
	if !ok {
		return Applied{}, ErrUnresolved.New("relation source [%d,%d) not in target", cand.Source.Begin, cand.Source.End)
	}
	dest, ok := resolve(target, cand.Target)
	if !ok {
		return Applied{}, ErrUnresolved.New("relation target [%d,%d) not in target", cand.Target.Begin, cand.Target.End)
	}
	want := layer.Endpoints{Source: source.Span(), Target: dest.Span()}

	var conflicts []cas.Annotation
	for _, existing := range target.Select(l.Name) {
		ends, ok := target.Endpoints(existing)
		if !ok {
			continue
		}
		relation := layer.RelationRelation(ends, want)
		if relation == layer.Stacked && cas.SameFeatures(existing, cand.Annotation) {
			return Applied{Outcome: Unchanged, AnnotationID: existing.ID}, nil
		}
		if relation == layer.Stacked && !l.IsAllowStacking() {
			conflicts = append(conflicts, existing)
			continue
		}
		if layer.Evaluate(l.Overlap, l.Anchoring, relation) == layer.Reject {
			conflicts = append(conflicts, existing)
		}
	}

	fresh := cas.Annotation{Layer: l.Name, Source: source.ID, Target: dest.ID, Features: cand.Annotation.Features}
	return e.apply(target, l, fresh, conflicts, dest.Span(), opts)
}

// apply adds fresh unless conflicts block it. Under override a single
// exact stack is updated in place and other conflicts are replaced.
func (e *Engine) apply(target *cas.CAS, l schema.Layer, fresh cas.Annotation, conflicts []cas.Annotation, at layer.Span, opts Options) (Applied, error) {
	adapter := schema.AdapterFor(l)
	if len(conflicts) == 0 {
		id, err := adapter.Add(target, fresh)
		if err != nil {
			return Applied{}, ErrUnresolved.Wrap(err)
		}
		return Applied{Outcome: Created, AnnotationID: id}, nil
	}
	if !opts.Override {
		return Applied{}, ErrAnnotationConflict.New("%d annotation(s) on %q at [%d,%d) reject the candidate under %s", len(conflicts), l.Name, at.Begin, at.End, l.EffectiveOverlap())
	}

	if len(conflicts) == 1 && sameAnchor(conflicts[0], fresh) {
		existing := conflicts[0].Clone()
		existing.Features = fresh.Clone().Features
		target.Update(existing)
		return Applied{Outcome: Updated, AnnotationID: existing.ID}, nil
	}

	for _, conflict := range conflicts {
		if err := adapter.Delete(target, conflict.ID); err != nil {
			return Applied{}, err
		}
	}
	id, err := adapter.Add(target, fresh)
	if err != nil {
		return Applied{}, ErrUnresolved.Wrap(err)
	}
	e.logger.Debug("replaced conflicting annotations",
		zap.String("layer", l.Name),
		zap.Int("replaced", len(conflicts)),
	)
	return Applied{Outcome: Updated, AnnotationID: id}, nil
}

func (e *Engine) mergeSlot(target *cas.CAS, cand Candidate, l schema.Layer, opts Options) (Applied, error) {
	feature, ok := l.Feature(cand.Feature)
	if !ok || !feature.IsLink() {
		return Applied{}, ErrUnresolved.New("%q has no slot feature %q", l.Name, cand.Feature)
	}
	host, ok := resolve(target, cand.Annotation)
	if !ok {
		return Applied{}, ErrUnresolved.New("slot host [%d,%d) on %q not in target", cand.Annotation.Begin, cand.Annotation.End, l.Name)
	}
	linkTarget, ok := resolve(target, cand.LinkTarget)
	if !ok {
		return Applied{}, ErrUnresolved.New("slot filler [%d,%d) not in target", cand.LinkTarget.Begin, cand.LinkTarget.End)
	}
	link := cas.Link{Role: cand.Link.Role, Target: linkTarget.ID}

	links := host.Links[cand.Feature]
	if cand.Index < len(links) {
		current := links[cand.Index]
		if current == link {
			return Applied{Outcome: Unchanged, AnnotationID: host.ID}, nil
		}
		if current.Target != "" && !opts.Override {
			return Applied{}, ErrAnnotationConflict.New("slot %s[%d] on %s already filled", cand.Feature, cand.Index, host.ID)
		}
	}
	if err := schema.AdapterFor(l).SetLink(target, host.ID, cand.Feature, cand.Index, link); err != nil {
		return Applied{}, ErrUnresolved.Wrap(err)
	}
	return Applied{Outcome: Updated, AnnotationID: host.ID}, nil
}

// resolve finds the target annotation standing where a source annotation
// stands, preferring one with the same features.
func resolve(target *cas.CAS, source cas.Annotation) (cas.Annotation, bool) {
	matches := target.At(source.Layer, source.Span())
	if len(matches) == 0 {
		return cas.Annotation{}, false
	}
	for _, m := range matches {
		if cas.SameFeatures(m, source) {
			return m, true
		}
	}
	return matches[0], true
}

func sameAnchor(existing, fresh cas.Annotation) bool {
	if !fresh.IsRelation() {
		return existing.Span() == fresh.Span()
	}
	return existing.Source == fresh.Source && existing.Target == fresh.Target
}
