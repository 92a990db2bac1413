// Package merge copies annotations from annotator sets into a curation
// target under the consistency rules of their layers.
package merge

import (
	"fmt"
	"sort"
	"strings"

	"loupe/api/internal/cas"
	"loupe/api/internal/layer"
)

type Kind int

const (
	KindSpan Kind = iota + 1
	KindRelation
	KindSlot
)

func (k Kind) String() string {
	switch k {
	case KindSpan:
		return "span"
	case KindRelation:
		return "relation"
	case KindSlot:
		return "slot"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Candidate is one mergeable unit of a source set. Annotation is the span,
// the relation, or the slot host. Annotations are copies taken from the
// source set, so a candidate stays valid after the source is discarded.
type Candidate struct {
	Kind       Kind
	Annotation cas.Annotation

	// Relation endpoints.
	Source cas.Annotation
	Target cas.Annotation

	// Slot link at Index of Feature on the host.
	Feature    string
	Index      int
	Link       cas.Link
	LinkTarget cas.Annotation
}

// Ref points at an annotation of a source set, or at one slot link of it
// when Feature is set.
type Ref struct {
	AnnotationID string `json:"annotationId"`
	Feature      string `json:"feature,omitempty"`
	Index        int    `json:"index,omitempty"`
}

// Position identifies where a candidate lands, independent of annotation
// IDs, so candidates from different sets can be matched.
func (c Candidate) Position() string {
	a := c.Annotation
	switch c.Kind {
	case KindRelation:
		return fmt.Sprintf("relation/%s/%s->%s", a.Layer, spanKey(c.Source.Span()), spanKey(c.Target.Span()))
	case KindSlot:
		return fmt.Sprintf("slot/%s/%s/%s/%d", a.Layer, spanKey(a.Span()), c.Feature, c.Index)
	default:
		return fmt.Sprintf("span/%s/%s", a.Layer, spanKey(a.Span()))
	}
}

// Label is the value a candidate carries at its position. Two candidates
// at one position agree when their labels are equal.
func (c Candidate) Label() string {
	if c.Kind == KindSlot {
		return c.Link.Role + "@" + spanKey(c.LinkTarget.Span())
	}
	return featureKey(c.Annotation.Features)
}

func spanKey(s layer.Span) string {
	return fmt.Sprintf("%d-%d", s.Begin, s.End)
}

func featureKey(features map[string]string) string {
	keys := make([]string, 0, len(features))
	for k, v := range features {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(features[k])
	}
	return b.String()
}

// Extract lists the candidates of a set: spans by offset, then slot links,
// then relations. A relation or link pointing at a missing annotation is
// an ErrBrokenReference.
func Extract(c *cas.CAS) ([]Candidate, error) {
	var spans, relations []cas.Annotation
	for _, a := range c.Annotations {
		if a.IsRelation() {
			relations = append(relations, a)
		} else {
			spans = append(spans, a)
		}
	}
	sortAnnotations(spans)
	sortAnnotations(relations)

	out := make([]Candidate, 0, len(c.Annotations))
	for _, a := range spans {
		out = append(out, Candidate{Kind: KindSpan, Annotation: a.Clone()})
	}
	for _, a := range spans {
		slots, err := slotCandidates(c, a)
		if err != nil {
			return nil, err
		}
		out = append(out, slots...)
	}
	for _, a := range relations {
		cand, err := relationCandidate(c, a)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	return out, nil
}

// CandidateFor builds the candidate ref points at.
func CandidateFor(c *cas.CAS, ref Ref) (Candidate, error) {
	a, ok := c.Get(ref.AnnotationID)
	if !ok {
		return Candidate{}, ErrSourceNotFound.New("annotation %s not in set of %s", ref.AnnotationID, c.Owner)
	}
	if ref.Feature != "" {
		links := a.Links[ref.Feature]
		if ref.Index < 0 || ref.Index >= len(links) || links[ref.Index].Target == "" {
			return Candidate{}, ErrSourceNotFound.New("no link %s[%d] on %s", ref.Feature, ref.Index, a.ID)
		}
		return slotCandidate(c, a, ref.Feature, ref.Index, links[ref.Index])
	}
	if a.IsRelation() {
		return relationCandidate(c, a)
	}
	return Candidate{Kind: KindSpan, Annotation: a.Clone()}, nil
}

func relationCandidate(c *cas.CAS, a cas.Annotation) (Candidate, error) {
	source, ok := c.Get(a.Source)
	if !ok {
		return Candidate{}, ErrBrokenReference.New("relation %s: source %s missing", a.ID, a.Source)
	}
	target, ok := c.Get(a.Target)
	if !ok {
		return Candidate{}, ErrBrokenReference.New("relation %s: target %s missing", a.ID, a.Target)
	}
	return Candidate{
		Kind:       KindRelation,
		Annotation: a.Clone(),
		Source:     source.Clone(),
		Target:     target.Clone(),
	}, nil
}

func slotCandidates(c *cas.CAS, host cas.Annotation) ([]Candidate, error) {
	features := make([]string, 0, len(host.Links))
	for name := range host.Links {
		features = append(features, name)
	}
	sort.Strings(features)

	var out []Candidate
	for _, name := range features {
		for i, link := range host.Links[name] {
			if link.Target == "" {
				continue
			}
			cand, err := slotCandidate(c, host, name, i, link)
			if err != nil {
				return nil, err
			}
			out = append(out, cand)
		}
	}
	return out, nil
}

func slotCandidate(c *cas.CAS, host cas.Annotation, feature string, index int, link cas.Link) (Candidate, error) {
	target, ok := c.Get(link.Target)
	if !ok {
		return Candidate{}, ErrBrokenReference.New("link %s[%d] on %s: target %s missing", feature, index, host.ID, link.Target)
	}
	return Candidate{
		Kind:       KindSlot,
		Annotation: host.Clone(),
		Feature:    feature,
		Index:      index,
		Link:       link,
		LinkTarget: target.Clone(),
	}, nil
}

func sortAnnotations(annotations []cas.Annotation) {
	sort.SliceStable(annotations, func(i, j int) bool {
		a, b := annotations[i], annotations[j]
		if a.Begin != b.Begin {
			return a.Begin < b.Begin
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.Layer < b.Layer
	})
}
