// Package cas holds the annotation set of one owner over one document.
package cas

import (
	"sort"

	"loupe/api/internal/layer"
	"loupe/api/internal/util"
)

// Link is one entry of a slot feature.
type Link struct {
	Role   string `json:"role"`
	Target string `json:"target"`
}

// Annotation is either a span (Source and Target empty) or a relation
// between two span annotations of the relation layer's attach layer.
type Annotation struct {
	ID       string            `json:"id"`
	Layer    string            `json:"layer"`
	Begin    int               `json:"begin"`
	End      int               `json:"end"`
	Features map[string]string `json:"features,omitempty"`
	Links    map[string][]Link `json:"links,omitempty"`
	Source   string            `json:"source,omitempty"`
	Target   string            `json:"target,omitempty"`
}

func (a Annotation) IsRelation() bool {
	return a.Source != "" || a.Target != ""
}

func (a Annotation) Span() layer.Span {
	return layer.Span{Begin: a.Begin, End: a.End}
}

func (a Annotation) Clone() Annotation {
	out := a
	if a.Features != nil {
		out.Features = make(map[string]string, len(a.Features))
		for k, v := range a.Features {
			out.Features[k] = v
		}
	}
	if a.Links != nil {
		out.Links = make(map[string][]Link, len(a.Links))
		for k, v := range a.Links {
			out.Links[k] = append([]Link(nil), v...)
		}
	}
	return out
}

// SameFeatures compares primitive feature values. Empty values count as
// unset.
func SameFeatures(a, b Annotation) bool {
	return subset(a.Features, b.Features) && subset(b.Features, a.Features)
}

func subset(a, b map[string]string) bool {
	for k, v := range a {
		if v == "" {
			continue
		}
		if b[k] != v {
			return false
		}
	}
	return true
}

// CAS is one owner's annotation set over one document.
type CAS struct {
	Document    string       `json:"document"`
	Owner       string       `json:"owner"`
	Text        string       `json:"text"`
	Tokens      []layer.Span `json:"tokens"`
	Sentences   []layer.Span `json:"sentences"`
	Annotations []Annotation `json:"annotations"`
}

// New builds an empty annotation set over text.
func New(document, owner, text string) *CAS {
	return &CAS{
		Document:  document,
		Owner:     owner,
		Text:      text,
		Tokens:    Tokenize(text),
		Sentences: SplitSentences(text),
	}
}

func (c *CAS) Clone() *CAS {
	out := *c
	out.Tokens = append([]layer.Span(nil), c.Tokens...)
	out.Sentences = append([]layer.Span(nil), c.Sentences...)
	out.Annotations = make([]Annotation, len(c.Annotations))
	for i, a := range c.Annotations {
		out.Annotations[i] = a.Clone()
	}
	return &out
}

// Reset copies text and segmentation from src and drops all annotations.
func (c *CAS) Reset(src *CAS) {
	c.Text = src.Text
	c.Tokens = append([]layer.Span(nil), src.Tokens...)
	c.Sentences = append([]layer.Span(nil), src.Sentences...)
	c.Annotations = nil
}

func (c *CAS) Get(id string) (Annotation, bool) {
	for _, a := range c.Annotations {
		if a.ID == id {
			return a, true
		}
	}
	return Annotation{}, false
}

// Select returns the annotations of a layer ordered by offset.
func (c *CAS) Select(layerName string) []Annotation {
	var out []Annotation
	for _, a := range c.Annotations {
		if a.Layer == layerName {
			out = append(out, a)
		}
	}
	sortByOffset(out)
	return out
}

// At returns the span annotations of a layer exactly covering s.
func (c *CAS) At(layerName string, s layer.Span) []Annotation {
	var out []Annotation
	for _, a := range c.Annotations {
		if a.Layer == layerName && !a.IsRelation() && a.Span() == s {
			out = append(out, a)
		}
	}
	return out
}

// Endpoints resolves the spans a relation connects.
func (c *CAS) Endpoints(a Annotation) (layer.Endpoints, bool) {
	source, ok := c.Get(a.Source)
	if !ok {
		return layer.Endpoints{}, false
	}
	target, ok := c.Get(a.Target)
	if !ok {
		return layer.Endpoints{}, false
	}
	return layer.Endpoints{Source: source.Span(), Target: target.Span()}, true
}

// Add stores a copy of a, assigning a fresh ID when it has none.
func (c *CAS) Add(a Annotation) string {
	a = a.Clone()
	if a.ID == "" {
		a.ID = util.NewID("ann")
	}
	c.Annotations = append(c.Annotations, a)
	return a.ID
}

// Update replaces the annotation with the same ID.
func (c *CAS) Update(a Annotation) bool {
	for i := range c.Annotations {
		if c.Annotations[i].ID == a.ID {
			c.Annotations[i] = a.Clone()
			return true
		}
	}
	return false
}

// Remove deletes an annotation together with the relations attached to it
// and the slot links pointing at it.
func (c *CAS) Remove(id string) bool {
	removed := false
	doomed := map[string]bool{id: true}
	for _, a := range c.Annotations {
		if a.IsRelation() && (a.Source == id || a.Target == id) {
			doomed[a.ID] = true
		}
	}
	kept := c.Annotations[:0]
	for _, a := range c.Annotations {
		if doomed[a.ID] {
			if a.ID == id {
				removed = true
			}
			continue
		}
		for name, links := range a.Links {
			filtered := links[:0]
			for _, link := range links {
				if link.Target != id {
					filtered = append(filtered, link)
				}
			}
			a.Links[name] = filtered
		}
		kept = append(kept, a)
	}
	c.Annotations = kept
	return removed
}

func sortByOffset(annotations []Annotation) {
	sort.SliceStable(annotations, func(i, j int) bool {
		if annotations[i].Begin != annotations[j].Begin {
			return annotations[i].Begin < annotations[j].Begin
		}
		return annotations[i].End < annotations[j].End
	})
}
