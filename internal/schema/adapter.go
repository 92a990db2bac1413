package schema

import (
	"loupe/api/internal/cas"
)

// Adapter edits the annotations of one layer inside an annotation set.
type Adapter interface {
	Layer() Layer
	Add(c *cas.CAS, a cas.Annotation) (string, error)
	Delete(c *cas.CAS, id string) error
	SetFeatureValue(c *cas.CAS, id, feature, value string) error
	GetFeatureValue(c *cas.CAS, id, feature string) (string, error)
	// SetLink writes the link at index of a slot feature, growing the list
	// with empty links when needed.
	SetLink(c *cas.CAS, id, feature string, index int, link cas.Link) error
}

// AdapterFor returns the adapter matching the layer type.
func AdapterFor(l Layer) Adapter {
	if l.IsRelation() {
		return relationAdapter{base{layer: l}}
	}
	return spanAdapter{base{layer: l}}
}

type base struct {
	layer Layer
}

func (b base) Layer() Layer {
	return b.layer
}

func (b base) Delete(c *cas.CAS, id string) error {
	if _, err := b.own(c, id); err != nil {
		return err
	}
	c.Remove(id)
	return nil
}

func (b base) SetFeatureValue(c *cas.CAS, id, feature, value string) error {
	a, err := b.own(c, id)
	if err != nil {
		return err
	}
	f, ok := b.layer.Feature(feature)
	if !ok || f.IsLink() {
		return ErrUnknownFeature.New("%s has no primitive feature %q", describe(b.layer), feature)
	}
	a = a.Clone()
	if a.Features == nil {
		a.Features = map[string]string{}
	}
	if value == "" {
		delete(a.Features, feature)
	} else {
		a.Features[feature] = value
	}
	c.Update(a)
	return nil
}

func (b base) GetFeatureValue(c *cas.CAS, id, feature string) (string, error) {
	a, err := b.own(c, id)
	if err != nil {
		return "", err
	}
	if f, ok := b.layer.Feature(feature); !ok || f.IsLink() {
		return "", ErrUnknownFeature.New("%s has no primitive feature %q", describe(b.layer), feature)
	}
	return a.Features[feature], nil
}

func (b base) SetLink(c *cas.CAS, id, feature string, index int, link cas.Link) error {
	a, err := b.own(c, id)
	if err != nil {
		return err
	}
	f, ok := b.layer.Feature(feature)
	if !ok || !f.IsLink() {
		return ErrUnknownFeature.New("%s has no slot feature %q", describe(b.layer), feature)
	}
	if index < 0 {
		return ErrUnknownFeature.New("negative slot index %d", index)
	}
	if link.Target != "" {
		target, ok := c.Get(link.Target)
		if !ok {
			return ErrMissingAnnotation.New("slot target %s", link.Target)
		}
		if f.LinkTargetLayer != "" && target.Layer != f.LinkTargetLayer {
			return ErrUnknownFeature.New("slot %q accepts %q, not %q", feature, f.LinkTargetLayer, target.Layer)
		}
	}

	a = a.Clone()
	if a.Links == nil {
		a.Links = map[string][]cas.Link{}
	}
	links := a.Links[feature]
	for len(links) <= index {
		links = append(links, cas.Link{})
	}
	links[index] = link
	a.Links[feature] = links
	c.Update(a)
	return nil
}

func (b base) own(c *cas.CAS, id string) (cas.Annotation, error) {
	a, ok := c.Get(id)
	if !ok {
		return cas.Annotation{}, ErrMissingAnnotation.New("%s", id)
	}
	if a.Layer != b.layer.Name {
		return cas.Annotation{}, ErrMissingAnnotation.New("%s is on layer %q, not %q", id, a.Layer, b.layer.Name)
	}
	return a, nil
}

type spanAdapter struct {
	base
}

func (s spanAdapter) Add(c *cas.CAS, a cas.Annotation) (string, error) {
	if a.IsRelation() {
		return "", ErrMissingAnnotation.New("%s does not take relation endpoints", describe(s.layer))
	}
	if !s.layer.Anchoring.Fits(c.Tokens, c.Sentences, a.Begin, a.End) {
		return "", ErrInvalidAnchoring.New("[%d,%d) does not fit %s anchoring of %s", a.Begin, a.End, s.layer.Anchoring, describe(s.layer))
	}
	a.Layer = s.layer.Name
	return c.Add(a), nil
}

type relationAdapter struct {
	base
}

// Add stores a relation. Its offsets are those of the target endpoint.
func (r relationAdapter) Add(c *cas.CAS, a cas.Annotation) (string, error) {
	source, ok := c.Get(a.Source)
	if !ok {
		return "", ErrMissingAnnotation.New("relation source %s", a.Source)
	}
	target, ok := c.Get(a.Target)
	if !ok {
		return "", ErrMissingAnnotation.New("relation target %s", a.Target)
	}
	if attach := r.layer.AttachLayer; attach != "" && (source.Layer != attach || target.Layer != attach) {
		return "", ErrMissingAnnotation.New("%s attaches to %q", describe(r.layer), attach)
	}
	a.Layer = r.layer.Name
	a.Begin, a.End = target.Begin, target.End
	return c.Add(a), nil
}
