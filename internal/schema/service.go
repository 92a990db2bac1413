// Package schema resolves the annotation layers of a project and provides the
// per-layer adapters that edit annotation sets.
package schema

import (
	"context"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"loupe/api/internal/layer"
	"loupe/api/internal/store"
)

var (
	// Error is the class for schema lookups that fail.
	Error = errs.Class("schema")
	// ErrInvalidAnchoring marks spans that do not fit the layer granularity.
	ErrInvalidAnchoring = errs.Class("invalid anchoring")
	// ErrUnknownFeature marks feature names the layer does not define.
	ErrUnknownFeature = errs.Class("unknown feature")
	// ErrMissingAnnotation marks references to annotations that are not in
	// the annotation set.
	ErrMissingAnnotation = errs.Class("missing annotation")
)

// Layer is a layer definition together with its features.
type Layer struct {
	store.AnnotationLayer
	Features []store.AnnotationFeature
}

func (l Layer) Feature(name string) (store.AnnotationFeature, bool) {
	for _, f := range l.Features {
		if f.Name == name {
			return f, true
		}
	}
	return store.AnnotationFeature{}, false
}

// LinkFeatures returns the slot features in definition order.
func (l Layer) LinkFeatures() []store.AnnotationFeature {
	var out []store.AnnotationFeature
	for _, f := range l.Features {
		if f.IsLink() {
			out = append(out, f)
		}
	}
	return out
}

func (l Layer) IsAllowStacking() bool {
	return layer.IsAllowStacking(l.EffectiveOverlap())
}

// EffectiveOverlap is the overlap mode after anchoring degeneration.
func (l Layer) EffectiveOverlap() layer.OverlapMode {
	return layer.Effective(l.Overlap, l.Anchoring)
}

// Set is the enabled layers of one project.
type Set struct {
	byName map[string]Layer
	order  []string
}

func NewSet(layers ...Layer) Set {
	set := Set{byName: make(map[string]Layer, len(layers))}
	for _, l := range layers {
		if _, dup := set.byName[l.Name]; !dup {
			set.order = append(set.order, l.Name)
		}
		set.byName[l.Name] = l
	}
	return set
}

func (s Set) Get(name string) (Layer, bool) {
	l, ok := s.byName[name]
	return l, ok
}

func (s Set) All() []Layer {
	out := make([]Layer, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

type dataStore interface {
	ListLayers(ctx context.Context, projectID int64) ([]store.AnnotationLayer, error)
	ListFeatures(ctx context.Context, layerID int64) ([]store.AnnotationFeature, error)
}

type Service struct {
	store  dataStore
	logger *zap.Logger
}

func NewService(ds dataStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: ds, logger: logger.Named("schema")}
}

// Layers loads the enabled layers of a project.
func (s *Service) Layers(ctx context.Context, projectID int64) (Set, error) {
	rows, err := s.store.ListLayers(ctx, projectID)
	if err != nil {
		return Set{}, Error.Wrap(err)
	}
	layers := make([]Layer, 0, len(rows))
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		features, err := s.store.ListFeatures(ctx, row.ID)
		if err != nil {
			return Set{}, Error.Wrap(err)
		}
		layers = append(layers, Layer{AnnotationLayer: row, Features: features})
	}
	return NewSet(layers...), nil
}

// Layer loads a single enabled layer by name.
func (s *Service) Layer(ctx context.Context, projectID int64, name string) (Layer, error) {
	set, err := s.Layers(ctx, projectID)
	if err != nil {
		return Layer{}, err
	}
	l, ok := set.Get(name)
	if !ok {
		return Layer{}, Error.New("layer %q: %v", name, store.ErrNotFound)
	}
	return l, nil
}

// Features lists the features of a layer.
func (s *Service) Features(ctx context.Context, projectID int64, layerName string) ([]store.AnnotationFeature, error) {
	l, err := s.Layer(ctx, projectID, layerName)
	if err != nil {
		return nil, err
	}
	return l.Features, nil
}

func describe(l Layer) string {
	return fmt.Sprintf("%s layer %q", l.Type, l.Name)
}
