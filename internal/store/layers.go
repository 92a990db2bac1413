package store

import (
	"context"
	"fmt"

	"loupe/api/internal/layer"
)

func (s *PostgresStore) CreateLayer(ctx context.Context, l AnnotationLayer) (AnnotationLayer, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO annotation_layers (project_id, name, type, attach_layer, anchoring, overlap, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, l.ProjectID, l.Name, l.Type, l.AttachLayer, string(l.Anchoring), string(l.Overlap), l.Enabled).Scan(&l.ID)
	if err != nil {
		return AnnotationLayer{}, fmt.Errorf("insert layer: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) ListLayers(ctx context.Context, projectID int64) ([]AnnotationLayer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, type, attach_layer, anchoring, overlap, enabled
		FROM annotation_layers
		WHERE project_id=$1
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list layers: %w", err)
	}
	defer rows.Close()

	var layers []AnnotationLayer
	for rows.Next() {
		var (
			l                  AnnotationLayer
			anchoring, overlap string
		)
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Name, &l.Type, &l.AttachLayer, &anchoring, &overlap, &l.Enabled); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		l.Anchoring = layer.AnchoringMode(anchoring)
		l.Overlap = layer.OverlapMode(overlap)
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (s *PostgresStore) CreateFeature(ctx context.Context, f AnnotationFeature) (AnnotationFeature, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO annotation_features (layer_id, name, type, link_target_layer)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, f.LayerID, f.Name, f.Type, f.LinkTargetLayer).Scan(&f.ID)
	if err != nil {
		return AnnotationFeature{}, fmt.Errorf("insert feature: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFeatures(ctx context.Context, layerID int64) ([]AnnotationFeature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, layer_id, name, type, link_target_layer
		FROM annotation_features
		WHERE layer_id=$1
		ORDER BY id
	`, layerID)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var features []AnnotationFeature
	for rows.Next() {
		var f AnnotationFeature
		if err := rows.Scan(&f.ID, &f.LayerID, &f.Name, &f.Type, &f.LinkTargetLayer); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		features = append(features, f)
	}
	return features, rows.Err()
}
