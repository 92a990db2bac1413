package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loupe/api/internal/lifecycle"
)

const sourceDocumentColumns = `id, project_id, name, state, state_updated`

func (s *PostgresStore) CreateSourceDocument(ctx context.Context, projectID int64, name string) (SourceDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO source_documents (project_id, name, state)
		VALUES ($1, $2, $3)
		RETURNING `+sourceDocumentColumns,
		projectID, name, string(lifecycle.SourceNew))
	doc, err := scanSourceDocument(row)
	if err != nil {
		return SourceDocument{}, fmt.Errorf("insert source document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetSourceDocument(ctx context.Context, documentID int64) (SourceDocument, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceDocumentColumns+` FROM source_documents WHERE id=$1`, documentID)
	doc, err := scanSourceDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SourceDocument{}, fmt.Errorf("source document %d: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return SourceDocument{}, fmt.Errorf("lookup source document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListSourceDocuments(ctx context.Context, projectID int64) ([]SourceDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sourceDocumentColumns+` FROM source_documents
		WHERE project_id=$1
		ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list source documents: %w", err)
	}
	defer rows.Close()

	var docs []SourceDocument
	for rows.Next() {
		doc, err := scanSourceDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpdateSourceDocumentState(ctx context.Context, documentID int64, state lifecycle.SourceDocumentState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE source_documents SET state=$2, state_updated=NOW() WHERE id=$1
	`, documentID, string(state))
	if err != nil {
		return fmt.Errorf("update source document state: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("source document %d", documentID))
}

const annotationDocumentColumns = `id, source_document_id, project_id, name, username, state, annotator_state, last_modified, state_updated`

func (s *PostgresStore) GetAnnotationDocument(ctx context.Context, sourceDocumentID int64, username string) (AnnotationDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+annotationDocumentColumns+` FROM annotation_documents
		WHERE source_document_id=$1 AND username=$2
	`, sourceDocumentID, username)
	doc, err := scanAnnotationDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AnnotationDocument{}, fmt.Errorf("annotation document %d/%s: %w", sourceDocumentID, username, ErrNotFound)
	}
	if err != nil {
		return AnnotationDocument{}, fmt.Errorf("lookup annotation document: %w", err)
	}
	return doc, nil
}

// CreateOrGetAnnotationDocument returns the working copy of username for the
// source document, creating it in state NEW when missing.
func (s *PostgresStore) CreateOrGetAnnotationDocument(ctx context.Context, source SourceDocument, username string) (AnnotationDocument, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_documents (source_document_id, project_id, name, username, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_document_id, username) DO NOTHING
	`, source.ID, source.ProjectID, source.Name, username, string(lifecycle.AnnotationNew)); err != nil {
		return AnnotationDocument{}, fmt.Errorf("insert annotation document: %w", err)
	}
	return s.GetAnnotationDocument(ctx, source.ID, username)
}

func (s *PostgresStore) ListAnnotationDocuments(ctx context.Context, sourceDocumentID int64) ([]AnnotationDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationDocumentColumns+` FROM annotation_documents
		WHERE source_document_id=$1
		ORDER BY username
	`, sourceDocumentID)
	if err != nil {
		return nil, fmt.Errorf("list annotation documents: %w", err)
	}
	defer rows.Close()

	var docs []AnnotationDocument
	for rows.Next() {
		doc, err := scanAnnotationDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateAnnotationDocumentState sets the effective state. A non-nil
// annotatorState is recorded as well; nil keeps the stored one.
func (s *PostgresStore) UpdateAnnotationDocumentState(ctx context.Context, documentID int64, state lifecycle.AnnotationDocumentState, annotatorState *lifecycle.AnnotationDocumentState) error {
	var reported sql.NullString
	if annotatorState != nil {
		reported = sql.NullString{String: string(*annotatorState), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE annotation_documents
		SET state=$2,
			annotator_state=COALESCE($3, annotator_state),
			state_updated=NOW()
		WHERE id=$1
	`, documentID, string(state), reported)
	if err != nil {
		return fmt.Errorf("update annotation document state: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("annotation document %d", documentID))
}

// ResetAnnotationDocument moves the document back to NEW and clears the
// annotator state and the last-modified timestamp.
func (s *PostgresStore) ResetAnnotationDocument(ctx context.Context, documentID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE annotation_documents
		SET state=$2, annotator_state=NULL, last_modified=NULL, state_updated=NOW()
		WHERE id=$1
	`, documentID, string(lifecycle.AnnotationNew))
	if err != nil {
		return fmt.Errorf("reset annotation document: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("annotation document %d", documentID))
}

func (s *PostgresStore) TouchAnnotationDocument(ctx context.Context, documentID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE annotation_documents SET last_modified=$2 WHERE id=$1`, documentID, at)
	if err != nil {
		return fmt.Errorf("touch annotation document: %w", err)
	}
	return expectOneRow(res, fmt.Sprintf("annotation document %d", documentID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSourceDocument(row rowScanner) (SourceDocument, error) {
	var (
		doc     SourceDocument
		state   string
		updated sql.NullTime
	)
	if err := row.Scan(&doc.ID, &doc.ProjectID, &doc.Name, &state, &updated); err != nil {
		return SourceDocument{}, err
	}
	doc.State = lifecycle.SourceDocumentState(state)
	if updated.Valid {
		doc.StateUpdated = &updated.Time
	}
	return doc, nil
}

func scanAnnotationDocument(row rowScanner) (AnnotationDocument, error) {
	var (
		doc          AnnotationDocument
		state        string
		reported     sql.NullString
		lastModified sql.NullTime
		updated      sql.NullTime
	)
	if err := row.Scan(&doc.ID, &doc.SourceDocumentID, &doc.ProjectID, &doc.Name, &doc.Username, &state, &reported, &lastModified, &updated); err != nil {
		return AnnotationDocument{}, err
	}
	doc.State = lifecycle.AnnotationDocumentState(state)
	if reported.Valid {
		annotatorState := lifecycle.AnnotationDocumentState(reported.String)
		doc.AnnotatorState = &annotatorState
	}
	if lastModified.Valid {
		doc.Timestamp = &lastModified.Time
	}
	if updated.Valid {
		doc.StateUpdated = &updated.Time
	}
	return doc, nil
}

func expectOneRow(res sql.Result, what string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
