// Package docs is the project and document service: document rows in
// PostgreSQL and annotation sets in per-document git repositories.
package docs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loupe/api/internal/cas"
	"loupe/api/internal/gitrepo"
	"loupe/api/internal/lifecycle"
	"loupe/api/internal/store"
)

// ErrNoAnnotationSet is returned when a user has no annotation set for a
// document.
var ErrNoAnnotationSet = errors.New("no annotation set")

type dataStore interface {
	GetProject(ctx context.Context, projectID int64) (store.Project, error)
	UpdateProjectState(ctx context.Context, projectID int64, state lifecycle.ProjectState) error
	CreateSourceDocument(ctx context.Context, projectID int64, name string) (store.SourceDocument, error)
	GetSourceDocument(ctx context.Context, documentID int64) (store.SourceDocument, error)
	ListSourceDocuments(ctx context.Context, projectID int64) ([]store.SourceDocument, error)
	UpdateSourceDocumentState(ctx context.Context, documentID int64, state lifecycle.SourceDocumentState) error
	GetAnnotationDocument(ctx context.Context, sourceDocumentID int64, username string) (store.AnnotationDocument, error)
	CreateOrGetAnnotationDocument(ctx context.Context, source store.SourceDocument, username string) (store.AnnotationDocument, error)
	ListAnnotationDocuments(ctx context.Context, sourceDocumentID int64) ([]store.AnnotationDocument, error)
	UpdateAnnotationDocumentState(ctx context.Context, documentID int64, state lifecycle.AnnotationDocumentState, annotatorState *lifecycle.AnnotationDocumentState) error
	ResetAnnotationDocument(ctx context.Context, documentID int64) error
	TouchAnnotationDocument(ctx context.Context, documentID int64, at time.Time) error
}

type casRepository interface {
	ImportSource(documentID string, initial *cas.CAS, author string) error
	ReadSource(documentID string) (*cas.CAS, error)
	HasCAS(documentID, owner string) (bool, error)
	ReadCAS(documentID, owner string) (*cas.CAS, error)
	WriteCAS(documentID, owner string, content *cas.CAS, author, message string) (gitrepo.Commit, error)
	ResetCAS(documentID, owner, author string) (*cas.CAS, error)
	History(documentID, owner string, limit int) ([]gitrepo.Commit, error)
}

type Service struct {
	store  dataStore
	repos  casRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewService(ds dataStore, repos casRepository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  ds,
		repos:  repos,
		logger: logger.Named("docs"),
		now:    time.Now,
	}
}

// RepoID names the repository holding the annotation sets of a document.
func RepoID(documentID int64) string {
	return fmt.Sprintf("doc-%d", documentID)
}

func (s *Service) GetProject(ctx context.Context, projectID int64) (store.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

func (s *Service) GetSourceDocument(ctx context.Context, documentID int64) (store.SourceDocument, error) {
	return s.store.GetSourceDocument(ctx, documentID)
}

func (s *Service) ListSourceDocuments(ctx context.Context, projectID int64) ([]store.SourceDocument, error) {
	return s.store.ListSourceDocuments(ctx, projectID)
}

func (s *Service) ListAnnotationDocuments(ctx context.Context, documentID int64) ([]store.AnnotationDocument, error) {
	return s.store.ListAnnotationDocuments(ctx, documentID)
}

func (s *Service) GetAnnotationDocument(ctx context.Context, documentID int64, username string) (store.AnnotationDocument, error) {
	return s.store.GetAnnotationDocument(ctx, documentID, username)
}

// ImportSourceDocument registers a document and stores its text as the
// baseline every annotation set starts from.
func (s *Service) ImportSourceDocument(ctx context.Context, projectID int64, name, text, actor string) (store.SourceDocument, error) {
	doc, err := s.store.CreateSourceDocument(ctx, projectID, name)
	if err != nil {
		return store.SourceDocument{}, err
	}
	if err := s.repos.ImportSource(RepoID(doc.ID), cas.New(name, "", text), actor); err != nil {
		return store.SourceDocument{}, fmt.Errorf("import %s: %w", name, err)
	}
	s.logger.Info("imported source document", zap.Int64("project", projectID), zap.Int64("document", doc.ID), zap.String("name", name))
	return doc, nil
}

func (s *Service) CreateOrGetAnnotationDocument(ctx context.Context, doc store.SourceDocument, username string) (store.AnnotationDocument, error) {
	return s.store.CreateOrGetAnnotationDocument(ctx, doc, username)
}

// IsAnnotationFinished reports whether the user's annotation document is in
// FINISHED state. A missing document is not finished.
func (s *Service) IsAnnotationFinished(ctx context.Context, doc store.SourceDocument, username string) (bool, error) {
	ann, err := s.store.GetAnnotationDocument(ctx, doc.ID, username)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ann.State == lifecycle.AnnotationFinished, nil
}

// ReadAnnotationCas loads the annotation set of username. It fails with
// ErrNoAnnotationSet when the annotation document or its set is missing.
func (s *Service) ReadAnnotationCas(ctx context.Context, doc store.SourceDocument, username string) (*cas.CAS, error) {
	if _, err := s.store.GetAnnotationDocument(ctx, doc.ID, username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s on %s: %w", username, doc.Name, ErrNoAnnotationSet)
		}
		return nil, err
	}
	content, err := s.repos.ReadCAS(RepoID(doc.ID), username)
	if errors.Is(err, gitrepo.ErrNotFound) {
		return nil, fmt.Errorf("%s on %s: %w", username, doc.Name, ErrNoAnnotationSet)
	}
	if err != nil {
		return nil, fmt.Errorf("read annotation set: %w", err)
	}
	return content, nil
}

// ReadOrInitAnnotationCas returns the annotation set of username, creating
// the annotation document if needed and starting from the source baseline
// when nothing was written yet.
func (s *Service) ReadOrInitAnnotationCas(ctx context.Context, doc store.SourceDocument, username string) (store.AnnotationDocument, *cas.CAS, error) {
	ann, err := s.store.CreateOrGetAnnotationDocument(ctx, doc, username)
	if err != nil {
		return store.AnnotationDocument{}, nil, err
	}
	has, err := s.repos.HasCAS(RepoID(doc.ID), username)
	if err != nil {
		return store.AnnotationDocument{}, nil, fmt.Errorf("check annotation set: %w", err)
	}
	var content *cas.CAS
	if has {
		content, err = s.repos.ReadCAS(RepoID(doc.ID), username)
	} else {
		content, err = s.repos.ReadSource(RepoID(doc.ID))
	}
	if err != nil {
		return store.AnnotationDocument{}, nil, fmt.Errorf("read annotation set: %w", err)
	}
	content.Owner = username
	return ann, content, nil
}

// WriteAnnotationCas persists the whole annotation set of username and
// updates the last-modified timestamp of the annotation document.
func (s *Service) WriteAnnotationCas(ctx context.Context, doc store.SourceDocument, username string, content *cas.CAS, actor string) error {
	ann, err := s.store.CreateOrGetAnnotationDocument(ctx, doc, username)
	if err != nil {
		return err
	}
	if _, err := s.repos.WriteCAS(RepoID(doc.ID), username, content, actor, fmt.Sprintf("Update annotations of %s", username)); err != nil {
		return fmt.Errorf("write annotation set: %w", err)
	}
	if err := s.store.TouchAnnotationDocument(ctx, ann.ID, s.now()); err != nil {
		return err
	}
	return nil
}

// AnnotationHistory lists the writes to the annotation set of username,
// newest first.
func (s *Service) AnnotationHistory(ctx context.Context, doc store.SourceDocument, username string, limit int) ([]gitrepo.Commit, error) {
	if _, err := s.store.GetAnnotationDocument(ctx, doc.ID, username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s on %s: %w", username, doc.Name, ErrNoAnnotationSet)
		}
		return nil, err
	}
	commits, err := s.repos.History(RepoID(doc.ID), username, limit)
	if errors.Is(err, gitrepo.ErrNotFound) {
		return nil, fmt.Errorf("%s on %s: %w", username, doc.Name, ErrNoAnnotationSet)
	}
	return commits, err
}

// ResetAnnotationDocument moves the document back to NEW, clears its
// timestamp and annotator state and reinitializes the annotation set.
func (s *Service) ResetAnnotationDocument(ctx context.Context, doc store.SourceDocument, username, actor string) error {
	ann, err := s.store.GetAnnotationDocument(ctx, doc.ID, username)
	if err != nil {
		return err
	}
	if _, err := s.repos.ResetCAS(RepoID(doc.ID), username, actor); err != nil {
		return fmt.Errorf("reset annotation set: %w", err)
	}
	if err := s.store.ResetAnnotationDocument(ctx, ann.ID); err != nil {
		return err
	}
	s.logger.Info("reset annotation document",
		zap.Int64("document", doc.ID),
		zap.String("user", username),
		zap.String("actor", actor),
	)
	return nil
}

// TransitionSourceDocument applies a named transition and refreshes the
// project state.
func (s *Service) TransitionSourceDocument(ctx context.Context, documentID int64, transition string) (store.SourceDocument, error) {
	doc, err := s.store.GetSourceDocument(ctx, documentID)
	if err != nil {
		return store.SourceDocument{}, err
	}
	next, err := lifecycle.TransitionFrom(doc.State, transition)
	if err != nil {
		return store.SourceDocument{}, err
	}
	if lifecycle.IsDeprecated(transition) {
		s.logger.Warn("deprecated transition used", zap.String("transition", transition), zap.Int64("document", documentID))
	}
	if err := s.store.UpdateSourceDocumentState(ctx, documentID, next); err != nil {
		return store.SourceDocument{}, err
	}
	doc.State = next
	if err := s.RefreshProjectState(ctx, doc.ProjectID); err != nil {
		return store.SourceDocument{}, err
	}
	return doc, nil
}

// SetAnnotationDocumentState changes the effective state of an annotation
// document. Changes made by the annotator are also recorded as the
// annotator state; others leave it untouched.
func (s *Service) SetAnnotationDocumentState(ctx context.Context, doc store.SourceDocument, username string, to lifecycle.AnnotationDocumentState, byAnnotator bool) (store.AnnotationDocument, error) {
	ann, err := s.store.CreateOrGetAnnotationDocument(ctx, doc, username)
	if err != nil {
		return store.AnnotationDocument{}, err
	}
	if err := lifecycle.CheckAnnotationTransition(ann.State, to); err != nil {
		return store.AnnotationDocument{}, err
	}
	var reported *lifecycle.AnnotationDocumentState
	if byAnnotator {
		reported = &to
	}
	if err := s.store.UpdateAnnotationDocumentState(ctx, ann.ID, to, reported); err != nil {
		return store.AnnotationDocument{}, err
	}
	ann.State = to
	if reported != nil {
		ann.AnnotatorState = reported
	}

	if to != lifecycle.AnnotationInProgress || username == store.CurationUser {
		return ann, nil
	}
	current, err := s.store.GetSourceDocument(ctx, doc.ID)
	if err != nil {
		return store.AnnotationDocument{}, err
	}
	if current.State == lifecycle.SourceNew {
		if _, err := s.TransitionSourceDocument(ctx, doc.ID, lifecycle.NewToAnnotationInProgress); err != nil {
			return store.AnnotationDocument{}, err
		}
	}
	return ann, nil
}

// RefreshProjectState recomputes the project state from its documents.
func (s *Service) RefreshProjectState(ctx context.Context, projectID int64) error {
	docs, err := s.store.ListSourceDocuments(ctx, projectID)
	if err != nil {
		return err
	}
	states := make([]lifecycle.SourceDocumentState, 0, len(docs))
	for _, doc := range docs {
		states = append(states, doc.State)
	}
	return s.store.UpdateProjectState(ctx, projectID, lifecycle.AggregateProjectState(states))
}
