// Package curation drives merges from annotator sets into the curation
// target of a session owner.
package curation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loupe/api/internal/cas"
	"loupe/api/internal/docs"
	"loupe/api/internal/gitrepo"
	"loupe/api/internal/lifecycle"
	"loupe/api/internal/merge"
	"loupe/api/internal/rbac"
	"loupe/api/internal/schema"
	"loupe/api/internal/session"
	"loupe/api/internal/store"
)

var (
	// ErrInvalidTarget marks curation targets that are neither the curation
	// pseudo-user nor a project member.
	ErrInvalidTarget = errs.Class("invalid curation target")
	// ErrInvalidRequest marks malformed merge requests.
	ErrInvalidRequest = errs.Class("invalid request")
)

type documentService interface {
	GetProject(ctx context.Context, projectID int64) (store.Project, error)
	GetSourceDocument(ctx context.Context, documentID int64) (store.SourceDocument, error)
	ListSourceDocuments(ctx context.Context, projectID int64) ([]store.SourceDocument, error)
	ListAnnotationDocuments(ctx context.Context, documentID int64) ([]store.AnnotationDocument, error)
	GetAnnotationDocument(ctx context.Context, documentID int64, username string) (store.AnnotationDocument, error)
	ReadAnnotationCas(ctx context.Context, doc store.SourceDocument, username string) (*cas.CAS, error)
	ReadOrInitAnnotationCas(ctx context.Context, doc store.SourceDocument, username string) (store.AnnotationDocument, *cas.CAS, error)
	WriteAnnotationCas(ctx context.Context, doc store.SourceDocument, username string, content *cas.CAS, actor string) error
	SetAnnotationDocumentState(ctx context.Context, doc store.SourceDocument, username string, to lifecycle.AnnotationDocumentState, byAnnotator bool) (store.AnnotationDocument, error)
	TransitionSourceDocument(ctx context.Context, documentID int64, transition string) (store.SourceDocument, error)
	AnnotationHistory(ctx context.Context, doc store.SourceDocument, username string, limit int) ([]gitrepo.Commit, error)
}

type schemaService interface {
	Layers(ctx context.Context, projectID int64) (schema.Set, error)
}

type memberDirectory interface {
	MemberLevels(ctx context.Context, projectID int64, username string) ([]rbac.Level, error)
}

type sessionStore interface {
	CurationTarget(ctx context.Context, key session.Key) (string, error)
	SetCurationTarget(ctx context.Context, key session.Key, target string) error
	ResolveCurationUser(ctx context.Context, name string) (store.User, error)
	SelectedAnnotators(ctx context.Context, key session.Key) ([]string, bool, error)
	ShowAll(ctx context.Context, key session.Key) (bool, error)
	FlushAndEvict(ctx context.Context, username string) error
}

type Service struct {
	docs     documentService
	schema   schemaService
	members  memberDirectory
	sessions sessionStore
	engine   *merge.Engine
	logger   *zap.Logger
}

func NewService(documents documentService, layers schemaService, members memberDirectory, sessions sessionStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		docs:     documents,
		schema:   layers,
		members:  members,
		sessions: sessions,
		engine:   merge.NewEngine(logger),
		logger:   logger.Named("curation"),
	}
}

func key(viewer string, projectID int64) session.Key {
	return session.Key{Username: viewer, ProjectID: projectID}
}

// CurationTarget returns the owner of the annotation set the viewer merges
// into.
func (s *Service) CurationTarget(ctx context.Context, viewer string, projectID int64) (string, error) {
	return s.sessions.CurationTarget(ctx, key(viewer, projectID))
}

// ResolveCurationUser resolves the viewer's current curation target.
func (s *Service) ResolveCurationUser(ctx context.Context, viewer string, projectID int64) (store.User, error) {
	target, err := s.CurationTarget(ctx, viewer, projectID)
	if err != nil {
		return store.User{}, err
	}
	return s.sessions.ResolveCurationUser(ctx, target)
}

// SetCurationTarget points the viewer's merges at target, which must be the
// curation pseudo-user or a project member.
func (s *Service) SetCurationTarget(ctx context.Context, viewer string, projectID int64, target string) error {
	if target != store.CurationUser {
		levels, err := s.members.MemberLevels(ctx, projectID, target)
		if err != nil {
			return err
		}
		eligible := false
		for _, level := range levels {
			if rbac.Can(level, rbac.ActionBeCurationTarget) {
				eligible = true
			}
		}
		if !eligible {
			return ErrInvalidTarget.New("%q is not a member of project %d", target, projectID)
		}
	}
	return s.sessions.SetCurationTarget(ctx, key(viewer, projectID), target)
}

// IsCurationFinished reports whether merging into target is closed for doc.
// For the curation pseudo-user that is the source document state; for a
// real user it is that user's annotation document state.
func (s *Service) IsCurationFinished(ctx context.Context, doc store.SourceDocument, target string) (bool, error) {
	if target == store.CurationUser {
		return doc.State.CurationFinished(), nil
	}
	ann, err := s.docs.GetAnnotationDocument(ctx, doc.ID, target)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ann.State.Terminal(), nil
}

// MergeOneRequest names a single annotation, or slot link, to copy from
// SourceUser's set into the viewer's curation target.
type MergeOneRequest struct {
	Viewer     string
	ProjectID  int64
	DocumentID int64
	SourceUser string
	Ref        merge.Ref
	Override   bool
}

// MergeOne copies one candidate and persists the target. The returned
// annotation ID is where the candidate landed.
func (s *Service) MergeOne(ctx context.Context, req MergeOneRequest) (merge.Applied, error) {
	doc, err := s.document(ctx, req.ProjectID, req.DocumentID)
	if err != nil {
		return merge.Applied{}, err
	}
	target, err := s.CurationTarget(ctx, req.Viewer, req.ProjectID)
	if err != nil {
		return merge.Applied{}, err
	}
	finished, err := s.IsCurationFinished(ctx, doc, target)
	if err != nil {
		return merge.Applied{}, err
	}
	if finished {
		return merge.Applied{}, merge.ErrCurationFinished.New("%s for %s", doc.Name, target)
	}

	source, err := s.docs.ReadAnnotationCas(ctx, doc, req.SourceUser)
	if errors.Is(err, docs.ErrNoAnnotationSet) {
		return merge.Applied{}, merge.ErrSourceNotFound.Wrap(err)
	}
	if err != nil {
		return merge.Applied{}, err
	}
	candidate, err := merge.CandidateFor(source, req.Ref)
	if err != nil {
		return merge.Applied{}, err
	}
	layers, err := s.schema.Layers(ctx, req.ProjectID)
	if err != nil {
		return merge.Applied{}, err
	}

	targetDoc, content, err := s.docs.ReadOrInitAnnotationCas(ctx, doc, target)
	if err != nil {
		return merge.Applied{}, err
	}
	applied, err := s.engine.Merge(content, candidate, layers, merge.Options{Override: req.Override})
	if err != nil {
		return merge.Applied{}, err
	}
	if err := s.docs.WriteAnnotationCas(ctx, doc, target, content, req.Viewer); err != nil {
		return merge.Applied{}, err
	}
	if err := s.markInProgress(ctx, doc, targetDoc); err != nil {
		return merge.Applied{}, err
	}

	s.logger.Info("merged annotation",
		zap.Int64("document", doc.ID),
		zap.String("source", req.SourceUser),
		zap.String("target", target),
		zap.Stringer("kind", candidate.Kind),
		zap.Stringer("outcome", applied.Outcome),
	)
	return applied, nil
}

// MergeAllRequest selects the sources and strategy of a bulk merge. An
// empty Annotators list falls back to the session selection. Confirmed
// must be set because a bulk merge can overwrite the target owner's edits.
type MergeAllRequest struct {
	Annotators []string
	Strategy   string
	Options    merge.StrategyOptions
	Confirmed  bool
}

// MergeAll merges the selected annotators into the viewer's curation
// target across every document of the project. Each document is merged in
// memory and written once; an abort leaves earlier documents written and
// the aborted one untouched, with the cause in Result.Failure.
func (s *Service) MergeAll(ctx context.Context, viewer string, projectID int64, req MergeAllRequest) (merge.Result, error) {
	if !req.Confirmed {
		return merge.Result{}, merge.ErrConfirmationRequired.New("bulk merge may overwrite existing curation")
	}
	strategy, err := merge.LookupStrategy(req.Strategy, req.Options)
	if err != nil {
		return merge.Result{}, ErrInvalidRequest.Wrap(err)
	}
	k := key(viewer, projectID)
	annotators := req.Annotators
	if len(annotators) == 0 {
		if annotators, _, err = s.sessions.SelectedAnnotators(ctx, k); err != nil {
			return merge.Result{}, err
		}
	}
	target, err := s.sessions.CurationTarget(ctx, k)
	if err != nil {
		return merge.Result{}, err
	}
	annotators = withoutUser(annotators, target)
	if len(annotators) == 0 {
		return merge.Result{}, ErrInvalidRequest.New("no annotators selected")
	}
	showAll, err := s.sessions.ShowAll(ctx, k)
	if err != nil {
		return merge.Result{}, err
	}
	layers, err := s.schema.Layers(ctx, projectID)
	if err != nil {
		return merge.Result{}, err
	}
	documents, err := s.docs.ListSourceDocuments(ctx, projectID)
	if err != nil {
		return merge.Result{}, err
	}

	var result merge.Result
	for _, doc := range documents {
		summary, err := s.mergeDocument(ctx, viewer, doc, target, annotators, showAll, strategy, layers)
		if err != nil {
			summary.Reason = "aborted"
			result.AddDocument(summary)
			result.Failure = err
			s.logger.Warn("bulk merge aborted",
				zap.Int64("project", projectID),
				zap.Int64("document", doc.ID),
				zap.Error(err),
			)
			return result, nil
		}
		result.AddDocument(summary)
	}

	s.logger.Info("bulk merge finished",
		zap.Int64("project", projectID),
		zap.String("target", target),
		zap.String("strategy", strategy.Name()),
		zap.String("summary", result.Summary.Describe()),
	)
	return result, nil
}

func (s *Service) mergeDocument(ctx context.Context, viewer string, doc store.SourceDocument, target string, annotators []string, showAll bool, strategy merge.Strategy, layers schema.Set) (merge.DocumentSummary, error) {
	summary := merge.DocumentSummary{DocumentID: doc.ID, Name: doc.Name}
	finished, err := s.IsCurationFinished(ctx, doc, target)
	if err != nil {
		return summary, err
	}
	if finished {
		summary.Reason = "curation finished"
		return summary, nil
	}

	sources, err := s.loadSources(ctx, doc, annotators, showAll)
	if err != nil {
		return summary, err
	}
	if len(sources) == 0 {
		summary.Reason = "nothing to merge"
		return summary, nil
	}

	targetDoc, content, err := s.docs.ReadOrInitAnnotationCas(ctx, doc, target)
	if err != nil {
		return summary, err
	}
	working := content.Clone()
	counts, err := s.engine.MergeDocument(working, sources, strategy, layers)
	summary.Summary = counts
	if err != nil {
		return summary, err
	}
	if counts.NoChanges() {
		return summary, nil
	}
	if err := s.docs.WriteAnnotationCas(ctx, doc, target, working, viewer); err != nil {
		return summary, err
	}
	summary.Written = true
	if err := s.markInProgress(ctx, doc, targetDoc); err != nil {
		return summary, err
	}
	return summary, nil
}

// loadSources reads each eligible annotator's set once, concurrently.
// Annotators without a set for the document are left out.
func (s *Service) loadSources(ctx context.Context, doc store.SourceDocument, annotators []string, showAll bool) ([]merge.Source, error) {
	states := map[string]lifecycle.AnnotationDocumentState{}
	anns, err := s.docs.ListAnnotationDocuments(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	for _, ann := range anns {
		states[ann.Username] = ann.State
	}

	loaded := make([]*cas.CAS, len(annotators))
	g, gctx := errgroup.WithContext(ctx)
	for i, annotator := range annotators {
		state, ok := states[annotator]
		if !ok || !eligible(state, showAll) {
			continue
		}
		g.Go(func() error {
			content, err := s.docs.ReadAnnotationCas(gctx, doc, annotator)
			if errors.Is(err, docs.ErrNoAnnotationSet) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("load %s for %s: %w", annotator, doc.Name, err)
			}
			loaded[i] = content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sources := make([]merge.Source, 0, len(annotators))
	for i, content := range loaded {
		if content != nil {
			sources = append(sources, merge.Source{Annotator: annotators[i], CAS: content})
		}
	}
	return sources, nil
}

// markInProgress moves the target annotation document out of NEW and the
// source document into curation.
func (s *Service) markInProgress(ctx context.Context, doc store.SourceDocument, targetDoc store.AnnotationDocument) error {
	if targetDoc.State == lifecycle.AnnotationNew {
		if _, err := s.docs.SetAnnotationDocumentState(ctx, doc, targetDoc.Username, lifecycle.AnnotationInProgress, false); err != nil {
			return err
		}
	}
	if transition := lifecycle.CurationStartTransition(doc.State); transition != "" {
		if _, err := s.docs.TransitionSourceDocument(ctx, doc.ID, transition); err != nil {
			return err
		}
	}
	return nil
}

// Annotator is one entry of the annotator list shown to a curator.
type Annotator struct {
	Username   string                            `json:"username"`
	Label      string                            `json:"label"`
	State      lifecycle.AnnotationDocumentState `json:"state"`
	Selected   bool                              `json:"selected"`
	Anonymized bool                              `json:"anonymized"`
}

// ListAnnotators lists the annotators whose work can be merged into the
// viewer's target for a document. Only finished annotators are listed
// unless show-all is set. Labels are anonymized on projects with anonymous
// curation for viewers below manager level.
func (s *Service) ListAnnotators(ctx context.Context, viewer string, projectID, documentID int64) ([]Annotator, error) {
	project, err := s.docs.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	doc, err := s.document(ctx, projectID, documentID)
	if err != nil {
		return nil, err
	}
	k := key(viewer, projectID)
	target, err := s.sessions.CurationTarget(ctx, k)
	if err != nil {
		return nil, err
	}
	showAll, err := s.sessions.ShowAll(ctx, k)
	if err != nil {
		return nil, err
	}
	selected, _, err := s.sessions.SelectedAnnotators(ctx, k)
	if err != nil {
		return nil, err
	}
	anonymize := false
	if project.AnonymousCuration {
		levels, err := s.members.MemberLevels(ctx, projectID, viewer)
		if err != nil {
			return nil, err
		}
		anonymize = !canSeeIdentities(levels)
	}

	anns, err := s.docs.ListAnnotationDocuments(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(anns, func(i, j int) bool { return anns[i].Username < anns[j].Username })

	isSelected := map[string]bool{}
	for _, name := range selected {
		isSelected[name] = true
	}
	out := []Annotator{}
	for _, ann := range anns {
		if ann.Username == store.CurationUser || ann.Username == target || !eligible(ann.State, showAll) {
			continue
		}
		entry := Annotator{
			Username: ann.Username,
			Label:    ann.Username,
			State:    ann.State,
			Selected: isSelected[ann.Username],
		}
		if anonymize {
			entry.Label = fmt.Sprintf("Anonymized annotator %d", len(out)+1)
			entry.Anonymized = true
		}
		out = append(out, entry)
	}
	return out, nil
}

// FinishCuration closes curation of a document. A real-user target also
// has its annotation document marked finished.
func (s *Service) FinishCuration(ctx context.Context, viewer string, projectID, documentID int64) (store.SourceDocument, error) {
	doc, err := s.document(ctx, projectID, documentID)
	if err != nil {
		return store.SourceDocument{}, err
	}
	target, err := s.CurationTarget(ctx, viewer, projectID)
	if err != nil {
		return store.SourceDocument{}, err
	}
	if _, err := lifecycle.TransitionFrom(doc.State, lifecycle.CurationInProgressToCurationFinished); err != nil {
		return store.SourceDocument{}, err
	}
	if target != store.CurationUser {
		if _, err := s.docs.SetAnnotationDocumentState(ctx, doc, target, lifecycle.AnnotationFinished, target == viewer); err != nil {
			return store.SourceDocument{}, err
		}
	}
	return s.docs.TransitionSourceDocument(ctx, doc.ID, lifecycle.CurationInProgressToCurationFinished)
}

// ReopenCuration reverses FinishCuration.
func (s *Service) ReopenCuration(ctx context.Context, viewer string, projectID, documentID int64) (store.SourceDocument, error) {
	doc, err := s.document(ctx, projectID, documentID)
	if err != nil {
		return store.SourceDocument{}, err
	}
	target, err := s.CurationTarget(ctx, viewer, projectID)
	if err != nil {
		return store.SourceDocument{}, err
	}
	if _, err := lifecycle.TransitionFrom(doc.State, lifecycle.CurationFinishedToCurationInProgress); err != nil {
		return store.SourceDocument{}, err
	}
	if target != store.CurationUser {
		if _, err := s.docs.SetAnnotationDocumentState(ctx, doc, target, lifecycle.AnnotationInProgress, target == viewer); err != nil {
			return store.SourceDocument{}, err
		}
	}
	return s.docs.TransitionSourceDocument(ctx, doc.ID, lifecycle.CurationFinishedToCurationInProgress)
}

// TargetHistory lists the writes to the viewer's curation target on a
// document. A target that was never written has no history.
func (s *Service) TargetHistory(ctx context.Context, viewer string, projectID, documentID int64, limit int) ([]gitrepo.Commit, error) {
	doc, err := s.document(ctx, projectID, documentID)
	if err != nil {
		return nil, err
	}
	target, err := s.CurationTarget(ctx, viewer, projectID)
	if err != nil {
		return nil, err
	}
	commits, err := s.docs.AnnotationHistory(ctx, doc, target, limit)
	if errors.Is(err, docs.ErrNoAnnotationSet) {
		return []gitrepo.Commit{}, nil
	}
	return commits, err
}

// EndSession persists and forgets the curation sessions of username.
func (s *Service) EndSession(ctx context.Context, username string) error {
	return s.sessions.FlushAndEvict(ctx, username)
}

func (s *Service) document(ctx context.Context, projectID, documentID int64) (store.SourceDocument, error) {
	doc, err := s.docs.GetSourceDocument(ctx, documentID)
	if err != nil {
		return store.SourceDocument{}, err
	}
	if doc.ProjectID != projectID {
		return store.SourceDocument{}, fmt.Errorf("document %d in project %d: %w", documentID, projectID, store.ErrNotFound)
	}
	return doc, nil
}

func eligible(state lifecycle.AnnotationDocumentState, showAll bool) bool {
	switch state {
	case lifecycle.AnnotationFinished:
		return true
	case lifecycle.AnnotationInProgress:
		return showAll
	default:
		return false
	}
}

func canSeeIdentities(levels []rbac.Level) bool {
	for _, level := range levels {
		if rbac.Can(level, rbac.ActionSeeIdentities) {
			return true
		}
	}
	return false
}

func withoutUser(names []string, user string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name != user {
			out = append(out, name)
		}
	}
	return out
}
