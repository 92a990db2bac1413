package curation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loupe/api/internal/cas"
	"loupe/api/internal/docs"
	"loupe/api/internal/lifecycle"
	"loupe/api/internal/merge"
	"loupe/api/internal/session"
	"loupe/api/internal/store"
)

func TestSetCurationTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target, err := f.svc.CurationTarget(ctx, "carol", 1)
	require.NoError(t, err)
	assert.Equal(t, "carol", target)

	err = f.svc.SetCurationTarget(ctx, "carol", 1, "mallory")
	require.Error(t, err)
	assert.True(t, ErrInvalidTarget.Has(err))

	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, "alice"))
	user, err := f.svc.ResolveCurationUser(ctx, "carol", 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, store.CurationUser))
	user, err = f.svc.ResolveCurationUser(ctx, "carol", 1)
	require.NoError(t, err)
	assert.True(t, user.IsCurationUser())
}

func TestMergeOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.importDoc(t, "doc1")
	f.annotate(t, doc, "alice", lifecycle.AnnotationFinished, pos(10, 13, "NNP"))
	f.annotate(t, doc, "bob", lifecycle.AnnotationFinished, pos(10, 13, "VB"))
	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, store.CurationUser))

	aliceTag := f.targetSet(t, doc, "alice").Select("pos")[0].ID
	bobTag := f.targetSet(t, doc, "bob").Select("pos")[0].ID

	applied, err := f.svc.MergeOne(ctx, MergeOneRequest{
		Viewer: "carol", ProjectID: 1, DocumentID: doc.ID,
		SourceUser: "alice", Ref: merge.Ref{AnnotationID: aliceTag},
	})
	require.NoError(t, err)
	assert.Equal(t, merge.Created, applied.Outcome)

	curated := f.targetSet(t, doc, store.CurationUser)
	merged, ok := curated.Get(applied.AnnotationID)
	require.True(t, ok)
	assert.Equal(t, "NNP", merged.Features["tag"])

	ann, err := f.docs.GetAnnotationDocument(ctx, doc.ID, store.CurationUser)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.AnnotationInProgress, ann.State)
	assert.NotNil(t, ann.Timestamp)
	assert.Nil(t, ann.AnnotatorState)

	source, err := f.docs.GetSourceDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.SourceCurationInProgress, source.State)

	bobReq := MergeOneRequest{
		Viewer: "carol", ProjectID: 1, DocumentID: doc.ID,
		SourceUser: "bob", Ref: merge.Ref{AnnotationID: bobTag},
	}
	_, err = f.svc.MergeOne(ctx, bobReq)
	require.Error(t, err)
	assert.True(t, merge.ErrAnnotationConflict.Has(err))

	bobReq.Override = true
	applied, err = f.svc.MergeOne(ctx, bobReq)
	require.NoError(t, err)
	assert.Equal(t, merge.Updated, applied.Outcome)
	tags := f.targetSet(t, doc, store.CurationUser).Select("pos")
	require.Len(t, tags, 1)
	assert.Equal(t, "VB", tags[0].Features["tag"])
}

func TestMergeOneSourceNotFound(t *testing.T) {
	f := newFixture(t)
	doc := f.importDoc(t, "doc1")

	_, err := f.svc.MergeOne(context.Background(), MergeOneRequest{
		Viewer: "carol", ProjectID: 1, DocumentID: doc.ID,
		SourceUser: "bob", Ref: merge.Ref{AnnotationID: "ann-1"},
	})
	require.Error(t, err)
	assert.True(t, merge.ErrSourceNotFound.Has(err))
	assert.ErrorIs(t, err, docs.ErrNoAnnotationSet)
}

func TestMergeOneRejectsFinishedCuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.importDoc(t, "doc1")
	f.annotate(t, doc, "alice", lifecycle.AnnotationFinished, pos(10, 13, "NNP"))
	ref := merge.Ref{AnnotationID: f.targetSet(t, doc, "alice").Select("pos")[0].ID}
	req := MergeOneRequest{Viewer: "carol", ProjectID: 1, DocumentID: doc.ID, SourceUser: "alice", Ref: ref}

	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, store.CurationUser))
	require.NoError(t, f.mem.UpdateSourceDocumentState(ctx, doc.ID, lifecycle.SourceCurationFinished))
	_, err := f.svc.MergeOne(ctx, req)
	require.Error(t, err)
	assert.True(t, merge.ErrCurationFinished.Has(err))
	_, err = f.docs.ReadAnnotationCas(ctx, doc, store.CurationUser)
	assert.ErrorIs(t, err, docs.ErrNoAnnotationSet, "nothing may be written")

	// A real-user target is finished when that user's document is.
	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, "carol"))
	f.annotate(t, doc, "carol", lifecycle.AnnotationFinished)
	_, err = f.svc.MergeOne(ctx, req)
	assert.True(t, merge.ErrCurationFinished.Has(err))
}

func TestMergeAllRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.MergeAll(context.Background(), "carol", 1, MergeAllRequest{Annotators: []string{"alice"}})
	require.Error(t, err)
	assert.True(t, merge.ErrConfirmationRequired.Has(err))
}

func TestMergeAllNeedsAnnotators(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.MergeAll(context.Background(), "carol", 1, MergeAllRequest{Confirmed: true})
	require.Error(t, err)
	assert.True(t, ErrInvalidRequest.Has(err))

	_, err = f.svc.MergeAll(context.Background(), "carol", 1, MergeAllRequest{Annotators: []string{"alice"}, Strategy: "coinFlip", Confirmed: true})
	assert.True(t, ErrInvalidRequest.Has(err))
}

func TestMergeAllSingleTokenFirstWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.importDoc(t, "doc1")
	f.annotate(t, doc, "alice", lifecycle.AnnotationFinished, ner(10, 13, "PER"))
	f.annotate(t, doc, "bob", lifecycle.AnnotationFinished, ner(10, 13, "ORG"))
	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, store.CurationUser))

	req := MergeAllRequest{Annotators: []string{"alice", "bob"}, Strategy: "firstWins", Confirmed: true}
	result, err := f.svc.MergeAll(ctx, "carol", 1, req)
	require.NoError(t, err)
	require.NoError(t, result.Failure)
	assert.Equal(t, 1, result.Summary.Created)
	assert.Equal(t, 1, result.Summary.Skipped)
	require.Len(t, result.Documents, 1)
	assert.True(t, result.Documents[0].Written)

	merged := f.targetSet(t, doc, store.CurationUser).Select("ner")
	require.Len(t, merged, 1)
	assert.Equal(t, "PER", merged[0].Features["value"])

	source, err := f.docs.GetSourceDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.SourceCurationInProgress, source.State)

	again, err := f.svc.MergeAll(ctx, "carol", 1, req)
	require.NoError(t, err)
	assert.True(t, again.Summary.NoChanges())
	assert.Equal(t, "no changes, 1 already present, 1 skipped", again.Summary.Describe())
	assert.False(t, again.Documents[0].Written)
	assert.Len(t, f.targetSet(t, doc, store.CurationUser).Select("ner"), 1)
}

func TestMergeAllUsesSessionSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.importDoc(t, "doc1")
	f.annotate(t, doc, "alice", lifecycle.AnnotationFinished, pos(0, 5, "NNP"))
	f.annotate(t, doc, "bob", lifecycle.AnnotationInProgress, pos(10, 13, "NNP"))
	require.NoError(t, f.sessions.SetSelectedAnnotators(ctx, session.Key{Username: "carol", ProjectID: 1}, []string{"alice", "bob", "carol"}))

	result, err := f.svc.MergeAll(ctx, "carol", 1, MergeAllRequest{Confirmed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Created, "bob is not finished and show-all is off")

	// The default target is the viewer's own set.
	own := f.targetSet(t, doc, "carol").Select("pos")
	require.Len(t, own, 1)
	assert.Equal(t, 0, own[0].Begin)
}

func TestMergeAllIsTransactionalPerDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.importDoc(t, "doc1")
	closed := f.importDoc(t, "doc2")
	broken := f.importDoc(t, "doc3")
	f.annotate(t, first, "alice", lifecycle.AnnotationFinished, pos(0, 5, "NNP"))
	f.annotate(t, closed, "alice", lifecycle.AnnotationFinished, pos(0, 5, "NNP"))
	f.annotate(t, broken, "alice", lifecycle.AnnotationFinished,
		pos(0, 5, "NNP"),
		cas.Annotation{Layer: "pos", Begin: 10, End: 13, Links: map[string][]cas.Link{"args": {{Role: "x", Target: "gone"}}}},
	)
	require.NoError(t, f.mem.UpdateSourceDocumentState(ctx, closed.ID, lifecycle.SourceCurationFinished))
	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, store.CurationUser))

	result, err := f.svc.MergeAll(ctx, "carol", 1, MergeAllRequest{Annotators: []string{"alice"}, Confirmed: true})
	require.NoError(t, err)
	require.Error(t, result.Failure)
	assert.True(t, merge.ErrBrokenReference.Has(result.Failure))

	require.Len(t, result.Documents, 3)
	assert.True(t, result.Documents[0].Written)
	assert.Equal(t, "curation finished", result.Documents[1].Reason)
	assert.Equal(t, "aborted", result.Documents[2].Reason)
	assert.False(t, result.Documents[2].Written)

	assert.Len(t, f.targetSet(t, first, store.CurationUser).Select("pos"), 1)
	_, err = f.docs.ReadAnnotationCas(ctx, broken, store.CurationUser)
	assert.ErrorIs(t, err, docs.ErrNoAnnotationSet)
}

func TestListAnnotators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.importDoc(t, "doc1")
	f.annotate(t, doc, "alice", lifecycle.AnnotationFinished)
	f.annotate(t, doc, "bob", lifecycle.AnnotationInProgress)

	list, err := f.svc.ListAnnotators(ctx, "carol", 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].Label)

	carol := session.Key{Username: "carol", ProjectID: 1}
	require.NoError(t, f.sessions.SetShowAll(ctx, carol, true))
	require.NoError(t, f.sessions.SetSelectedAnnotators(ctx, carol, []string{"bob"}))
	list, err = f.svc.ListAnnotators(ctx, "carol", 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"alice", "bob"}, []string{list[0].Label, list[1].Label})
	assert.False(t, list[0].Selected)
	assert.True(t, list[1].Selected)

	project := f.mem.projects[1]
	project.AnonymousCuration = true
	f.mem.projects[1] = project

	list, err = f.svc.ListAnnotators(ctx, "carol", 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anonymized annotator 1", list[0].Label)
	assert.Equal(t, "Anonymized annotator 2", list[1].Label)
	assert.True(t, list[0].Anonymized)

	require.NoError(t, f.sessions.SetShowAll(ctx, session.Key{Username: "dave", ProjectID: 1}, true))
	list, err = f.svc.ListAnnotators(ctx, "dave", 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", list[0].Label, "managers see identities")
}

func TestFinishAndReopenCuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.importDoc(t, "doc1")
	f.annotate(t, doc, "alice", lifecycle.AnnotationFinished, pos(0, 5, "NNP"))
	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, store.CurationUser))

	_, err := f.svc.FinishCuration(ctx, "carol", 1, doc.ID)
	assert.True(t, lifecycle.ErrInvalidTransition.Has(err), "curation has not started")

	_, err = f.svc.MergeAll(ctx, "carol", 1, MergeAllRequest{Annotators: []string{"alice"}, Confirmed: true})
	require.NoError(t, err)

	finished, err := f.svc.FinishCuration(ctx, "carol", 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.SourceCurationFinished, finished.State)
	assert.Equal(t, lifecycle.ProjectCurationFinished, f.mem.projects[1].State)

	reopened, err := f.svc.ReopenCuration(ctx, "carol", 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.SourceCurationInProgress, reopened.State)
	assert.Equal(t, lifecycle.ProjectCurationInProgress, f.mem.projects[1].State)
}

func TestFinishCurationLeavesTargetUntouchedOnInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.importDoc(t, "doc1")
	f.annotate(t, doc, "alice", lifecycle.AnnotationInProgress, pos(0, 5, "NNP"))
	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, "alice"))

	_, err := f.svc.FinishCuration(ctx, "carol", 1, doc.ID)
	require.Error(t, err)
	assert.True(t, lifecycle.ErrInvalidTransition.Has(err))

	ann, err := f.mem.GetAnnotationDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.AnnotationInProgress, ann.State)
	current, err := f.mem.GetSourceDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.SourceAnnotationInProgress, current.State)
	finished, err := f.svc.IsCurationFinished(ctx, current, "alice")
	require.NoError(t, err)
	assert.False(t, finished)

	_, err = f.svc.ReopenCuration(ctx, "carol", 1, doc.ID)
	assert.True(t, lifecycle.ErrInvalidTransition.Has(err))
	ann, err = f.mem.GetAnnotationDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.AnnotationInProgress, ann.State)
}

func TestEndSessionPersistsSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SetCurationTarget(ctx, "carol", 1, store.CurationUser))

	require.NoError(t, f.svc.EndSession(ctx, "carol"))
	assert.True(t, f.redis.Exists("curation:1:carol"))

	target, err := f.svc.CurationTarget(ctx, "carol", 1)
	require.NoError(t, err)
	assert.Equal(t, store.CurationUser, target)

	require.NoError(t, f.svc.EndSession(ctx, "anonymous"))
}

func TestTargetHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.importDoc(t, "doc1")
	f.annotate(t, doc, "alice", lifecycle.AnnotationFinished, ner(0, 5, "PER"), ner(10, 13, "PER"))

	commits, err := f.svc.TargetHistory(ctx, "carol", 1, doc.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, commits)

	for _, a := range f.targetSet(t, doc, "alice").Select("ner") {
		_, err := f.svc.MergeOne(ctx, MergeOneRequest{
			Viewer: "carol", ProjectID: 1, DocumentID: doc.ID,
			SourceUser: "alice", Ref: merge.Ref{AnnotationID: a.ID},
		})
		require.NoError(t, err)
	}

	commits, err = f.svc.TargetHistory(ctx, "carol", 1, doc.ID, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(commits), 2)
	assert.Equal(t, "carol", commits[0].Author)

	commits, err = f.svc.TargetHistory(ctx, "carol", 1, doc.ID, 1)
	require.NoError(t, err)
	assert.Len(t, commits, 1)

	_, err = f.svc.TargetHistory(ctx, "carol", 2, doc.ID, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
