package curation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"loupe/api/internal/cas"
	"loupe/api/internal/docs"
	"loupe/api/internal/gitrepo"
	"loupe/api/internal/layer"
	"loupe/api/internal/lifecycle"
	"loupe/api/internal/rbac"
	"loupe/api/internal/schema"
	"loupe/api/internal/session"
	"loupe/api/internal/store"
)

// memStore is an in-memory stand-in for the PostgreSQL store.
type memStore struct {
	mu          sync.Mutex
	projects    map[int64]store.Project
	sources     map[int64]store.SourceDocument
	annotations map[int64]store.AnnotationDocument
	layers      []store.AnnotationLayer
	features    []store.AnnotationFeature
	members     map[string][]rbac.Level
	nextID      int64
}

func newMemStore() *memStore {
	return &memStore{
		projects:    map[int64]store.Project{},
		sources:     map[int64]store.SourceDocument{},
		annotations: map[int64]store.AnnotationDocument{},
		members:     map[string][]rbac.Level{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) GetUser(_ context.Context, username string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[username]; !ok {
		return store.User{}, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	return store.User{Username: username, Enabled: true}, nil
}

func (m *memStore) ListAccessibleProjects(_ context.Context, username string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.members[username]) == 0 {
		return nil, nil
	}
	ids := []int64{}
	for id := range m.projects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memStore) MemberLevels(_ context.Context, _ int64, username string) ([]rbac.Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rbac.Level(nil), m.members[username]...), nil
}

func (m *memStore) GetProject(_ context.Context, projectID int64) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) UpdateProjectState(_ context.Context, projectID int64, state lifecycle.ProjectState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.projects[projectID]
	p.State = state
	m.projects[projectID] = p
	return nil
}

func (m *memStore) CreateSourceDocument(_ context.Context, projectID int64, name string) (store.SourceDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := store.SourceDocument{ID: m.id(), ProjectID: projectID, Name: name, State: lifecycle.SourceNew}
	m.sources[doc.ID] = doc
	return doc, nil
}

func (m *memStore) GetSourceDocument(_ context.Context, documentID int64) (store.SourceDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.sources[documentID]
	if !ok {
		return store.SourceDocument{}, store.ErrNotFound
	}
	return doc, nil
}

func (m *memStore) ListSourceDocuments(_ context.Context, projectID int64) ([]store.SourceDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.SourceDocument{}
	for _, doc := range m.sources {
		if doc.ProjectID == projectID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateSourceDocumentState(_ context.Context, documentID int64, state lifecycle.SourceDocumentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.sources[documentID]
	if !ok {
		return store.ErrNotFound
	}
	doc.State = state
	m.sources[documentID] = doc
	return nil
}

func (m *memStore) findAnnotation(sourceID int64, username string) (store.AnnotationDocument, bool) {
	for _, ann := range m.annotations {
		if ann.SourceDocumentID == sourceID && ann.Username == username {
			return ann, true
		}
	}
	return store.AnnotationDocument{}, false
}

func (m *memStore) GetAnnotationDocument(_ context.Context, sourceID int64, username string) (store.AnnotationDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ann, ok := m.findAnnotation(sourceID, username)
	if !ok {
		return store.AnnotationDocument{}, store.ErrNotFound
	}
	return ann, nil
}

func (m *memStore) CreateOrGetAnnotationDocument(_ context.Context, source store.SourceDocument, username string) (store.AnnotationDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ann, ok := m.findAnnotation(source.ID, username); ok {
		return ann, nil
	}
	ann := store.AnnotationDocument{
		ID:               m.id(),
		SourceDocumentID: source.ID,
		ProjectID:        source.ProjectID,
		Name:             source.Name,
		Username:         username,
		State:            lifecycle.AnnotationNew,
	}
	m.annotations[ann.ID] = ann
	return ann, nil
}

func (m *memStore) ListAnnotationDocuments(_ context.Context, sourceID int64) ([]store.AnnotationDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.AnnotationDocument{}
	for _, ann := range m.annotations {
		if ann.SourceDocumentID == sourceID {
			out = append(out, ann)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *memStore) UpdateAnnotationDocumentState(_ context.Context, id int64, state lifecycle.AnnotationDocumentState, annotatorState *lifecycle.AnnotationDocumentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ann, ok := m.annotations[id]
	if !ok {
		return store.ErrNotFound
	}
	ann.State = state
	if annotatorState != nil {
		reported := *annotatorState
		ann.AnnotatorState = &reported
	}
	m.annotations[id] = ann
	return nil
}

func (m *memStore) ResetAnnotationDocument(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ann := m.annotations[id]
	ann.State = lifecycle.AnnotationNew
	ann.AnnotatorState = nil
	ann.Timestamp = nil
	m.annotations[id] = ann
	return nil
}

func (m *memStore) TouchAnnotationDocument(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ann := m.annotations[id]
	ann.Timestamp = &at
	m.annotations[id] = ann
	return nil
}

func (m *memStore) ListLayers(context.Context, int64) ([]store.AnnotationLayer, error) {
	return m.layers, nil
}

func (m *memStore) ListFeatures(_ context.Context, layerID int64) ([]store.AnnotationFeature, error) {
	out := []store.AnnotationFeature{}
	for _, f := range m.features {
		if f.LayerID == layerID {
			out = append(out, f)
		}
	}
	return out, nil
}

// Tokens: Alice[0,5) met[6,9) Bob[10,13) in[14,16) Paris[17,22) .[22,23)
const text = "Alice met Bob in Paris."

type fixture struct {
	mem      *memStore
	docs     *docs.Service
	sessions *session.Store
	redis    *miniredis.Miniredis
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mem := newMemStore()
	mem.projects[1] = store.Project{ID: 1, Slug: "news", Name: "News", State: lifecycle.ProjectNew}
	mem.members["alice"] = []rbac.Level{rbac.LevelAnnotator}
	mem.members["bob"] = []rbac.Level{rbac.LevelAnnotator}
	mem.members["carol"] = []rbac.Level{rbac.LevelCurator}
	mem.members["dave"] = []rbac.Level{rbac.LevelManager}
	mem.layers = []store.AnnotationLayer{
		{ID: 1, ProjectID: 1, Name: "ner", Type: store.LayerTypeSpan, Anchoring: layer.SingleToken, Overlap: layer.AnyOverlap, Enabled: true},
		{ID: 2, ProjectID: 1, Name: "pos", Type: store.LayerTypeSpan, Anchoring: layer.Tokens, Overlap: layer.NoOverlap, Enabled: true},
	}
	mem.features = []store.AnnotationFeature{
		{ID: 1, LayerID: 1, Name: "value", Type: store.FeatureTypePrimitive},
		{ID: 2, LayerID: 2, Name: "tag", Type: store.FeatureTypePrimitive},
	}

	mr := miniredis.RunT(t)
	settings, err := session.NewRedisSettingsStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = settings.Close() })

	documents := docs.NewService(mem, gitrepo.New(t.TempDir(), logger), logger)
	sessions := session.New(settings, mem, logger)
	return &fixture{
		mem:      mem,
		docs:     documents,
		sessions: sessions,
		redis:    mr,
		svc:      NewService(documents, schema.NewService(mem, logger), mem, sessions, logger),
	}
}

func (f *fixture) importDoc(t *testing.T, name string) store.SourceDocument {
	t.Helper()
	doc, err := f.docs.ImportSourceDocument(context.Background(), 1, name, text, "admin")
	require.NoError(t, err)
	return doc
}

// annotate writes the annotations of username on doc and sets the document
// to state, as the annotator would.
func (f *fixture) annotate(t *testing.T, doc store.SourceDocument, username string, state lifecycle.AnnotationDocumentState, annotations ...cas.Annotation) {
	t.Helper()
	ctx := context.Background()
	_, content, err := f.docs.ReadOrInitAnnotationCas(ctx, doc, username)
	require.NoError(t, err)
	for _, a := range annotations {
		content.Add(a)
	}
	require.NoError(t, f.docs.WriteAnnotationCas(ctx, doc, username, content, username))

	_, err = f.docs.SetAnnotationDocumentState(ctx, doc, username, lifecycle.AnnotationInProgress, true)
	require.NoError(t, err)
	if state == lifecycle.AnnotationFinished {
		_, err = f.docs.SetAnnotationDocumentState(ctx, doc, username, lifecycle.AnnotationFinished, true)
		require.NoError(t, err)
	}
}

func ner(begin, end int, value string) cas.Annotation {
	return cas.Annotation{Layer: "ner", Begin: begin, End: end, Features: map[string]string{"value": value}}
}

func pos(begin, end int, tag string) cas.Annotation {
	return cas.Annotation{Layer: "pos", Begin: begin, End: end, Features: map[string]string{"tag": tag}}
}

func (f *fixture) targetSet(t *testing.T, doc store.SourceDocument, owner string) *cas.CAS {
	t.Helper()
	content, err := f.docs.ReadAnnotationCas(context.Background(), doc, owner)
	require.NoError(t, err)
	return content
}
