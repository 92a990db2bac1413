package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"loupe/api/internal/curation"
	"loupe/api/internal/gitrepo"
	"loupe/api/internal/merge"
	"loupe/api/internal/session"
	"loupe/api/internal/store"
)

// fakeUsers is the user directory behind login and session flushes. Every
// known user can access project 1.
type fakeUsers struct {
	mu    sync.Mutex
	users map[string]store.User
}

func (f *fakeUsers) EnsureUser(_ context.Context, username, displayName string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[username]; ok {
		return user, nil
	}
	user := store.User{Username: username, DisplayName: displayName, Enabled: true}
	f.users[username] = user
	return user, nil
}

func (f *fakeUsers) GetUser(_ context.Context, username string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[username]
	if !ok {
		return store.User{}, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	return user, nil
}

func (f *fakeUsers) ListAccessibleProjects(context.Context, string) ([]int64, error) {
	return []int64{1}, nil
}

// fakeCuration records requests and answers with the configured functions.
// EndSession goes to a real curation service over the session table.
type fakeCuration struct {
	setTargetFn     func(ctx context.Context, viewer string, projectID int64, target string) error
	listAnnotatorFn func(ctx context.Context, viewer string, projectID, documentID int64) ([]curation.Annotator, error)
	mergeOneFn      func(ctx context.Context, req curation.MergeOneRequest) (merge.Applied, error)
	mergeAllFn      func(ctx context.Context, viewer string, projectID int64, req curation.MergeAllRequest) (merge.Result, error)
	finishFn        func(ctx context.Context, viewer string, projectID, documentID int64) (store.SourceDocument, error)
	historyFn       func(ctx context.Context, viewer string, projectID, documentID int64, limit int) ([]gitrepo.Commit, error)
	ended           *curation.Service
}

func (f *fakeCuration) SetCurationTarget(ctx context.Context, viewer string, projectID int64, target string) error {
	if f.setTargetFn == nil {
		return nil
	}
	return f.setTargetFn(ctx, viewer, projectID, target)
}

func (f *fakeCuration) ListAnnotators(ctx context.Context, viewer string, projectID, documentID int64) ([]curation.Annotator, error) {
	if f.listAnnotatorFn == nil {
		return []curation.Annotator{}, nil
	}
	return f.listAnnotatorFn(ctx, viewer, projectID, documentID)
}

func (f *fakeCuration) MergeOne(ctx context.Context, req curation.MergeOneRequest) (merge.Applied, error) {
	if f.mergeOneFn == nil {
		return merge.Applied{Outcome: merge.Created, AnnotationID: "a1"}, nil
	}
	return f.mergeOneFn(ctx, req)
}

func (f *fakeCuration) MergeAll(ctx context.Context, viewer string, projectID int64, req curation.MergeAllRequest) (merge.Result, error) {
	if f.mergeAllFn == nil {
		return merge.Result{}, nil
	}
	return f.mergeAllFn(ctx, viewer, projectID, req)
}

func (f *fakeCuration) FinishCuration(ctx context.Context, viewer string, projectID, documentID int64) (store.SourceDocument, error) {
	if f.finishFn == nil {
		return store.SourceDocument{ID: documentID, ProjectID: projectID}, nil
	}
	return f.finishFn(ctx, viewer, projectID, documentID)
}

func (f *fakeCuration) ReopenCuration(_ context.Context, _ string, projectID, documentID int64) (store.SourceDocument, error) {
	return store.SourceDocument{ID: documentID, ProjectID: projectID}, nil
}

func (f *fakeCuration) TargetHistory(ctx context.Context, viewer string, projectID, documentID int64, limit int) ([]gitrepo.Commit, error) {
	if f.historyFn == nil {
		return []gitrepo.Commit{}, nil
	}
	return f.historyFn(ctx, viewer, projectID, documentID, limit)
}

func (f *fakeCuration) EndSession(ctx context.Context, username string) error {
	return f.ended.EndSession(ctx, username)
}

type harness struct {
	server   *HTTPServer
	curation *fakeCuration
	sessions *session.Store
	settings *session.RedisSettingsStore
	redis    *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mr := miniredis.RunT(t)
	settings, err := session.NewRedisSettingsStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis settings store: %v", err)
	}
	t.Cleanup(func() { _ = settings.Close() })

	users := &fakeUsers{users: map[string]store.User{}}
	sessions := session.New(settings, users, logger)
	fc := &fakeCuration{ended: curation.NewService(nil, nil, nil, sessions, logger)}
	server := NewHTTPServer(fc, sessions, users, Options{
		CORSOrigin:    "*",
		SessionSecret: "test-secret",
		Checks:        map[string]Pinger{"redis": settings},
	}, logger)
	return &harness{server: server, curation: fc, sessions: sessions, settings: settings, redis: mr}
}

// do serves one request, sending the cookies given and returning the
// recorder.
func (h *harness) do(method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	return rr
}

func (h *harness) login(t *testing.T, name string) []*http.Cookie {
	t.Helper()
	rr := h.do(http.MethodPost, "/api/session/login", fmt.Sprintf(`{"name":%q}`, name))
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", name, rr.Code, rr.Body.String())
	}
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("login %s: no session cookie", name)
	}
	return cookies
}
