package app

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"loupe/api/internal/curation"
	"loupe/api/internal/gitrepo"
	"loupe/api/internal/merge"
	"loupe/api/internal/session"
	"loupe/api/internal/store"
	"loupe/api/internal/util"
)

const (
	cookieName       = "loupe-session"
	cookieKeyUser    = "username"
	cookieMaxAgeSecs = 7 * 24 * 60 * 60

	defaultHistoryLimit = 50
)

type curationService interface {
	SetCurationTarget(ctx context.Context, viewer string, projectID int64, target string) error
	ListAnnotators(ctx context.Context, viewer string, projectID, documentID int64) ([]curation.Annotator, error)
	MergeOne(ctx context.Context, req curation.MergeOneRequest) (merge.Applied, error)
	MergeAll(ctx context.Context, viewer string, projectID int64, req curation.MergeAllRequest) (merge.Result, error)
	FinishCuration(ctx context.Context, viewer string, projectID, documentID int64) (store.SourceDocument, error)
	ReopenCuration(ctx context.Context, viewer string, projectID, documentID int64) (store.SourceDocument, error)
	TargetHistory(ctx context.Context, viewer string, projectID, documentID int64, limit int) ([]gitrepo.Commit, error)
	EndSession(ctx context.Context, username string) error
}

type sessionTable interface {
	Snapshot(ctx context.Context, key session.Key) (session.State, error)
	SetSelectedAnnotators(ctx context.Context, key session.Key, annotators []string) error
	ClearSelection(ctx context.Context, key session.Key) error
	SetShowAll(ctx context.Context, key session.Key, showAll bool) error
	DropSession(key session.Key)
}

type userDirectory interface {
	EnsureUser(ctx context.Context, username, displayName string) (store.User, error)
}

// Pinger is a dependency reported by /api/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Options struct {
	CORSOrigin    string
	SessionSecret string
	SecureCookies bool
	// Checks are probed by /api/ready, keyed by the name reported.
	Checks map[string]Pinger
}

type HTTPServer struct {
	curation curationService
	sessions sessionTable
	users    userDirectory
	cookies  *sessions.CookieStore
	checks   map[string]Pinger
	cors     string
	logger   *zap.Logger
}

func NewHTTPServer(curator curationService, table sessionTable, users userDirectory, opts Options, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	// The secret can be any passphrase; hashing it yields a 32-byte key.
	key := sha256.Sum256([]byte(opts.SessionSecret))
	cookies := sessions.NewCookieStore(key[:])
	cookies.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cookieMaxAgeSecs,
		HttpOnly: true,
		Secure:   opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	cors := opts.CORSOrigin
	if cors == "" {
		cors = "*"
	}
	return &HTTPServer{
		curation: curator,
		sessions: table,
		users:    users,
		cookies:  cookies,
		checks:   opts.Checks,
		cors:     cors,
		logger:   logger.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		s.handleLogout(w, r)
		return
	}

	username, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userName": username})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "projects" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	projectID, err := parseID(parts[2])
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	if len(parts) == 5 && parts[3] == "curation" {
		s.handleCuration(w, r, username, projectID, parts[4])
		return
	}

	if len(parts) == 7 && parts[3] == "documents" && parts[5] == "curation" {
		documentID, err := parseID(parts[4])
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		s.handleDocumentCuration(w, r, username, projectID, documentID, parts[6])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleLogin is the development login: any non-reserved name becomes a
// user and is stored in the session cookie.
func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_NAME", "Name is required", nil)
		return
	}
	if name == store.CurationUser {
		writeError(w, http.StatusBadRequest, "INVALID_NAME", "Name is reserved", nil)
		return
	}

	user, err := s.users.EnsureUser(r.Context(), name, name)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	cookie, _ := s.cookies.Get(r, cookieName)
	cookie.Values[cookieKeyUser] = user.Username
	if err := cookie.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userName":    user.Username,
		"displayName": user.DisplayName,
	})
}

// handleLogout ends the cookie session and flushes the user's curation
// settings. The cookie is cleared even when the flush fails.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, _ := s.cookies.Get(r, cookieName)
	username, _ := cookie.Values[cookieKeyUser].(string)

	cookie.Values = map[any]any{}
	cookie.Options.MaxAge = -1
	if err := cookie.Save(r, w); err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to clear session", nil)
		return
	}
	if username == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.curation.EndSession(r.Context(), username); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCuration(w http.ResponseWriter, r *http.Request, username string, projectID int64, action string) {
	key := session.Key{Username: username, ProjectID: projectID}

	switch {
	case action == "session" && r.Method == http.MethodGet:
		s.writeSnapshot(w, r, key)

	case action == "session" && r.Method == http.MethodDelete:
		s.sessions.DropSession(key)
		w.WriteHeader(http.StatusNoContent)

	case action == "selection" && r.Method == http.MethodPut:
		var body struct {
			Annotators []string `json:"annotators"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Annotators == nil {
			body.Annotators = []string{}
		}
		if err := s.sessions.SetSelectedAnnotators(r.Context(), key, body.Annotators); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		s.writeSnapshot(w, r, key)

	case action == "selection" && r.Method == http.MethodDelete:
		if err := s.sessions.ClearSelection(r.Context(), key); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		s.writeSnapshot(w, r, key)

	case action == "target" && r.Method == http.MethodPut:
		var body struct {
			Target string `json:"target"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.curation.SetCurationTarget(r.Context(), username, projectID, strings.TrimSpace(body.Target)); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		s.writeSnapshot(w, r, key)

	case action == "show-all" && r.Method == http.MethodPut:
		var body struct {
			ShowAll bool `json:"showAll"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.sessions.SetShowAll(r.Context(), key, body.ShowAll); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		s.writeSnapshot(w, r, key)

	case action == "merge-all" && r.Method == http.MethodPost:
		var body struct {
			Annotators []string              `json:"annotators"`
			Strategy   string                `json:"strategy"`
			Options    merge.StrategyOptions `json:"options"`
			Confirmed  bool                  `json:"confirmed"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.curation.MergeAll(r.Context(), username, projectID, curation.MergeAllRequest{
			Annotators: body.Annotators,
			Strategy:   body.Strategy,
			Options:    body.Options,
			Confirmed:  body.Confirmed,
		})
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		payload := map[string]any{
			"summary":   result.Summary,
			"documents": result.Documents,
			"message":   result.Describe(),
		}
		if result.Failure != nil {
			payload["failure"] = result.Failure.Error()
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDocumentCuration(w http.ResponseWriter, r *http.Request, username string, projectID, documentID int64, action string) {
	switch {
	case action == "annotators" && r.Method == http.MethodGet:
		annotators, err := s.curation.ListAnnotators(r.Context(), username, projectID, documentID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotators": annotators})

	case action == "merge" && r.Method == http.MethodPost:
		var body struct {
			SourceUser   string `json:"sourceUser"`
			AnnotationID string `json:"annotationId"`
			Feature      string `json:"feature"`
			Index        int    `json:"index"`
			Override     bool   `json:"override"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.SourceUser == "" || body.AnnotationID == "" {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "sourceUser and annotationId are required", nil)
			return
		}
		applied, err := s.curation.MergeOne(r.Context(), curation.MergeOneRequest{
			Viewer:     username,
			ProjectID:  projectID,
			DocumentID: documentID,
			SourceUser: body.SourceUser,
			Ref:        merge.Ref{AnnotationID: body.AnnotationID, Feature: body.Feature, Index: body.Index},
			Override:   body.Override,
		})
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"outcome":      applied.Outcome.String(),
			"annotationId": applied.AnnotationID,
		})

	case action == "history" && r.Method == http.MethodGet:
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
				return
			}
			limit = parsed
		}
		commits, err := s.curation.TargetHistory(r.Context(), username, projectID, documentID, limit)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})

	case action == "finish" && r.Method == http.MethodPost:
		doc, err := s.curation.FinishCuration(r.Context(), username, projectID, documentID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, documentPayload(doc))

	case action == "reopen" && r.Method == http.MethodPost:
		doc, err := s.curation.ReopenCuration(r.Context(), username, projectID, documentID)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, documentPayload(doc))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) writeSnapshot(w http.ResponseWriter, r *http.Request, key session.Key) {
	state, err := s.sessions.Snapshot(r.Context(), key)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if state.SelectedAnnotators == nil {
		state.SelectedAnnotators = []string{}
	}
	writeJSON(w, http.StatusOK, state)
}

func documentPayload(doc store.SourceDocument) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"projectId": doc.ProjectID,
		"name":      doc.Name,
		"state":     doc.State,
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := s.cookies.Get(r, cookieName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	username, _ := cookie.Values[cookieKeyUser].(string)
	if username == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return username, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.cors)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domainError(http.StatusBadRequest, "INVALID_ID", fmt.Sprintf("Invalid id %q", raw), nil)
	}
	return id, nil
}
