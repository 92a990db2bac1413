package store

import (
	"errors"
	"regexp"
	"time"

	"loupe/api/internal/layer"
	"loupe/api/internal/lifecycle"
	"loupe/api/internal/rbac"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// CurationUser owns the shared curation annotation set. It is never stored
// as a user row.
const CurationUser = "CURATION_USER"

const (
	LayerTypeSpan     = "span"
	LayerTypeRelation = "relation"

	FeatureTypePrimitive = "primitive"
	FeatureTypeLink      = "link"
)

type User struct {
	Username    string
	DisplayName string
	Enabled     bool
	CreatedAt   time.Time
}

func (u User) IsCurationUser() bool {
	return u.Username == CurationUser
}

// CurationUserPlaceholder builds the identity of the curation pseudo-user.
func CurationUserPlaceholder() User {
	return User{
		Username:    CurationUser,
		DisplayName: "Curation",
		Enabled:     true,
	}
}

var projectSlug = regexp.MustCompile(`^[a-z][a-z0-9_-]{2,39}$`)

// ValidProjectSlug checks the URL-safe project identifier: 3 to 40
// characters of lowercase letters, digits, dashes and underscores, starting
// with a letter.
func ValidProjectSlug(slug string) bool {
	return projectSlug.MatchString(slug)
}

type Project struct {
	ID                int64
	Slug              string
	Name              string
	State             lifecycle.ProjectState
	AnonymousCuration bool
	CreatedAt         time.Time
}

type ProjectMember struct {
	ProjectID int64
	Username  string
	Level     rbac.Level
}

type SourceDocument struct {
	ID           int64
	ProjectID    int64
	Name         string
	State        lifecycle.SourceDocumentState
	StateUpdated *time.Time
}

type AnnotationDocument struct {
	ID               int64
	SourceDocumentID int64
	ProjectID        int64
	Name             string
	Username         string
	State            lifecycle.AnnotationDocumentState
	// AnnotatorState is only written by the annotator and survives
	// overrides by curators, managers and the system.
	AnnotatorState *lifecycle.AnnotationDocumentState
	Timestamp      *time.Time
	StateUpdated   *time.Time
}

type AnnotationLayer struct {
	ID          int64
	ProjectID   int64
	Name        string
	Type        string
	AttachLayer string
	Anchoring   layer.AnchoringMode
	Overlap     layer.OverlapMode
	Enabled     bool
}

func (l AnnotationLayer) IsRelation() bool {
	return l.Type == LayerTypeRelation
}

type AnnotationFeature struct {
	ID              int64
	LayerID         int64
	Name            string
	Type            string
	LinkTargetLayer string
}

func (f AnnotationFeature) IsLink() bool {
	return f.Type == FeatureTypeLink
}

// CurationSettings is the durable mirror of a curation session.
// SelectedAnnotators is nil when no selection was ever made.
type CurationSettings struct {
	ProjectID          int64
	Username           string
	CurationTarget     string
	SelectedAnnotators []string
	ShowAll            bool
}
