package merge

import (
	"fmt"
	"strings"
)

// Summary counts candidate outcomes.
type Summary struct {
	Documents  int `json:"documents"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Unchanged  int `json:"unchanged"`
	Skipped    int `json:"skipped"`
	Conflicted int `json:"conflicted"`
}

func (s *Summary) record(o Outcome) {
	switch o {
	case Created:
		s.Created++
	case Updated:
		s.Updated++
	case Unchanged:
		s.Unchanged++
	}
}

func (s *Summary) Add(other Summary) {
	s.Documents += other.Documents
	s.Created += other.Created
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
	s.Skipped += other.Skipped
	s.Conflicted += other.Conflicted
}

// NoChanges reports whether nothing was created or updated.
func (s Summary) NoChanges() bool {
	return s.Created == 0 && s.Updated == 0
}

func (s Summary) Describe() string {
	if s.NoChanges() && s.Skipped == 0 && s.Conflicted == 0 {
		return "no changes"
	}
	parts := []string{}
	if s.NoChanges() {
		parts = append(parts, "no changes")
	} else {
		parts = append(parts, fmt.Sprintf("%d created", s.Created), fmt.Sprintf("%d updated", s.Updated))
	}
	if s.Unchanged > 0 {
		parts = append(parts, fmt.Sprintf("%d already present", s.Unchanged))
	}
	if s.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", s.Skipped))
	}
	if s.Conflicted > 0 {
		parts = append(parts, fmt.Sprintf("%d conflicted", s.Conflicted))
	}
	return strings.Join(parts, ", ")
}

// DocumentSummary is the outcome for one target document.
type DocumentSummary struct {
	DocumentID int64   `json:"documentId"`
	Name       string  `json:"name"`
	Summary    Summary `json:"summary"`
	// Written is set when the target set was persisted.
	Written bool `json:"written"`
	// Reason explains why a document was left alone.
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of a bulk merge. Documents lists every document
// visited, written or not. Failure holds the cause of an abort; documents
// listed as written before it stay written.
type Result struct {
	Summary   Summary           `json:"summary"`
	Documents []DocumentSummary `json:"documents"`
	Failure   error             `json:"-"`
}

func (r *Result) AddDocument(doc DocumentSummary) {
	r.Documents = append(r.Documents, doc)
	r.Summary.Add(doc.Summary)
}

func (r Result) Describe() string {
	if r.Failure != nil {
		return fmt.Sprintf("aborted after %d document(s): %v (%s)", r.Summary.Documents, r.Failure, r.Summary.Describe())
	}
	return r.Summary.Describe()
}
