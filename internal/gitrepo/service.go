// Package gitrepo persists annotation sets. Each source document gets its own
// repository; the main branch holds the imported source and every
// annotation-set owner gets a branch of its own, so one write is one commit.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"loupe/api/internal/cas"
)

const (
	casFile    = "cas.json"
	mainBranch = "main"
)

// ErrNotFound is returned when a document repository or an owner branch does
// not exist.
var ErrNotFound = errors.New("annotation set not found")

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	logger  *zap.Logger
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		baseDir: baseDir,
		logger:  logger.Named("gitrepo"),
		locks:   make(map[string]*sync.Mutex),
	}
}

// ImportSource creates the repository for a document with the initial,
// ownerless annotation set on main. Importing twice is a no-op.
func (s *Service) ImportSource(documentID string, initial *cas.CAS, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	baseline := initial.Clone()
	baseline.Owner = ""
	if err := writeCASFile(path, baseline); err != nil {
		return err
	}
	if _, err := worktree.Add(casFile); err != nil {
		return fmt.Errorf("git add baseline: %w", err)
	}
	hash, err := worktree.Commit("Import source document", &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	s.logger.Debug("imported source document", zap.String("document", documentID))
	return nil
}

// ReadSource returns the imported baseline of a document.
func (s *Service) ReadSource(documentID string) (*cas.CAS, error) {
	return s.read(documentID, mainBranch)
}

// HasCAS reports whether owner has an annotation set for the document.
func (s *Service) HasCAS(documentID, owner string) (bool, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(BranchName(owner)), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve branch for %s: %w", owner, err)
	}
	return true, nil
}

// ReadCAS loads the head of owner's annotation set.
func (s *Service) ReadCAS(documentID, owner string) (*cas.CAS, error) {
	return s.read(documentID, BranchName(owner))
}

// WriteCAS commits the full annotation set of owner. The owner branch is
// forked from main on first write. Writing unchanged content returns the
// current head without a new commit.
func (s *Service) WriteCAS(documentID, owner string, content *cas.CAS, author, message string) (Commit, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Commit{}, err
	}
	branch := BranchName(owner)
	if err := ensureBranch(repo, branch); err != nil {
		return Commit{}, err
	}

	stored := content.Clone()
	stored.Owner = owner
	payload, err := marshalCAS(stored)
	if err != nil {
		return Commit{}, err
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return Commit{}, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	head, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Commit{}, fmt.Errorf("load head commit: %w", err)
	}
	if current, err := readFile(head); err == nil && bytes.Equal(current, payload) {
		return toCommit(head), nil
	}

	hash, err := commit(repo, branch, payload, author, message)
	if err != nil {
		return Commit{}, err
	}
	committed, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	s.logger.Debug("wrote annotation set",
		zap.String("document", documentID),
		zap.String("owner", owner),
		zap.String("commit", committed.Hash.String()[:7]),
	)
	return toCommit(committed), nil
}

// ResetCAS reinitializes owner's annotation set from the imported source.
func (s *Service) ResetCAS(documentID, owner, author string) (*cas.CAS, error) {
	source, err := s.ReadSource(documentID)
	if err != nil {
		return nil, err
	}
	source.Owner = owner
	source.Annotations = nil
	if _, err := s.WriteCAS(documentID, owner, source, author, "Reset annotation set"); err != nil {
		return nil, err
	}
	return source, nil
}

// History lists the commits on owner's branch, newest first.
func (s *Service) History(documentID, owner string, limit int) ([]Commit, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(BranchName(owner)), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("history for %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch for %s: %w", owner, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// BranchName maps an owner to its branch.
func BranchName(owner string) string {
	var b strings.Builder
	b.WriteString("cas/")
	for _, r := range owner {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'), r == '-', r == '_':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "=%x", r)
		}
	}
	return b.String()
}

func (s *Service) read(documentID, branch string) (*cas.CAS, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, fmt.Errorf("branch %s: %w", branch, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	payload, err := readFile(commitObj)
	if err != nil {
		return nil, err
	}
	var content cas.CAS
	if err := json.Unmarshal(payload, &content); err != nil {
		return nil, fmt.Errorf("decode annotation set: %w", err)
	}
	return &content, nil
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func ensureBranch(repo *git.Repository, branch string) error {
	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err == nil {
		return nil
	}
	mainRef, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return fmt.Errorf("read main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, mainRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref %s: %w", branch, err)
	}
	return nil
}

func commit(repo *git.Repository, branch string, payload []byte, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("checkout branch %s: %w", branch, err)
	}

	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), casFile), payload, 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", casFile, err)
	}
	if _, err := worktree.Add(casFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add annotation set: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit annotation set: %w", err)
	}
	return hash, nil
}

func writeCASFile(root string, content *cas.CAS) error {
	payload, err := marshalCAS(content)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, casFile), payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", casFile, err)
	}
	return nil
}

func marshalCAS(content *cas.CAS) ([]byte, error) {
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal annotation set: %w", err)
	}
	return append(payload, '\n'), nil
}

func readFile(commitObj *object.Commit) ([]byte, error) {
	file, err := commitObj.File(casFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", casFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	return payload, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.loupe.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
