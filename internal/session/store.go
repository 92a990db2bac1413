// Package session keeps the per-user, per-project curation settings in memory
// and mirrors them to durable storage when the owning web session ends.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"loupe/api/internal/store"
)

// ErrStorageFailure marks durable reads and writes that failed. The
// in-memory state is kept when it is returned.
var ErrStorageFailure = errs.Class("storage failure")

// Key identifies one curation session.
type Key struct {
	Username  string
	ProjectID int64
}

// State is an immutable snapshot of a curation session. SelectedAnnotators
// is nil until a selection is made. An empty CurationTarget means the session
// owner curates into their own annotation set.
type State struct {
	SelectedAnnotators []string `json:"selectedAnnotators"`
	CurationTarget     string   `json:"curationTarget"`
	ShowAll            bool     `json:"showAll"`
}

func (s State) clone() State {
	if s.SelectedAnnotators != nil {
		s.SelectedAnnotators = append([]string{}, s.SelectedAnnotators...)
	}
	return s
}

// SettingsStore is the durable side of the session table.
type SettingsStore interface {
	GetCurationSettings(ctx context.Context, projectID int64, username string) (store.CurationSettings, error)
	WithCurationSettingsTx(ctx context.Context, fn func(store.CurationSettingsTx) error) error
}

// Directory resolves principals and their projects.
type Directory interface {
	GetUser(ctx context.Context, username string) (store.User, error)
	ListAccessibleProjects(ctx context.Context, username string) ([]int64, error)
}

type entry struct {
	state atomic.Pointer[State]
}

// Store is the in-memory session table. Reads of an existing entry are lock
// free; every write and every first-time hydration goes through mu.
type Store struct {
	settings  SettingsStore
	directory Directory
	logger    *zap.Logger

	mu      sync.Mutex
	entries sync.Map
}

func New(settings SettingsStore, directory Directory, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		settings:  settings,
		directory: directory,
		logger:    logger.Named("session"),
	}
}

// Snapshot returns a copy of the current state of a session.
func (s *Store) Snapshot(ctx context.Context, key Key) (State, error) {
	e, err := s.load(ctx, key)
	if err != nil {
		return State{}, err
	}
	state := e.state.Load().clone()
	if state.CurationTarget == "" {
		state.CurationTarget = key.Username
	}
	return state, nil
}

// SelectedAnnotators reports the selection and whether one was ever made.
func (s *Store) SelectedAnnotators(ctx context.Context, key Key) ([]string, bool, error) {
	e, err := s.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	state := e.state.Load().clone()
	return state.SelectedAnnotators, state.SelectedAnnotators != nil, nil
}

// SetSelectedAnnotators replaces the whole selection.
func (s *Store) SetSelectedAnnotators(ctx context.Context, key Key, annotators []string) error {
	selection := append([]string{}, annotators...)
	return s.update(ctx, key, func(state *State) {
		state.SelectedAnnotators = selection
	})
}

// ClearSelection empties the selection and leaves the target alone.
func (s *Store) ClearSelection(ctx context.Context, key Key) error {
	return s.update(ctx, key, func(state *State) {
		state.SelectedAnnotators = []string{}
	})
}

// CurationTarget returns the owner of the annotation set merges go into,
// defaulting to the session owner.
func (s *Store) CurationTarget(ctx context.Context, key Key) (string, error) {
	e, err := s.load(ctx, key)
	if err != nil {
		return "", err
	}
	if target := e.state.Load().CurationTarget; target != "" {
		return target, nil
	}
	return key.Username, nil
}

func (s *Store) SetCurationTarget(ctx context.Context, key Key, target string) error {
	return s.update(ctx, key, func(state *State) {
		state.CurationTarget = target
	})
}

// ResolveCurationUser turns a curation target name into a user. The curation
// pseudo-user resolves to its placeholder without a lookup.
func (s *Store) ResolveCurationUser(ctx context.Context, name string) (store.User, error) {
	if name == store.CurationUser {
		return store.CurationUserPlaceholder(), nil
	}
	user, err := s.directory.GetUser(ctx, name)
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (s *Store) ShowAll(ctx context.Context, key Key) (bool, error) {
	e, err := s.load(ctx, key)
	if err != nil {
		return false, err
	}
	return e.state.Load().ShowAll, nil
}

func (s *Store) SetShowAll(ctx context.Context, key Key, showAll bool) error {
	return s.update(ctx, key, func(state *State) {
		state.ShowAll = showAll
	})
}

// DropSession evicts an entry without writing it back.
func (s *Store) DropSession(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Delete(key)
}

// FlushAndEvict writes every in-memory session of username back to durable
// storage, one transaction per project, and evicts the entries that were
// written. Entries that fail to flush stay in memory. Unknown principals are
// ignored.
func (s *Store) FlushAndEvict(ctx context.Context, username string) error {
	if _, err := s.directory.GetUser(ctx, username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		s.logger.Error("resolve session principal", zap.String("user", username), zap.Error(err))
		return ErrStorageFailure.Wrap(err)
	}

	projects, err := s.directory.ListAccessibleProjects(ctx, username)
	if err != nil {
		s.logger.Error("list accessible projects", zap.String("user", username), zap.Error(err))
		return ErrStorageFailure.Wrap(err)
	}
	accessible := make(map[int64]bool, len(projects))

	var group errs.Group
	for _, projectID := range projects {
		accessible[projectID] = true
		key := Key{Username: username, ProjectID: projectID}
		if err := s.flush(ctx, key); err != nil {
			s.logger.Error("flush curation settings",
				zap.String("user", username),
				zap.Int64("project", projectID),
				zap.Error(err),
			)
			group.Add(ErrStorageFailure.Wrap(err))
		}
	}

	s.mu.Lock()
	s.entries.Range(func(k, _ any) bool {
		key := k.(Key)
		if key.Username == username && !accessible[key.ProjectID] {
			s.entries.Delete(key)
		}
		return true
	})
	s.mu.Unlock()

	return group.Err()
}

func (s *Store) flush(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries.Load(key)
	if !ok {
		return nil
	}
	state := v.(*entry).state.Load()
	settings := store.CurationSettings{
		ProjectID:          key.ProjectID,
		Username:           key.Username,
		CurationTarget:     state.CurationTarget,
		SelectedAnnotators: state.clone().SelectedAnnotators,
		ShowAll:            state.ShowAll,
	}
	if settings.CurationTarget == "" {
		settings.CurationTarget = key.Username
	}

	err := s.settings.WithCurationSettingsTx(ctx, func(tx store.CurationSettingsTx) error {
		_, found, err := tx.GetCurationSettingsForUpdate(ctx, key.ProjectID, key.Username)
		if err != nil {
			return err
		}
		if found {
			return tx.UpdateCurationSettings(ctx, settings)
		}
		return tx.InsertCurationSettings(ctx, settings)
	})
	if err != nil {
		return err
	}
	s.entries.Delete(key)
	s.logger.Debug("flushed curation settings", zap.String("user", key.Username), zap.Int64("project", key.ProjectID))
	return nil
}

func (s *Store) load(ctx context.Context, key Key) (*entry, error) {
	if v, ok := s.entries.Load(key); ok {
		return v.(*entry), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, key)
}

// loadLocked hydrates an entry from durable storage, falling back to
// defaults. The caller holds mu.
func (s *Store) loadLocked(ctx context.Context, key Key) (*entry, error) {
	if v, ok := s.entries.Load(key); ok {
		return v.(*entry), nil
	}

	var state State
	settings, err := s.settings.GetCurationSettings(ctx, key.ProjectID, key.Username)
	switch {
	case err == nil:
		state = State{
			SelectedAnnotators: settings.SelectedAnnotators,
			CurationTarget:     settings.CurationTarget,
			ShowAll:            settings.ShowAll,
		}
		if state.CurationTarget == key.Username {
			state.CurationTarget = ""
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, ErrStorageFailure.Wrap(err)
	}

	e := &entry{}
	e.state.Store(&state)
	s.entries.Store(key, e)
	return e, nil
}

func (s *Store) update(ctx context.Context, key Key, mutate func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.loadLocked(ctx, key)
	if err != nil {
		return err
	}
	next := e.state.Load().clone()
	mutate(&next)
	e.state.Store(&next)
	return nil
}
