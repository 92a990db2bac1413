package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"loupe/api/internal/store"
)

type fakeDirectory struct {
	users    map[string]bool
	projects map[string][]int64
	err      error
}

func (d *fakeDirectory) GetUser(_ context.Context, username string) (store.User, error) {
	if d.err != nil {
		return store.User{}, d.err
	}
	if !d.users[username] {
		return store.User{}, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	return store.User{Username: username, Enabled: true}, nil
}

func (d *fakeDirectory) ListAccessibleProjects(_ context.Context, username string) ([]int64, error) {
	return d.projects[username], nil
}

type settingsKey struct {
	projectID int64
	username  string
}

type fakeSettings struct {
	mu        sync.Mutex
	rows      map[settingsKey]store.CurationSettings
	reads     int
	failWrite map[int64]error
	failRead  error
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{rows: map[settingsKey]store.CurationSettings{}, failWrite: map[int64]error{}}
}

func (f *fakeSettings) GetCurationSettings(_ context.Context, projectID int64, username string) (store.CurationSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failRead != nil {
		return store.CurationSettings{}, f.failRead
	}
	row, ok := f.rows[settingsKey{projectID, username}]
	if !ok {
		return store.CurationSettings{}, store.ErrNotFound
	}
	return row, nil
}

func (f *fakeSettings) WithCurationSettingsTx(ctx context.Context, fn func(store.CurationSettingsTx) error) error {
	tx := &fakeSettingsTx{parent: f, staged: map[settingsKey]store.CurationSettings{}}
	if err := fn(tx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, row := range tx.staged {
		if err := f.failWrite[key.projectID]; err != nil {
			return err
		}
		f.rows[key] = row
	}
	return nil
}

type fakeSettingsTx struct {
	parent *fakeSettings
	staged map[settingsKey]store.CurationSettings
}

func (t *fakeSettingsTx) GetCurationSettingsForUpdate(_ context.Context, projectID int64, username string) (store.CurationSettings, bool, error) {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	row, ok := t.parent.rows[settingsKey{projectID, username}]
	return row, ok, nil
}

func (t *fakeSettingsTx) InsertCurationSettings(_ context.Context, settings store.CurationSettings) error {
	key := settingsKey{settings.ProjectID, settings.Username}
	t.parent.mu.Lock()
	_, exists := t.parent.rows[key]
	t.parent.mu.Unlock()
	if exists {
		return errors.New("duplicate key")
	}
	t.staged[key] = settings
	return nil
}

func (t *fakeSettingsTx) UpdateCurationSettings(_ context.Context, settings store.CurationSettings) error {
	t.staged[settingsKey{settings.ProjectID, settings.Username}] = settings
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeSettings, *fakeDirectory) {
	t.Helper()
	settings := newFakeSettings()
	directory := &fakeDirectory{
		users:    map[string]bool{"carol": true, "alice": true},
		projects: map[string][]int64{"carol": {1, 2}},
	}
	return New(settings, directory, zaptest.NewLogger(t)), settings, directory
}

func TestDefaults(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	key := Key{Username: "carol", ProjectID: 1}

	selected, ok, err := s.SelectedAnnotators(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, selected)

	target, err := s.CurationTarget(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "carol", target)

	showAll, err := s.ShowAll(ctx, key)
	require.NoError(t, err)
	assert.False(t, showAll)
}

func TestHydratesFromDurableSettingsOnce(t *testing.T) {
	s, settings, _ := newTestStore(t)
	settings.rows[settingsKey{1, "carol"}] = store.CurationSettings{
		ProjectID: 1, Username: "carol", CurationTarget: store.CurationUser,
		SelectedAnnotators: []string{"alice"}, ShowAll: true,
	}
	ctx := context.Background()
	key := Key{Username: "carol", ProjectID: 1}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target, err := s.CurationTarget(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, store.CurationUser, target)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, settings.reads)

	selected, ok, err := s.SelectedAnnotators(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"alice"}, selected)
}

func TestHydrationFailureIsStorageFailure(t *testing.T) {
	s, settings, _ := newTestStore(t)
	settings.failRead = errors.New("connection refused")

	_, err := s.CurationTarget(context.Background(), Key{Username: "carol", ProjectID: 1})
	require.Error(t, err)
	assert.True(t, ErrStorageFailure.Has(err))
}

func TestSelectionIsSwappedWhole(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	key := Key{Username: "carol", ProjectID: 1}

	input := []string{"alice", "bob"}
	require.NoError(t, s.SetSelectedAnnotators(ctx, key, input))
	input[0] = "mallory"

	selected, ok, err := s.SelectedAnnotators(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, selected)

	selected[1] = "eve"
	again, _, err := s.SelectedAnnotators(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, again)
}

func TestConcurrentReadersSeeWholeSelections(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	key := Key{Username: "carol", ProjectID: 1}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				selection := make([]string, w+1)
				for j := range selection {
					selection[j] = fmt.Sprintf("w%d", w)
				}
				assert.NoError(t, s.SetSelectedAnnotators(ctx, key, selection))
			}
		}(w)
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				selected, _, err := s.SelectedAnnotators(ctx, key)
				assert.NoError(t, err)
				if len(selected) == 0 {
					continue
				}
				want := fmt.Sprintf("w%d", len(selected)-1)
				for _, name := range selected {
					assert.Equal(t, want, name)
				}
			}
		}()
	}
	wg.Wait()
}

func TestClearSelectionKeepsTarget(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	key := Key{Username: "carol", ProjectID: 1}

	require.NoError(t, s.SetSelectedAnnotators(ctx, key, []string{"alice"}))
	require.NoError(t, s.SetCurationTarget(ctx, key, store.CurationUser))
	require.NoError(t, s.ClearSelection(ctx, key))

	selected, ok, err := s.SelectedAnnotators(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, selected)

	target, err := s.CurationTarget(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.CurationUser, target)
}

func TestResolveCurationUser(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	user, err := s.ResolveCurationUser(ctx, store.CurationUser)
	require.NoError(t, err)
	assert.True(t, user.IsCurationUser())

	user, err = s.ResolveCurationUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = s.ResolveCurationUser(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTeardownIsLossless(t *testing.T) {
	s, settings, directory := newTestStore(t)
	ctx := context.Background()
	key := Key{Username: "carol", ProjectID: 1}

	require.NoError(t, s.SetSelectedAnnotators(ctx, key, []string{"alice", "bob"}))
	require.NoError(t, s.SetCurationTarget(ctx, key, store.CurationUser))
	require.NoError(t, s.SetShowAll(ctx, key, true))
	before, err := s.Snapshot(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s.FlushAndEvict(ctx, "carol"))
	_, stillCached := s.entries.Load(key)
	assert.False(t, stillCached)

	fresh := New(settings, directory, zaptest.NewLogger(t))
	after, err := fresh.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// A second teardown updates the existing row in place.
	require.NoError(t, fresh.SetShowAll(ctx, key, false))
	require.NoError(t, fresh.FlushAndEvict(ctx, "carol"))
	assert.False(t, settings.rows[settingsKey{1, "carol"}].ShowAll)
}

func TestTeardownOfUnknownPrincipalIsNoop(t *testing.T) {
	s, settings, _ := newTestStore(t)
	require.NoError(t, s.FlushAndEvict(context.Background(), "anonymous"))
	assert.Empty(t, settings.rows)
}

func TestTeardownFailureKeepsEntry(t *testing.T) {
	s, settings, _ := newTestStore(t)
	ctx := context.Background()
	failing := Key{Username: "carol", ProjectID: 1}
	healthy := Key{Username: "carol", ProjectID: 2}
	settings.failWrite[1] = errors.New("disk full")

	require.NoError(t, s.SetShowAll(ctx, failing, true))
	require.NoError(t, s.SetShowAll(ctx, healthy, true))

	err := s.FlushAndEvict(ctx, "carol")
	require.Error(t, err)
	assert.True(t, ErrStorageFailure.Has(err))

	_, kept := s.entries.Load(failing)
	assert.True(t, kept, "failed entry must stay in memory")
	_, evicted := s.entries.Load(healthy)
	assert.False(t, evicted, "healthy project must still be flushed")

	showAll, err := s.ShowAll(ctx, failing)
	require.NoError(t, err)
	assert.True(t, showAll)
}

func TestTeardownDropsEntriesOfInaccessibleProjects(t *testing.T) {
	s, settings, _ := newTestStore(t)
	ctx := context.Background()
	revoked := Key{Username: "carol", ProjectID: 9}

	require.NoError(t, s.SetShowAll(ctx, revoked, true))
	require.NoError(t, s.FlushAndEvict(ctx, "carol"))

	_, kept := s.entries.Load(revoked)
	assert.False(t, kept)
	_, written := settings.rows[settingsKey{9, "carol"}]
	assert.False(t, written)
}

func TestDropSession(t *testing.T) {
	s, settings, _ := newTestStore(t)
	ctx := context.Background()
	key := Key{Username: "carol", ProjectID: 1}

	require.NoError(t, s.SetShowAll(ctx, key, true))
	s.DropSession(key)

	showAll, err := s.ShowAll(ctx, key)
	require.NoError(t, err)
	assert.False(t, showAll)
	assert.Empty(t, settings.rows)
}
