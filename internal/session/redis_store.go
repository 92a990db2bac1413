package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"loupe/api/internal/store"
)

// settingsData is the JSON stored for each curation session.
type settingsData struct {
	CurationTarget     string    `json:"curation_target"`
	SelectedAnnotators []string  `json:"selected_annotators"`
	ShowAll            bool      `json:"show_all"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// RedisSettingsStore keeps durable curation settings in Redis.
type RedisSettingsStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSettingsStore connects to redisURL and checks the connection.
func NewRedisSettingsStore(redisURL string) (*RedisSettingsStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisSettingsStoreWithClient(client), nil
}

// NewRedisSettingsStoreWithClient creates a store from an existing client.
func NewRedisSettingsStoreWithClient(client *redis.Client) *RedisSettingsStore {
	return &RedisSettingsStore{
		client: client,
		prefix: "curation:",
	}
}

func (s *RedisSettingsStore) key(projectID int64, username string) string {
	return fmt.Sprintf("%s%d:%s", s.prefix, projectID, username)
}

func (s *RedisSettingsStore) GetCurationSettings(ctx context.Context, projectID int64, username string) (store.CurationSettings, error) {
	settings, found, err := s.get(ctx, projectID, username)
	if err != nil {
		return store.CurationSettings{}, err
	}
	if !found {
		return store.CurationSettings{}, fmt.Errorf("curation settings %d/%s: %w", projectID, username, store.ErrNotFound)
	}
	return settings, nil
}

// WithCurationSettingsTx buffers the writes made by fn and applies them in
// one MULTI/EXEC block once fn succeeds.
func (s *RedisSettingsStore) WithCurationSettingsTx(ctx context.Context, fn func(store.CurationSettingsTx) error) error {
	tx := &redisSettingsTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.writes) == 0 {
		return nil
	}

	inserts := make([]*redis.BoolCmd, 0, len(tx.writes))
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range tx.writes {
			if w.insert {
				inserts = append(inserts, pipe.SetNX(ctx, w.key, w.payload, 0))
				continue
			}
			pipe.Set(ctx, w.key, w.payload, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save curation settings: %w", err)
	}
	for _, cmd := range inserts {
		if !cmd.Val() {
			return errors.New("save curation settings: concurrent insert")
		}
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisSettingsStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisSettingsStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSettingsStore) get(ctx context.Context, projectID int64, username string) (store.CurationSettings, bool, error) {
	raw, err := s.client.Get(ctx, s.key(projectID, username)).Result()
	if errors.Is(err, redis.Nil) {
		return store.CurationSettings{}, false, nil
	}
	if err != nil {
		return store.CurationSettings{}, false, fmt.Errorf("lookup curation settings: %w", err)
	}

	var data settingsData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return store.CurationSettings{}, false, fmt.Errorf("unmarshal curation settings: %w", err)
	}
	return store.CurationSettings{
		ProjectID:          projectID,
		Username:           username,
		CurationTarget:     data.CurationTarget,
		SelectedAnnotators: data.SelectedAnnotators,
		ShowAll:            data.ShowAll,
	}, true, nil
}

type pendingWrite struct {
	key     string
	payload []byte
	insert  bool
}

type redisSettingsTx struct {
	store  *RedisSettingsStore
	writes []pendingWrite
}

func (t *redisSettingsTx) GetCurationSettingsForUpdate(ctx context.Context, projectID int64, username string) (store.CurationSettings, bool, error) {
	return t.store.get(ctx, projectID, username)
}

func (t *redisSettingsTx) InsertCurationSettings(_ context.Context, settings store.CurationSettings) error {
	return t.buffer(settings, true)
}

func (t *redisSettingsTx) UpdateCurationSettings(_ context.Context, settings store.CurationSettings) error {
	return t.buffer(settings, false)
}

func (t *redisSettingsTx) buffer(settings store.CurationSettings, insert bool) error {
	payload, err := json.Marshal(settingsData{
		CurationTarget:     settings.CurationTarget,
		SelectedAnnotators: settings.SelectedAnnotators,
		ShowAll:            settings.ShowAll,
		UpdatedAt:          time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal curation settings: %w", err)
	}
	t.writes = append(t.writes, pendingWrite{
		key:     t.store.key(settings.ProjectID, settings.Username),
		payload: payload,
		insert:  insert,
	})
	return nil
}
