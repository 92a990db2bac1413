package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// CurationSettingsTx is the view of a durable settings transaction used by
// the session flush.
type CurationSettingsTx interface {
	// GetCurationSettingsForUpdate reads and locks the row. The boolean is
	// false when no row exists yet.
	GetCurationSettingsForUpdate(ctx context.Context, projectID int64, username string) (CurationSettings, bool, error)
	InsertCurationSettings(ctx context.Context, settings CurationSettings) error
	UpdateCurationSettings(ctx context.Context, settings CurationSettings) error
}

func (s *PostgresStore) GetCurationSettings(ctx context.Context, projectID int64, username string) (CurationSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, username, curation_target, selected_annotators, show_all
		FROM curation_settings
		WHERE project_id=$1 AND username=$2
	`, projectID, username)
	settings, err := scanCurationSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CurationSettings{}, fmt.Errorf("curation settings %d/%s: %w", projectID, username, ErrNotFound)
	}
	if err != nil {
		return CurationSettings{}, fmt.Errorf("lookup curation settings: %w", err)
	}
	return settings, nil
}

// WithCurationSettingsTx runs fn inside one database transaction, committing
// when fn returns nil and rolling back otherwise.
func (s *PostgresStore) WithCurationSettingsTx(ctx context.Context, fn func(CurationSettingsTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin curation settings tx: %w", err)
	}
	if err := fn(&curationSettingsTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit curation settings tx: %w", err)
	}
	return nil
}

type curationSettingsTx struct {
	tx *sql.Tx
}

func (t *curationSettingsTx) GetCurationSettingsForUpdate(ctx context.Context, projectID int64, username string) (CurationSettings, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT project_id, username, curation_target, selected_annotators, show_all
		FROM curation_settings
		WHERE project_id=$1 AND username=$2
		FOR UPDATE
	`, projectID, username)
	settings, err := scanCurationSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CurationSettings{}, false, nil
	}
	if err != nil {
		return CurationSettings{}, false, fmt.Errorf("lock curation settings: %w", err)
	}
	return settings, true, nil
}

func (t *curationSettingsTx) InsertCurationSettings(ctx context.Context, settings CurationSettings) error {
	selected, err := encodeSelection(settings.SelectedAnnotators)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO curation_settings (project_id, username, curation_target, selected_annotators, show_all)
		VALUES ($1, $2, $3, $4, $5)
	`, settings.ProjectID, settings.Username, settings.CurationTarget, selected, settings.ShowAll)
	if err != nil {
		return fmt.Errorf("insert curation settings: %w", err)
	}
	return nil
}

func (t *curationSettingsTx) UpdateCurationSettings(ctx context.Context, settings CurationSettings) error {
	selected, err := encodeSelection(settings.SelectedAnnotators)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE curation_settings
		SET curation_target=$3, selected_annotators=$4, show_all=$5, updated_at=NOW()
		WHERE project_id=$1 AND username=$2
	`, settings.ProjectID, settings.Username, settings.CurationTarget, selected, settings.ShowAll)
	if err != nil {
		return fmt.Errorf("update curation settings: %w", err)
	}
	return nil
}

func scanCurationSettings(row rowScanner) (CurationSettings, error) {
	var (
		settings CurationSettings
		selected sql.NullString
	)
	if err := row.Scan(&settings.ProjectID, &settings.Username, &settings.CurationTarget, &selected, &settings.ShowAll); err != nil {
		return CurationSettings{}, err
	}
	if selected.Valid {
		if err := json.Unmarshal([]byte(selected.String), &settings.SelectedAnnotators); err != nil {
			return CurationSettings{}, fmt.Errorf("decode selected annotators: %w", err)
		}
		if settings.SelectedAnnotators == nil {
			settings.SelectedAnnotators = []string{}
		}
	}
	return settings, nil
}

func encodeSelection(selected []string) (sql.NullString, error) {
	if selected == nil {
		return sql.NullString{}, nil
	}
	payload, err := json.Marshal(selected)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode selected annotators: %w", err)
	}
	return sql.NullString{String: string(payload), Valid: true}, nil
}
