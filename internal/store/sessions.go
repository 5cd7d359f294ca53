package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/srg/bioinfo/internal/model"
)

const sessionColumns = `id, server_id, user_id, group_name, class_name, school_name, device_name,
  start_timestamp, end_timestamp, title, description, pending_upload, revision`

// UpsertSession inserts the session when its LocalID is zero and replaces
// the stored row otherwise, bumping its revision. It returns the resolved
// local id.
func (s *Store) UpsertSession(ctx context.Context, session *model.Session) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if session.LocalID == 0 {
		res, err = s.db.NamedExecContext(ctx, `
INSERT INTO sessions (server_id, user_id, group_name, class_name, school_name, device_name,
  start_timestamp, end_timestamp, title, description, pending_upload)
VALUES (:server_id, :user_id, :group_name, :class_name, :school_name, :device_name,
  :start_timestamp, :end_timestamp, :title, :description, :pending_upload)`, session)
	} else {
		res, err = s.db.NamedExecContext(ctx, `
INSERT INTO sessions (id, server_id, user_id, group_name, class_name, school_name, device_name,
  start_timestamp, end_timestamp, title, description, pending_upload)
VALUES (:id, :server_id, :user_id, :group_name, :class_name, :school_name, :device_name,
  :start_timestamp, :end_timestamp, :title, :description, :pending_upload)
ON CONFLICT(id) DO UPDATE SET
  server_id=excluded.server_id,
  user_id=excluded.user_id,
  group_name=excluded.group_name,
  class_name=excluded.class_name,
  school_name=excluded.school_name,
  device_name=excluded.device_name,
  start_timestamp=excluded.start_timestamp,
  end_timestamp=excluded.end_timestamp,
  title=excluded.title,
  description=excluded.description,
  pending_upload=excluded.pending_upload,
  revision=sessions.revision + 1`, session)
	}
	if err != nil {
		return 0, fmt.Errorf("upsert session: %w", err)
	}

	id := session.LocalID
	if id == 0 {
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("upsert session: last insert id: %w", err)
		}
	}
	s.changed()
	return id, nil
}

// GetAllSessions returns every session, most recent start first.
func (s *Store) GetAllSessions(ctx context.Context) ([]model.Session, error) {
	sessions := []model.Session{}
	if err := s.db.SelectContext(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY start_timestamp DESC, id DESC`); err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns the session matching ref, or nil when there is none.
func (s *Store) GetSession(ctx context.Context, ref model.SessionRef) (*model.Session, error) {
	var (
		column string
		id     int64
	)
	if v, ok := ref.LocalID(); ok {
		column, id = "id", v
	} else if v, ok := ref.RemoteID(); ok {
		column, id = "server_id", v
	} else {
		return nil, model.ErrInvalidSessionRef
	}

	var session model.Session
	err := s.db.GetContext(ctx, &session,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+column+` = ? ORDER BY id LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", ref, err)
	}
	return &session, nil
}

// GetAllPendingSessions returns sessions whose latest local state has not
// been uploaded, oldest first.
func (s *Store) GetAllPendingSessions(ctx context.Context) ([]model.Session, error) {
	sessions := []model.Session{}
	if err := s.db.SelectContext(ctx, &sessions,
		`SELECT `+sessionColumns+` FROM sessions WHERE pending_upload = 1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("get pending sessions: %w", err)
	}
	return sessions, nil
}

// PendingSessionCount returns the number of sessions awaiting upload.
func (s *Store) PendingSessionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sessions WHERE pending_upload = 1`); err != nil {
		return 0, fmt.Errorf("count pending sessions: %w", err)
	}
	return n, nil
}

// PatchSession applies the non-nil fields of patch and marks the session
// for upload. It reports whether a session was updated.
func (s *Store) PatchSession(ctx context.Context, localID int64, patch model.SessionPatch) (bool, error) {
	if patch.Empty() {
		return false, nil
	}

	sets := []string{"pending_upload = 1", "revision = revision + 1"}
	args := map[string]any{"id": localID}
	if patch.Title != nil {
		sets = append(sets, "title = :title")
		args["title"] = *patch.Title
	}
	if patch.Description != nil {
		sets = append(sets, "description = :description")
		args["description"] = *patch.Description
	}

	res, err := s.db.NamedExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = :id`, args)
	if err != nil {
		return false, fmt.Errorf("patch session %d: %w", localID, err)
	}
	return s.affected(res)
}

// EndSession records the end timestamp and marks the session for upload.
func (s *Store) EndSession(ctx context.Context, localID, end int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_timestamp = ?, pending_upload = 1, revision = revision + 1 WHERE id = ?`, end, localID)
	if err != nil {
		return false, fmt.Errorf("end session %d: %w", localID, err)
	}
	return s.affected(res)
}

// MarkSessionSynced records the uploaded state of a session. synced carries
// the local id, the server id, the revision the upload was built from and
// the field values to keep. The fields and pending flag are written only
// when the row is still at that revision; a row edited meanwhile keeps its
// local values and stays pending, and only learns its server id. Data
// entries of the session that have no remote session id yet inherit it.
// It reports whether the stored row now matches synced.
func (s *Store) MarkSessionSynced(ctx context.Context, synced *model.Session) (bool, error) {
	if synced.ServerID == nil {
		return false, fmt.Errorf("mark session %d synced: no server id", synced.LocalID)
	}

	applied := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.NamedExecContext(ctx, `
UPDATE sessions SET
  server_id = :server_id,
  user_id = :user_id,
  group_name = :group_name,
  class_name = :class_name,
  school_name = :school_name,
  device_name = :device_name,
  start_timestamp = :start_timestamp,
  end_timestamp = :end_timestamp,
  title = :title,
  description = :description,
  pending_upload = :pending_upload
WHERE id = :id AND revision = :revision`, synced)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0

		if !applied {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET server_id = ? WHERE id = ?`, *synced.ServerID, synced.LocalID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE data_entries SET remote_session_id = ? WHERE local_session_id = ? AND remote_session_id IS NULL`,
			*synced.ServerID, synced.LocalID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark session %d synced: %w", synced.LocalID, err)
	}
	return applied, nil
}

// DeleteSession removes the session and all of its data entries.
func (s *Store) DeleteSession(ctx context.Context, localID int64) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var serverID sql.NullInt64
		if err := tx.GetContext(ctx, &serverID, `SELECT server_id FROM sessions WHERE id = ?`, localID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM data_entries WHERE local_session_id = ? OR (? AND remote_session_id = ?)`,
			localID, serverID.Valid, serverID.Int64); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, localID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session %d: %w", localID, err)
	}
	return nil
}

// DeleteAllSessions clears every session and data entry.
func (s *Store) DeleteAllSessions(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM data_entries`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sessions`)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete all sessions: %w", err)
	}
	return nil
}

// WatchSessions delivers the full session list now and after every write.
func (s *Store) WatchSessions(ctx context.Context) <-chan []model.Session {
	return watch(ctx, s, "store-watch-sessions", s.GetAllSessions)
}

func (s *Store) affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.changed()
	}
	return n > 0, nil
}

// inTx runs fn in a transaction and publishes a change after commit.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.changed()
	return nil
}
