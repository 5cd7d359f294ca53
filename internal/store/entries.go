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

// ErrLengthMismatch is returned when ids and server ids differ in length.
var ErrLengthMismatch = errors.New("ids and server ids differ in length")

const entryColumns = `id, server_id, user_id, local_session_id, remote_session_id, timestamp,
  latitude, longitude, co_level, pm25_level, temperature, humidity, pending_upload`

// UpsertDataEntry inserts the entry when its LocalID is zero and replaces
// the stored row otherwise. It returns the resolved local id.
func (s *Store) UpsertDataEntry(ctx context.Context, entry *model.DataEntry) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if entry.LocalID == 0 {
		res, err = s.db.NamedExecContext(ctx, `
INSERT INTO data_entries (server_id, user_id, local_session_id, remote_session_id, timestamp,
  latitude, longitude, co_level, pm25_level, temperature, humidity, pending_upload)
VALUES (:server_id, :user_id, :local_session_id, :remote_session_id, :timestamp,
  :latitude, :longitude, :co_level, :pm25_level, :temperature, :humidity, :pending_upload)`, entry)
	} else {
		res, err = s.db.NamedExecContext(ctx, `
INSERT INTO data_entries (`+entryColumns+`)
VALUES (:id, :server_id, :user_id, :local_session_id, :remote_session_id, :timestamp,
  :latitude, :longitude, :co_level, :pm25_level, :temperature, :humidity, :pending_upload)
ON CONFLICT(id) DO UPDATE SET
  server_id=excluded.server_id,
  user_id=excluded.user_id,
  local_session_id=excluded.local_session_id,
  remote_session_id=excluded.remote_session_id,
  timestamp=excluded.timestamp,
  latitude=excluded.latitude,
  longitude=excluded.longitude,
  co_level=excluded.co_level,
  pm25_level=excluded.pm25_level,
  temperature=excluded.temperature,
  humidity=excluded.humidity,
  pending_upload=excluded.pending_upload`, entry)
	}
	if err != nil {
		return 0, fmt.Errorf("upsert data entry: %w", err)
	}

	id := entry.LocalID
	if id == 0 {
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("upsert data entry: last insert id: %w", err)
		}
	}
	s.changed()
	return id, nil
}

// sessionFilter matches rows belonging to either of the given session ids.
// It returns an empty clause when both are nil.
func sessionFilter(localID, remoteID *int64) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if localID != nil {
		clauses = append(clauses, "local_session_id = ?")
		args = append(args, *localID)
	}
	if remoteID != nil {
		clauses = append(clauses, "remote_session_id = ?")
		args = append(args, *remoteID)
	}
	return strings.Join(clauses, " OR "), args
}

// GetDataEntriesBySession returns the entries of a session referenced by
// local id, remote id or both (either match counts), oldest first. With
// both ids nil the result is empty.
func (s *Store) GetDataEntriesBySession(ctx context.Context, localID, remoteID *int64) ([]model.DataEntry, error) {
	entries := []model.DataEntry{}
	where, args := sessionFilter(localID, remoteID)
	if where == "" {
		return entries, nil
	}

	if err := s.db.SelectContext(ctx, &entries,
		`SELECT `+entryColumns+` FROM data_entries WHERE `+where+` ORDER BY timestamp ASC, id ASC`, args...); err != nil {
		return nil, fmt.Errorf("get data entries: %w", err)
	}
	return entries, nil
}

// GetLatestDataEntryBySession returns the most recent entry of a session,
// or nil when it has none.
func (s *Store) GetLatestDataEntryBySession(ctx context.Context, localID, remoteID *int64) (*model.DataEntry, error) {
	where, args := sessionFilter(localID, remoteID)
	if where == "" {
		return nil, nil
	}

	var entry model.DataEntry
	err := s.db.GetContext(ctx, &entry,
		`SELECT `+entryColumns+` FROM data_entries WHERE `+where+` ORDER BY timestamp DESC, id DESC LIMIT 1`, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest data entry: %w", err)
	}
	return &entry, nil
}

// WatchDataEntriesBySession delivers the session's entries now and after
// every write.
func (s *Store) WatchDataEntriesBySession(ctx context.Context, localID, remoteID *int64) <-chan []model.DataEntry {
	return watch(ctx, s, "store-watch-entries", func(ctx context.Context) ([]model.DataEntry, error) {
		return s.GetDataEntriesBySession(ctx, localID, remoteID)
	})
}

// GetAllPendingDataEntries returns entries not yet uploaded, in insertion
// order.
func (s *Store) GetAllPendingDataEntries(ctx context.Context) ([]model.DataEntry, error) {
	entries := []model.DataEntry{}
	if err := s.db.SelectContext(ctx, &entries,
		`SELECT `+entryColumns+` FROM data_entries WHERE pending_upload = 1 ORDER BY id`); err != nil {
		return nil, fmt.Errorf("get pending data entries: %w", err)
	}
	return entries, nil
}

// PendingDataEntryCount returns the number of entries awaiting upload.
func (s *Store) PendingDataEntryCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM data_entries WHERE pending_upload = 1`); err != nil {
		return 0, fmt.Errorf("count pending data entries: %w", err)
	}
	return n, nil
}

// MarkDataEntriesSynced assigns serverIDs[i] to entry ids[i], sets the
// remote session id and clears the pending flag. Either every entry is
// updated or none is.
func (s *Store) MarkDataEntriesSynced(ctx context.Context, remoteSessionID int64, ids, serverIDs []int64) error {
	if len(ids) != len(serverIDs) {
		return fmt.Errorf("mark data entries synced: %w (%d != %d)", ErrLengthMismatch, len(ids), len(serverIDs))
	}
	if len(ids) == 0 {
		return nil
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx,
			`UPDATE data_entries SET server_id = ?, remote_session_id = ?, pending_upload = 0 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, id := range ids {
			if _, err := stmt.ExecContext(ctx, serverIDs[i], remoteSessionID, id); err != nil {
				return fmt.Errorf("entry %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark data entries synced: %w", err)
	}
	return nil
}
