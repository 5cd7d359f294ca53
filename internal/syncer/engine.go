// Package syncer uploads pending local sessions and data entries.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/auth"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/remote"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrTokenUnavailable aborts a pass; nothing is uploaded without a token.
	ErrTokenUnavailable = errors.New("access token unavailable")
	// ErrBatchMismatch marks a batch whose response id count differs from
	// the number of entries sent.
	ErrBatchMismatch = errors.New("batch response id count mismatch")
)

// Store is the part of the local store the engine reads and updates.
type Store interface {
	GetAllPendingSessions(ctx context.Context) ([]model.Session, error)
	GetAllPendingDataEntries(ctx context.Context) ([]model.DataEntry, error)
	GetSession(ctx context.Context, ref model.SessionRef) (*model.Session, error)
	MarkSessionSynced(ctx context.Context, synced *model.Session) (bool, error)
	MarkDataEntriesSynced(ctx context.Context, remoteSessionID int64, ids, serverIDs []int64) error
}

// Gateway is the remote API.
type Gateway interface {
	CreateSession(ctx context.Context, token string, req remote.CreateSessionRequest) (int64, error)
	GetSession(ctx context.Context, token string, id int64) (*remote.SessionDTO, error)
	UpdateSession(ctx context.Context, token string, id int64, req remote.UpdateSessionRequest) error
	UploadDataBatch(ctx context.Context, token string, sessionID int64, items []remote.DataEntryUploadItem) (*remote.DataEntryUploadResponse, error)
}

// ItemResult is the outcome of syncing one session.
type ItemResult struct {
	LocalID  int64
	ServerID *int64
	Created  bool
	Err      error
}

// BatchResult is the outcome of uploading one session's entries.
type BatchResult struct {
	RemoteSessionID int64
	Entries         int
	Err             error
}

// Report collects per-item results of a pass.
type Report struct {
	Sessions []ItemResult
	Batches  []BatchResult
	// Skipped counts entries whose session has no server id yet.
	Skipped int
}

// Failed counts failed sessions and batches.
func (r *Report) Failed() int {
	n := 0
	for _, s := range r.Sessions {
		if s.Err != nil {
			n++
		}
	}
	for _, b := range r.Batches {
		if b.Err != nil {
			n++
		}
	}
	return n
}

// Uploaded counts entries accepted by the server.
func (r *Report) Uploaded() int {
	n := 0
	for _, b := range r.Batches {
		if b.Err == nil {
			n += b.Entries
		}
	}
	return n
}

// Engine reconciles pending local rows with the server. Passes on the same
// engine never overlap.
type Engine struct {
	store   Store
	gateway Gateway
	tokens  auth.TokenProvider
	logger  *logrus.Logger

	mu sync.Mutex
}

func NewEngine(store Store, gateway Gateway, tokens auth.TokenProvider, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{store: store, gateway: gateway, tokens: tokens, logger: logger}
}

func (e *Engine) token(ctx context.Context) (string, error) {
	if e.tokens == nil {
		return "", fmt.Errorf("%w: %w", ErrTokenUnavailable, auth.ErrNoToken)
	}
	tok, err := e.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenUnavailable, err)
	}
	return tok, nil
}

// SyncAll syncs sessions and then data entries.
func (e *Engine) SyncAll(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &Report{}
	if err := e.syncSessions(ctx, report); err != nil {
		return report, err
	}
	if err := e.syncDataEntries(ctx, report); err != nil {
		return report, err
	}

	e.logger.WithFields(logrus.Fields{
		"sessions": len(report.Sessions),
		"batches":  len(report.Batches),
		"uploaded": report.Uploaded(),
		"skipped":  report.Skipped,
		"failed":   report.Failed(),
	}).Info("Sync pass completed")
	return report, nil
}

// SyncSessions uploads pending sessions.
func (e *Engine) SyncSessions(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &Report{}
	return report, e.syncSessions(ctx, report)
}

// SyncDataEntries uploads pending entries, one batch per session.
func (e *Engine) SyncDataEntries(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &Report{}
	return report, e.syncDataEntries(ctx, report)
}

func (e *Engine) syncSessions(ctx context.Context, report *Report) error {
	pending, err := e.store.GetAllPendingSessions(ctx)
	if err != nil {
		return fmt.Errorf("load pending sessions: %w", err)
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		sess := &pending[i]

		token, err := e.token(ctx)
		if err != nil {
			e.logger.WithError(err).Warn("Session sync aborted")
			return err
		}

		result := ItemResult{LocalID: sess.LocalID, Created: sess.ServerID == nil}
		serverID, err := e.syncSession(ctx, token, sess)
		if err != nil {
			result.Err = err
			e.logger.WithError(err).WithField("session_local_id", sess.LocalID).Warn("Session sync failed")
		} else {
			result.ServerID = &serverID
			e.logger.WithFields(logrus.Fields{
				"session_local_id":  sess.LocalID,
				"remote_session_id": serverID,
				"created":           result.Created,
			}).Info("Session synced")
		}
		report.Sessions = append(report.Sessions, result)
	}
	return nil
}

// syncSession creates or updates one session and returns its server id.
// Edits made to the local row while the upload is in flight stay pending.
func (e *Engine) syncSession(ctx context.Context, token string, sess *model.Session) (int64, error) {
	if sess.ServerID != nil {
		id := *sess.ServerID
		if err := e.gateway.UpdateSession(ctx, token, id, remote.NewUpdateSessionRequest(sess)); err != nil {
			return 0, fmt.Errorf("update session: %w", err)
		}
		synced := *sess
		synced.PendingUpload = false
		return id, e.markSynced(ctx, &synced)
	}

	id, err := e.gateway.CreateSession(ctx, token, remote.NewCreateSessionRequest(sess))
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	dto, err := e.gateway.GetSession(ctx, token, id)
	if err != nil {
		// keep the id so the next pass updates instead of creating a duplicate
		kept := *sess
		kept.ServerID = &id
		if merr := e.markSynced(ctx, &kept); merr != nil {
			return 0, merr
		}
		return 0, fmt.Errorf("fetch created session %d: %w", id, err)
	}

	canonical := dto.ToModel()
	canonical.LocalID = sess.LocalID
	canonical.Revision = sess.Revision
	canonical.PendingUpload = false

	// a create request cannot carry the end of a session recorded offline
	if canonical.EndTimestamp == nil && sess.EndTimestamp != nil {
		canonical.EndTimestamp = sess.EndTimestamp
		if err := e.gateway.UpdateSession(ctx, token, id, remote.UpdateSessionRequest{EndTimestamp: sess.EndTimestamp}); err != nil {
			canonical.PendingUpload = true
			if merr := e.markSynced(ctx, &canonical); merr != nil {
				return 0, merr
			}
			return 0, fmt.Errorf("update created session %d: %w", id, err)
		}
	}
	return id, e.markSynced(ctx, &canonical)
}

func (e *Engine) markSynced(ctx context.Context, synced *model.Session) error {
	applied, err := e.store.MarkSessionSynced(ctx, synced)
	if err != nil {
		return err
	}
	if !applied {
		e.logger.WithField("session_local_id", synced.LocalID).Debug("Session changed during upload, left pending")
	}
	return nil
}

func (e *Engine) syncDataEntries(ctx context.Context, report *Report) error {
	pending, err := e.store.GetAllPendingDataEntries(ctx)
	if err != nil {
		return fmt.Errorf("load pending data entries: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	groups, skipped, err := e.groupByRemoteSession(ctx, pending)
	if err != nil {
		return err
	}
	report.Skipped += skipped
	if skipped > 0 {
		e.logger.WithField("entries", skipped).Debug("Entries waiting for their session to sync")
	}

	for pair := groups.Oldest(); pair != nil; pair = pair.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := e.token(ctx)
		if err != nil {
			e.logger.WithError(err).Warn("Data entry sync aborted")
			return err
		}

		result := BatchResult{RemoteSessionID: pair.Key, Entries: len(pair.Value)}
		result.Err = e.uploadBatch(ctx, token, pair.Key, pair.Value)

		fields := logrus.Fields{"remote_session_id": pair.Key, "entries": len(pair.Value)}
		if result.Err != nil {
			e.logger.WithError(result.Err).WithFields(fields).Warn("Batch upload failed")
		} else {
			e.logger.WithFields(fields).Info("Batch uploaded")
		}
		report.Batches = append(report.Batches, result)
	}
	return nil
}

// groupByRemoteSession resolves each entry's remote session id, using the
// sessions table for entries written before their session synced, and groups
// them in first-seen order.
func (e *Engine) groupByRemoteSession(ctx context.Context, entries []model.DataEntry) (*orderedmap.OrderedMap[int64, []model.DataEntry], int, error) {
	groups := orderedmap.New[int64, []model.DataEntry]()
	resolved := map[int64]*int64{}
	skipped := 0

	for _, entry := range entries {
		remoteID := entry.RemoteSessionID
		if remoteID == nil && entry.LocalSessionID != nil {
			localID := *entry.LocalSessionID
			id, ok := resolved[localID]
			if !ok {
				sess, err := e.store.GetSession(ctx, model.Local(localID))
				if err != nil {
					return nil, 0, fmt.Errorf("resolve session %d: %w", localID, err)
				}
				if sess != nil {
					id = sess.ServerID
				}
				resolved[localID] = id
			}
			remoteID = id
		}
		if remoteID == nil {
			skipped++
			continue
		}

		group, _ := groups.Get(*remoteID)
		groups.Set(*remoteID, append(group, entry))
	}
	return groups, skipped, nil
}

// uploadBatch uploads one group and records the returned ids. Ids are
// applied only when the server returns exactly one per entry.
func (e *Engine) uploadBatch(ctx context.Context, token string, remoteSessionID int64, entries []model.DataEntry) error {
	items := make([]remote.DataEntryUploadItem, len(entries))
	ids := make([]int64, len(entries))
	for i := range entries {
		items[i] = remote.NewUploadItem(&entries[i])
		ids[i] = entries[i].LocalID
	}

	resp, err := e.gateway.UploadDataBatch(ctx, token, remoteSessionID, items)
	if err != nil {
		return fmt.Errorf("upload batch: %w", err)
	}
	if len(resp.InsertedIDs) != len(entries) {
		return fmt.Errorf("%w: sent %d, got %d", ErrBatchMismatch, len(entries), len(resp.InsertedIDs))
	}
	return e.store.MarkDataEntriesSynced(ctx, remoteSessionID, ids, resp.InsertedIDs)
}
