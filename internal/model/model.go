// Package model defines the records exchanged between the recorder, the
// local store and the remote API.
package model

import (
	"errors"
	"fmt"
)

// Session is one recording period by one user with one device.
// LocalID is zero until the session is persisted locally. ServerID is nil
// until the session has round-tripped to the server. Timestamps are epoch
// milliseconds.
type Session struct {
	LocalID        int64   `db:"id"`
	ServerID       *int64  `db:"server_id"`
	UserID         string  `db:"user_id"`
	GroupName      *string `db:"group_name"`
	ClassName      string  `db:"class_name"`
	SchoolName     string  `db:"school_name"`
	DeviceName     *string `db:"device_name"`
	StartTimestamp int64   `db:"start_timestamp"`
	EndTimestamp   *int64  `db:"end_timestamp"`
	Title          string  `db:"title"`
	Description    *string `db:"description"`
	PendingUpload  bool    `db:"pending_upload"`
	// Revision counts local changes; sync uses it to detect edits made
	// while an upload was in flight.
	Revision int64 `db:"revision"`
}

// Ongoing reports whether the session has not been ended yet.
func (s *Session) Ongoing() bool {
	return s.EndTimestamp == nil
}

// DataEntry is one timestamped sample belonging to exactly one session,
// referenced by its local id, its remote id or both.
type DataEntry struct {
	LocalID         int64    `db:"id"`
	ServerID        *int64   `db:"server_id"`
	UserID          string   `db:"user_id"`
	LocalSessionID  *int64   `db:"local_session_id"`
	RemoteSessionID *int64   `db:"remote_session_id"`
	Timestamp       int64    `db:"timestamp"`
	Latitude        *float64 `db:"latitude"`
	Longitude       *float64 `db:"longitude"`
	COLevel         *float32 `db:"co_level"`
	PM25Level       *float32 `db:"pm25_level"`
	Temperature     *float32 `db:"temperature"`
	Humidity        *float32 `db:"humidity"`
	PendingUpload   bool     `db:"pending_upload"`
}

// SessionPatch carries a partial session update. Nil fields are left as is.
type SessionPatch struct {
	Title       *string
	Description *string
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Title == nil && p.Description == nil
}

// UserInfo is the classification metadata fixed at session creation.
type UserInfo struct {
	UserID     string  `yaml:"id"`
	GroupName  *string `yaml:"group_name"`
	ClassName  string  `yaml:"class_name"`
	SchoolName string  `yaml:"school_name"`
}

// BleDevice is a discovered peripheral. Name is nil when the peripheral did
// not advertise one.
type BleDevice struct {
	Name    *string
	Address string
}

// DisplayName returns the advertised name or a placeholder.
func (d BleDevice) DisplayName() string {
	if d.Name == nil || *d.Name == "" {
		return "(unknown)"
	}
	return *d.Name
}

// Key identifies a device in scan results; devices are deduplicated by
// name and address together.
func (d BleDevice) Key() string {
	name := ""
	if d.Name != nil {
		name = *d.Name
	}
	return name + "|" + d.Address
}

// ErrInvalidSessionRef is returned when a zero SessionRef is used.
var ErrInvalidSessionRef = errors.New("session reference must name exactly one of local or remote id")

type refKind uint8

const (
	refNone refKind = iota
	refLocal
	refRemote
)

// SessionRef selects a session by exactly one of its local or remote id.
// Build one with Local or Remote.
type SessionRef struct {
	kind refKind
	id   int64
}

// Local refers to a session by its local surrogate id.
func Local(id int64) SessionRef {
	return SessionRef{kind: refLocal, id: id}
}

// Remote refers to a session by its server id.
func Remote(id int64) SessionRef {
	return SessionRef{kind: refRemote, id: id}
}

// LocalID returns the local id when the ref is local.
func (r SessionRef) LocalID() (int64, bool) {
	return r.id, r.kind == refLocal
}

// RemoteID returns the server id when the ref is remote.
func (r SessionRef) RemoteID() (int64, bool) {
	return r.id, r.kind == refRemote
}

// Valid reports whether the ref was built with Local or Remote.
func (r SessionRef) Valid() bool {
	return r.kind == refLocal || r.kind == refRemote
}

func (r SessionRef) String() string {
	switch r.kind {
	case refLocal:
		return fmt.Sprintf("local:%d", r.id)
	case refRemote:
		return fmt.Sprintf("remote:%d", r.id)
	default:
		return "invalid"
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
