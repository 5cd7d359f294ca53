package remote

import "github.com/srg/bioinfo/internal/model"

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	UserID         string  `json:"user_id"`
	GroupName      *string `json:"group_name"`
	ClassName      string  `json:"class_name"`
	SchoolName     string  `json:"school_name"`
	DeviceName     *string `json:"device_name"`
	StartTimestamp int64   `json:"start_timestamp"`
	Title          string  `json:"title"`
	Description    *string `json:"description"`
}

// CreateSessionResponse carries the id the server assigned.
type CreateSessionResponse struct {
	SessionID int64 `json:"session_id"`
}

// UpdateSessionRequest is the body of PUT /sessions/{id}. Nil fields are
// omitted and left unchanged by the server.
type UpdateSessionRequest struct {
	Description  *string `json:"description,omitempty"`
	DeviceName   *string `json:"device_name,omitempty"`
	GroupName    *string `json:"group_name,omitempty"`
	ClassName    *string `json:"class_name,omitempty"`
	SchoolName   *string `json:"school_name,omitempty"`
	Title        *string `json:"title,omitempty"`
	EndTimestamp *int64  `json:"end_timestamp,omitempty"`
}

// SessionDTO is the canonical server copy of a session.
type SessionDTO struct {
	ID             int64   `json:"id"`
	UserID         string  `json:"user_id"`
	GroupName      *string `json:"group_name"`
	ClassName      string  `json:"class_name"`
	SchoolName     string  `json:"school_name"`
	DeviceName     *string `json:"device_name"`
	StartTimestamp int64   `json:"start_timestamp"`
	EndTimestamp   *int64  `json:"end_timestamp"`
	Title          string  `json:"title"`
	Description    *string `json:"description"`
}

// ToModel converts the server copy into a synced local session.
func (d *SessionDTO) ToModel() model.Session {
	id := d.ID
	return model.Session{
		ServerID:       &id,
		UserID:         d.UserID,
		GroupName:      d.GroupName,
		ClassName:      d.ClassName,
		SchoolName:     d.SchoolName,
		DeviceName:     d.DeviceName,
		StartTimestamp: d.StartTimestamp,
		EndTimestamp:   d.EndTimestamp,
		Title:          d.Title,
		Description:    d.Description,
	}
}

// NewCreateSessionRequest builds a create request from a local session.
func NewCreateSessionRequest(s *model.Session) CreateSessionRequest {
	return CreateSessionRequest{
		UserID:         s.UserID,
		GroupName:      s.GroupName,
		ClassName:      s.ClassName,
		SchoolName:     s.SchoolName,
		DeviceName:     s.DeviceName,
		StartTimestamp: s.StartTimestamp,
		Title:          s.Title,
		Description:    s.Description,
	}
}

// NewUpdateSessionRequest carries every mutable field of a local session.
func NewUpdateSessionRequest(s *model.Session) UpdateSessionRequest {
	title := s.Title
	return UpdateSessionRequest{
		Description:  s.Description,
		DeviceName:   s.DeviceName,
		GroupName:    s.GroupName,
		ClassName:    &s.ClassName,
		SchoolName:   &s.SchoolName,
		Title:        &title,
		EndTimestamp: s.EndTimestamp,
	}
}

// DataEntryUploadItem is one entry of a batch upload.
type DataEntryUploadItem struct {
	Timestamp   int64    `json:"timestamp"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	COLevel     *float32 `json:"co_level"`
	PM25Level   *float32 `json:"pm2_5_level"`
	Temperature *float32 `json:"temperature"`
	Humidity    *float32 `json:"humidity"`
}

// NewUploadItem converts a local entry for upload.
func NewUploadItem(e *model.DataEntry) DataEntryUploadItem {
	return DataEntryUploadItem{
		Timestamp:   e.Timestamp,
		Latitude:    e.Latitude,
		Longitude:   e.Longitude,
		COLevel:     e.COLevel,
		PM25Level:   e.PM25Level,
		Temperature: e.Temperature,
		Humidity:    e.Humidity,
	}
}

// DataEntryUploadRequest is the body of POST /sessions/{id}/data/batch.
type DataEntryUploadRequest struct {
	DataEntries []DataEntryUploadItem `json:"data_entries"`
}

// DataEntryUploadResponse lists the server ids in submission order.
type DataEntryUploadResponse struct {
	Message     string  `json:"message"`
	InsertedIDs []int64 `json:"inserted_ids"`
}
