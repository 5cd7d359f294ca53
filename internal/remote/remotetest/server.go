// Package remotetest provides an in-memory sessions API for tests.
package remotetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/srg/bioinfo/internal/remote"
)

// Op names an API operation for failure injection and call counting.
type Op string

const (
	OpCreate Op = "create"
	OpGet    Op = "get"
	OpUpdate Op = "update"
	OpUpload Op = "upload"
)

// StoredEntry is an uploaded entry with its server id.
type StoredEntry struct {
	ID int64
	remote.DataEntryUploadItem
}

// Request is a recorded API call.
type Request struct {
	Op        Op
	Method    string
	Path      string
	RequestID string
	Body      []byte
}

// Server is a fake sessions API on an httptest.Server.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	token        string
	sessions     map[int64]*remote.SessionDTO
	entries      map[int64][]StoredEntry
	nextSession  int64
	nextEntry    int64
	failures     map[Op]int
	truncate     int
	truncateOnce bool
	requests     []Request
}

// NewServer starts a fake API that accepts only the given bearer token.
// An empty token accepts any non-empty bearer token.
func NewServer(token string) *Server {
	s := &Server{
		token:       token,
		sessions:    map[int64]*remote.SessionDTO{},
		entries:     map[int64][]StoredEntry{},
		nextSession: 1,
		nextEntry:   1000,
		failures:    map[Op]int{},
	}

	r := mux.NewRouter()
	r.Use(s.authenticate)
	r.HandleFunc("/sessions", s.handle(OpCreate, s.createSession)).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id:[0-9]+}", s.handle(OpGet, s.getSession)).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id:[0-9]+}", s.handle(OpUpdate, s.updateSession)).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id:[0-9]+}/data/batch", s.handle(OpUpload, s.uploadBatch)).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

// Fail makes op respond with status until Recover is called.
func (s *Server) Fail(op Op, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = status
}

// Recover clears the failure injected for op.
func (s *Server) Recover(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, op)
}

// TruncateInsertedIDs drops the last n ids from batch responses while still
// storing every entry. With once set only the next batch is affected.
func (s *Server) TruncateInsertedIDs(n int, once bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncate = n
	s.truncateOnce = once
}

// Requests returns the recorded calls in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls counts recorded calls of op.
func (s *Server) Calls(op Op) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Op == op {
			n++
		}
	}
	return n
}

// Session returns the stored session.
func (s *Server) Session(id int64) (remote.SessionDTO, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return remote.SessionDTO{}, false
	}
	return *sess, true
}

// SessionCount returns the number of stored sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Entries returns the entries uploaded to a session.
func (s *Server) Entries(sessionID int64) []StoredEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredEntry(nil), s.entries[sessionID]...)
}

// PutSession seeds a session and returns its id.
func (s *Server) PutSession(dto remote.SessionDTO) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	dto.ID = s.nextSession
	s.nextSession++
	s.sessions[dto.ID] = &dto
	return dto.ID
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" || (s.token != "" && token != s.token) {
			respondWithError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handle records the call and applies injected failures before running h.
func (s *Server) handle(op Op, h func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Op:        op,
			Method:    r.Method,
			Path:      r.URL.Path,
			RequestID: r.Header.Get("X-Request-ID"),
			Body:      body,
		})
		status, fail := s.failures[op]
		s.mu.Unlock()

		if fail {
			respondWithError(w, status, "injected failure")
			return
		}
		h(w, r, body)
	}
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) createSession(w http.ResponseWriter, _ *http.Request, body []byte) {
	var req remote.CreateSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := s.PutSession(remote.SessionDTO{
		UserID:         req.UserID,
		GroupName:      req.GroupName,
		ClassName:      req.ClassName,
		SchoolName:     req.SchoolName,
		DeviceName:     req.DeviceName,
		StartTimestamp: req.StartTimestamp,
		Title:          req.Title,
		Description:    req.Description,
	})
	respondWithJSON(w, http.StatusCreated, remote.CreateSessionResponse{SessionID: id})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, _ []byte) {
	sess, ok := s.Session(pathID(r))
	if !ok {
		respondWithError(w, http.StatusNotFound, "session not found")
		return
	}
	respondWithJSON(w, http.StatusOK, sess)
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request, body []byte) {
	var req remote.UpdateSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[pathID(r)]
	if ok {
		if req.Description != nil {
			sess.Description = req.Description
		}
		if req.DeviceName != nil {
			sess.DeviceName = req.DeviceName
		}
		if req.GroupName != nil {
			sess.GroupName = req.GroupName
		}
		if req.ClassName != nil {
			sess.ClassName = *req.ClassName
		}
		if req.SchoolName != nil {
			sess.SchoolName = *req.SchoolName
		}
		if req.Title != nil {
			sess.Title = *req.Title
		}
		if req.EndTimestamp != nil {
			sess.EndTimestamp = req.EndTimestamp
		}
	}
	s.mu.Unlock()

	if !ok {
		respondWithError(w, http.StatusNotFound, "session not found")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "updated"})
}

func (s *Server) uploadBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var req remote.DataEntryUploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := pathID(r)
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		respondWithError(w, http.StatusNotFound, "session not found")
		return
	}

	ids := make([]int64, 0, len(req.DataEntries))
	for _, item := range req.DataEntries {
		e := StoredEntry{ID: s.nextEntry, DataEntryUploadItem: item}
		s.nextEntry++
		s.entries[sessionID] = append(s.entries[sessionID], e)
		ids = append(ids, e.ID)
	}
	if s.truncate > 0 {
		ids = ids[:max(0, len(ids)-s.truncate)]
		if s.truncateOnce {
			s.truncate = 0
		}
	}
	s.mu.Unlock()

	respondWithJSON(w, http.StatusCreated, remote.DataEntryUploadResponse{
		Message:     "Data entries inserted",
		InsertedIDs: ids,
	})
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
