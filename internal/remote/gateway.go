// Package remote is the HTTP client for the sessions API.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	timeout    time.Duration
	httpClient *http.Client
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// Gateway calls the sessions API. Each call takes the bearer token to use.
type Gateway struct {
	client *resty.Client
	logger *logrus.Logger
}

// NewGateway creates a gateway for the API rooted at baseURL.
func NewGateway(baseURL string, logger *logrus.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	o := options{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	client := resty.New()
	if o.httpClient != nil {
		client = resty.NewWithClient(o.httpClient)
	}
	client.SetBaseURL(baseURL).
		SetTimeout(o.timeout).
		SetLogger(logger)

	g := &Gateway{client: client, logger: logger}
	g.hook()
	return g
}

func (g *Gateway) hook() {
	g.client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if r.Header.Get(requestIDHeader) == "" {
			r.SetHeader(requestIDHeader, uuid.NewString())
		}
		return nil
	})
}

func (g *Gateway) request(ctx context.Context, token string) *resty.Request {
	return g.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Accept", "application/json").
		SetError(&errorBody{})
}

// do executes the request and turns transport failures and non-2xx
// responses into errors.
func (g *Gateway) do(r *resty.Request, method, path string) error {
	start := time.Now()
	resp, err := r.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	entry := g.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       resp.Request.URL,
		"status":     resp.StatusCode(),
		"request_id": resp.Request.Header.Get(requestIDHeader),
		"elapsed":    time.Since(start),
	})

	if resp.IsError() {
		body, _ := resp.Error().(*errorBody)
		entry.Warn("API request failed")
		return &APIError{
			Status:    resp.StatusCode(),
			Message:   body.text(),
			RequestID: resp.Request.Header.Get(requestIDHeader),
		}
	}
	entry.Debug("API request completed")
	return nil
}

// CreateSession creates a session and returns its server id.
func (g *Gateway) CreateSession(ctx context.Context, token string, req CreateSessionRequest) (int64, error) {
	var out CreateSessionResponse
	r := g.request(ctx, token).SetBody(req).SetResult(&out)
	if err := g.do(r, resty.MethodPost, "/sessions"); err != nil {
		return 0, err
	}
	return out.SessionID, nil
}

// GetSession fetches the canonical copy of a session.
func (g *Gateway) GetSession(ctx context.Context, token string, id int64) (*SessionDTO, error) {
	var out SessionDTO
	r := g.request(ctx, token).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetResult(&out)
	if err := g.do(r, resty.MethodGet, "/sessions/{id}"); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSession applies a partial update to a session.
func (g *Gateway) UpdateSession(ctx context.Context, token string, id int64, req UpdateSessionRequest) error {
	r := g.request(ctx, token).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetBody(req)
	return g.do(r, resty.MethodPut, "/sessions/{id}")
}

// UploadDataBatch uploads entries of one session. The returned ids are in
// submission order.
func (g *Gateway) UploadDataBatch(ctx context.Context, token string, sessionID int64, items []DataEntryUploadItem) (*DataEntryUploadResponse, error) {
	var out DataEntryUploadResponse
	r := g.request(ctx, token).
		SetPathParam("id", strconv.FormatInt(sessionID, 10)).
		SetBody(DataEntryUploadRequest{DataEntries: items}).
		SetResult(&out)
	if err := g.do(r, resty.MethodPost, "/sessions/{id}/data/batch"); err != nil {
		return nil, err
	}
	return &out, nil
}
