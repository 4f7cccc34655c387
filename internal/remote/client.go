package remote

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/wire"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 15 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 8 << 20

// Client is the HTTP Transport.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	userID  string
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.http = h } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption { return func(c *Client) { c.timeout = d } }

// WithUserID sets the default X-User-ID sent with writes.
func WithUserID(id string) ClientOption { return func(c *Client) { c.userID = id } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// NewClient creates a client for the authority at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Push sends one outbox entry.
func (c *Client) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	var (
		method = http.MethodPut
		path   = "/v1/" + string(req.Table) + "/" + url.PathEscape(req.RecordID)
		body   []byte
	)
	switch req.Op {
	case outbox.OpInsert:
		method, path, body = http.MethodPost, "/v1/"+string(req.Table), req.Payload
	case outbox.OpUpdate:
		body = req.Payload
	case outbox.OpDelete:
		method, body = http.MethodDelete, req.Payload
	default:
		return PushResult{}, &Error{Kind: KindPermanent, Message: fmt.Sprintf("unknown operation %q", req.Op)}
	}

	h := http.Header{}
	if req.BaseVersion > 0 {
		h.Set(HeaderIfMatch, strconv.FormatInt(req.BaseVersion, 10))
	}
	if req.Force {
		h.Set(HeaderForce, "true")
	}
	if uid := cmp.Or(req.UserID, c.userID); uid != "" {
		h.Set(HeaderUserID, uid)
	}

	status, data, err := c.do(ctx, method, path, body, h)
	if err != nil {
		return PushResult{}, err
	}
	if status == http.StatusNoContent || len(data) == 0 {
		return PushResult{}, nil
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return PushResult{}, &Error{Kind: KindPermanent, Status: status, Message: "malformed push response", Err: err}
	}
	return PushResult{Version: env.Version}, nil
}

// Pull returns the table's changes after since, oldest first.
func (c *Client) Pull(ctx context.Context, table domain.Table, since time.Time) ([]wire.Envelope, error) {
	path := "/v1/" + string(table)
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(wire.TimeLayout))
	}
	_, data, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var cs wire.ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, &Error{Kind: KindPermanent, Message: "malformed pull response", Err: err}
	}
	return cs.Items, nil
}

// Fetch returns the current remote copy of a record.
func (c *Client) Fetch(ctx context.Context, table domain.Table, id string) (wire.Envelope, error) {
	_, data, err := c.do(ctx, http.MethodGet, "/v1/"+string(table)+"/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return wire.Envelope{}, err
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.Envelope{}, &Error{Kind: KindPermanent, Message: "malformed fetch response", Err: err}
	}
	return env, nil
}

// Ping checks that the authority answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, h http.Header) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, &Error{Kind: KindPermanent, Message: err.Error(), Err: err}
	}
	for k, v := range h {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed", "method", method, "path", path, "error", err)
		return 0, nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, transportError(err)
	}
	c.logger.Debug("remote request",
		"method", method, "path", path, "status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	kind := StatusKind(resp.StatusCode)
	if kind == "" {
		return resp.StatusCode, data, nil
	}
	return resp.StatusCode, nil, responseError(kind, resp.StatusCode, data)
}

type errorBody struct {
	Error   string         `json:"error"`
	Current *wire.Envelope `json:"current,omitempty"`
}

func responseError(kind ErrorKind, status int, data []byte) error {
	e := &Error{Kind: kind, Status: status, Message: http.StatusText(status)}
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		if eb.Error != "" {
			e.Message = eb.Error
		}
		if eb.Current != nil && len(eb.Current.Data) > 0 {
			e.Remote = eb.Current
		}
	}
	return e
}
