// Package api is the REST client for support conversations: listing,
// history and creation. Responses use the {success, message, data, errors}
// envelope.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/zulandar/supportline/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultPageSize = 20
	defaultTimeout  = 15 * time.Second
	maxBodySize     = 4 << 20
)

var (
	// ErrUnauthorized means the token is missing or expired (401).
	ErrUnauthorized = errors.New("api: session expired, log in again")
	// ErrForbidden means the user may not access the resource (403).
	ErrForbidden = errors.New("api: permission denied")
	// ErrRateLimited means too many requests (429).
	ErrRateLimited = errors.New("api: too many requests, try again later")
	// ErrServer means the server failed (5xx).
	ErrServer = errors.New("api: server error, try again later")
	// ErrRejected means the request was refused for another reason.
	ErrRejected = errors.New("api: request rejected")
)

// Envelope is the response wrapper used by every endpoint.
type Envelope[T any] struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Data    T        `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// APIError is a failed request. It unwraps to one of the sentinel errors.
type APIError struct {
	StatusCode int
	Message    string
	Errors     []string
	kind       error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && len(e.Errors) > 0 {
		msg = e.Errors[0]
	}
	if msg == "" {
		return fmt.Sprintf("%v (status %d)", e.kind, e.StatusCode)
	}
	return fmt.Sprintf("%v (status %d): %s", e.kind, e.StatusCode, msg)
}

func (e *APIError) Unwrap() error { return e.kind }

func classify(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrServer
	}
	return ErrRejected
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL  string
	Tokens   oauth2.TokenSource
	PageSize int           // defaults to 20
	Timeout  time.Duration // defaults to 15s
	// HTTPClient supplies the base transport; the bearer token is layered
	// on top of it.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the support conversation REST endpoints.
type Client struct {
	base     *url.URL
	http     *http.Client
	pageSize int
	log      *zap.Logger
	flight   singleflight.Group
}

// NewClient validates opts and returns a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base url is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("api: token source is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}

	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	hc := oauth2.NewClient(ctx, opts.Tokens)
	hc.Timeout = opts.Timeout
	if hc.Timeout <= 0 {
		hc.Timeout = defaultTimeout
	}

	c := &Client{base: base, http: hc, pageSize: opts.PageSize, log: opts.Logger}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

// ListConversations returns one page of the caller's conversations.
// Pages are numbered from 1.
func (c *Client) ListConversations(ctx context.Context, page int) (*models.Page[models.Conversation], error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("pageNumber", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(c.pageSize))

	p, err := call[models.Page[models.Conversation]](ctx, c, http.MethodGet, c.base.JoinPath("supportchat", "my-chats"), q, nil)
	if err != nil {
		return nil, fmt.Errorf("api: list conversations: %w", err)
	}
	return &p, nil
}

// FetchHistory returns a conversation's messages. Concurrent calls for the
// same conversation share one request.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("api: fetch history: conversation id is required")
	}
	ch := c.flight.DoChan(conversationID, func() (any, error) {
		return call[[]models.Message](context.WithoutCancel(ctx), c, http.MethodGet,
			c.base.JoinPath("supportchat", url.PathEscape(conversationID), "messages"), nil, nil)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("api: fetch history %s: %w", conversationID, res.Err)
		}
		msgs := res.Val.([]models.Message)
		return append([]models.Message(nil), msgs...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type createRequest struct {
	Subject        string `json:"subject"`
	InitialMessage string `json:"initialMessage"`
}

// CreateConversation opens a new support conversation.
func (c *Client) CreateConversation(ctx context.Context, subject, initialMessage string) (*models.Conversation, error) {
	if subject == "" {
		return nil, fmt.Errorf("api: create conversation: subject is required")
	}
	conv, err := call[models.Conversation](ctx, c, http.MethodPost, c.base.JoinPath("supportchat"), nil,
		createRequest{Subject: subject, InitialMessage: initialMessage})
	if err != nil {
		return nil, fmt.Errorf("api: create conversation: %w", err)
	}
	return &conv, nil
}

func call[T any](ctx context.Context, c *Client, method string, u *url.URL, query url.Values, body any) (T, error) {
	var zero T
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return zero, fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("api call",
		zap.String("method", method),
		zap.String("path", u.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	var env Envelope[T]
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 400 {
		return zero, &APIError{
			StatusCode: resp.StatusCode,
			Message:    env.Message,
			Errors:     env.Errors,
			kind:       classify(resp.StatusCode),
		}
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("decode response: %w", decodeErr)
	}
	if !env.Success {
		return zero, &APIError{StatusCode: resp.StatusCode, Message: env.Message, Errors: env.Errors, kind: ErrRejected}
	}
	return env.Data, nil
}
