// Package backend is the agent's HTTP client for the Helpline backend:
// room token issuance and the session log.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Helpline/internal/core"
	"github.com/dkeye/Helpline/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrTokenRequest = errors.New("failed to create room token")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: %s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("backend: %s %s: %d", e.Method, e.Path, e.Code)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Options struct {
	BaseURL    string
	Org        string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxElapsed bounds retries of idempotent GETs.
	MaxElapsed time.Duration
}

type Client struct {
	base       string
	org        string
	http       *http.Client
	maxElapsed time.Duration
	logger     zerolog.Logger
}

var (
	_ core.TokenIssuer = (*Client)(nil)
	_ core.SessionLog  = (*Client)(nil)
)

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 10 * time.Second
	}
	return &Client{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		org:        opts.Org,
		http:       hc,
		maxElapsed: opts.MaxElapsed,
		logger:     log.With().Str("module", "backend").Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

// get retries transport failures and temporary statuses with exponential backoff.
func (c *Client) get(ctx context.Context, path, bearer string, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	op := func() error {
		err := c.do(ctx, http.MethodGet, path, bearer, nil, out)
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", d).Str("path", path).Msg("backend GET retry")
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// IssueRoomToken asks the backend for a room credential.
func (c *Client) IssueRoomToken(ctx context.Context, bearer string) (*domain.RoomCredential, error) {
	var cred domain.RoomCredential
	body := map[string]string{"organizationId": c.org}
	if err := c.do(ctx, http.MethodPost, "/token", bearer, body, &cred); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}
	if cred.AccessToken == "" || cred.ServerURL == "" {
		return nil, fmt.Errorf("%w: incomplete credential", ErrTokenRequest)
	}
	return &cred, nil
}

func sessionPath(id string, suffix string) string {
	return "/session/" + url.PathEscape(id) + suffix
}

func (c *Client) UploadScreenFrame(ctx context.Context, bearer, sessionID string, frame domain.ScreenFrameUpload) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "/screen-frame"), bearer, frame, nil)
}

func (c *Client) EndScreenShare(ctx context.Context, bearer, sessionID string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(sessionID, "/screen-frame"), bearer, nil, nil)
}

type logRequest struct {
	SessionID string         `json:"sessionId"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (c *Client) LogEvent(ctx context.Context, bearer, sessionID, event string, data map[string]any) error {
	return c.do(ctx, http.MethodPost, "/session/log", bearer, logRequest{
		SessionID: sessionID,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil)
}

type feedbackRequest struct {
	SessionID string  `json:"sessionId"`
	Rating    float64 `json:"rating"`
	Comment   string  `json:"comment,omitempty"`
}

func (c *Client) SubmitFeedback(ctx context.Context, bearer, sessionID string, rating float64, comment string) error {
	return c.do(ctx, http.MethodPost, "/feedback", bearer, feedbackRequest{SessionID: sessionID, Rating: rating, Comment: comment}, nil)
}

// ClientConfig is the backend's public configuration.
type ClientConfig struct {
	BackendBaseURL string `json:"backendBaseUrl"`
	GoogleClientID string `json:"googleClientId"`
	SignalURL      string `json:"signalUrl"`
}

func (c *Client) Config(ctx context.Context) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := c.get(ctx, "/config", "", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Session fetches one session record.
func (c *Client) Session(ctx context.Context, bearer, sessionID string) (*domain.SessionRecord, error) {
	var out struct {
		Session domain.SessionRecord `json:"session"`
	}
	if err := c.get(ctx, sessionPath(sessionID, ""), bearer, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}
