package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adbot/internal/errors"
	"adbot/internal/metrics"
	logx "adbot/pkg/logx"
)

const defaultTimeout = 15 * time.Second

// maxErrorBody caps how much of a failed response is kept as error detail.
const maxErrorBody = 4 << 10

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the remote job authority over its REST API.
//
// Every call carries the bearer token and is bounded by Config.Timeout.
// Failures are returned as errors.ErrRemoteUnavailable (network, timeout,
// 5xx) or errors.ErrRemoteRejected (4xx).
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.Validationf("remote.base_url is required")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Validationf("remote.base_url: invalid url %q", raw)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:  u,
		token: strings.TrimSpace(cfg.Token),
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

// ListJobs fetches every job known to the authority (GET /jobs).
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var out []Job
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateJob registers a new job (POST /jobs) and returns the stored record.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

// DeleteJob removes a job by its group-scoped local ID (DELETE /jobs/{localID}).
func (c *Client) DeleteJob(ctx context.Context, groupID, localID string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(localID), deleteJobRequest{GroupID: groupID}, nil)
}

// MarkSent acknowledges a delivery (PATCH /jobs/{remoteID}/mark-sent).
func (c *Client) MarkSent(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(remoteID)+"/mark-sent", nil, nil)
}

// ConfirmGroup reports a joined group (POST /groups/confirm).
func (c *Client) ConfirmGroup(ctx context.Context, g GroupConfirmation) error {
	return c.do(ctx, http.MethodPost, "/groups/confirm", g, nil)
}

// NotifyGroupLeft reports a left group (POST /groups/left).
func (c *Client) NotifyGroupLeft(ctx context.Context, g GroupLeft) error {
	return c.do(ctx, http.MethodPost, "/groups/left", g, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s %s: encode body", method, path)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observe(method, start, errors.ErrRemoteUnavailable)
		c.log.Debug("remote call failed", logx.String("method", method), logx.String("path", path), logx.Err(err))
		return errors.Mark(errors.Wrapf(err, "%s %s", method, path), errors.ErrRemoteUnavailable)
	}
	defer resp.Body.Close()

	c.log.Trace("remote call",
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := statusError(method, path, resp.StatusCode, raw)
		observe(method, start, err)
		return err
	}
	observe(method, start, nil)
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s %s: decode response", method, path), errors.ErrRemoteUnavailable)
	}
	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Mark(errors.Wrapf(err, "%s %s: decode data", method, path), errors.ErrRemoteUnavailable)
	}
	return nil
}

func observe(method string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.IsRemoteRejected(err):
		outcome = "rejected"
	case err != nil:
		outcome = "unavailable"
	}
	metrics.RemoteRequestDurationSeconds.WithLabelValues(method, outcome).Observe(time.Since(start).Seconds())
}

// StatusError carries the HTTP status of a failed remote call.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Method + " " + e.Path + ": http " + strconv.Itoa(e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func statusError(method, path string, status int, body []byte) error {
	se := &StatusError{Method: method, Path: path, Status: status, Message: serverMessage(body)}
	kind := errors.ErrRemoteUnavailable
	if status >= 400 && status < 500 {
		kind = errors.ErrRemoteRejected
	}
	return errors.Mark(errors.WithStack(se), kind)
}

func serverMessage(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}
	var env envelope
	if json.Unmarshal(body, &env) == nil {
		if env.Message != "" {
			return env.Message
		}
		if env.Error != "" {
			return env.Error
		}
	}
	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// Status extracts the HTTP status from a remote error (0 if none).
func Status(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
