package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/clock"
	"github.com/MapColonies/arstotzka/internal/correlation"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/svcfields"
	"github.com/MapColonies/arstotzka/internal/version"
)

// DefaultTimeout bounds a single outbound call when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Remote names a capability reachable through the mediator.
type Remote string

const (
	RemoteRegistry Remote = "registry"
	RemoteLocky    Remote = "locky"
	RemoteActiony  Remote = "actiony"
)

// ErrRemoteNotConfigured is returned, never retried, when a call targets a
// capability without a base URL.
var ErrRemoteNotConfigured = errors.New("mediator: remote not configured")

// Config selects the remotes and transport policy of a Client.
type Config struct {
	RegistryURL string
	LockyURL    string
	ActionyURL  string
	// Timeout bounds each call, or each attempt when Retry.ResetTimeout is set.
	Timeout time.Duration
	// Retry enables retries of transport failures; nil disables them.
	Retry *RetryStrategy
}

// APIError describes a non-2xx answer from a remote.
type APIError struct {
	// Remote is the capability that answered.
	Remote Remote
	// Status is the HTTP status code.
	Status int
	// Code is the domain kind mapped from Status for the called endpoint;
	// empty when the status has no mapping.
	Code string
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body is the raw response body.
	Body []byte
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Response.Detail != "":
		return fmt.Sprintf("mediator: %s: %s (%s)", e.Remote, e.Code, e.Response.Detail)
	case e.Code != "":
		return fmt.Sprintf("mediator: %s: %s", e.Remote, e.Code)
	case e.Response.ErrorCode != "":
		return fmt.Sprintf("mediator: %s: status %d: %s (%s)", e.Remote, e.Status, e.Response.ErrorCode, e.Response.Detail)
	default:
		return fmt.Sprintf("mediator: %s: status %d", e.Remote, e.Status)
	}
}

// ErrorCode returns the mapped domain kind.
func (e *APIError) ErrorCode() string { return e.Code }

// TransportError wraps the last network failure after retries ran out.
type TransportError struct {
	Remote   Remote
	Method   string
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mediator: %s %s %s failed after %d attempt(s): %v", e.Remote, e.Method, e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client calls the registry, locky and actiony HTTP APIs.
type Client struct {
	remotes    map[Remote]string
	timeout    time.Duration
	retry      *RetryStrategy
	httpClient *http.Client
	logger     pslog.Logger
	clock      clock.Clock
	userAgent  string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies the HTTP client used for every call.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "mediator.client")
	}
}

// WithClock drives retry delays from clk.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clock.Or(clk)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// New validates cfg and constructs a Client. Remotes may be left empty; calls
// against them fail with ErrRemoteNotConfigured.
func New(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		remotes:    make(map[Remote]string, 3),
		timeout:    cfg.Timeout,
		retry:      cfg.Retry,
		httpClient: &http.Client{},
		logger:     svcfields.WithSubsystem(loggingutil.NoopLogger(), "mediator.client"),
		clock:      clock.Real{},
		userAgent:  version.UserAgent("arstotzka-mediator"),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	for remote, raw := range map[Remote]string{
		RemoteRegistry: cfg.RegistryURL,
		RemoteLocky:    cfg.LockyURL,
		RemoteActiony:  cfg.ActionyURL,
	} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("mediator: invalid %s url %q", remote, raw)
		}
		c.remotes[remote] = strings.TrimRight(raw, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Configured reports whether remote has a base URL.
func (c *Client) Configured(remote Remote) bool {
	_, ok := c.remotes[remote]
	return ok
}

// FetchService returns the registry view of serviceID.
func (c *Client) FetchService(ctx context.Context, serviceID string) (api.ServiceDetail, error) {
	var detail api.ServiceDetail
	_, err := c.call(ctx, call{
		remote: RemoteRegistry,
		method: http.MethodGet,
		path:   "/service/" + url.PathEscape(serviceID),
		out:    &detail,
		mapStatus: func(status int, _ api.ErrorResponse) string {
			if status == http.StatusNotFound {
				return api.CodeServiceNotFound
			}
			return ""
		},
	})
	return detail, err
}

// ListServices returns the registry view of every service.
func (c *Client) ListServices(ctx context.Context) ([]api.ServiceDetail, error) {
	var out []api.ServiceDetail
	_, err := c.call(ctx, call{
		remote: RemoteRegistry,
		method: http.MethodGet,
		path:   "/service",
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []api.ServiceDetail{}
	}
	return out, nil
}

// Rotate advances the rotation of serviceID and its descendants.
func (c *Client) Rotate(ctx context.Context, serviceID, description string) error {
	_, err := c.call(ctx, call{
		remote: RemoteRegistry,
		method: http.MethodPost,
		path:   "/service/" + url.PathEscape(serviceID) + "/rotate",
		body:   api.RotateRequest{Description: description},
		mapStatus: func(status int, body api.ErrorResponse) string {
			switch status {
			case http.StatusNotFound:
				return api.CodeServiceNotFound
			case http.StatusConflict:
				if body.ErrorCode == api.CodeServiceAlreadyLocked {
					return body.ErrorCode
				}
				return api.CodeServiceIsActive
			}
			return ""
		},
	})
	return err
}

// GetLock returns lockID as stored on locky.
func (c *Client) GetLock(ctx context.Context, lockID string) (api.Lock, error) {
	var out api.Lock
	_, err := c.call(ctx, call{
		remote: RemoteLocky,
		method: http.MethodGet,
		path:   "/lock/" + url.PathEscape(lockID),
		out:    &out,
		mapStatus: func(status int, _ api.ErrorResponse) string {
			if status == http.StatusNotFound {
				return api.CodeLockNotFound
			}
			return ""
		},
	})
	return out, err
}

// CreateLock posts req to locky and returns the lock id.
func (c *Client) CreateLock(ctx context.Context, req api.LockRequest) (string, error) {
	var out api.LockResponse
	_, err := c.call(ctx, call{
		remote: RemoteLocky,
		method: http.MethodPost,
		path:   "/lock",
		body:   req,
		out:    &out,
		mapStatus: func(status int, _ api.ErrorResponse) string {
			if status == http.StatusConflict {
				return api.CodeServiceAlreadyLocked
			}
			return ""
		},
	})
	return out.LockID, err
}

// RemoveLock deletes lockID on locky.
func (c *Client) RemoveLock(ctx context.Context, lockID string) error {
	_, err := c.call(ctx, call{
		remote: RemoteLocky,
		method: http.MethodDelete,
		path:   "/lock/" + url.PathEscape(lockID),
		mapStatus: func(status int, _ api.ErrorResponse) string {
			if status == http.StatusNotFound {
				return api.CodeLockNotFound
			}
			return ""
		},
	})
	return err
}

// ReserveAccess asks locky to lock the blockees of serviceID. An empty id
// with a nil error means the service has nothing to reserve.
func (c *Client) ReserveAccess(ctx context.Context, serviceID string) (string, error) {
	var out api.LockResponse
	_, err := c.call(ctx, call{
		remote: RemoteLocky,
		method: http.MethodPost,
		path:   "/lock/reserve",
		query:  url.Values{"service": []string{serviceID}},
		out:    &out,
		mapStatus: func(status int, body api.ErrorResponse) string {
			switch status {
			case http.StatusNotFound:
				return api.CodeServiceNotFound
			case http.StatusConflict:
				switch body.ErrorCode {
				case api.CodeServiceAlreadyLocked, api.CodeActiveBlockingActions:
					return body.ErrorCode
				}
				return api.CodeServiceUnaccessible
			}
			return ""
		},
	})
	return out.LockID, err
}

// FilterActions lists actions on actiony.
func (c *Client) FilterActions(ctx context.Context, filter api.ActionFilter) ([]api.Action, error) {
	var out []api.Action
	_, err := c.call(ctx, call{
		remote: RemoteActiony,
		method: http.MethodGet,
		path:   "/action",
		query:  FilterQuery(filter),
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []api.Action{}
	}
	return out, nil
}

// CreateAction posts req to actiony and returns the action id.
func (c *Client) CreateAction(ctx context.Context, req api.ActionRequest) (string, error) {
	var out api.ActionResponse
	_, err := c.call(ctx, call{
		remote: RemoteActiony,
		method: http.MethodPost,
		path:   "/action",
		body:   req,
		out:    &out,
		mapStatus: func(status int, body api.ErrorResponse) string {
			switch status {
			case http.StatusNotFound:
				return api.CodeServiceNotFound
			case http.StatusConflict:
				if body.ErrorCode == api.CodeServiceNotFound {
					return api.CodeServiceNotFound
				}
				return api.CodeParallelismMismatch
			}
			return ""
		},
	})
	return out.ActionID, err
}

// GetAction returns actionID from actiony.
func (c *Client) GetAction(ctx context.Context, actionID string) (api.Action, error) {
	var out api.Action
	_, err := c.call(ctx, call{
		remote: RemoteActiony,
		method: http.MethodGet,
		path:   "/action/" + url.PathEscape(actionID),
		out:    &out,
		mapStatus: func(status int, _ api.ErrorResponse) string {
			if status == http.StatusNotFound {
				return api.CodeActionNotFound
			}
			return ""
		},
	})
	return out, err
}

// UpdateAction patches actionID on actiony and returns the updated action.
// Remotes that answer without a body yield a zero Action.
func (c *Client) UpdateAction(ctx context.Context, actionID string, patch api.ActionPatch) (api.Action, error) {
	var out api.Action
	_, err := c.call(ctx, call{
		remote: RemoteActiony,
		method: http.MethodPatch,
		path:   "/action/" + url.PathEscape(actionID),
		body:   patch,
		out:    &out,
		mapStatus: func(status int, _ api.ErrorResponse) string {
			switch status {
			case http.StatusNotFound:
				return api.CodeActionNotFound
			case http.StatusConflict:
				return api.CodeActionAlreadyClosed
			}
			return ""
		},
	})
	return out, err
}

// ProbeExternal asks an external tracker for in-progress work with
// GET <trackerURL>?status=inprogress and reports whether the returned array
// is non-empty.
func (c *Client) ProbeExternal(ctx context.Context, trackerURL string) (bool, error) {
	u, err := url.Parse(strings.TrimSpace(trackerURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false, fmt.Errorf("mediator: invalid tracker url %q", trackerURL)
	}
	q := u.Query()
	q.Set("status", "inprogress")
	u.RawQuery = q.Encode()

	var items []json.RawMessage
	_, err = c.call(ctx, call{
		remote:  "external",
		method:  http.MethodGet,
		fullURL: u.String(),
		out:     &items,
		mapStatus: func(int, api.ErrorResponse) string {
			return api.CodeServiceUnaccessible
		},
	})
	if err != nil {
		return false, err
	}
	return len(items) > 0, nil
}

// FilterQuery renders filter as the query string understood by GET /action.
func FilterQuery(filter api.ActionFilter) url.Values {
	q := url.Values{}
	if filter.Service != "" {
		q.Set("service", filter.Service)
	}
	if filter.Rotation != nil {
		q.Set("rotation", strconv.FormatInt(*filter.Rotation, 10))
	}
	if filter.ParentRotation != nil {
		q.Set("parentRotation", strconv.FormatInt(*filter.ParentRotation, 10))
	}
	for _, st := range filter.Status {
		q.Add("status", string(st))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Sort != "" {
		q.Set("sort", string(filter.Sort))
	}
	return q
}

type call struct {
	remote    Remote
	method    string
	path      string
	fullURL   string
	query     url.Values
	body      any
	out       any
	mapStatus func(status int, body api.ErrorResponse) string
}

func (c *Client) call(ctx context.Context, cl call) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	target := cl.fullURL
	if target == "" {
		base, ok := c.remotes[cl.remote]
		if !ok {
			c.logger.Error("mediator.remote.not_configured", "remote", cl.remote, "method", cl.method, "path", cl.path)
			return 0, fmt.Errorf("%w: %s", ErrRemoteNotConfigured, cl.remote)
		}
		target = base + cl.path
		if len(cl.query) > 0 {
			target += "?" + cl.query.Encode()
		}
	}
	var payload []byte
	if cl.body != nil {
		var err error
		if payload, err = json.Marshal(cl.body); err != nil {
			return 0, fmt.Errorf("mediator: encode request: %w", err)
		}
	}

	callCtx := ctx
	if !c.retry.resetTimeout() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	logger := c.logger.With("remote", cl.remote, "method", cl.method, "url", target)
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	logger.Debug("mediator.request.begin")

	attempts := c.retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := c.retry.delay(attempt - 1)
			logger.Warn("mediator.request.retry", "attempt", attempt, "delay", wait, "error", lastErr)
			select {
			case <-callCtx.Done():
				return 0, &TransportError{Remote: cl.remote, Method: cl.method, URL: target, Attempts: attempt - 1, Err: lastErr}
			case <-c.clock.After(wait):
			}
		}
		status, data, err := c.attempt(callCtx, cl.method, target, payload)
		if err == nil && status < 500 {
			return c.finish(logger, cl, status, data)
		}
		var resp *http.Response
		if err == nil {
			resp = &http.Response{StatusCode: status}
			lastErr = fmt.Errorf("status %d", status)
		} else {
			lastErr = err
		}
		if attempt == attempts || !retryable(callCtx, cl.method, resp, err) {
			if err == nil {
				return c.finish(logger, cl, status, data)
			}
			logger.Error("mediator.request.transport_error", "attempts", attempt, "error", err)
			return 0, &TransportError{Remote: cl.remote, Method: cl.method, URL: target, Attempts: attempt, Err: err}
		}
	}
	return 0, &TransportError{Remote: cl.remote, Method: cl.method, URL: target, Attempts: attempts, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, method, target string, payload []byte) (int, []byte, error) {
	if c.retry.resetTimeout() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if cid := correlation.ID(ctx); cid != "" {
		req.Header.Set(correlation.Header, cid)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) finish(logger pslog.Logger, cl call, status int, data []byte) (int, error) {
	if status >= 300 {
		apiErr := &APIError{Remote: cl.remote, Status: status, Body: data}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr.Response)
		}
		if cl.mapStatus != nil {
			apiErr.Code = cl.mapStatus(status, apiErr.Response)
		}
		logger.Error("mediator.request.failed", "status", status, "code", apiErr.Code, "remote_error", apiErr.Response.ErrorCode)
		return status, apiErr
	}
	if cl.out != nil && status != http.StatusNoContent && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, cl.out); err != nil {
			return status, fmt.Errorf("mediator: decode %s response: %w", cl.remote, err)
		}
	}
	logger.Debug("mediator.request.success", "status", status)
	return status, nil
}
