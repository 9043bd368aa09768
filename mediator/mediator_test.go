package mediator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/correlation"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retry *RetryStrategy) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cli, err := New(Config{
		RegistryURL: srv.URL,
		LockyURL:    srv.URL + "/",
		ActionyURL:  srv.URL,
		Timeout:     2 * time.Second,
		Retry:       retry,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli, srv
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: code, Detail: "detail"})
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	return apiErr.ErrorCode()
}

func TestRemoteNotConfigured(t *testing.T) {
	cli, err := New(Config{RegistryURL: "http://registry.local"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := cli.CreateLock(context.Background(), api.LockRequest{Services: []string{"a"}}); !errors.Is(err, ErrRemoteNotConfigured) {
		t.Fatalf("expected ErrRemoteNotConfigured, got %v", err)
	}
	if _, err := cli.FilterActions(context.Background(), api.ActionFilter{}); !errors.Is(err, ErrRemoteNotConfigured) {
		t.Fatalf("expected ErrRemoteNotConfigured, got %v", err)
	}
	if !cli.Configured(RemoteRegistry) || cli.Configured(RemoteActiony) {
		t.Fatal("unexpected configured remotes")
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Config{LockyURL: "not a url"}); err == nil {
		t.Fatal("expected invalid url error")
	}
}

func TestFetchService(t *testing.T) {
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(correlation.Header) != "cid-1" {
			t.Errorf("missing correlation header, got %q", r.Header.Get(correlation.Header))
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "arstotzka-mediator/") {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		switch r.URL.Path {
		case "/service/svc-1":
			_ = json.NewEncoder(w).Encode(api.ServiceDetail{ServiceID: "svc-1", ServiceName: "rendering", ServiceRotation: 3})
		default:
			writeError(w, http.StatusNotFound, api.CodeServiceNotFound)
		}
	}, nil)
	ctx := correlation.Set(context.Background(), "cid-1")

	detail, err := cli.FetchService(ctx, "svc-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if detail.ServiceName != "rendering" || detail.ServiceRotation != 3 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	_, err = cli.FetchService(ctx, "ghost")
	if got := codeOf(t, err); got != api.CodeServiceNotFound {
		t.Fatalf("expected service_not_found, got %q", got)
	}
}

func TestLockMapping(t *testing.T) {
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/lock":
			var req api.LockRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if len(req.Services) == 2 {
				writeError(w, http.StatusConflict, api.CodeServiceAlreadyLocked)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(api.LockResponse{LockID: "lock-1"})
		case r.Method == http.MethodDelete && r.URL.Path == "/lock/lock-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusNotFound, api.CodeLockNotFound)
		}
	}, nil)
	ctx := context.Background()

	id, err := cli.CreateLock(ctx, api.LockRequest{Services: []string{"a"}})
	if err != nil || id != "lock-1" {
		t.Fatalf("create lock: %q %v", id, err)
	}
	_, err = cli.CreateLock(ctx, api.LockRequest{Services: []string{"a", "b"}})
	if got := codeOf(t, err); got != api.CodeServiceAlreadyLocked {
		t.Fatalf("expected service_already_locked, got %q", got)
	}
	if err := cli.RemoveLock(ctx, "lock-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := codeOf(t, cli.RemoveLock(ctx, "lock-2")); got != api.CodeLockNotFound {
		t.Fatalf("expected lock_not_found, got %q", got)
	}
}

func TestReserveAccessMapping(t *testing.T) {
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/lock/reserve" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		switch r.URL.Query().Get("service") {
		case "free":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(api.LockResponse{LockID: "lock-9"})
		case "leaf":
			w.WriteHeader(http.StatusNoContent)
		case "locked":
			writeError(w, http.StatusConflict, api.CodeServiceAlreadyLocked)
		case "busy":
			writeError(w, http.StatusConflict, api.CodeActiveBlockingActions)
		case "other":
			w.WriteHeader(http.StatusConflict)
		default:
			writeError(w, http.StatusNotFound, api.CodeServiceNotFound)
		}
	}, nil)
	ctx := context.Background()

	if id, err := cli.ReserveAccess(ctx, "free"); err != nil || id != "lock-9" {
		t.Fatalf("reserve free: %q %v", id, err)
	}
	if id, err := cli.ReserveAccess(ctx, "leaf"); err != nil || id != "" {
		t.Fatalf("reserve leaf: %q %v", id, err)
	}
	cases := map[string]string{
		"locked": api.CodeServiceAlreadyLocked,
		"busy":   api.CodeActiveBlockingActions,
		"other":  api.CodeServiceUnaccessible,
		"ghost":  api.CodeServiceNotFound,
	}
	for service, want := range cases {
		_, err := cli.ReserveAccess(ctx, service)
		if got := codeOf(t, err); got != want {
			t.Fatalf("%s: expected %q, got %q", service, want, got)
		}
	}
}

func TestActionMapping(t *testing.T) {
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var req api.ActionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			switch req.ServiceID {
			case "ok":
				w.WriteHeader(http.StatusCreated)
				_ = json.NewEncoder(w).Encode(api.ActionResponse{ActionID: "act-1"})
			case "missing":
				writeError(w, http.StatusConflict, api.CodeServiceNotFound)
			default:
				writeError(w, http.StatusConflict, api.CodeParallelismMismatch)
			}
		case r.Method == http.MethodPatch && r.URL.Path == "/action/act-1":
			_ = json.NewEncoder(w).Encode(api.Action{ActionID: "act-1", Status: api.ActionStatusCompleted})
		case r.Method == http.MethodPatch && r.URL.Path == "/action/closed":
			writeError(w, http.StatusConflict, api.CodeActionAlreadyClosed)
		default:
			writeError(w, http.StatusNotFound, api.CodeActionNotFound)
		}
	}, nil)
	ctx := context.Background()

	if id, err := cli.CreateAction(ctx, api.ActionRequest{ServiceID: "ok"}); err != nil || id != "act-1" {
		t.Fatalf("create: %q %v", id, err)
	}
	_, err := cli.CreateAction(ctx, api.ActionRequest{ServiceID: "missing"})
	if got := codeOf(t, err); got != api.CodeServiceNotFound {
		t.Fatalf("expected service_not_found, got %q", got)
	}
	_, err = cli.CreateAction(ctx, api.ActionRequest{ServiceID: "single"})
	if got := codeOf(t, err); got != api.CodeParallelismMismatch {
		t.Fatalf("expected parallelism_mismatch, got %q", got)
	}

	action, err := cli.UpdateAction(ctx, "act-1", api.ActionPatch{Status: api.ActionStatusCompleted})
	if err != nil || action.Status != api.ActionStatusCompleted {
		t.Fatalf("update: %+v %v", action, err)
	}
	_, err = cli.UpdateAction(ctx, "closed", api.ActionPatch{Status: api.ActionStatusFailed})
	if got := codeOf(t, err); got != api.CodeActionAlreadyClosed {
		t.Fatalf("expected action_already_closed, got %q", got)
	}
	_, err = cli.UpdateAction(ctx, "ghost", api.ActionPatch{Status: api.ActionStatusFailed})
	if got := codeOf(t, err); got != api.CodeActionNotFound {
		t.Fatalf("expected action_not_found, got %q", got)
	}
}

func TestFilterActionsQuery(t *testing.T) {
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("service") != "svc" || q.Get("rotation") != "2" || q.Get("limit") != "1" || q.Get("sort") != "asc" {
			t.Errorf("unexpected query %v", q)
		}
		if got := q["status"]; len(got) != 2 || got[0] != "active" || got[1] != "failed" {
			t.Errorf("unexpected status values %v", got)
		}
		_, _ = w.Write([]byte(`[{"actionId":"a1","status":"active"}]`))
	}, nil)
	rot := int64(2)
	actions, err := cli.FilterActions(context.Background(), api.ActionFilter{
		Service:  "svc",
		Rotation: &rot,
		Status:   []api.ActionStatus{api.ActionStatusActive, api.ActionStatusFailed},
		Limit:    1,
		Sort:     api.SortAsc,
	})
	if err != nil || len(actions) != 1 || actions[0].ActionID != "a1" {
		t.Fatalf("filter: %+v %v", actions, err)
	}
}

func TestRetriesIdempotentServerErrors(t *testing.T) {
	var calls atomic.Int32
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}, &RetryStrategy{Retries: 3, Delay: time.Millisecond})

	if _, err := cli.FilterActions(context.Background(), api.ActionFilter{}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDoesNotRetryPostServerErrors(t *testing.T) {
	var calls atomic.Int32
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusInternalServerError, api.CodeInternal)
	}, &RetryStrategy{Retries: 3, Delay: time.Millisecond})

	_, err := cli.CreateLock(context.Background(), api.LockRequest{Services: []string{"a"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError || apiErr.Code != "" {
		t.Fatalf("expected unmapped 500 APIError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestTransportErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	cli, err := New(Config{LockyURL: base, Timeout: time.Second, Retry: &RetryStrategy{Retries: 2, Delay: time.Millisecond}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = cli.RemoveLock(context.Background(), "lock-1")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
	if te.Attempts != 3 || te.Remote != RemoteLocky {
		t.Fatalf("unexpected transport error %+v", te)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	constant := &RetryStrategy{Retries: 2, Delay: 50 * time.Millisecond}
	if constant.delay(1) != 50*time.Millisecond || constant.delay(3) != 50*time.Millisecond {
		t.Fatal("expected constant delay")
	}
	exp := &RetryStrategy{Retries: 4, Exponential: true}
	want := []time.Duration{DefaultRetryDelay, 2 * DefaultRetryDelay, 4 * DefaultRetryDelay}
	for i, w := range want {
		if got := exp.delay(i + 1); got != w {
			t.Fatalf("retry %d: expected %v, got %v", i+1, w, got)
		}
	}
	var none *RetryStrategy
	if none.attempts() != 1 {
		t.Fatal("nil strategy must make one attempt")
	}
}

func TestProbeExternal(t *testing.T) {
	var body atomic.Value
	body.Store(`[{"id":1}]`)
	cli, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "inprogress" || r.URL.Query().Get("queue") != "dump" {
			t.Errorf("unexpected query %v", r.URL.Query())
		}
		_, _ = w.Write([]byte(body.Load().(string)))
	}, nil)

	active, err := cli.ProbeExternal(context.Background(), srv.URL+"/jobs?queue=dump")
	if err != nil || !active {
		t.Fatalf("expected active tracker, got %v %v", active, err)
	}
	body.Store(`[]`)
	active, err = cli.ProbeExternal(context.Background(), srv.URL+"/jobs?queue=dump")
	if err != nil || active {
		t.Fatalf("expected idle tracker, got %v %v", active, err)
	}
	if _, err := cli.ProbeExternal(context.Background(), "::"); err == nil {
		t.Fatal("expected invalid tracker url error")
	}
}

func TestRotateAndLookups(t *testing.T) {
	cli, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/service/svc-1/rotate":
			var req api.RotateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Description != "weekly" {
				t.Errorf("unexpected description %q", req.Description)
			}
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/service/busy/rotate":
			writeError(w, http.StatusConflict, api.CodeServiceIsActive)
		case r.Method == http.MethodPost && r.URL.Path == "/service/locked/rotate":
			writeError(w, http.StatusConflict, api.CodeServiceAlreadyLocked)
		case r.Method == http.MethodGet && r.URL.Path == "/service":
			_ = json.NewEncoder(w).Encode([]api.ServiceDetail{{ServiceID: "svc-1"}})
		case r.Method == http.MethodGet && r.URL.Path == "/lock/lock-1":
			_ = json.NewEncoder(w).Encode(api.Lock{LockID: "lock-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/action/act-1":
			_ = json.NewEncoder(w).Encode(api.Action{ActionID: "act-1"})
		default:
			writeError(w, http.StatusNotFound, "")
		}
	}, nil)
	ctx := context.Background()

	if err := cli.Rotate(ctx, "svc-1", "weekly"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if got := codeOf(t, cli.Rotate(ctx, "busy", "weekly")); got != api.CodeServiceIsActive {
		t.Fatalf("expected service_is_active, got %q", got)
	}
	if got := codeOf(t, cli.Rotate(ctx, "locked", "weekly")); got != api.CodeServiceAlreadyLocked {
		t.Fatalf("expected service_already_locked, got %q", got)
	}
	if got := codeOf(t, cli.Rotate(ctx, "ghost", "")); got != api.CodeServiceNotFound {
		t.Fatalf("expected service_not_found, got %q", got)
	}
	services, err := cli.ListServices(ctx)
	if err != nil || len(services) != 1 {
		t.Fatalf("list services: %v %v", services, err)
	}
	if lock, err := cli.GetLock(ctx, "lock-1"); err != nil || lock.LockID != "lock-1" {
		t.Fatalf("get lock: %+v %v", lock, err)
	}
	if _, err := cli.GetLock(ctx, "lock-2"); codeOf(t, err) != api.CodeLockNotFound {
		t.Fatalf("expected lock_not_found, got %v", err)
	}
	if action, err := cli.GetAction(ctx, "act-1"); err != nil || action.ActionID != "act-1" {
		t.Fatalf("get action: %+v %v", action, err)
	}
	if _, err := cli.GetAction(ctx, "act-2"); codeOf(t, err) != api.CodeActionNotFound {
		t.Fatalf("expected action_not_found, got %v", err)
	}
}
