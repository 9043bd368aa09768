package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/clock"
	"github.com/MapColonies/arstotzka/internal/core"
	"github.com/MapColonies/arstotzka/internal/correlation"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/storage/memory"
)

type testServer struct {
	url  string
	core *core.Service
}

func newTestServer(t *testing.T, roles Roles) *testServer {
	t.Helper()
	svc := core.New(core.Config{
		Store:  memory.New(),
		Logger: loggingutil.NoopLogger(),
		Clock:  clock.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
	})
	h := New(Config{Core: svc, Logger: loggingutil.NoopLogger(), Roles: roles, JSONMaxBytes: 4 << 10})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, core: svc}
}

func allRoles() Roles { return Roles{Registry: true, Locky: true, Actiony: true} }

func (s *testServer) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	specs := []core.ServiceSpec{
		{ID: "root", Namespace: "osm", Name: "ingestion", Parallelism: api.ParallelismSingle, ServiceType: api.ServiceTypeProducer},
		{ID: "child", Namespace: "osm", Name: "rendering", Parallelism: api.ParallelismReplaceable, ServiceType: api.ServiceTypeConsumer, ParentID: "root"},
		{ID: "query", Namespace: "osm", Name: "osm2pg-query", Parallelism: api.ParallelismMultiple, ServiceType: api.ServiceTypeConsumer},
	}
	for _, spec := range specs {
		if _, err := s.core.RegisterService(ctx, spec); err != nil {
			t.Fatalf("register %s: %v", spec.ID, err)
		}
	}
	if err := s.core.RegisterBlock(ctx, "query", "root"); err != nil {
		t.Fatalf("block: %v", err)
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = strings.NewReader(v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			reader = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, status int) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected %d, got %d: %s", status, resp.StatusCode, body)
	}
}

func expectError(t *testing.T, resp *http.Response, body []byte, status int, code string) {
	t.Helper()
	expectStatus(t, resp, body, status)
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	if errResp.ErrorCode != code {
		t.Fatalf("expected code %s, got %+v", code, errResp)
	}
}

func TestServiceEndpoints(t *testing.T) {
	s := newTestServer(t, allRoles())
	s.seed(t)

	resp, body := s.do(t, http.MethodGet, "/service/child", nil)
	expectStatus(t, resp, body, http.StatusOK)
	var detail api.ServiceDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.ServiceName != "rendering" || detail.Parent == nil || *detail.Parent != "root" || detail.ParentRotation == nil {
		t.Fatalf("unexpected detail %+v", detail)
	}

	resp, body = s.do(t, http.MethodGet, "/service/ghost", nil)
	expectError(t, resp, body, http.StatusNotFound, api.CodeServiceNotFound)

	resp, body = s.do(t, http.MethodPost, "/service/root/rotate", api.RotateRequest{Description: "planet"})
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = s.do(t, http.MethodPatch, "/service/root/rotate", nil)
	expectStatus(t, resp, body, http.StatusNoContent)

	resp, body = s.do(t, http.MethodGet, "/service/child", nil)
	expectStatus(t, resp, body, http.StatusOK)
	_ = json.Unmarshal(body, &detail)
	if detail.ServiceRotation != 3 || *detail.ParentRotation != 3 {
		t.Fatalf("expected child (3,3), got (%d,%v)", detail.ServiceRotation, *detail.ParentRotation)
	}

	resp, body = s.do(t, http.MethodGet, "/service", nil)
	expectStatus(t, resp, body, http.StatusOK)
	var list []api.ServiceDetail
	if err := json.Unmarshal(body, &list); err != nil || len(list) != 3 {
		t.Fatalf("unexpected service list %s (%v)", body, err)
	}
}

func TestRotateConflictWhenActive(t *testing.T) {
	s := newTestServer(t, allRoles())
	s.seed(t)
	resp, body := s.do(t, http.MethodPost, "/action", api.ActionRequest{ServiceID: "child"})
	expectStatus(t, resp, body, http.StatusCreated)

	resp, body = s.do(t, http.MethodPost, "/service/root/rotate", nil)
	expectError(t, resp, body, http.StatusConflict, api.CodeServiceIsActive)
	resp, body = s.do(t, http.MethodPost, "/service/ghost/rotate", nil)
	expectError(t, resp, body, http.StatusNotFound, api.CodeServiceNotFound)
}

func TestLockEndpoints(t *testing.T) {
	s := newTestServer(t, allRoles())
	s.seed(t)

	resp, body := s.do(t, http.MethodPost, "/lock", api.LockRequest{Services: []string{"root", "child"}, Reason: "maintenance"})
	expectStatus(t, resp, body, http.StatusCreated)
	var created api.LockResponse
	if err := json.Unmarshal(body, &created); err != nil || created.LockID == "" {
		t.Fatalf("unexpected lock response %s", body)
	}

	resp, body = s.do(t, http.MethodPost, "/lock", api.LockRequest{Services: []string{"child"}})
	expectError(t, resp, body, http.StatusConflict, api.CodeServiceAlreadyLocked)

	resp, body = s.do(t, http.MethodGet, "/lock/"+created.LockID, nil)
	expectStatus(t, resp, body, http.StatusOK)

	resp, body = s.do(t, http.MethodDelete, "/lock/"+created.LockID, nil)
	expectStatus(t, resp, body, http.StatusNoContent)
	resp, body = s.do(t, http.MethodDelete, "/lock/"+created.LockID, nil)
	expectError(t, resp, body, http.StatusNotFound, api.CodeLockNotFound)

	resp, body = s.do(t, http.MethodPost, "/lock", `{"services":[]}`)
	expectError(t, resp, body, http.StatusBadRequest, api.CodeInvalidRequest)
	resp, body = s.do(t, http.MethodPost, "/lock", `{"services":["a"],"bogus":1}`)
	expectError(t, resp, body, http.StatusBadRequest, api.CodeInvalidRequest)
}

func TestReserveEndpoint(t *testing.T) {
	s := newTestServer(t, allRoles())
	s.seed(t)

	resp, body := s.do(t, http.MethodPost, "/lock/reserve?service=child", nil)
	expectStatus(t, resp, body, http.StatusNoContent)

	resp, body = s.do(t, http.MethodPost, "/lock/reserve?service=query", nil)
	expectStatus(t, resp, body, http.StatusCreated)
	var created api.LockResponse
	_ = json.Unmarshal(body, &created)
	resp, body = s.do(t, http.MethodDelete, "/lock/"+created.LockID, nil)
	expectStatus(t, resp, body, http.StatusNoContent)

	resp, body = s.do(t, http.MethodPost, "/action", api.ActionRequest{ServiceID: "root"})
	expectStatus(t, resp, body, http.StatusCreated)
	resp, body = s.do(t, http.MethodPost, "/lock/reserve?service=query", nil)
	expectError(t, resp, body, http.StatusConflict, api.CodeActiveBlockingActions)

	resp, body = s.do(t, http.MethodPost, "/lock/reserve?service=ghost", nil)
	expectError(t, resp, body, http.StatusNotFound, api.CodeServiceNotFound)
	resp, body = s.do(t, http.MethodPost, "/lock/reserve", nil)
	expectError(t, resp, body, http.StatusBadRequest, api.CodeInvalidRequest)
}

func TestActionEndpoints(t *testing.T) {
	s := newTestServer(t, allRoles())
	s.seed(t)

	resp, body := s.do(t, http.MethodPost, "/action", api.ActionRequest{ServiceID: "root", State: 5, Metadata: map[string]any{"a": "b"}})
	expectStatus(t, resp, body, http.StatusCreated)
	var created api.ActionResponse
	_ = json.Unmarshal(body, &created)

	resp, body = s.do(t, http.MethodPost, "/action", api.ActionRequest{ServiceID: "root"})
	expectError(t, resp, body, http.StatusConflict, api.CodeParallelismMismatch)
	resp, body = s.do(t, http.MethodPost, "/action", api.ActionRequest{ServiceID: "ghost"})
	expectError(t, resp, body, http.StatusConflict, api.CodeServiceNotFound)

	resp, body = s.do(t, http.MethodGet, "/action?service=root&status=active&limit=1&sort=asc", nil)
	expectStatus(t, resp, body, http.StatusOK)
	var actions []api.Action
	if err := json.Unmarshal(body, &actions); err != nil || len(actions) != 1 || actions[0].ActionID != created.ActionID {
		t.Fatalf("unexpected actions %s (%v)", body, err)
	}

	resp, body = s.do(t, http.MethodPatch, "/action/"+created.ActionID, api.ActionPatch{Status: api.ActionStatusCompleted, Metadata: map[string]any{"c": "d"}})
	expectStatus(t, resp, body, http.StatusOK)
	var updated api.Action
	_ = json.Unmarshal(body, &updated)
	if updated.Status != api.ActionStatusCompleted || updated.ClosedAt == nil || updated.Metadata["a"] != "b" || updated.Metadata["c"] != "d" {
		t.Fatalf("unexpected updated action %+v", updated)
	}

	resp, body = s.do(t, http.MethodPatch, "/action/"+created.ActionID, api.ActionPatch{Status: api.ActionStatusFailed})
	expectError(t, resp, body, http.StatusConflict, api.CodeActionAlreadyClosed)
	resp, body = s.do(t, http.MethodPatch, "/action/missing", api.ActionPatch{Status: api.ActionStatusFailed})
	expectError(t, resp, body, http.StatusNotFound, api.CodeActionNotFound)
	resp, body = s.do(t, http.MethodGet, "/action/missing", nil)
	expectError(t, resp, body, http.StatusNotFound, api.CodeActionNotFound)
}

func TestActionListValidation(t *testing.T) {
	s := newTestServer(t, allRoles())
	for _, query := range []string{"limit=0", "limit=x", "sort=up", "status=paused", "rotation=one", "extra=1"} {
		resp, body := s.do(t, http.MethodGet, "/action?"+query, nil)
		expectError(t, resp, body, http.StatusBadRequest, api.CodeInvalidRequest)
	}
	resp, body := s.do(t, http.MethodGet, "/action", nil)
	expectStatus(t, resp, body, http.StatusOK)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty array, got %s", body)
	}
}

func TestRolesLimitRoutes(t *testing.T) {
	s := newTestServer(t, Roles{Locky: true})
	resp, body := s.do(t, http.MethodGet, "/action", nil)
	expectStatus(t, resp, body, http.StatusNotFound)
	resp, body = s.do(t, http.MethodGet, "/healthz", nil)
	expectStatus(t, resp, body, http.StatusOK)
}

func TestCorrelationHeaderEchoed(t *testing.T) {
	s := newTestServer(t, allRoles())
	req, _ := http.NewRequest(http.MethodGet, s.url+"/healthz", nil)
	req.Header.Set(correlation.Header, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(correlation.Header); got != "abc-123" {
		t.Fatalf("expected correlation echo, got %q", got)
	}

	resp, _ = s.do(t, http.MethodGet, "/healthz", nil)
	if resp.Header.Get(correlation.Header) == "" {
		t.Fatal("expected generated correlation id")
	}
}

func TestReadyz(t *testing.T) {
	h := New(Config{Logger: loggingutil.NoopLogger(), Ready: func(context.Context) error { return errors.New("store down") }})
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestUnmappedErrorsBecomeInternal(t *testing.T) {
	h := New(Config{Logger: loggingutil.NoopLogger()})
	rec := httptest.NewRecorder()
	h.handleError(context.Background(), rec, errors.New("disk on fire"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var errResp api.ErrorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &errResp)
	if errResp.ErrorCode != api.CodeInternal || errResp.Detail != "disk on fire" {
		t.Fatalf("unexpected envelope %+v", errResp)
	}
}
