package arstotzka

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/clock"
	"github.com/MapColonies/arstotzka/internal/core"
	"github.com/MapColonies/arstotzka/internal/registryseed"
	"github.com/MapColonies/arstotzka/internal/storage"
)

// sweeperClock advances on every After call so background loops make
// progress without real waiting.
type sweeperClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSweeperClock(start time.Time) clock.Clock {
	return &sweeperClock{now: start}
}

func (c *sweeperClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sweeperClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *sweeperClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	return srv
}

func baseURL(srv *Server) string {
	return "http://" + srv.ListenerAddr().String()
}

func seedServer(t *testing.T, srv *Server) map[string]string {
	t.Helper()
	ctx := context.Background()
	if _, err := registryseed.Apply(ctx, srv.Core(), registryseed.Default(), nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	services, err := srv.Core().ListServices(ctx)
	if err != nil {
		t.Fatalf("list services: %v", err)
	}
	ids := make(map[string]string, len(services))
	for _, svc := range services {
		ids[svc.Name] = svc.ID
	}
	return ids
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestServerServesAllRoles(t *testing.T) {
	srv := startTestServer(t, Config{Store: "mem://"})
	ids := seedServer(t, srv)
	base := baseURL(srv)

	var detail api.ServiceDetail
	if status := doJSON(t, http.MethodGet, base+"/service/"+ids["planet-dumper"], nil, &detail); status != http.StatusOK {
		t.Fatalf("get service status %d", status)
	}
	if detail.ServiceName != "planet-dumper" || len(detail.Blockees) != 2 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	var created api.ActionResponse
	if status := doJSON(t, http.MethodPost, base+"/action", api.ActionRequest{ServiceID: ids["osmdbt"], State: 1}, &created); status != http.StatusCreated {
		t.Fatalf("create action status %d", status)
	}
	if status := doJSON(t, http.MethodPost, base+"/lock/reserve?service="+ids["planet-dumper"], nil, nil); status != http.StatusConflict {
		t.Fatalf("expected reserve conflict while osmdbt is active, got %d", status)
	}
	if status := doJSON(t, http.MethodPatch, base+"/action/"+created.ActionID, api.ActionPatch{Status: api.ActionStatusCompleted}, nil); status != http.StatusOK {
		t.Fatalf("close action status %d", status)
	}
	var lock api.LockResponse
	if status := doJSON(t, http.MethodPost, base+"/lock/reserve?service="+ids["planet-dumper"], nil, &lock); status != http.StatusCreated {
		t.Fatalf("reserve status %d", status)
	}
	if status := doJSON(t, http.MethodDelete, base+"/lock/"+lock.LockID, nil, nil); status != http.StatusNoContent {
		t.Fatalf("unlock status %d", status)
	}
	if status := doJSON(t, http.MethodGet, base+"/readyz", nil, nil); status != http.StatusOK {
		t.Fatalf("readyz status %d", status)
	}
}

func TestServerRemoteRegistry(t *testing.T) {
	registry := startTestServer(t, Config{Store: "mem://"})
	ids := seedServer(t, registry)
	actiony := startTestServer(t, Config{
		Store:       "mem://",
		Roles:       []string{RoleActiony},
		RegistryURL: baseURL(registry),
		LockyURL:    baseURL(registry),
	})
	base := baseURL(actiony)

	if status := doJSON(t, http.MethodGet, base+"/service/"+ids["osmdbt"], nil, nil); status != http.StatusNotFound {
		t.Fatalf("registry route should not be served, got %d", status)
	}
	var created api.ActionResponse
	if status := doJSON(t, http.MethodPost, base+"/action", api.ActionRequest{ServiceID: ids["rendering"], State: 3}, &created); status != http.StatusCreated {
		t.Fatalf("create action status %d", status)
	}
	var action api.Action
	if status := doJSON(t, http.MethodGet, base+"/action/"+created.ActionID, nil, &action); status != http.StatusOK {
		t.Fatalf("get action status %d", status)
	}
	if action.NamespaceID == 0 || action.ServiceRotation != 1 || action.ParentRotation == nil || *action.ParentRotation != 1 {
		t.Fatalf("action not stamped from remote registry: %+v", action)
	}
	if status := doJSON(t, http.MethodPost, base+"/action", api.ActionRequest{ServiceID: "ghost"}, nil); status != http.StatusConflict {
		t.Fatalf("expected 409 for unknown remote service, got %d", status)
	}
}

func TestSweeperPurgesExpiredLocks(t *testing.T) {
	clk := newSweeperClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	srv := startTestServer(t, Config{Store: "mem://", SweeperInterval: time.Minute}, WithClock(clk))
	ctx := context.Background()
	lockID, err := srv.Core().Lock(ctx, api.LockRequest{Services: []string{"svc"}, Expiration: 1000})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		_, err := srv.Core().GetLock(ctx, lockID)
		return core.IsCode(err, api.CodeLockNotFound)
	})
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{Roles: []string{RoleLocky}}); err == nil {
		t.Fatal("expected error for missing remote urls")
	}
	if _, err := NewServer(Config{Store: "ftp://nowhere"}); err == nil {
		t.Fatal("expected error for unsupported store")
	}
}

func TestNewServerInjectedBackendNotClosed(t *testing.T) {
	backend := &closeTracker{Backend: openMemory(t)}
	srv, err := NewServer(Config{}, WithBackend(backend))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if backend.closed {
		t.Fatal("injected backend must stay open")
	}
}

type closeTracker struct {
	storage.Backend
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return c.Backend.Close()
}

func openMemory(t *testing.T) storage.Backend {
	t.Helper()
	backend, err := openBackend(context.Background(), Config{Store: "mem://"}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	return backend
}
