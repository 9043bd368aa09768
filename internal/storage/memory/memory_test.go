package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ptrTime(t time.Time) *time.Time { return &t }
func ptrInt(v int64) *int64          { return &v }
func ptrStr(s string) *string        { return &s }

func TestFindNonExpiredLocksHonoursExpiry(t *testing.T) {
	ctx := context.Background()
	store := New()
	locks := []api.Lock{
		{LockID: "never", ServiceIDs: []string{"a", "b"}, CreatedAt: epoch},
		{LockID: "later", ServiceIDs: []string{"c"}, ExpiresAt: ptrTime(epoch.Add(time.Minute)), CreatedAt: epoch},
		{LockID: "gone", ServiceIDs: []string{"d"}, ExpiresAt: ptrTime(epoch), CreatedAt: epoch},
	}
	for _, l := range locks {
		if err := store.InsertLock(ctx, l); err != nil {
			t.Fatalf("insert %s: %v", l.LockID, err)
		}
	}
	got, err := store.FindNonExpiredLocks(ctx, []string{"b", "c", "d"}, epoch)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 overlapping locks, got %d", len(got))
	}
	got, _ = store.FindNonExpiredLocks(ctx, []string{"c"}, epoch.Add(time.Minute))
	if len(got) != 0 {
		t.Fatalf("expected lock expiring at now to be ignored, got %+v", got)
	}

	n, err := store.DeleteExpiredLocks(ctx, epoch.Add(time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged locks, got %d err=%v", n, err)
	}
	if _, err := store.GetLock(ctx, "never"); err != nil {
		t.Fatalf("expected non-expiring lock to survive: %v", err)
	}
}

func TestDeleteLockNotFound(t *testing.T) {
	if err := New().DeleteLock(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActionsFilterSortLimit(t *testing.T) {
	ctx := context.Background()
	store := New()
	insert := func(id, svc string, rot int64, status api.ActionStatus, at time.Time) {
		t.Helper()
		err := store.WithServiceTx(ctx, svc, func(tx storage.ActionTx) error {
			return tx.InsertAction(ctx, api.Action{
				ActionID: id, ServiceID: svc, ServiceRotation: rot,
				ParentRotation: ptrInt(1), Status: status, CreatedAt: at, UpdatedAt: at,
			})
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("a1", "svc", 1, api.ActionStatusActive, epoch)
	insert("a2", "svc", 1, api.ActionStatusCompleted, epoch.Add(time.Second))
	insert("a3", "svc", 2, api.ActionStatusActive, epoch.Add(2*time.Second))
	insert("b1", "other", 1, api.ActionStatusActive, epoch.Add(3*time.Second))

	got, err := store.ListActions(ctx, api.ActionFilter{Service: "svc"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].ActionID != "a3" || got[2].ActionID != "a1" {
		t.Fatalf("expected desc order a3..a1, got %+v", ids(got))
	}

	got, _ = store.ListActions(ctx, api.ActionFilter{Service: "svc", Sort: api.SortAsc, Limit: 2})
	if len(got) != 2 || got[0].ActionID != "a1" || got[1].ActionID != "a2" {
		t.Fatalf("expected asc a1,a2, got %v", ids(got))
	}

	got, _ = store.ListActions(ctx, api.ActionFilter{Status: []api.ActionStatus{api.ActionStatusActive}, Rotation: ptrInt(1)})
	if len(got) != 2 || got[0].ActionID != "b1" || got[1].ActionID != "a1" {
		t.Fatalf("expected active rotation-1 actions b1,a1, got %v", ids(got))
	}

	got, _ = store.ListActions(ctx, api.ActionFilter{ParentRotation: ptrInt(2)})
	if len(got) != 0 {
		t.Fatalf("expected no actions for parent rotation 2, got %v", ids(got))
	}
}

func TestServiceTxLatestActiveAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := New()
	err := store.WithServiceTx(ctx, "svc", func(tx storage.ActionTx) error {
		for i, id := range []string{"x1", "x2"} {
			at := epoch.Add(time.Duration(i) * time.Second)
			if err := tx.InsertAction(ctx, api.Action{ActionID: id, ServiceID: "svc", Status: api.ActionStatusActive, CreatedAt: at}); err != nil {
				return err
			}
		}
		n, err := tx.CountActive(ctx)
		if err != nil || n != 2 {
			t.Fatalf("expected 2 active, got %d err=%v", n, err)
		}
		latest, ok, err := tx.LatestActive(ctx)
		if err != nil || !ok || latest.ActionID != "x2" {
			t.Fatalf("expected latest x2, got %+v ok=%v err=%v", latest, ok, err)
		}
		latest.Status = api.ActionStatusCanceled
		latest.ClosedAt = ptrTime(epoch.Add(time.Hour))
		latest.Metadata = map[string]any{"closingReason": "test"}
		return tx.UpdateAction(ctx, latest)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	got, err := store.GetAction(ctx, "x2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != api.ActionStatusCanceled || got.ClosedAt == nil || got.Metadata["closingReason"] != "test" {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestRegistryTreeAndRotations(t *testing.T) {
	ctx := context.Background()
	store := New()
	ns, err := store.CreateNamespace(ctx, "osm", epoch)
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}
	if _, err := store.CreateNamespace(ctx, "osm", epoch); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected duplicate namespace rejection, got %v", err)
	}
	mk := func(id, name string, parent *string, parentRot *int64) {
		t.Helper()
		svc := storage.Service{ID: id, NamespaceID: ns.ID, Name: name, Parallelism: api.ParallelismSingle, ServiceType: api.ServiceTypeProducer, ParentID: parent}
		if err := store.CreateService(ctx, svc, storage.Rotation{ID: id + "-r1", ServiceID: id, ServiceRotation: 1, ParentRotation: parentRot}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	mk("root", "ingestion", nil, nil)
	mk("child", "rendering", ptrStr("root"), ptrInt(1))
	mk("grand", "tiles", ptrStr("child"), ptrInt(1))
	mk("other", "query", nil, nil)

	if err := store.CreateBlock(ctx, "other", "root"); err != nil {
		t.Fatalf("block: %v", err)
	}
	blockees, _ := store.Blockees(ctx, "other")
	if len(blockees) != 1 || blockees[0].ServiceName != "ingestion" {
		t.Fatalf("unexpected blockees %+v", blockees)
	}

	desc, err := store.Descendants(ctx, "root")
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(desc) != 3 || desc[0].ID != "root" || desc[2].ID != "grand" {
		t.Fatalf("unexpected descendants %+v", desc)
	}
	children, _ := store.Children(ctx, "root")
	if len(children) != 1 || children[0] != "child" {
		t.Fatalf("unexpected children %v", children)
	}

	err = store.InsertRotations(ctx, []storage.Rotation{
		{ID: "c2a", ServiceID: "child", ServiceRotation: 2, ParentRotation: nil},
		{ID: "c2b", ServiceID: "child", ServiceRotation: 2, ParentRotation: ptrInt(3)},
	})
	if err != nil {
		t.Fatalf("insert rotations: %v", err)
	}
	cur, err := store.CurrentRotation(ctx, "child")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.ID != "c2b" {
		t.Fatalf("expected non-null parent rotation to win tie, got %+v", cur)
	}
	if err := store.InsertRotations(ctx, []storage.Rotation{{ServiceID: "missing"}}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected unknown service rejection, got %v", err)
	}
}

func ids(actions []api.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ActionID)
	}
	return out
}
