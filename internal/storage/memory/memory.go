package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
)

// Store implements storage.Backend in memory; intended for tests, local dev
// and single-process deployments.
type Store struct {
	mu sync.RWMutex

	locks map[string]api.Lock

	actions   map[string]*actionEntry
	actionSeq int64

	namespaces map[int64]storage.Namespace
	nsByName   map[string]int64
	nextNS     int64

	services  map[string]storage.Service
	svcOrder  []string
	blocks    map[string][]string
	rotations map[string][]storage.Rotation

	lockTxMu sync.Mutex
	svcTxMu  sync.Mutex
	svcTx    map[string]*sync.Mutex
}

type actionEntry struct {
	seq    int64
	action api.Action
}

// New returns an empty store.
func New() *Store {
	return &Store{
		locks:      make(map[string]api.Lock),
		actions:    make(map[string]*actionEntry),
		namespaces: make(map[int64]storage.Namespace),
		nsByName:   make(map[string]int64),
		services:   make(map[string]storage.Service),
		blocks:     make(map[string][]string),
		rotations:  make(map[string][]storage.Rotation),
		svcTx:      make(map[string]*sync.Mutex),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close satisfies storage.Backend; the in-memory store holds no resources.
func (s *Store) Close() error { return nil }

// Locks

func (s *Store) FindNonExpiredLocks(_ context.Context, serviceIDs []string, now time.Time) ([]api.Lock, error) {
	want := make(map[string]struct{}, len(serviceIDs))
	for _, id := range serviceIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []api.Lock
	for _, lock := range s.locks {
		if lock.ExpiresAt != nil && !lock.ExpiresAt.After(now) {
			continue
		}
		for _, id := range lock.ServiceIDs {
			if _, ok := want[id]; ok {
				out = append(out, cloneLock(lock))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetLock(_ context.Context, lockID string) (api.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[lockID]
	if !ok {
		return api.Lock{}, storage.ErrNotFound
	}
	return cloneLock(lock), nil
}

func (s *Store) InsertLock(_ context.Context, lock api.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[lock.LockID]; ok {
		return storage.ErrAlreadyExists
	}
	s.locks[lock.LockID] = cloneLock(lock)
	return nil
}

func (s *Store) DeleteLock(_ context.Context, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[lockID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.locks, lockID)
	return nil
}

func (s *Store) DeleteExpiredLocks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, lock := range s.locks {
		if lock.ExpiresAt != nil && !lock.ExpiresAt.After(now) {
			delete(s.locks, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) WithLockTx(ctx context.Context, fn func(storage.LockTx) error) error {
	s.lockTxMu.Lock()
	defer s.lockTxMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s)
}

// Actions

func (s *Store) GetAction(_ context.Context, actionID string) (api.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.actions[actionID]
	if !ok {
		return api.Action{}, storage.ErrNotFound
	}
	return cloneAction(entry.action), nil
}

func (s *Store) ListActions(_ context.Context, filter api.ActionFilter) ([]api.Action, error) {
	statuses := make(map[api.ActionStatus]struct{}, len(filter.Status))
	for _, st := range filter.Status {
		statuses[st] = struct{}{}
	}
	s.mu.RLock()
	matched := make([]*actionEntry, 0, len(s.actions))
	for _, entry := range s.actions {
		a := entry.action
		if filter.Service != "" && a.ServiceID != filter.Service {
			continue
		}
		if filter.Rotation != nil && a.ServiceRotation != *filter.Rotation {
			continue
		}
		if filter.ParentRotation != nil && (a.ParentRotation == nil || *a.ParentRotation != *filter.ParentRotation) {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[a.Status]; !ok {
				continue
			}
		}
		matched = append(matched, entry)
	}
	s.mu.RUnlock()

	asc := filter.Sort == api.SortAsc
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.action.CreatedAt.Equal(b.action.CreatedAt) {
			if asc {
				return a.action.CreatedAt.Before(b.action.CreatedAt)
			}
			return a.action.CreatedAt.After(b.action.CreatedAt)
		}
		if asc {
			return a.seq < b.seq
		}
		return a.seq > b.seq
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]api.Action, 0, len(matched))
	for _, entry := range matched {
		out = append(out, cloneAction(entry.action))
	}
	return out, nil
}

func (s *Store) WithServiceTx(ctx context.Context, serviceID string, fn func(storage.ActionTx) error) error {
	s.svcTxMu.Lock()
	mu, ok := s.svcTx[serviceID]
	if !ok {
		mu = &sync.Mutex{}
		s.svcTx[serviceID] = mu
	}
	s.svcTxMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&serviceTx{store: s, serviceID: serviceID})
}

type serviceTx struct {
	store     *Store
	serviceID string
}

func (tx *serviceTx) GetAction(ctx context.Context, actionID string) (api.Action, error) {
	return tx.store.GetAction(ctx, actionID)
}

func (tx *serviceTx) CountActive(context.Context) (int, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	n := 0
	for _, entry := range tx.store.actions {
		if entry.action.ServiceID == tx.serviceID && entry.action.Status == api.ActionStatusActive {
			n++
		}
	}
	return n, nil
}

func (tx *serviceTx) LatestActive(context.Context) (api.Action, bool, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	var latest *actionEntry
	for _, entry := range tx.store.actions {
		if entry.action.ServiceID != tx.serviceID || entry.action.Status != api.ActionStatusActive {
			continue
		}
		if latest == nil || entry.action.CreatedAt.After(latest.action.CreatedAt) ||
			(entry.action.CreatedAt.Equal(latest.action.CreatedAt) && entry.seq > latest.seq) {
			latest = entry
		}
	}
	if latest == nil {
		return api.Action{}, false, nil
	}
	return cloneAction(latest.action), true, nil
}

func (tx *serviceTx) InsertAction(_ context.Context, action api.Action) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[action.ActionID]; ok {
		return storage.ErrAlreadyExists
	}
	s.actionSeq++
	s.actions[action.ActionID] = &actionEntry{seq: s.actionSeq, action: cloneAction(action)}
	return nil
}

func (tx *serviceTx) UpdateAction(_ context.Context, action api.Action) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.actions[action.ActionID]
	if !ok {
		return storage.ErrNotFound
	}
	entry.action.Status = action.Status
	entry.action.Metadata = maps.Clone(action.Metadata)
	entry.action.ClosedAt = cloneTime(action.ClosedAt)
	entry.action.UpdatedAt = action.UpdatedAt
	return nil
}

// Registry

func (s *Store) GetService(_ context.Context, serviceID string) (storage.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return storage.Service{}, storage.ErrNotFound
	}
	return svc, nil
}

func (s *Store) ListServices(context.Context) ([]storage.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Service, 0, len(s.svcOrder))
	for _, id := range s.svcOrder {
		out = append(out, s.services[id])
	}
	return out, nil
}

func (s *Store) GetNamespace(_ context.Context, namespaceID int64) (storage.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[namespaceID]
	if !ok {
		return storage.Namespace{}, storage.ErrNotFound
	}
	return ns, nil
}

func (s *Store) FindNamespace(_ context.Context, name string) (storage.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.nsByName[name]
	if !ok {
		return storage.Namespace{}, storage.ErrNotFound
	}
	return s.namespaces[id], nil
}

func (s *Store) Children(_ context.Context, serviceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childrenLocked(serviceID), nil
}

func (s *Store) childrenLocked(serviceID string) []string {
	var out []string
	for _, id := range s.svcOrder {
		if parent := s.services[id].ParentID; parent != nil && *parent == serviceID {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) Descendants(_ context.Context, serviceID string) ([]storage.ServiceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.services[serviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := []storage.ServiceRef{{ID: root.ID, Name: root.Name}}
	seen := map[string]struct{}{root.ID: {}}
	queue := []string{root.ID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range s.childrenLocked(current) {
			if _, dup := seen[child]; dup {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, storage.ServiceRef{ID: child, Name: s.services[child].Name})
			queue = append(queue, child)
		}
	}
	return out, nil
}

func (s *Store) Blockees(_ context.Context, serviceID string) ([]api.Blockee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.blocks[serviceID]
	out := make([]api.Blockee, 0, len(ids))
	for _, id := range ids {
		out = append(out, api.Blockee{ServiceID: id, ServiceName: s.services[id].Name})
	}
	return out, nil
}

func (s *Store) CurrentRotation(_ context.Context, serviceID string) (storage.Rotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rotations[serviceID]
	if len(rows) == 0 {
		return storage.Rotation{}, storage.ErrNotFound
	}
	best := rows[0]
	for _, row := range rows[1:] {
		if newerRotation(row, best) {
			best = row
		}
	}
	return cloneRotation(best), nil
}

// newerRotation orders by service rotation, then parent rotation with nulls last.
func newerRotation(a, b storage.Rotation) bool {
	if a.ServiceRotation != b.ServiceRotation {
		return a.ServiceRotation > b.ServiceRotation
	}
	switch {
	case a.ParentRotation == nil:
		return false
	case b.ParentRotation == nil:
		return true
	default:
		return *a.ParentRotation > *b.ParentRotation
	}
}

func (s *Store) InsertRotations(_ context.Context, rows []storage.Rotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if _, ok := s.services[row.ServiceID]; !ok {
			return storage.ErrNotFound
		}
	}
	for _, row := range rows {
		s.rotations[row.ServiceID] = append(s.rotations[row.ServiceID], cloneRotation(row))
	}
	return nil
}

func (s *Store) CreateNamespace(_ context.Context, name string, now time.Time) (storage.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nsByName[name]; ok {
		return storage.Namespace{}, storage.ErrAlreadyExists
	}
	s.nextNS++
	ns := storage.Namespace{ID: s.nextNS, Name: name, CreatedAt: now, UpdatedAt: now}
	s.namespaces[ns.ID] = ns
	s.nsByName[name] = ns.ID
	return ns, nil
}

func (s *Store) CreateService(_ context.Context, svc storage.Service, initial storage.Rotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[svc.ID]; ok {
		return storage.ErrAlreadyExists
	}
	if _, ok := s.namespaces[svc.NamespaceID]; !ok {
		return storage.ErrNotFound
	}
	if svc.ParentID != nil {
		if _, ok := s.services[*svc.ParentID]; !ok {
			return storage.ErrNotFound
		}
	}
	s.services[svc.ID] = svc
	s.svcOrder = append(s.svcOrder, svc.ID)
	s.rotations[svc.ID] = append(s.rotations[svc.ID], cloneRotation(initial))
	return nil
}

func (s *Store) CreateBlock(_ context.Context, blockerID, blockeeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[blockerID]; !ok {
		return storage.ErrNotFound
	}
	if _, ok := s.services[blockeeID]; !ok {
		return storage.ErrNotFound
	}
	if slices.Contains(s.blocks[blockerID], blockeeID) {
		return storage.ErrAlreadyExists
	}
	s.blocks[blockerID] = append(s.blocks[blockerID], blockeeID)
	return nil
}

func cloneLock(l api.Lock) api.Lock {
	l.ServiceIDs = slices.Clone(l.ServiceIDs)
	l.ExpiresAt = cloneTime(l.ExpiresAt)
	return l
}

func cloneAction(a api.Action) api.Action {
	a.Metadata = maps.Clone(a.Metadata)
	a.ParentRotation = cloneInt(a.ParentRotation)
	a.ClosedAt = cloneTime(a.ClosedAt)
	return a
}

func cloneRotation(r storage.Rotation) storage.Rotation {
	r.ParentRotation = cloneInt(r.ParentRotation)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
