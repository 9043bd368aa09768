package core

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/clock"
	"github.com/MapColonies/arstotzka/internal/storage"
)

// DefaultRotationLockExpiration bounds how long a rotation may hold its subtree lock.
const DefaultRotationLockExpiration = 60 * time.Second

// DefaultReserveLockExpiration bounds how long an access reservation holds its blockees.
const DefaultReserveLockExpiration = 5 * time.Minute

// Config captures the dependencies and behavioural knobs of the core domain
// services. Remote capabilities default to the local implementation backed
// by Store when left nil.
type Config struct {
	Store  storage.Backend
	Logger pslog.Logger
	Clock  clock.Clock

	// Directory resolves service details (registry capability).
	Directory Directory
	// Locker creates and removes locks (locky capability).
	Locker Locker
	// Actions lists actions for activity checks (actiony capability).
	Actions ActionSource
	// Trackers maps service names to external tracker urls.
	Trackers TrackerMap
	// Prober queries external trackers.
	Prober Prober

	ReserveLockExpiration  time.Duration
	RotationLockExpiration time.Duration
}

// Directory resolves a service id into its registry view.
type Directory interface {
	FetchService(ctx context.Context, serviceID string) (api.ServiceDetail, error)
}

// Locker is the lock capability used by rotation.
type Locker interface {
	CreateLock(ctx context.Context, req api.LockRequest) (string, error)
	RemoveLock(ctx context.Context, lockID string) error
}

// ActionSource lists actions matching a filter.
type ActionSource interface {
	FilterActions(ctx context.Context, filter api.ActionFilter) ([]api.Action, error)
}

// TrackerMap resolves a service name into an external tracker url.
type TrackerMap interface {
	Lookup(serviceName string) (string, bool)
}

// Prober reports whether an external tracker has work in progress.
type Prober interface {
	ProbeExternal(ctx context.Context, url string) (bool, error)
}

// StaticTrackers is a fixed TrackerMap.
type StaticTrackers map[string]string

// Lookup implements TrackerMap.
func (m StaticTrackers) Lookup(name string) (string, bool) {
	url, ok := m[name]
	return url, ok
}
