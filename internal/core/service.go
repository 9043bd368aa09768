package core

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/internal/clock"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/svcfields"
)

// Service aggregates the transport-agnostic lock, action and registry engines.
type Service struct {
	store     storage.Backend
	directory Directory
	locker    Locker
	actions   ActionSource
	trackers  TrackerMap
	prober    Prober

	reserveExpiration  time.Duration
	rotationExpiration time.Duration

	logger  pslog.Logger
	clock   clock.Clock
	metrics *coreMetrics
}

// New constructs the core Service. Capabilities missing from cfg are served
// from cfg.Store.
func New(cfg Config) *Service {
	logger := loggingutil.EnsureLogger(cfg.Logger)
	s := &Service{
		store:              cfg.Store,
		directory:          cfg.Directory,
		locker:             cfg.Locker,
		actions:            cfg.Actions,
		trackers:           cfg.Trackers,
		prober:             cfg.Prober,
		reserveExpiration:  cfg.ReserveLockExpiration,
		rotationExpiration: cfg.RotationLockExpiration,
		logger:             logger,
		clock:              clock.Or(cfg.Clock),
		metrics:            newCoreMetrics(logger),
	}
	if s.directory == nil {
		s.directory = localDirectory{s}
	}
	if s.locker == nil {
		s.locker = localLocker{s}
	}
	if s.actions == nil {
		s.actions = localActions{s}
	}
	if s.trackers == nil {
		s.trackers = StaticTrackers(nil)
	}
	if s.reserveExpiration <= 0 {
		s.reserveExpiration = DefaultReserveLockExpiration
	}
	if s.rotationExpiration <= 0 {
		s.rotationExpiration = DefaultRotationLockExpiration
	}
	return s
}

// Ready reports whether the backing store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	if s.store == nil {
		return errors.New("core: store not configured")
	}
	return s.store.Ping(ctx)
}

func (s *Service) loggerFor(ctx context.Context, sys string) pslog.Logger {
	return svcfields.WithSubsystem(loggingutil.FromContext(ctx, s.logger), sys)
}
