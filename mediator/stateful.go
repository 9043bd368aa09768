package mediator

import (
	"context"
	"sync"

	"github.com/MapColonies/arstotzka/api"
)

// Stateful binds a Client to one service and remembers the lock and action
// it created for that service.
type Stateful struct {
	*Client
	serviceID string

	mu       sync.Mutex
	lockID   string
	actionID string
}

// NewStateful wraps cli for serviceID.
func NewStateful(cli *Client, serviceID string) *Stateful {
	return &Stateful{Client: cli, serviceID: serviceID}
}

// ServiceID returns the bound service.
func (s *Stateful) ServiceID() string { return s.serviceID }

// LockID returns the held reservation, if any.
func (s *Stateful) LockID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockID
}

// ActionID returns the held action, if any.
func (s *Stateful) ActionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actionID
}

// Reserve reserves access for the bound service and holds the resulting lock.
func (s *Stateful) Reserve(ctx context.Context) (string, error) {
	id, err := s.Client.ReserveAccess(ctx, s.serviceID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.lockID = id
	s.mu.Unlock()
	return id, nil
}

// Release removes the held lock. It is a no-op when nothing is held.
func (s *Stateful) Release(ctx context.Context) error {
	s.mu.Lock()
	id := s.lockID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := s.Client.RemoveLock(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	if s.lockID == id {
		s.lockID = ""
	}
	s.mu.Unlock()
	return nil
}

// Start creates an action on the bound service and holds its id.
func (s *Stateful) Start(ctx context.Context, state int64, metadata map[string]any) (string, error) {
	id, err := s.Client.CreateAction(ctx, api.ActionRequest{
		ServiceID: s.serviceID,
		State:     state,
		Metadata:  metadata,
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.actionID = id
	s.mu.Unlock()
	return id, nil
}

// Update patches the held action. It returns a zero Action and no error
// when no action is held.
func (s *Stateful) Update(ctx context.Context, patch api.ActionPatch) (api.Action, error) {
	id := s.ActionID()
	if id == "" {
		return api.Action{}, nil
	}
	return s.Client.UpdateAction(ctx, id, patch)
}
