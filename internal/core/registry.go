package core

import (
	"context"
	"errors"
	"strings"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/storage"
	"github.com/MapColonies/arstotzka/internal/uuidv7"
)

// ServiceSpec describes a service to register.
type ServiceSpec struct {
	// ID is generated when empty.
	ID          string
	Namespace   string
	Name        string
	Parallelism api.Parallelism
	ServiceType api.ServiceType
	ParentID    string
}

// FetchService returns the registry view of serviceID with its current
// rotation, children and blockees.
func (s *Service) FetchService(ctx context.Context, serviceID string) (api.ServiceDetail, error) {
	svc, err := s.store.GetService(ctx, serviceID)
	if errors.Is(err, storage.ErrNotFound) {
		s.loggerFor(ctx, "core.registry").Info("registry.service.not_found", "service_id", serviceID)
		return api.ServiceDetail{}, fail(api.CodeServiceNotFound, "service %s not found", serviceID)
	}
	if err != nil {
		return api.ServiceDetail{}, err
	}
	ns, err := s.store.GetNamespace(ctx, svc.NamespaceID)
	if err != nil {
		return api.ServiceDetail{}, err
	}
	detail := api.ServiceDetail{
		NamespaceID:   ns.ID,
		NamespaceName: ns.Name,
		ServiceID:     svc.ID,
		ServiceName:   svc.Name,
		ServiceType:   svc.ServiceType,
		Parallelism:   svc.Parallelism,
		Parent:        svc.ParentID,
		CreatedAt:     svc.CreatedAt,
		UpdatedAt:     svc.UpdatedAt,
	}
	rot, err := s.store.CurrentRotation(ctx, serviceID)
	switch {
	case err == nil:
		detail.ServiceRotation = rot.ServiceRotation
		detail.ParentRotation = rot.ParentRotation
	case !errors.Is(err, storage.ErrNotFound):
		return api.ServiceDetail{}, err
	}
	if detail.Children, err = s.store.Children(ctx, serviceID); err != nil {
		return api.ServiceDetail{}, err
	}
	if detail.Blockees, err = s.store.Blockees(ctx, serviceID); err != nil {
		return api.ServiceDetail{}, err
	}
	if detail.Children == nil {
		detail.Children = []string{}
	}
	if detail.Blockees == nil {
		detail.Blockees = []api.Blockee{}
	}
	return detail, nil
}

// ListServices returns every registered service.
func (s *Service) ListServices(ctx context.Context) ([]storage.Service, error) {
	return s.store.ListServices(ctx)
}

// EnsureNamespace returns the namespace called name, creating it if needed.
func (s *Service) EnsureNamespace(ctx context.Context, name string) (storage.Namespace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Namespace{}, fail(api.CodeInvalidRequest, "namespace name is required")
	}
	ns, err := s.store.FindNamespace(ctx, name)
	if err == nil {
		return ns, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Namespace{}, err
	}
	ns, err = s.store.CreateNamespace(ctx, name, s.clock.Now())
	if errors.Is(err, storage.ErrAlreadyExists) {
		return s.store.FindNamespace(ctx, name)
	}
	if err == nil {
		s.loggerFor(ctx, "core.registry").Info("registry.namespace.created", "namespace", name, "namespace_id", ns.ID)
	}
	return ns, err
}

// RegisterService adds a service with its initial rotation: 1 for the
// service and the parent's current rotation, if any, as parent rotation.
func (s *Service) RegisterService(ctx context.Context, spec ServiceSpec) (storage.Service, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return storage.Service{}, fail(api.CodeInvalidRequest, "service name is required")
	}
	if !spec.Parallelism.Valid() {
		return storage.Service{}, fail(api.CodeInvalidRequest, "unknown parallelism %q", spec.Parallelism)
	}
	if !spec.ServiceType.Valid() {
		return storage.Service{}, fail(api.CodeInvalidRequest, "unknown service type %q", spec.ServiceType)
	}
	ns, err := s.EnsureNamespace(ctx, spec.Namespace)
	if err != nil {
		return storage.Service{}, err
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuidv7.NewString()
	}
	now := s.clock.Now()
	svc := storage.Service{
		ID:          id,
		NamespaceID: ns.ID,
		Name:        strings.TrimSpace(spec.Name),
		Parallelism: spec.Parallelism,
		ServiceType: spec.ServiceType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	initial := storage.Rotation{
		ID:              uuidv7.NewString(),
		ServiceID:       id,
		ServiceRotation: 1,
		CreatedAt:       now,
	}
	if parentID := strings.TrimSpace(spec.ParentID); parentID != "" {
		if _, err := s.store.GetService(ctx, parentID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.Service{}, fail(api.CodeServiceNotFound, "parent service %s not found", parentID)
			}
			return storage.Service{}, err
		}
		svc.ParentID = &parentID
		parentRot, err := s.store.CurrentRotation(ctx, parentID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return storage.Service{}, err
		}
		if err == nil {
			v := parentRot.ServiceRotation
			initial.ParentRotation = &v
		}
	}
	if err := s.store.CreateService(ctx, svc, initial); err != nil {
		return storage.Service{}, err
	}
	s.loggerFor(ctx, "core.registry").Info("registry.service.created",
		"service_id", svc.ID,
		"service_name", svc.Name,
		"namespace", ns.Name,
		"parent_id", spec.ParentID,
	)
	return svc, nil
}

// RegisterBlock records that blockerID's reservations must wait for blockeeID.
func (s *Service) RegisterBlock(ctx context.Context, blockerID, blockeeID string) error {
	if blockerID == blockeeID {
		return fail(api.CodeInvalidRequest, "service %s cannot block itself", blockerID)
	}
	err := s.store.CreateBlock(ctx, blockerID, blockeeID)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(api.CodeServiceNotFound, "block %s -> %s references an unknown service", blockerID, blockeeID)
	}
	return err
}
