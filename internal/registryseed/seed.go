// Package registryseed loads namespaces, services and blocks into the
// registry from YAML.
package registryseed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/core"
	"github.com/MapColonies/arstotzka/internal/loggingutil"
	"github.com/MapColonies/arstotzka/internal/storage"
)

//go:embed default.yaml
var defaultSeed []byte

// File is the seed document.
type File struct {
	Namespaces []Namespace `yaml:"namespaces"`
}

// Namespace groups the services seeded into one namespace.
type Namespace struct {
	Name     string    `yaml:"name"`
	Services []Service `yaml:"services"`
}

// Service describes one seeded service. Parent and Blockees refer to service
// names within the same namespace.
type Service struct {
	ID          string          `yaml:"id,omitempty"`
	Name        string          `yaml:"name"`
	Parallelism api.Parallelism `yaml:"parallelism"`
	ServiceType api.ServiceType `yaml:"serviceType"`
	Parent      string          `yaml:"parent,omitempty"`
	Blockees    []string        `yaml:"blockees,omitempty"`
}

// Result counts what Apply created.
type Result struct {
	Namespaces int
	Services   int
	Blocks     int
	Skipped    int
}

// Registrar is the registry surface Apply needs.
type Registrar interface {
	EnsureNamespace(ctx context.Context, name string) (storage.Namespace, error)
	ListServices(ctx context.Context) ([]storage.Service, error)
	RegisterService(ctx context.Context, spec core.ServiceSpec) (storage.Service, error)
	RegisterBlock(ctx context.Context, blockerID, blockeeID string) error
}

// Default returns the embedded reference topology.
func Default() File {
	f, err := Parse(defaultSeed)
	if err != nil {
		panic(fmt.Sprintf("registryseed: embedded seed: %v", err))
	}
	return f
}

// Load reads and validates a seed file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("registryseed: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a seed document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("registryseed: parse: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks names, enums and references.
func (f File) Validate() error {
	if len(f.Namespaces) == 0 {
		return errors.New("registryseed: no namespaces")
	}
	for _, ns := range f.Namespaces {
		if strings.TrimSpace(ns.Name) == "" {
			return errors.New("registryseed: namespace without name")
		}
		names := make(map[string]struct{}, len(ns.Services))
		for _, svc := range ns.Services {
			if strings.TrimSpace(svc.Name) == "" {
				return fmt.Errorf("registryseed: %s: service without name", ns.Name)
			}
			if _, dup := names[svc.Name]; dup {
				return fmt.Errorf("registryseed: %s: duplicate service %s", ns.Name, svc.Name)
			}
			names[svc.Name] = struct{}{}
			if !svc.Parallelism.Valid() {
				return fmt.Errorf("registryseed: %s/%s: unknown parallelism %q", ns.Name, svc.Name, svc.Parallelism)
			}
			if !svc.ServiceType.Valid() {
				return fmt.Errorf("registryseed: %s/%s: unknown service type %q", ns.Name, svc.Name, svc.ServiceType)
			}
		}
		for _, svc := range ns.Services {
			if _, ok := names[svc.Parent]; svc.Parent != "" && !ok {
				return fmt.Errorf("registryseed: %s/%s: unknown parent %s", ns.Name, svc.Name, svc.Parent)
			}
			for _, b := range svc.Blockees {
				if _, ok := names[b]; !ok {
					return fmt.Errorf("registryseed: %s/%s: unknown blockee %s", ns.Name, svc.Name, b)
				}
			}
		}
		if _, err := order(ns.Services); err != nil {
			return fmt.Errorf("registryseed: %s: %w", ns.Name, err)
		}
	}
	return nil
}

// order returns services with every parent ahead of its children.
func order(services []Service) ([]Service, error) {
	placed := make(map[string]bool, len(services))
	out := make([]Service, 0, len(services))
	for len(out) < len(services) {
		progressed := false
		for _, svc := range services {
			if placed[svc.Name] || (svc.Parent != "" && !placed[svc.Parent]) {
				continue
			}
			placed[svc.Name] = true
			out = append(out, svc)
			progressed = true
		}
		if !progressed {
			return nil, errors.New("parent cycle")
		}
	}
	return out, nil
}

// Apply registers the contents of f. Services that already exist in their
// namespace by name are reused, as are existing blocks, so applying the same
// file twice is harmless.
func Apply(ctx context.Context, r Registrar, f File, logger pslog.Logger) (Result, error) {
	logger = loggingutil.EnsureLogger(logger)
	var res Result
	existing, err := r.ListServices(ctx)
	if err != nil {
		return res, err
	}
	for _, nsSpec := range f.Namespaces {
		ns, err := r.EnsureNamespace(ctx, nsSpec.Name)
		if err != nil {
			return res, err
		}
		res.Namespaces++
		ids := make(map[string]string, len(nsSpec.Services))
		for _, svc := range existing {
			if svc.NamespaceID == ns.ID {
				ids[svc.Name] = svc.ID
			}
		}
		ordered, err := order(nsSpec.Services)
		if err != nil {
			return res, fmt.Errorf("registryseed: %s: %w", nsSpec.Name, err)
		}
		for _, spec := range ordered {
			if _, ok := ids[spec.Name]; ok {
				res.Skipped++
				continue
			}
			created, err := r.RegisterService(ctx, core.ServiceSpec{
				ID:          spec.ID,
				Namespace:   nsSpec.Name,
				Name:        spec.Name,
				Parallelism: spec.Parallelism,
				ServiceType: spec.ServiceType,
				ParentID:    ids[spec.Parent],
			})
			if err != nil {
				return res, fmt.Errorf("registryseed: %s/%s: %w", nsSpec.Name, spec.Name, err)
			}
			ids[spec.Name] = created.ID
			res.Services++
			logger.Info("registry.seed.service", "namespace", nsSpec.Name, "service", spec.Name, "service_id", created.ID)
		}
		for _, spec := range nsSpec.Services {
			for _, blockee := range spec.Blockees {
				err := r.RegisterBlock(ctx, ids[spec.Name], ids[blockee])
				if errors.Is(err, storage.ErrAlreadyExists) {
					continue
				}
				if err != nil {
					return res, fmt.Errorf("registryseed: block %s -> %s: %w", spec.Name, blockee, err)
				}
				res.Blocks++
			}
		}
	}
	return res, nil
}
