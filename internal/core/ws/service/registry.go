package service

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/penthoy/icotes-sub001/internal/core/observability/log"
)

// Registry tracks named service instances so an application root can own
// several cores with one documented init and teardown path. There are no
// package-level singletons; the root constructs a Registry and passes it
// down.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Service
	log      log.Log
}

// NewRegistry builds an empty registry.
func NewRegistry(lg log.Log) *Registry {
	return &Registry{
		services: make(map[string]*Service),
		log:      lg.With(log.String("component", "service-registry")),
	}
}

// Register adds a named service. Duplicate names are rejected.
func (r *Registry) Register(name string, svc *Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return errors.Errorf("service '%s' is already registered", name)
	}
	r.services[name] = svc
	r.log.Info("service registered", log.String("name", name))
	return nil
}

// Get looks a service up by name.
func (r *Registry) Get(name string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Remove detaches a service without shutting it down and returns it.
func (r *Registry) Remove(name string) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	if ok {
		delete(r.services, name)
	}
	return svc, ok
}

// Names lists the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops every registered service in parallel and empties the
// registry. The first error wins; the rest still run to completion.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	services := make(map[string]*Service, len(r.services))
	for name, svc := range r.services {
		services[name] = svc
	}
	r.services = make(map[string]*Service)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, svc := range services {
		name, svc := name, svc
		g.Go(func() error {
			if err := svc.Shutdown(gctx); err != nil {
				return errors.Wrapf(err, "shutdown %s", name)
			}
			return nil
		})
	}
	err := g.Wait()
	r.log.Info("registry shut down", log.Int("services", len(services)))
	return err
}
