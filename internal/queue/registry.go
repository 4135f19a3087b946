package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured queues by name.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*Queue)}
}

// Add registers q. Queue names are unique.
func (r *Registry) Add(q *Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[q.Name()]; ok {
		return fmt.Errorf("queue %q already registered", q.Name())
	}
	r.queues[q.Name()] = q
	return nil
}

// Get returns the queue called name.
func (r *Registry) Get(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// Names returns the queue names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the queues ordered by name.
func (r *Registry) All() []*Queue {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Queue, 0, len(names))
	for _, name := range names {
		out = append(out, r.queues[name])
	}
	return out
}

// StartAll starts every queue; on failure the queues already started are
// stopped again.
func (r *Registry) StartAll() error {
	var started []*Queue
	for _, q := range r.All() {
		if err := q.Start(); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("start queue %s: %w", q.Name(), err)
		}
		started = append(started, q)
	}
	return nil
}

// StopAll stops every queue.
func (r *Registry) StopAll() {
	for _, q := range r.All() {
		q.Stop()
	}
}

// Reconfigure applies host lists and client rosters to the queues named in
// cfgs. Queues missing from the registry are reported, not created.
func (r *Registry) Reconfigure(cfgs []Config) error {
	var errs []error
	for _, cfg := range cfgs {
		q, ok := r.Get(cfg.Name)
		if !ok {
			errs = append(errs, fmt.Errorf("queue %q is not running; restart required", cfg.Name))
			continue
		}
		q.Reconfigure(cfg)
	}
	return errors.Join(errs...)
}
