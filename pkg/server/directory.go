package server

import (
	"sort"
	"sync"
)

// Endpoint is the directory's view of an active session: the connection
// plus who owns it. The Session owns the connection; the directory only
// keeps a reference for lookups.
type Endpoint struct {
	Handle     string
	RemoteAddr string
	Conn       *SafeConn
}

// Directory maps handles to active endpoints.
//
// A single mutex guards the map. The map itself is never exposed, so every
// caller goes through the same lock discipline.
type Directory struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	metrics   *Metrics
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		endpoints: make(map[string]*Endpoint),
	}
}

// SetMetrics attaches metrics to the directory
func (d *Directory) SetMetrics(metrics *Metrics) {
	d.metrics = metrics
}

// Register inserts ep under its handle, or fails with ErrHandleTaken if the
// handle is already owned by another session.
func (d *Directory) Register(ep *Endpoint) error {
	d.mu.Lock()
	if _, exists := d.endpoints[ep.Handle]; exists {
		d.mu.Unlock()
		return ErrHandleTaken
	}
	d.endpoints[ep.Handle] = ep
	count := len(d.endpoints)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordActiveSessions(count)
	}
	return nil
}

// Deregister removes handle. It is a no-op if the handle is absent.
func (d *Directory) Deregister(handle string) {
	d.mu.Lock()
	if _, ok := d.endpoints[handle]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.endpoints, handle)
	count := len(d.endpoints)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordActiveSessions(count)
	}
}

// deregisterEndpoint removes handle only if it still maps to ep, so a
// late teardown can never evict a newer session that reused the handle.
func (d *Directory) deregisterEndpoint(ep *Endpoint) {
	d.mu.Lock()
	if cur, ok := d.endpoints[ep.Handle]; !ok || cur != ep {
		d.mu.Unlock()
		return
	}
	delete(d.endpoints, ep.Handle)
	count := len(d.endpoints)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordActiveSessions(count)
	}
}

// Lookup returns the endpoint registered under handle
func (d *Directory) Lookup(handle string) (*Endpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ep, ok := d.endpoints[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return ep, nil
}

// Snapshot returns a sorted copy of all registered handles
func (d *Directory) Snapshot() []string {
	d.mu.RLock()
	handles := make([]string, 0, len(d.endpoints))
	for h := range d.endpoints {
		handles = append(handles, h)
	}
	d.mu.RUnlock()

	sort.Strings(handles)
	return handles
}

// BroadcastTargets returns every endpoint except the one owned by excluding
func (d *Directory) BroadcastTargets(excluding string) []*Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	targets := make([]*Endpoint, 0, len(d.endpoints))
	for h, ep := range d.endpoints {
		if h != excluding {
			targets = append(targets, ep)
		}
	}
	return targets
}

// Count returns the number of registered handles
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.endpoints)
}

// All returns every registered endpoint
func (d *Directory) All() []*Endpoint {
	return d.BroadcastTargets("")
}
