package web

import (
	"sync"
	"time"

	"github.com/menta2k/photo-cropper/pkg/session"
)

// entry tracks one session and what happened to its delivered file
type entry struct {
	session *session.Session

	mu        sync.Mutex
	url       string
	uploadErr string
	lastSeen  time.Time
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastSeen = now
	e.mu.Unlock()
}

func (e *entry) setUpload(url string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.url = url
	if err != nil {
		e.uploadErr = err.Error()
	}
}

func (e *entry) upload() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url, e.uploadErr
}

// registry holds the open sessions of the web layer, keyed by session ID
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	max     int
	now     func() time.Time
}

func newRegistry(max int) *registry {
	return &registry{
		entries: make(map[string]*entry),
		max:     max,
		now:     time.Now,
	}
}

// full reports whether the registry is at capacity. It is advisory; add decides.
func (r *registry) full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.max > 0 && len(r.entries) >= r.max
}

// add inserts e unless the registry is at capacity
func (r *registry) add(e *entry) bool {
	e.touch(r.now())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.entries) >= r.max {
		return false
	}
	r.entries[e.session.ID()] = e
	return true
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		e.touch(r.now())
	}
	return e, ok
}

func (r *registry) remove(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	return e, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// expire cancels and drops sessions not touched within ttl and returns their IDs
func (r *registry) expire(ttl time.Duration) []string {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	var stale []*entry
	for id, e := range r.entries {
		e.mu.Lock()
		old := e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if old {
			stale = append(stale, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, e := range stale {
		e.session.Cancel()
		ids = append(ids, e.session.ID())
	}
	return ids
}

// closeAll cancels every session and waits for their jobs to return
func (r *registry) closeAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.session.Cancel()
	}
	for _, e := range entries {
		e.session.Wait()
	}
}
