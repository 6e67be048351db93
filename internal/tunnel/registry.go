package tunnel

import (
	"os/exec"
	"regexp"
	"sync"
	"time"
)

// handle is a live child process and a channel closed when it has been reaped.
type handle struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

type record struct {
	spec        Spec
	pattern     *regexp.Regexp
	unavailable bool
	status      Status
	proc        *handle
}

// registry owns every tunnel record, its process handle and the list of
// discovered URLs. All access goes through its lock.
type registry struct {
	mu    sync.Mutex
	order []string
	items map[string]*record
	urls  []URL
}

func newRegistry() *registry {
	return &registry{items: make(map[string]*record)}
}

// add stores rec under id unless its name is already taken.
func (r *registry) add(id string, rec *record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.items {
		if other.spec.Name == rec.spec.Name {
			return false
		}
	}
	r.items[id] = rec
	r.order = append(r.order, id)
	return true
}

// lookup finds a record id by tunnel name.
func (r *registry) lookup(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if r.items[id].spec.Name == name {
			return id, true
		}
	}
	return "", false
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return false
	}
	delete(r.items, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// each visits records in registration order while holding the lock.
func (r *registry) each(fn func(id string, rec *record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		fn(id, r.items[id])
	}
}

// update runs fn against one record under the lock.
func (r *registry) update(id string, fn func(rec *record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// connect records the first URL for a tunnel and moves it to connected.
func (r *registry) connect(id, link string, at time.Time) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[id]
	if !ok || !rec.status.Stage.CanAdvance(StageConnected) {
		return Status{}, false
	}
	rec.status.Stage = StageConnected
	rec.status.URL = link
	rec.status.ConnectedAt = at
	rec.status.Error = ""
	r.urls = append(r.urls, URL{URL: link, Note: rec.spec.Note, Name: rec.spec.Name})
	return rec.status, true
}

func (r *registry) discovered() []URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]URL(nil), r.urls...)
}

// reset drops transient state: URLs and process handles.
func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = nil
	for _, rec := range r.items {
		rec.proc = nil
	}
}
