package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/noteboard/noteboard/pkg/database"
	"github.com/noteboard/noteboard/pkg/logger"
)

// IdleTeardown is how long a note may go without any session activity
// before its coordinator is torn down to free memory.
const IdleTeardown = 10 * time.Minute

// Registry guarantees exactly one live Coordinator per note id and tears
// idle ones down whenever SweepIdle runs, mirroring the teacher's
// sync.Map-backed document table.
type Registry struct {
	db *database.Database

	mu    sync.Mutex
	live  map[string]*Coordinator
	stops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

// NewRegistry builds an empty registry backed by db.
func NewRegistry(db *database.Database) *Registry {
	return &Registry{
		db:    db,
		live:  make(map[string]*Coordinator),
		stops: make(map[string]context.CancelFunc),
	}
}

// Get returns the live coordinator for id, starting one (seeded from the
// database) if none is running yet.
func (r *Registry) Get(id string) (*Coordinator, error) {
	r.mu.Lock()
	if c, ok := r.live[id]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	note, err := r.db.Get(id)
	if err != nil && err != database.ErrNotFound {
		return nil, err
	}
	if err == database.ErrNotFound {
		note = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.live[id]; ok {
		return c, nil // lost the race to a concurrent Get
	}

	c := New(id, r.db, note)
	ctx, cancel := context.WithCancel(context.Background())
	r.live[id] = c
	r.stops[id] = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		c.Run(ctx)
		r.mu.Lock()
		delete(r.live, id)
		delete(r.stops, id)
		r.mu.Unlock()
	}()

	logger.Debug("coordinator started", logger.Fields{"note_id": id})
	return c, nil
}

// Peek returns the live coordinator for id without starting one.
func (r *Registry) Peek(id string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.live[id]
	return c, ok
}

// Evict tears a note's coordinator down immediately, broadcasting reason
// to every connected session first. Used by the delete/expire HTTP paths.
func (r *Registry) Evict(id string, reason CloseReason) {
	r.mu.Lock()
	c, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	c.Close(reason)
}

// Count returns the number of coordinators currently resident in memory.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// SweepIdle stops any coordinator that has seen no session activity for
// longer than IdleTeardown. The HTTP control plane's cleanup cron job calls
// it at the end of each run.
func (r *Registry) SweepIdle() {
	r.mu.Lock()
	var stale []string
	for id, c := range r.live {
		if c.SessionCount() == 0 && c.IdleSince() > IdleTeardown {
			stale = append(stale, id)
		}
	}
	stops := make(map[string]context.CancelFunc, len(stale))
	for _, id := range stale {
		stops[id] = r.stops[id]
	}
	r.mu.Unlock()

	for id, cancel := range stops {
		cancel()
		logger.Debug("coordinator idle teardown", logger.Fields{"note_id": id})
	}
}

// ShutdownAll cancels every live coordinator, used during graceful server
// shutdown so pending flushes complete before the process exits.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.stops))
	for _, cancel := range r.stops {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.wg.Wait()
}
