package session

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long an engine without open streams survives
// after its last request.
const DefaultIdleTimeout = 10 * time.Minute

type registryEntry struct {
	eng      *Engine
	lastSeen time.Time
	streams  int
}

// Registry holds one running Engine per signed-in user. Engines that see no
// request and hold no stream for IdleTimeout are stopped by EvictIdle, so
// clients that never log out do not keep live queries open.
type Registry struct {
	mu      sync.Mutex
	deps    Deps
	opts    Options
	idle    time.Duration
	now     func() time.Time
	engines map[string]*registryEntry
}

func NewRegistry(deps Deps, opts Options) *Registry {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{deps: deps, opts: opts, idle: idle, now: now, engines: map[string]*registryEntry{}}
}

// Acquire returns the user's engine, starting it on first use.
func (r *Registry) Acquire(ctx context.Context, uid string) (*Engine, error) {
	return r.acquire(ctx, uid, false)
}

// AcquireStream is Acquire for a long-lived consumer. The engine is not
// evicted until the returned release func runs.
func (r *Registry) AcquireStream(ctx context.Context, uid string) (*Engine, func(), error) {
	eng, err := r.acquire(ctx, uid, true)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if e, ok := r.engines[uid]; ok && e.eng == eng {
				e.streams--
				e.lastSeen = r.now()
			}
		})
	}
	return eng, release, nil
}

func (r *Registry) acquire(ctx context.Context, uid string, stream bool) (*Engine, error) {
	r.mu.Lock()
	e, ok := r.engines[uid]
	if !ok {
		e = &registryEntry{eng: New(r.deps, r.opts)}
		r.engines[uid] = e
	}
	e.lastSeen = r.now()
	if stream {
		e.streams++
	}
	eng := e.eng
	r.mu.Unlock()

	if err := eng.Start(ctx, Identity{UserID: uid}); err != nil {
		r.mu.Lock()
		if cur, ok := r.engines[uid]; ok && cur.eng == eng {
			delete(r.engines, uid)
		}
		r.mu.Unlock()
		return nil, err
	}
	return eng, nil
}

// Lookup returns the user's engine without starting one.
func (r *Registry) Lookup(uid string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[uid]
	if !ok {
		return nil, false
	}
	return e.eng, true
}

// Release stops the user's engine and forgets it.
func (r *Registry) Release(ctx context.Context, uid string) {
	r.mu.Lock()
	e, ok := r.engines[uid]
	delete(r.engines, uid)
	r.mu.Unlock()
	if ok {
		e.eng.Stop(ctx)
	}
}

// EvictIdle stops every engine that holds no stream and was last used more
// than IdleTimeout ago. It reports how many engines it stopped.
func (r *Registry) EvictIdle(ctx context.Context) int {
	cutoff := r.now().Add(-r.idle)
	var idle []*Engine
	r.mu.Lock()
	for uid, e := range r.engines {
		if e.streams > 0 || e.lastSeen.After(cutoff) {
			continue
		}
		idle = append(idle, e.eng)
		delete(r.engines, uid)
	}
	r.mu.Unlock()
	for _, eng := range idle {
		eng.Stop(ctx)
	}
	return len(idle)
}

// Run evicts idle engines until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(max(r.idle/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.EvictIdle(ctx); n > 0 && r.deps.Logger != nil {
				r.deps.Logger.Info("idle sessions stopped", "count", n)
			}
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Close stops every engine.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	engines := r.engines
	r.engines = map[string]*registryEntry{}
	r.mu.Unlock()
	for _, e := range engines {
		e.eng.Stop(ctx)
	}
}
