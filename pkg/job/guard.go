package job

import "sync"

// Guard allows at most one extraction job to be in flight
type Guard struct {
	mu         sync.Mutex
	processing bool
	started    int
	rejected   int
}

// TryStart marks a job as in flight. It returns false without side effects on the
// processing flag when one already is.
func (g *Guard) TryStart() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.processing {
		g.rejected++
		return false
	}
	g.processing = true
	g.started++
	return true
}

// Start is TryStart reporting a refusal as ErrConcurrentJob
func (g *Guard) Start() error {
	if !g.TryStart() {
		return ErrConcurrentJob
	}
	return nil
}

// Finish clears the in-flight flag. Calling it when idle is a no-op.
func (g *Guard) Finish() {
	g.mu.Lock()
	g.processing = false
	g.mu.Unlock()
}

// Processing reports whether a job is in flight
func (g *Guard) Processing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.processing
}

// Started returns how many jobs the guard has admitted
func (g *Guard) Started() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// Rejected returns how many start attempts were refused
func (g *Guard) Rejected() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rejected
}
