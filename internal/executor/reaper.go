package executor

import (
	"context"
	"time"
)

// RunReaper periodically sweeps the registry for sessions whose process
// group leader is gone and purges them. A liveness probe error keeps the
// entry; only a definitive "not alive" removes it. Blocks until ctx is
// cancelled.
func (e *Ember) RunReaper(ctx context.Context) {
	interval := e.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Reap()
		}
	}
}

// Reap runs one sweep and returns how many dead entries were purged.
func (e *Ember) Reap() int {
	purged := 0
	for _, s := range e.registry.List() {
		alive, err := e.procs.Alive(s.Handle)
		if err != nil {
			e.log.Log("reaper: probe task %d handle %d: %v", s.TaskID, s.Handle, err)
			continue
		}
		if alive {
			continue
		}
		if e.registry.RemoveIfHandle(s.TaskID, s.Handle) {
			e.log.Log("reaper: purged dead session for task %d (handle %d)", s.TaskID, s.Handle)
			purged++
		}
	}
	return purged
}
