package utils

import (
	"runtime"
	"sync"
	"time"
)

const memWatchInterval = 5 * time.Second

// MemoryWatcher periodically samples heap usage and fires the registered
// callback once the in-use heap crosses the soft limit. Callbacks run on
// the watcher goroutine.
type MemoryWatcher struct {
	limit    uint64
	interval time.Duration
	cb       func()

	once sync.Once
	stop chan struct{}
}

func NewMemoryWatcher(softLimitBytes uint64, cb func()) *MemoryWatcher {
	w := &MemoryWatcher{
		limit:    softLimitBytes,
		interval: memWatchInterval,
		cb:       cb,
		stop:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *MemoryWatcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapInuse >= w.limit {
				w.cb()
			}
		}
	}
}

func (w *MemoryWatcher) Stop() {
	w.once.Do(func() { close(w.stop) })
}
