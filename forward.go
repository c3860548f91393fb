package keydex

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/keydex/keydex/pmap"
	"github.com/keydex/keydex/storage"
	"github.com/keydex/keydex/utils"
)

// inMemoryStaging records the keysets committed while the storage is in
// buffering mode. It has its own synchronization because buffering-state
// callbacks arrive on other goroutines than the committing one.
type inMemoryStaging[K comparable] struct {
	buffering atomic.Bool
	staged    *xsync.MapOf[uint32, []K]
}

func newInMemoryStaging[K comparable]() *inMemoryStaging[K] {
	return &inMemoryStaging[K]{staged: xsync.NewMapOf[uint32, []K]()}
}

func (s *inMemoryStaging[K]) Buffering() bool { return s.buffering.Load() }

func (s *inMemoryStaging[K]) Stage(inputId uint32, keys []K) {
	if keys == nil {
		keys = []K{}
	}
	s.staged.Store(inputId, keys)
}

func (s *inMemoryStaging[K]) StagedKeys(inputId uint32) ([]K, bool) {
	return s.staged.Load(inputId)
}

// BufferingStateChanged drops the staged keysets when buffering ends:
// the forward wrapper promotes its own side-table on the same
// transition, and keeping them around would shadow direct forward-map
// writes in a later session.
func (s *inMemoryStaging[K]) BufferingStateChanged(enabled bool) {
	s.buffering.Store(enabled)
	if !enabled {
		s.staged.Clear()
	}
}

func (s *inMemoryStaging[K]) MemoryStorageCleared() {
	s.staged.Clear()
}

var _ storage.BufferingStateListener = (*inMemoryStaging[string])(nil)

// forwardIndex wraps the persistent input-to-keyset map with a transient
// side-table. While buffering, get/put/remove target the side-table only
// (remove is recorded as an empty keyset); the disk map stays untouched
// so a discarded buffering session leaves it consistent with the
// unshadowed inverted storage. Ending the session normally promotes the
// side-table into the disk map. Mode transitions serialize with ongoing
// operations on the wrapper's own lock.
type forwardIndex[K comparable] struct {
	base *pmap.Map[uint32, []K]
	log  utils.Logger

	mu        sync.Mutex
	buffering bool
	side      map[uint32][]K
}

func newForwardIndex[K comparable](base *pmap.Map[uint32, []K], log utils.Logger) *forwardIndex[K] {
	return &forwardIndex[K]{base: base, log: log}
}

func (f *forwardIndex[K]) Get(inputId uint32) ([]K, bool, error) {
	f.mu.Lock()
	if f.buffering {
		if keys, ok := f.side[inputId]; ok {
			f.mu.Unlock()
			return keys, true, nil
		}
	}
	f.mu.Unlock()
	return f.base.Get(inputId)
}

func (f *forwardIndex[K]) Put(inputId uint32, keys []K) error {
	f.mu.Lock()
	if f.buffering {
		if keys == nil {
			keys = []K{}
		}
		f.side[inputId] = keys
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	return f.base.Put(inputId, keys)
}

func (f *forwardIndex[K]) Remove(inputId uint32) error {
	f.mu.Lock()
	if f.buffering {
		f.side[inputId] = []K{}
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	return f.base.Remove(inputId)
}

// BufferingStateChanged promotes the side-table into the disk map when
// buffering ends; an empty keyset becomes a removal. Per-input failures
// are logged and skipped.
func (f *forwardIndex[K]) BufferingStateChanged(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffering = enabled
	if enabled {
		if f.side == nil {
			f.side = make(map[uint32][]K)
		}
		return
	}
	for inputId, keys := range f.side {
		var err error
		if len(keys) == 0 {
			err = f.base.Remove(inputId)
		} else {
			err = f.base.Put(inputId, keys)
		}
		if err != nil {
			f.log.Error("failed to promote buffered keyset", "input", inputId, "err", err)
		}
	}
	f.side = make(map[uint32][]K)
}

func (f *forwardIndex[K]) MemoryStorageCleared() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.side = make(map[uint32][]K)
}

var _ storage.BufferingStateListener = (*forwardIndex[string])(nil)
