// Package keydex implements a durable, incrementally updated map-reduce
// index. Each input (a file, identified by a positive integer id) is run
// through a user-supplied indexer producing a key-value map; the engine
// maintains the inverted view key -> (inputId, value) across updates,
// with optional content-hash dedup of indexer output and an in-memory
// buffering mode for transient state.
package keydex

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keydex/keydex/hashes"
	"github.com/keydex/keydex/keydex_errors"
	"github.com/keydex/keydex/pmap"
	"github.com/keydex/keydex/storage"
	"github.com/keydex/keydex/utils"
)

const (
	snapshotMapFile = "fileIdToHashId"
	traceMapFile    = "indextrace"
	forwardMapFile  = "forward"
	contentsMapFile = "values"
	hashesDir       = "hashes"
	storageDir      = "storage"
)

type MapReduceIndex[K comparable, V any] struct {
	ext  *IndexExtension[K, V]
	opts Options
	log  utils.Logger

	lock sync.RWMutex

	backend *storage.PebbleStorage[K, V]
	storage *storage.MemoryStorage[K, V]
	staging *inMemoryStaging[K]
	forward *forwardIndex[K]

	snapshot *pmap.Map[uint32, uint32]
	contents *pmap.Map[uint32, []byte]
	trace    *pmap.Map[uint32, string]
	enum     *hashes.Enumerator

	watcher  *utils.MemoryWatcher
	disposed atomic.Bool
}

// Open builds the index at opts.RootDir, creating every backing map that
// the extension calls for. A partially opened index is torn down before
// the error is returned.
func Open[K comparable, V any](ext *IndexExtension[K, V], opts Options) (*MapReduceIndex[K, V], error) {
	opts.SetDefaults()
	i := &MapReduceIndex[K, V]{ext: ext, opts: opts, log: opts.Logger}

	backend, err := storage.OpenPebbleStorage(filepath.Join(opts.RootDir, storageDir), ext.KeyExt, ext.ValExt)
	if err != nil {
		return nil, err
	}
	i.backend = backend
	i.storage = storage.NewMemoryStorage[K, V](backend, i.log)
	i.staging = newInMemoryStaging[K]()
	i.storage.AddBufferingStateListener(i.staging)

	if ext.KeepForwardMap || !ext.SnapshotMapping {
		base, err := pmap.Open[uint32, []K](filepath.Join(opts.RootDir, forwardMapFile),
			pmap.Uint32Externalizer{}, pmap.SliceExternalizer[K]{Elem: ext.KeyExt})
		if err != nil {
			i.closeAll()
			return nil, err
		}
		i.forward = newForwardIndex(base, i.log)
		i.storage.AddBufferingStateListener(i.forward)
	}

	if ext.SnapshotMapping {
		if i.snapshot, err = pmap.Open[uint32, uint32](filepath.Join(opts.RootDir, snapshotMapFile),
			pmap.Uint32Externalizer{}, pmap.Uint32Externalizer{}); err != nil {
			i.closeAll()
			return nil, err
		}
		if i.contents, err = pmap.Open[uint32, []byte](filepath.Join(opts.PersistentRoot, contentsMapFile),
			pmap.Uint32Externalizer{}, pmap.BytesExternalizer{}); err != nil {
			i.closeAll()
			return nil, err
		}
		if i.enum, err = hashes.OpenEnumerator(filepath.Join(opts.RootDir, hashesDir)); err != nil {
			i.closeAll()
			return nil, err
		}
	}

	if opts.ExtraSanityChecks {
		if i.trace, err = pmap.Open[uint32, string](filepath.Join(opts.RootDir, traceMapFile),
			pmap.Uint32Externalizer{}, pmap.StringExternalizer{}); err != nil {
			i.closeAll()
			return nil, err
		}
	}

	if opts.MemorySoftLimit > 0 {
		i.watcher = utils.NewMemoryWatcher(opts.MemorySoftLimit, i.lowMemoryFlush)
	}
	return i, nil
}

func (i *MapReduceIndex[K, V]) Name() string { return i.ext.Name }

// GetData returns the container for key, never nil. The read lock is
// held for the duration of the storage read.
func (i *MapReduceIndex[K, V]) GetData(key K) (*storage.ValueContainer[V], error) {
	i.lock.RLock()
	defer i.lock.RUnlock()
	if i.disposed.Load() {
		return nil, keydex_errors.ErrDisposed
	}
	c, err := i.storage.Read(key)
	if err != nil {
		return nil, storageError(err)
	}
	return c, nil
}

// ProcessAllKeys feeds every key with at least one entry passing
// idFilter to fn. Returns false when fn short-circuited the scan.
func (i *MapReduceIndex[K, V]) ProcessAllKeys(fn func(K) bool, idFilter func(uint32) bool) (bool, error) {
	i.lock.RLock()
	defer i.lock.RUnlock()
	if i.disposed.Load() {
		return false, keydex_errors.ErrDisposed
	}
	completed := true
	err := i.storage.ProcessKeys(func(k K) bool {
		if !fn(k) {
			completed = false
			return false
		}
		return true
	}, idFilter)
	if err != nil {
		return false, storageError(err)
	}
	return completed, nil
}

func (i *MapReduceIndex[K, V]) IsBufferingEnabled() bool { return i.storage.IsBufferingEnabled() }

// SetBufferingEnabled switches the transient-state mode on or off.
// Turning it off promotes the buffered state to disk; call
// ClearMemoryData first to discard the session instead. Listeners (the
// staging table and the forward wrapper) follow along.
func (i *MapReduceIndex[K, V]) SetBufferingEnabled(enabled bool) {
	i.storage.SetBufferingEnabled(enabled)
	v := 0.0
	if enabled {
		v = 1.0
	}
	BufferingSessions.WithLabelValues(i.ext.Name).Set(v)
}

// ClearMemoryData drops every buffered mutation, reverting reads to the
// persistent state.
func (i *MapReduceIndex[K, V]) ClearMemoryData() {
	i.storage.ClearMemoryData()
}

func (i *MapReduceIndex[K, V]) dirtyMaps() []forceable {
	var maps []forceable
	if i.forward != nil {
		maps = append(maps, i.forward.base)
	}
	if i.snapshot != nil {
		maps = append(maps, i.snapshot)
	}
	if i.contents != nil {
		maps = append(maps, i.contents)
	}
	if i.trace != nil {
		maps = append(maps, i.trace)
	}
	if i.enum != nil {
		maps = append(maps, i.enum)
	}
	return maps
}

type forceable interface {
	IsDirty() bool
	Force() error
}

// Flush forces every dirty persistent map, then the inverted storage.
func (i *MapReduceIndex[K, V]) Flush() error {
	i.lock.RLock()
	defer i.lock.RUnlock()
	if i.disposed.Load() {
		return keydex_errors.ErrDisposed
	}
	for _, m := range i.dirtyMaps() {
		if !m.IsDirty() {
			continue
		}
		if err := m.Force(); err != nil {
			return storageError(err)
		}
	}
	if err := i.storage.Flush(); err != nil {
		return storageError(err)
	}
	return nil
}

func (i *MapReduceIndex[K, V]) lowMemoryFlush() {
	if err := i.Flush(); err != nil {
		i.log.Error("low-memory flush failed", "index", i.ext.Name, "err", err)
		i.requestRebuild(err)
	}
}

// Clear wipes the inverted storage and recreates every persistent map
// from empty backing files. Individual map failures are logged and
// swallowed so all maps get a best-effort reset.
func (i *MapReduceIndex[K, V]) Clear() error {
	i.lock.Lock()
	defer i.lock.Unlock()
	if i.disposed.Load() {
		return keydex_errors.ErrDisposed
	}
	i.storage.ClearMemoryData()
	if err := i.storage.Clear(); err != nil {
		i.log.Warn("failed to clear storage", "index", i.ext.Name, "err", err)
	}

	if i.forward != nil {
		base := recreateMap(i.forward.base, i.log, i.ext.Name)
		if base != nil {
			i.forward.base = base
		}
	}
	if i.snapshot != nil {
		if m := recreateMap(i.snapshot, i.log, i.ext.Name); m != nil {
			i.snapshot = m
		}
	}
	if i.contents != nil {
		if m := recreateMap(i.contents, i.log, i.ext.Name); m != nil {
			i.contents = m
		}
	}
	if i.trace != nil {
		if m := recreateMap(i.trace, i.log, i.ext.Name); m != nil {
			i.trace = m
		}
	}
	if i.enum != nil {
		dir := filepath.Join(i.opts.RootDir, hashesDir)
		_ = i.enum.Drop()
		enum, err := hashes.OpenEnumerator(dir)
		if err != nil {
			i.log.Warn("failed to recreate hash enumerator", "index", i.ext.Name, "err", err)
		} else {
			i.enum = enum
		}
	}
	return nil
}

// recreateMap drops the map's backing files and opens a fresh empty
// instance in place. Returns nil when reopening failed.
func recreateMap[K comparable, V any](m *pmap.Map[K, V], log utils.Logger, index string) *pmap.Map[K, V] {
	dir := m.BaseDir()
	keyExt, valExt := m.Externalizers()
	if err := m.Drop(); err != nil {
		log.Warn("failed to drop map", "index", index, "dir", dir, "err", err)
	}
	fresh, err := pmap.Open[K, V](dir, keyExt, valExt)
	if err != nil {
		log.Warn("failed to recreate map", "index", index, "dir", dir, "err", err)
		return nil
	}
	return fresh
}

// Dispose releases every resource. The index must not be used afterward.
func (i *MapReduceIndex[K, V]) Dispose() error {
	if i.watcher != nil {
		i.watcher.Stop()
	}
	i.lock.Lock()
	defer i.lock.Unlock()
	if !i.disposed.CompareAndSwap(false, true) {
		return keydex_errors.ErrDisposed
	}
	return i.closeAll()
}

// closeAll closes storage first, then each map independently so one
// failure does not leave the rest open. The first error wins.
func (i *MapReduceIndex[K, V]) closeAll() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if i.storage != nil {
		keep(i.storage.Close())
	} else if i.backend != nil {
		keep(i.backend.Close())
	}
	if i.forward != nil {
		keep(i.forward.base.Close())
	}
	if i.snapshot != nil {
		keep(i.snapshot.Close())
	}
	if i.contents != nil {
		keep(i.contents.Close())
	}
	if i.trace != nil {
		keep(i.trace.Close())
	}
	if i.enum != nil {
		keep(i.enum.Close())
	}
	return first
}

// Collectors returns prometheus collectors for the index's backing
// databases. The caller registers them.
func (i *MapReduceIndex[K, V]) Collectors() []prometheus.Collector {
	out := []prometheus.Collector{NewPebbleCollector(i.backend.DB(), i.ext.Name, "storage")}
	if i.contents != nil {
		out = append(out, NewPebbleCollector(i.contents.DB(), i.ext.Name, "contents"))
	}
	if i.forward != nil {
		out = append(out, NewPebbleCollector(i.forward.base.DB(), i.ext.Name, "forward"))
	}
	return out
}

func (i *MapReduceIndex[K, V]) requestRebuild(cause error) {
	RebuildRequests.WithLabelValues(i.ext.Name).Inc()
	i.log.Warn("requesting rebuild", "index", i.ext.Name, "cause", cause)
	if i.opts.Rebuild != nil {
		i.opts.Rebuild.RequestRebuild(i.ext.Name, cause)
	}
}

func storageError(err error) error {
	return fmt.Errorf("%w: %w", keydex_errors.ErrStorage, err)
}
