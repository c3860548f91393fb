package storage

import (
	"sync"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/keydex/keydex/keydex_errors"
	"github.com/keydex/keydex/pmap"
)

// Storage is the inverted index contract. Read never returns a nil
// container; a key with no entries yields an empty one.
type Storage[K comparable, V any] interface {
	AddValue(key K, inputId uint32, value V) error
	RemoveAllValues(key K, inputId uint32) error
	Read(key K) (*ValueContainer[V], error)
	// ProcessKeys calls fn for every key whose container has at least one
	// entry passing idFilter (nil filter accepts all). fn returning false
	// stops the scan.
	ProcessKeys(fn func(K) bool, idFilter func(uint32) bool) error
	Flush() error
	Clear() error
	Close() error
}

const storageCacheSize = 4096

var writeOptions = pebble.WriteOptions{Sync: false}

var keyPrefix = []byte{'K'}

// PebbleStorage keeps one container per key in its own pebble database.
// Containers are mutated read-modify-write under a single mutex; a small
// cache keeps hot containers deserialized.
type PebbleStorage[K comparable, V any] struct {
	dir    string
	db     *pebble.DB
	keyExt pmap.Externalizer[K]
	ctrExt ContainerExternalizer[V]

	mu     sync.Mutex
	cache  *lru.Cache[K, *ValueContainer[V]]
	dirty  bool
	closed bool
}

func OpenPebbleStorage[K comparable, V any](dir string, keyExt pmap.Externalizer[K], valExt pmap.Externalizer[V]) (*PebbleStorage[K, V], error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		pmap.DeleteFilesStartingWith(dir)
		return nil, errors.Wrapf(err, "storage: failed to open %s", dir)
	}
	cache, _ := lru.New[K, *ValueContainer[V]](storageCacheSize)
	return &PebbleStorage[K, V]{
		dir:    dir,
		db:     db,
		keyExt: keyExt,
		ctrExt: ContainerExternalizer[V]{Val: valExt},
		cache:  cache,
	}, nil
}

// DB exposes the backing database for metrics collection.
func (s *PebbleStorage[K, V]) DB() *pebble.DB { return s.db }

func (s *PebbleStorage[K, V]) storageKey(key K) ([]byte, error) {
	kb, err := pmap.Encode(s.keyExt, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(keyPrefix)+len(kb))
	out = append(out, keyPrefix...)
	return append(out, kb...), nil
}

// loadLocked returns the container for key, consulting the cache first.
// The caller holds s.mu.
func (s *PebbleStorage[K, V]) loadLocked(key K) (*ValueContainer[V], error) {
	if c, ok := s.cache.Get(key); ok {
		return c, nil
	}
	kb, err := s.storageKey(key)
	if err != nil {
		return nil, err
	}
	vb, closer, err := s.db.Get(kb)
	if err == pebble.ErrNotFound {
		return NewValueContainer[V](), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: read")
	}
	c, err := pmap.Decode[*ValueContainer[V]](s.ctrExt, vb)
	_ = closer.Close()
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, c)
	return c, nil
}

func (s *PebbleStorage[K, V]) storeLocked(key K, c *ValueContainer[V]) error {
	kb, err := s.storageKey(key)
	if err != nil {
		return err
	}
	if c.Size() == 0 {
		s.cache.Remove(key)
		if err := s.db.Delete(kb, &writeOptions); err != nil {
			return errors.Wrap(err, "storage: delete")
		}
	} else {
		vb, err := pmap.Encode[*ValueContainer[V]](s.ctrExt, c)
		if err != nil {
			return err
		}
		if err := s.db.Set(kb, vb, &writeOptions); err != nil {
			return errors.Wrap(err, "storage: write")
		}
		s.cache.Add(key, c)
	}
	s.dirty = true
	return nil
}

func (s *PebbleStorage[K, V]) AddValue(key K, inputId uint32, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keydex_errors.ErrClosed
	}
	c, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	c.AddValue(inputId, value)
	return s.storeLocked(key, c)
}

func (s *PebbleStorage[K, V]) RemoveAllValues(key K, inputId uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keydex_errors.ErrClosed
	}
	c, err := s.loadLocked(key)
	if err != nil {
		return err
	}
	if _, ok := c.Get(inputId); !ok {
		return nil
	}
	c.RemoveAllValues(inputId)
	return s.storeLocked(key, c)
}

func (s *PebbleStorage[K, V]) Read(key K) (*ValueContainer[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, keydex_errors.ErrClosed
	}
	c, err := s.loadLocked(key)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (s *PebbleStorage[K, V]) ProcessKeys(fn func(K) bool, idFilter func(uint32) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keydex_errors.ErrClosed
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: keyPrefix,
		UpperBound: []byte{keyPrefix[0] + 1},
	})
	if err != nil {
		return errors.Wrap(err, "storage: iterator")
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		key, err := pmap.Decode(s.keyExt, it.Key()[len(keyPrefix):])
		if err != nil {
			return err
		}
		if idFilter != nil {
			c, err := pmap.Decode[*ValueContainer[V]](s.ctrExt, it.Value())
			if err != nil {
				return err
			}
			accepted := false
			c.Process(func(id uint32, _ V) bool {
				if idFilter(id) {
					accepted = true
					return false
				}
				return true
			})
			if !accepted {
				continue
			}
		}
		if !fn(key) {
			return nil
		}
	}
	return it.Error()
}

func (s *PebbleStorage[K, V]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keydex_errors.ErrClosed
	}
	if !s.dirty {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		return errors.Wrap(err, "storage: flush")
	}
	s.dirty = false
	return nil
}

// Clear removes every container without closing the database.
func (s *PebbleStorage[K, V]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keydex_errors.ErrClosed
	}
	s.cache.Purge()
	from := keyPrefix
	to := []byte{keyPrefix[0] + 1}
	if err := s.db.DeleteRange(from, to, &writeOptions); err != nil {
		return errors.Wrap(err, "storage: clear")
	}
	s.dirty = true
	return nil
}

func (s *PebbleStorage[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return keydex_errors.ErrClosed
	}
	s.closed = true
	return s.db.Close()
}
