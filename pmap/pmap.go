// Package pmap provides typed durable key-value maps backed by pebble.
// Each map owns one database directory; dropping a map removes every file
// under it so a fresh instance can be reopened in place.
package pmap

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/keydex/keydex/keydex_errors"
)

var writeOptions = pebble.WriteOptions{Sync: false}

type Map[K comparable, V any] struct {
	dir    string
	db     *pebble.DB
	keyExt Externalizer[K]
	valExt Externalizer[V]

	dirty   atomic.Bool
	reading atomic.Int32
	closed  atomic.Bool
}

// Open opens (or creates) the map at dir. When the database cannot be
// opened its files are removed so the caller can recreate the map from
// scratch; the original error is still returned.
func Open[K comparable, V any](dir string, keyExt Externalizer[K], valExt Externalizer[V]) (*Map[K, V], error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		DeleteFilesStartingWith(dir)
		return nil, errors.Wrapf(err, "pmap: failed to open %s", dir)
	}
	return &Map[K, V]{dir: dir, db: db, keyExt: keyExt, valExt: valExt}, nil
}

func (m *Map[K, V]) BaseDir() string { return m.dir }

// DB exposes the backing database for metrics collection.
func (m *Map[K, V]) DB() *pebble.DB { return m.db }

// Externalizers returns the key and value codecs the map was opened
// with, so a dropped map can be reopened in place.
func (m *Map[K, V]) Externalizers() (Externalizer[K], Externalizer[V]) {
	return m.keyExt, m.valExt
}

func (m *Map[K, V]) Get(key K) (v V, ok bool, err error) {
	if m.closed.Load() {
		return v, false, keydex_errors.ErrMapClosed
	}
	kb, err := Encode(m.keyExt, key)
	if err != nil {
		return v, false, err
	}
	m.reading.Add(1)
	defer m.reading.Add(-1)
	vb, closer, err := m.db.Get(kb)
	if err == pebble.ErrNotFound {
		return v, false, nil
	}
	if err != nil {
		return v, false, errors.Wrap(err, "pmap: get")
	}
	defer closer.Close()
	v, err = Decode(m.valExt, vb)
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

func (m *Map[K, V]) Put(key K, value V) error {
	if m.closed.Load() {
		return keydex_errors.ErrMapClosed
	}
	kb, err := Encode(m.keyExt, key)
	if err != nil {
		return err
	}
	vb, err := Encode(m.valExt, value)
	if err != nil {
		return err
	}
	if err := m.db.Set(kb, vb, &writeOptions); err != nil {
		return errors.Wrap(err, "pmap: put")
	}
	m.dirty.Store(true)
	return nil
}

func (m *Map[K, V]) Remove(key K) error {
	if m.closed.Load() {
		return keydex_errors.ErrMapClosed
	}
	kb, err := Encode(m.keyExt, key)
	if err != nil {
		return err
	}
	if err := m.db.Delete(kb, &writeOptions); err != nil {
		return errors.Wrap(err, "pmap: remove")
	}
	m.dirty.Store(true)
	return nil
}

func (m *Map[K, V]) ContainsKey(key K) (bool, error) {
	if m.closed.Load() {
		return false, keydex_errors.ErrMapClosed
	}
	kb, err := Encode(m.keyExt, key)
	if err != nil {
		return false, err
	}
	_, closer, err := m.db.Get(kb)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "pmap: contains")
	}
	_ = closer.Close()
	return true, nil
}

// Iterate calls fn for every entry, in no particular order.
func (m *Map[K, V]) Iterate(fn func(K, V) error) error {
	if m.closed.Load() {
		return keydex_errors.ErrMapClosed
	}
	it, err := m.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return errors.Wrap(err, "pmap: iterator")
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		k, err := Decode(m.keyExt, it.Key())
		if err != nil {
			return err
		}
		v, err := Decode(m.valExt, it.Value())
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return it.Error()
}

// IsDirty reports whether the map has unforced writes.
func (m *Map[K, V]) IsDirty() bool { return m.dirty.Load() }

// IsBusyReading reports whether another goroutine is currently inside Get.
// Callers use it to avoid a blocking read when recomputing is cheaper.
func (m *Map[K, V]) IsBusyReading() bool { return m.reading.Load() > 0 }

// Force flushes buffered writes down to durable storage.
func (m *Map[K, V]) Force() error {
	if m.closed.Load() {
		return keydex_errors.ErrMapClosed
	}
	if err := m.db.Flush(); err != nil {
		return errors.Wrap(err, "pmap: force")
	}
	m.dirty.Store(false)
	return nil
}

func (m *Map[K, V]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return keydex_errors.ErrMapClosed
	}
	return m.db.Close()
}

// Drop closes the map and deletes its backing files. Safe to call on an
// already closed map.
func (m *Map[K, V]) Drop() error {
	var err error
	if m.closed.CompareAndSwap(false, true) {
		err = m.db.Close()
	}
	DeleteFilesStartingWith(m.dir)
	return err
}

// DeleteFilesStartingWith removes the directory at base plus any sibling
// file whose name starts with the base name.
func DeleteFilesStartingWith(base string) {
	_ = os.RemoveAll(base)
	parent := filepath.Dir(base)
	name := filepath.Base(base)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), name) {
			_ = os.RemoveAll(filepath.Join(parent, e.Name()))
		}
	}
}
