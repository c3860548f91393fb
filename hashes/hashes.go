// Package hashes assigns stable integer ids to content digests. Ids are
// positive; id 0 is the null mapping and is never handed out.
package hashes

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	xxhash "github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/keydex/keydex/keydex_errors"
	"github.com/keydex/keydex/pmap"
)

// NullMapping marks "no hash recorded".
const NullMapping uint32 = 0

const enumCacheSize = 100000

var writeOptions = pebble.WriteOptions{Sync: false}

var keyNextId = []byte{'C'}

func digestKey(digest uint64) []byte {
	key := []byte{'H'}
	key = binary.BigEndian.AppendUint64(key, digest)
	return key
}

// Enumerator maps 64-bit content digests to dense positive ids inside its
// own pebble database. Repeated calls with the same digest return the same
// id across process runs.
type Enumerator struct {
	dir   string
	db    *pebble.DB
	cache *lru.Cache[uint64, uint32]

	mu     sync.Mutex
	next   uint32
	dirty  atomic.Bool
	closed atomic.Bool
}

func OpenEnumerator(dir string) (*Enumerator, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		pmap.DeleteFilesStartingWith(dir)
		return nil, errors.Wrapf(err, "hashes: failed to open %s", dir)
	}
	next := uint32(1)
	val, closer, err := db.Get(keyNextId)
	if err == nil {
		next = binary.BigEndian.Uint32(val)
		_ = closer.Close()
	} else if err != pebble.ErrNotFound {
		_ = db.Close()
		return nil, errors.Wrap(err, "hashes: failed to read id counter")
	}
	cache, _ := lru.New[uint64, uint32](enumCacheSize)
	return &Enumerator{dir: dir, db: db, cache: cache, next: next}, nil
}

// Enumerate returns the id for digest, assigning the next free one on
// first sight.
func (e *Enumerator) Enumerate(digest uint64) (uint32, error) {
	if e.closed.Load() {
		return NullMapping, keydex_errors.ErrMapClosed
	}
	if id, ok := e.cache.Get(digest); ok {
		return id, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := digestKey(digest)
	val, closer, err := e.db.Get(key)
	if err == nil {
		id := binary.BigEndian.Uint32(val)
		_ = closer.Close()
		e.cache.Add(digest, id)
		return id, nil
	}
	if err != pebble.ErrNotFound {
		return NullMapping, errors.Wrap(err, "hashes: enumerate")
	}
	id := e.next
	e.next++
	var idb [4]byte
	binary.BigEndian.PutUint32(idb[:], id)
	if err := e.db.Set(key, idb[:], &writeOptions); err != nil {
		return NullMapping, errors.Wrap(err, "hashes: enumerate")
	}
	binary.BigEndian.PutUint32(idb[:], e.next)
	if err := e.db.Set(keyNextId, idb[:], &writeOptions); err != nil {
		return NullMapping, errors.Wrap(err, "hashes: enumerate")
	}
	e.dirty.Store(true)
	e.cache.Add(digest, id)
	return id, nil
}

func (e *Enumerator) IsDirty() bool { return e.dirty.Load() }

func (e *Enumerator) Force() error {
	if e.closed.Load() {
		return keydex_errors.ErrMapClosed
	}
	if err := e.db.Flush(); err != nil {
		return errors.Wrap(err, "hashes: force")
	}
	e.dirty.Store(false)
	return nil
}

func (e *Enumerator) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return keydex_errors.ErrMapClosed
	}
	return e.db.Close()
}

func (e *Enumerator) Drop() error {
	var err error
	if e.closed.CompareAndSwap(false, true) {
		err = e.db.Close()
	}
	pmap.DeleteFilesStartingWith(e.dir)
	return err
}

// DigestOf hashes content bytes together with the charset and file-type
// name, so the same bytes under a different interpretation get a different
// identity.
func DigestOf(data []byte, charset, fileTypeName string) uint64 {
	h := xxhash.New()
	_, _ = h.Write(data)
	var sep = [1]byte{0}
	_, _ = h.Write(sep[:])
	_, _ = h.WriteString(charset)
	_, _ = h.Write(sep[:])
	_, _ = h.WriteString(fileTypeName)
	return h.Sum64()
}

// DigestBytes folds a precomputed binary digest into the 64-bit space used
// by the enumerator.
func DigestBytes(digest []byte) uint64 {
	return xxhash.Sum64(digest)
}
