package storage

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/keydex/keydex/utils"
)

// BufferingStateListener is notified when the memory overlay is switched
// on or off and when its buffered data is discarded. Callbacks may run on
// any goroutine.
type BufferingStateListener interface {
	BufferingStateChanged(enabled bool)
	MemoryStorageCleared()
}

// MemoryStorage shadows a backend Storage with an in-memory overlay.
// While buffering is enabled, mutations touch overlay copies of the
// affected containers and the backend stays untouched; reads prefer the
// overlay. A buffering session ends one of two ways: disabling buffering
// promotes the overlay into the backend, ClearMemoryData discards it and
// reverts to the backend state.
type MemoryStorage[K comparable, V any] struct {
	backend Storage[K, V]
	log     utils.Logger

	buffering atomic.Bool
	overlay   utils.CMap[K, *ValueContainer[V]]

	lmu       sync.Mutex
	listeners []BufferingStateListener
	session   string
}

func NewMemoryStorage[K comparable, V any](backend Storage[K, V], log utils.Logger) *MemoryStorage[K, V] {
	return &MemoryStorage[K, V]{backend: backend, log: log}
}

func (m *MemoryStorage[K, V]) AddBufferingStateListener(l BufferingStateListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *MemoryStorage[K, V]) RemoveBufferingStateListener(l BufferingStateListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	for i, x := range m.listeners {
		if x == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *MemoryStorage[K, V]) IsBufferingEnabled() bool { return m.buffering.Load() }

// SetBufferingEnabled flips buffering mode and notifies listeners.
// Disabling promotes every buffered container into the backend before
// the listeners hear about it. Each enabled span gets a session id so
// overlapping log lines can be tied together.
func (m *MemoryStorage[K, V]) SetBufferingEnabled(enabled bool) {
	m.lmu.Lock()
	if m.buffering.Load() == enabled {
		m.lmu.Unlock()
		return
	}
	m.buffering.Store(enabled)
	if enabled {
		id, err := uuid.NewV7()
		if err == nil {
			m.session = id.String()
		}
		m.log.Debug("storage: buffering enabled", "session", m.session)
	} else {
		m.promoteOverlay()
		m.log.Debug("storage: buffering disabled", "session", m.session)
	}
	listeners := append([]BufferingStateListener(nil), m.listeners...)
	m.lmu.Unlock()
	for _, l := range listeners {
		l.BufferingStateChanged(enabled)
	}
}

// promoteOverlay writes every buffered container through to the backend
// and drops the overlay, so the state observed during the session
// becomes the persistent one. Each container was copied from the
// backend on first touch, so it is authoritative for its key: backend
// entries missing from it were removed during the session. Per-entry
// failures are logged and skipped.
func (m *MemoryStorage[K, V]) promoteOverlay() {
	m.overlay.Range(func(key K, c *ValueContainer[V]) bool {
		prev, err := m.backend.Read(key)
		if err != nil {
			m.log.Error("storage: failed to read container during promotion", "session", m.session, "err", err)
			return true
		}
		for _, id := range prev.InputIds() {
			if _, kept := c.Get(id); kept {
				continue
			}
			if err := m.backend.RemoveAllValues(key, id); err != nil {
				m.log.Error("storage: failed to promote removal", "session", m.session, "input", id, "err", err)
			}
		}
		c.Process(func(id uint32, v V) bool {
			if err := m.backend.AddValue(key, id, v); err != nil {
				m.log.Error("storage: failed to promote value", "session", m.session, "input", id, "err", err)
			}
			return true
		})
		return true
	})
	m.overlay.Clear()
}

// ClearMemoryData discards every buffered container and notifies
// listeners so dependent side-tables drop their buffered state too.
func (m *MemoryStorage[K, V]) ClearMemoryData() {
	m.overlay.Clear()
	m.lmu.Lock()
	listeners := append([]BufferingStateListener(nil), m.listeners...)
	session := m.session
	m.lmu.Unlock()
	m.log.Debug("storage: buffered data dropped", "session", session)
	for _, l := range listeners {
		l.MemoryStorageCleared()
	}
}

// bufferedContainer returns the overlay copy for key, pulling the
// backend container in on first touch.
func (m *MemoryStorage[K, V]) bufferedContainer(key K) (*ValueContainer[V], error) {
	if c, ok := m.overlay.Load(key); ok {
		return c, nil
	}
	c, err := m.backend.Read(key)
	if err != nil {
		return nil, err
	}
	actual, _ := m.overlay.LoadOrStore(key, c)
	return actual, nil
}

func (m *MemoryStorage[K, V]) AddValue(key K, inputId uint32, value V) error {
	if m.buffering.Load() {
		c, err := m.bufferedContainer(key)
		if err != nil {
			return err
		}
		c.AddValue(inputId, value)
		return nil
	}
	return m.backend.AddValue(key, inputId, value)
}

func (m *MemoryStorage[K, V]) RemoveAllValues(key K, inputId uint32) error {
	if m.buffering.Load() {
		c, err := m.bufferedContainer(key)
		if err != nil {
			return err
		}
		c.RemoveAllValues(inputId)
		return nil
	}
	return m.backend.RemoveAllValues(key, inputId)
}

func (m *MemoryStorage[K, V]) Read(key K) (*ValueContainer[V], error) {
	if m.buffering.Load() {
		if c, ok := m.overlay.Load(key); ok {
			return c.Clone(), nil
		}
	}
	return m.backend.Read(key)
}

func (m *MemoryStorage[K, V]) ProcessKeys(fn func(K) bool, idFilter func(uint32) bool) error {
	if !m.buffering.Load() {
		return m.backend.ProcessKeys(fn, idFilter)
	}
	seen := make(map[K]struct{})
	stopped := false
	m.overlay.Range(func(key K, c *ValueContainer[V]) bool {
		seen[key] = struct{}{}
		if c.Size() == 0 {
			return true
		}
		if idFilter != nil && !anyIdMatches(c, idFilter) {
			return true
		}
		if !fn(key) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return nil
	}
	return m.backend.ProcessKeys(func(key K) bool {
		if _, ok := seen[key]; ok {
			return true
		}
		return fn(key)
	}, idFilter)
}

func anyIdMatches[V any](c *ValueContainer[V], idFilter func(uint32) bool) bool {
	matched := false
	c.Process(func(id uint32, _ V) bool {
		if idFilter(id) {
			matched = true
			return false
		}
		return true
	})
	return matched
}

func (m *MemoryStorage[K, V]) Flush() error { return m.backend.Flush() }

func (m *MemoryStorage[K, V]) Clear() error {
	m.overlay.Clear()
	return m.backend.Clear()
}

func (m *MemoryStorage[K, V]) Close() error {
	m.overlay.Clear()
	return m.backend.Close()
}

var _ Storage[string, int] = (*MemoryStorage[string, int])(nil)
