// Package storage implements the inverted index: a durable map from keys
// to the set of (inputId, value) pairs currently associated with them,
// with an optional in-memory buffering overlay.
package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/keydex/keydex/pmap"
)

// ValueContainer holds the inverted-index payload for one key. An input
// contributes at most one value, so the container is a map keyed by
// input id.
type ValueContainer[V any] struct {
	entries map[uint32]V
}

func NewValueContainer[V any]() *ValueContainer[V] {
	return &ValueContainer[V]{entries: make(map[uint32]V)}
}

func (c *ValueContainer[V]) AddValue(inputId uint32, value V) {
	c.entries[inputId] = value
}

// RemoveAllValues drops every value recorded for inputId.
func (c *ValueContainer[V]) RemoveAllValues(inputId uint32) {
	delete(c.entries, inputId)
}

func (c *ValueContainer[V]) Size() int { return len(c.entries) }

func (c *ValueContainer[V]) Get(inputId uint32) (V, bool) {
	v, ok := c.entries[inputId]
	return v, ok
}

// Process calls fn for every (inputId, value) pair until fn returns
// false. Iteration order is unspecified.
func (c *ValueContainer[V]) Process(fn func(inputId uint32, value V) bool) bool {
	for id, v := range c.entries {
		if !fn(id, v) {
			return false
		}
	}
	return true
}

func (c *ValueContainer[V]) InputIds() []uint32 {
	ids := make([]uint32, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

func (c *ValueContainer[V]) Clone() *ValueContainer[V] {
	out := &ValueContainer[V]{entries: make(map[uint32]V, len(c.entries))}
	for id, v := range c.entries {
		out.entries[id] = v
	}
	return out
}

// ContainerExternalizer serializes a container as a varint entry count
// followed by (inputId, value) pairs.
type ContainerExternalizer[V any] struct {
	Val pmap.Externalizer[V]
}

func (e ContainerExternalizer[V]) Save(w *bytes.Buffer, c *ValueContainer[V]) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(c.entries)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	for id, v := range c.entries {
		n = binary.PutUvarint(buf[:], uint64(id))
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		if err := e.Val.Save(w, v); err != nil {
			return err
		}
	}
	return nil
}

func (e ContainerExternalizer[V]) Read(r *bytes.Reader) (*ValueContainer[V], error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	c := &ValueContainer[V]{entries: make(map[uint32]V, count)}
	for i := uint64(0); i < count; i++ {
		id, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		v, err := e.Val.Read(r)
		if err != nil {
			return nil, err
		}
		c.entries[uint32(id)] = v
	}
	return c, nil
}
