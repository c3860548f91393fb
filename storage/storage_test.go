package storage

import (
	"log/slog"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keydex/keydex/pmap"
	"github.com/keydex/keydex/utils"
)

func openStorage(t *testing.T, dir string) *PebbleStorage[string, string] {
	s, err := OpenPebbleStorage[string, string](dir, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)
	return s
}

func entries(c *ValueContainer[string]) map[uint32]string {
	out := map[uint32]string{}
	c.Process(func(id uint32, v string) bool {
		out[id] = v
		return true
	})
	return out
}

func TestStorageAddReadRemove(t *testing.T) {
	s := openStorage(t, filepath.Join(t.TempDir(), "s"))
	defer s.Close()

	c, err := s.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, 0, c.Size())

	assert.NoError(t, s.AddValue("a", 7, "A"))
	assert.NoError(t, s.AddValue("a", 8, "A"))

	c, err = s.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{7: "A", 8: "A"}, entries(c))

	assert.NoError(t, s.RemoveAllValues("a", 7))
	c, err = s.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{8: "A"}, entries(c))
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "s")
	s := openStorage(t, dir)
	assert.NoError(t, s.AddValue("k", 1, "V"))
	assert.NoError(t, s.Flush())
	assert.NoError(t, s.Close())

	s = openStorage(t, dir)
	defer s.Close()
	c, err := s.Read("k")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{1: "V"}, entries(c))
}

func TestStorageProcessKeys(t *testing.T) {
	s := openStorage(t, filepath.Join(t.TempDir(), "s"))
	defer s.Close()
	assert.NoError(t, s.AddValue("a", 1, "A"))
	assert.NoError(t, s.AddValue("b", 2, "B"))
	assert.NoError(t, s.AddValue("c", 1, "C"))

	var keys []string
	err := s.ProcessKeys(func(k string) bool {
		keys = append(keys, k)
		return true
	}, nil)
	assert.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	keys = nil
	err = s.ProcessKeys(func(k string) bool {
		keys = append(keys, k)
		return true
	}, func(id uint32) bool { return id == 1 })
	assert.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "c"}, keys)
}

func TestStorageClear(t *testing.T) {
	s := openStorage(t, filepath.Join(t.TempDir(), "s"))
	defer s.Close()
	assert.NoError(t, s.AddValue("a", 1, "A"))
	assert.NoError(t, s.Clear())

	c, err := s.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, 0, c.Size())
}

type stateRecorder struct {
	changes []bool
	cleared int
}

func (r *stateRecorder) BufferingStateChanged(enabled bool) { r.changes = append(r.changes, enabled) }
func (r *stateRecorder) MemoryStorageCleared()              { r.cleared++ }

func TestMemoryStorageBuffersMutations(t *testing.T) {
	backend := openStorage(t, filepath.Join(t.TempDir(), "s"))
	m := NewMemoryStorage[string, string](backend, utils.NewDefaultLogger(slog.LevelError))
	defer m.Close()

	assert.NoError(t, m.AddValue("a", 1, "A"))

	rec := &stateRecorder{}
	m.AddBufferingStateListener(rec)
	m.SetBufferingEnabled(true)
	assert.Equal(t, []bool{true}, rec.changes)

	assert.NoError(t, m.AddValue("a", 2, "A"))
	assert.NoError(t, m.RemoveAllValues("a", 1))
	assert.NoError(t, m.AddValue("b", 3, "B"))

	c, err := m.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{2: "A"}, entries(c))

	// backend unchanged while buffering
	c, err = backend.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{1: "A"}, entries(c))
	c, err = backend.Read("b")
	assert.NoError(t, err)
	assert.Equal(t, 0, c.Size())

	m.ClearMemoryData()
	assert.Equal(t, 1, rec.cleared)
	c, err = m.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{1: "A"}, entries(c))

	m.SetBufferingEnabled(false)
	assert.Equal(t, []bool{true, false}, rec.changes)
}

func TestMemoryStoragePromotesOnBufferingOff(t *testing.T) {
	backend := openStorage(t, filepath.Join(t.TempDir(), "s"))
	m := NewMemoryStorage[string, string](backend, utils.NewDefaultLogger(slog.LevelError))
	defer m.Close()

	assert.NoError(t, m.AddValue("a", 1, "A"))
	m.SetBufferingEnabled(true)
	assert.NoError(t, m.AddValue("a", 2, "A"))
	assert.NoError(t, m.RemoveAllValues("a", 1))
	assert.NoError(t, m.AddValue("b", 3, "B"))
	m.SetBufferingEnabled(false)

	// the buffered state is now the persistent one
	c, err := backend.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{2: "A"}, entries(c))
	c, err = backend.Read("b")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{3: "B"}, entries(c))

	// a later session starts from the promoted state, not a stale overlay
	assert.NoError(t, m.AddValue("a", 4, "A"))
	m.SetBufferingEnabled(true)
	c, err = m.Read("a")
	assert.NoError(t, err)
	assert.Equal(t, map[uint32]string{2: "A", 4: "A"}, entries(c))
	m.SetBufferingEnabled(false)
}

func TestMemoryStorageProcessKeysSeesOverlay(t *testing.T) {
	backend := openStorage(t, filepath.Join(t.TempDir(), "s"))
	m := NewMemoryStorage[string, string](backend, utils.NewDefaultLogger(slog.LevelError))
	defer m.Close()

	assert.NoError(t, m.AddValue("disk", 1, "D"))
	m.SetBufferingEnabled(true)
	assert.NoError(t, m.AddValue("mem", 2, "M"))

	var keys []string
	err := m.ProcessKeys(func(k string) bool {
		keys = append(keys, k)
		return true
	}, nil)
	assert.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"disk", "mem"}, keys)
}
