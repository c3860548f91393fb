package keydex_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keydex/keydex"
	"github.com/keydex/keydex/testutils"
)

func openIndex(t *testing.T, snapshot bool, opts keydex.Options) (*keydex.MapReduceIndex[string, string], *testIndex) {
	ext, calls := testutils.NewTokenizingExtension("tokens", snapshot)
	if opts.RootDir == "" {
		opts.RootDir = filepath.Join(t.TempDir(), "index")
	}
	index, err := keydex.Open(ext, opts)
	assert.NoError(t, err)
	return index, &testIndex{calls: calls, root: opts.RootDir}
}

type testIndex struct {
	calls *atomic.Int64
	root  string
}

func mustUpdate(t *testing.T, index *keydex.MapReduceIndex[string, string], inputId uint32, text string) {
	t.Helper()
	var content *keydex.FileContent
	if text != "" {
		content = testutils.Content(text)
	}
	apply, err := index.Update(context.Background(), inputId, content)
	assert.NoError(t, err)
	assert.True(t, apply())
}

func dataFor(t *testing.T, index *keydex.MapReduceIndex[string, string], key string) map[uint32]string {
	t.Helper()
	c, err := index.GetData(key)
	assert.NoError(t, err)
	out := map[uint32]string{}
	c.Process(func(id uint32, v string) bool {
		out[id] = v
		return true
	})
	return out
}

func allKeys(t *testing.T, index *keydex.MapReduceIndex[string, string]) []string {
	t.Helper()
	var keys []string
	completed, err := index.ProcessAllKeys(func(k string) bool {
		keys = append(keys, k)
		return true
	}, nil)
	assert.NoError(t, err)
	assert.True(t, completed)
	sort.Strings(keys)
	return keys
}

func TestUpdateIndexesTokens(t *testing.T) {
	for _, snapshot := range []bool{false, true} {
		index, _ := openIndex(t, snapshot, keydex.Options{})
		mustUpdate(t, index, 7, "a b c")

		assert.Equal(t, map[uint32]string{7: "A"}, dataFor(t, index, "a"))
		assert.Equal(t, map[uint32]string{7: "B"}, dataFor(t, index, "b"))
		assert.Equal(t, map[uint32]string{7: "C"}, dataFor(t, index, "c"))
		assert.Equal(t, []string{"a", "b", "c"}, allKeys(t, index))
		assert.NoError(t, index.Dispose())
	}
}

func TestUpdateReplacesOldKeys(t *testing.T) {
	for _, snapshot := range []bool{false, true} {
		index, _ := openIndex(t, snapshot, keydex.Options{})
		mustUpdate(t, index, 7, "a b c")
		mustUpdate(t, index, 7, "b c d")

		assert.Empty(t, dataFor(t, index, "a"))
		assert.Equal(t, map[uint32]string{7: "B"}, dataFor(t, index, "b"))
		assert.Equal(t, map[uint32]string{7: "C"}, dataFor(t, index, "c"))
		assert.Equal(t, map[uint32]string{7: "D"}, dataFor(t, index, "d"))
		assert.NoError(t, index.Dispose())
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	index, _ := openIndex(t, true, keydex.Options{})
	defer index.Dispose()
	mustUpdate(t, index, 7, "a b")
	mustUpdate(t, index, 7, "a b")

	assert.Equal(t, map[uint32]string{7: "A"}, dataFor(t, index, "a"))
	assert.Equal(t, map[uint32]string{7: "B"}, dataFor(t, index, "b"))
	assert.Equal(t, []string{"a", "b"}, allKeys(t, index))
}

func TestNullContentRemovesInput(t *testing.T) {
	for _, snapshot := range []bool{false, true} {
		index, _ := openIndex(t, snapshot, keydex.Options{})
		mustUpdate(t, index, 7, "a b")
		mustUpdate(t, index, 8, "b")
		mustUpdate(t, index, 7, "")

		assert.Empty(t, dataFor(t, index, "a"))
		assert.Equal(t, map[uint32]string{8: "B"}, dataFor(t, index, "b"))
		assert.NoError(t, index.Dispose())
	}
}

func TestHashDedupInvokesIndexerOnce(t *testing.T) {
	index, ti := openIndex(t, true, keydex.Options{})
	defer index.Dispose()

	mustUpdate(t, index, 7, "a b")
	mustUpdate(t, index, 8, "a b")

	assert.Equal(t, int64(1), ti.calls.Load())
	assert.Equal(t, map[uint32]string{7: "A", 8: "A"}, dataFor(t, index, "a"))
	assert.Equal(t, map[uint32]string{7: "B", 8: "B"}, dataFor(t, index, "b"))
}

func TestDiffUpdateStrategy(t *testing.T) {
	index, _ := openIndex(t, true, keydex.Options{DiffUpdate: true})
	defer index.Dispose()

	mustUpdate(t, index, 7, "a b c")
	mustUpdate(t, index, 7, "b c d")

	assert.Empty(t, dataFor(t, index, "a"))
	assert.Equal(t, map[uint32]string{7: "B"}, dataFor(t, index, "b"))
	assert.Equal(t, map[uint32]string{7: "D"}, dataFor(t, index, "d"))
}

func TestBufferingIsolation(t *testing.T) {
	index, _ := openIndex(t, false, keydex.Options{})
	defer index.Dispose()

	index.SetBufferingEnabled(true)
	apply, err := index.Update(context.Background(), 7, testutils.TransientContent("a"))
	assert.NoError(t, err)
	assert.True(t, apply())

	assert.Equal(t, map[uint32]string{7: "A"}, dataFor(t, index, "a"))

	index.ClearMemoryData()
	index.SetBufferingEnabled(false)
	assert.Empty(t, dataFor(t, index, "a"))
}

func TestBufferedStateSupersedesPersistent(t *testing.T) {
	index, _ := openIndex(t, false, keydex.Options{})
	defer index.Dispose()

	mustUpdate(t, index, 7, "a b")
	index.SetBufferingEnabled(true)
	apply, err := index.Update(context.Background(), 7, testutils.TransientContent("c"))
	assert.NoError(t, err)
	assert.True(t, apply())

	assert.Empty(t, dataFor(t, index, "a"))
	assert.Equal(t, map[uint32]string{7: "C"}, dataFor(t, index, "c"))

	index.ClearMemoryData()
	index.SetBufferingEnabled(false)
	assert.Equal(t, map[uint32]string{7: "A"}, dataFor(t, index, "a"))
	assert.Empty(t, dataFor(t, index, "c"))
}

func TestBufferingOffPromotesBufferedUpdates(t *testing.T) {
	index, _ := openIndex(t, false, keydex.Options{})
	defer index.Dispose()

	index.SetBufferingEnabled(true)
	apply, err := index.Update(context.Background(), 7, testutils.TransientContent("a"))
	assert.NoError(t, err)
	assert.True(t, apply())
	index.SetBufferingEnabled(false)

	assert.Equal(t, map[uint32]string{7: "A"}, dataFor(t, index, "a"))

	// the promoted forward record feeds the next update's old keys
	mustUpdate(t, index, 7, "b")
	assert.Empty(t, dataFor(t, index, "a"))
	assert.Equal(t, map[uint32]string{7: "B"}, dataFor(t, index, "b"))
}

func TestClearWipesAndRecreates(t *testing.T) {
	index, ti := openIndex(t, true, keydex.Options{})
	defer index.Dispose()

	mustUpdate(t, index, 7, "x")
	assert.NoError(t, index.Clear())

	assert.Empty(t, dataFor(t, index, "x"))
	assert.Empty(t, allKeys(t, index))

	entries, err := os.ReadDir(ti.root)
	assert.NoError(t, err)
	assert.NotEmpty(t, entries)

	// id counters restarted too: the same content indexes cleanly again
	mustUpdate(t, index, 7, "x")
	assert.Equal(t, map[uint32]string{7: "X"}, dataFor(t, index, "x"))
}

func TestCancelledPreparationLeavesNoTrace(t *testing.T) {
	index, _ := openIndex(t, false, keydex.Options{})
	defer index.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := index.Update(ctx, 7, testutils.Content("a b"))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, dataFor(t, index, "a"))
	assert.Empty(t, allKeys(t, index))
}

func TestPersistsAcrossReopen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "index")
	index, _ := openIndex(t, true, keydex.Options{RootDir: root})
	mustUpdate(t, index, 7, "a b")
	assert.NoError(t, index.Flush())
	assert.NoError(t, index.Dispose())

	index, ti := openIndex(t, true, keydex.Options{RootDir: root})
	defer index.Dispose()
	assert.Equal(t, map[uint32]string{7: "A"}, dataFor(t, index, "a"))

	// cached indexer output survives too
	mustUpdate(t, index, 9, "a b")
	assert.Equal(t, int64(0), ti.calls.Load())
	assert.Equal(t, map[uint32]string{7: "A", 9: "A"}, dataFor(t, index, "a"))
}

func TestDisposedIndexRejectsOperations(t *testing.T) {
	index, _ := openIndex(t, false, keydex.Options{})
	assert.NoError(t, index.Dispose())

	_, err := index.GetData("a")
	assert.Error(t, err)
	_, err = index.Update(context.Background(), 1, testutils.Content("a"))
	assert.Error(t, err)
	assert.Error(t, index.Flush())
	assert.Error(t, index.Dispose())
}

func TestExtraSanityChecksAcceptDeterministicIndexer(t *testing.T) {
	index, ti := openIndex(t, true, keydex.Options{ExtraSanityChecks: true})
	defer index.Dispose()

	mustUpdate(t, index, 7, "a b")
	mustUpdate(t, index, 8, "a b")

	// the cross-check recomputes, so dedup no longer bounds invocations
	assert.GreaterOrEqual(t, ti.calls.Load(), int64(1))
	assert.Equal(t, map[uint32]string{7: "A", 8: "A"}, dataFor(t, index, "a"))
}

func TestProcessAllKeysShortCircuit(t *testing.T) {
	index, _ := openIndex(t, false, keydex.Options{})
	defer index.Dispose()
	mustUpdate(t, index, 7, "a b c")

	count := 0
	completed, err := index.ProcessAllKeys(func(string) bool {
		count++
		return false
	}, nil)
	assert.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, 1, count)
}

func TestProcessAllKeysIdFilter(t *testing.T) {
	index, _ := openIndex(t, false, keydex.Options{})
	defer index.Dispose()
	mustUpdate(t, index, 7, "a")
	mustUpdate(t, index, 8, "b")

	var keys []string
	completed, err := index.ProcessAllKeys(func(k string) bool {
		keys = append(keys, k)
		return true
	}, func(id uint32) bool { return id == 8 })
	assert.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, []string{"b"}, keys)
}
