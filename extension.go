package keydex

import (
	"context"
	"log/slog"

	"github.com/keydex/keydex/pmap"
	"github.com/keydex/keydex/utils"
)

// Indexer turns one input's content into the key-value map this index
// stores for it. It must be deterministic: equal content yields an equal
// map. A nil content never reaches the indexer.
type Indexer[K comparable, V any] func(ctx context.Context, content *FileContent) (map[K]V, error)

// IndexExtension describes one index: how to compute its data and how to
// serialize its keys and values.
type IndexExtension[K comparable, V any] struct {
	Name  string
	Index Indexer[K, V]

	KeyExt pmap.Externalizer[K]
	ValExt pmap.Externalizer[V]

	// SnapshotMapping enables content-hash dedup: per-input hash ids plus
	// a shared map from hash id to serialized indexer output.
	SnapshotMapping bool

	// KeepForwardMap records each input's keyset in a persistent forward
	// map. Ignored when SnapshotMapping is set for physical content, but
	// still used for transient content.
	KeepForwardMap bool

	// PsiBacked marks indexes computed from a parse tree. Content backed
	// by an edited-but-unsaved buffer is then hashed from the buffer text
	// instead of the bytes on disk.
	PsiBacked bool
}

// RebuildRequester receives the out-of-band signal that this index is
// broken and must be discarded and rebuilt from scratch.
type RebuildRequester interface {
	RequestRebuild(indexName string, cause error)
}

type Options struct {
	// RootDir holds the per-index maps: forward, snapshot, trace, hash
	// enumerator and the inverted storage.
	RootDir string

	// PersistentRoot holds the shared content-addressed values map.
	// Defaults to RootDir.
	PersistentRoot string

	// DiffUpdate selects the update strategy that reads the previous
	// value map lazily and only touches keys whose value changed.
	DiffUpdate bool

	// SkipCachedData disables reuse of serialized indexer output on the
	// update path; every update recomputes.
	SkipCachedData bool

	// ExtraSanityChecks cross-checks cached data against a fresh
	// computation, round-trips values through the externalizer and keeps
	// an indexing trace map. Expensive; for debugging indexer bugs.
	ExtraSanityChecks bool

	// DebugChecks verifies staged keysets against the forward map after
	// each buffered commit.
	DebugChecks bool

	// MemorySoftLimit is the heap size in bytes past which the index
	// flushes itself. Zero disables the watcher.
	MemorySoftLimit uint64

	Logger  utils.Logger
	Rebuild RebuildRequester
}

func (o *Options) SetDefaults() {
	if o.PersistentRoot == "" {
		o.PersistentRoot = o.RootDir
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}
