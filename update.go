package keydex

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/keydex/keydex/hashes"
	"github.com/keydex/keydex/keydex_errors"
	"github.com/keydex/keydex/pmap"
)

// updateComputation carries one prepared update into the commit phase.
// The old state is produced lazily: the commit only pays for the branch
// it takes.
type updateComputation[K comparable, V any] struct {
	inputId      uint32
	savedInputId uint32
	physical     bool
	data         map[K]V
	oldKeys      func() ([]K, error)
	oldData      func() (map[K]V, error)
}

// Update runs the preparation phase for inputId inline and returns the
// commit closure. Preparation (hashing, cache lookup, the indexer call)
// honors ctx; the returned closure takes the write lock and is not
// cancellable. A nil content, or content whose map is empty, removes the
// input from the index. Commit failures request a rebuild and yield
// false.
func (i *MapReduceIndex[K, V]) Update(ctx context.Context, inputId uint32, content *FileContent) (func() bool, error) {
	if i.disposed.Load() {
		return nil, keydex_errors.ErrDisposed
	}
	prepStart := time.Now()

	physical := content == nil || content.Physical

	var (
		data           map[K]V
		hashId         = hashes.NullMapping
		havePersistent bool
		skippedReading bool
		err            error
	)

	if i.contents != nil && physical && content != nil {
		hashId, err = hashOfContent(i.enum, i.ext.PsiBacked, content)
		if err != nil {
			return nil, storageError(err)
		}
		if !i.opts.SkipCachedData {
			if !i.contents.IsBusyReading() {
				raw, ok, err := i.contents.Get(hashId)
				if err != nil {
					return nil, storageError(err)
				}
				if ok {
					data, err = deserializeIndexedData[K, V](raw, i.ext.KeyExt, i.ext.ValExt)
					if err != nil {
						return nil, fmt.Errorf("%w: %w", keydex_errors.ErrBadContents, err)
					}
					havePersistent = true
					CachedDataReads.WithLabelValues(i.ext.Name, "hit").Inc()
				} else {
					CachedDataReads.WithLabelValues(i.ext.Name, "miss").Inc()
				}
			} else {
				skippedReading = true
				CachedDataReads.WithLabelValues(i.ext.Name, "skipped").Inc()
			}
		}
	}

	if data == nil {
		if content == nil {
			data = map[K]V{}
		} else {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			IndexerInvocations.WithLabelValues(i.ext.Name).Inc()
			data, err = i.ext.Index(ctx, content)
			if err != nil {
				return nil, err
			}
			if data == nil {
				data = map[K]V{}
			}
		}
	} else if i.opts.ExtraSanityChecks && content != nil {
		i.crossCheckCachedData(ctx, inputId, content, data)
	}

	if hashId != hashes.NullMapping && !havePersistent {
		if err := i.savePersistentData(inputId, hashId, data, skippedReading, content); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	comp := i.prepareComputation(inputId, physical, hashId, data)
	UpdateDuration.WithLabelValues(i.ext.Name, "prepare").Observe(float64(time.Since(prepStart).Milliseconds()))

	return func() bool {
		commitStart := time.Now()
		i.lock.Lock()
		defer i.lock.Unlock()
		err := i.updateWithMap(comp)
		UpdateDuration.WithLabelValues(i.ext.Name, "commit").Observe(float64(time.Since(commitStart).Milliseconds()))
		if err != nil {
			err = storageError(err)
			i.log.Error("update commit failed", "index", i.ext.Name, "input", inputId, "err", err)
			UpdateCount.WithLabelValues(i.ext.Name, "error").Inc()
			i.requestRebuild(err)
			return false
		}
		UpdateCount.WithLabelValues(i.ext.Name, "ok").Inc()
		return true
	}, nil
}

// savePersistentData records the serialized indexer output for hashId.
// After a skipped busy read another writer may have stored the record
// already; the containsKey pre-check keeps the duplicate-write window
// but the write is idempotent at the content level.
func (i *MapReduceIndex[K, V]) savePersistentData(inputId, hashId uint32, data map[K]V, skippedReading bool, content *FileContent) error {
	raw, err := serializeIndexedData(data, i.ext.KeyExt, i.ext.ValExt)
	if err != nil {
		return err
	}
	if i.opts.ExtraSanityChecks {
		i.verifyValueRoundTrip(data)
		if i.trace != nil {
			provenance := fmt.Sprintf("input %d type %s charset %s", inputId, content.FileTypeName, content.Charset)
			if err := i.trace.Put(hashId, provenance); err != nil {
				i.log.Warn("failed to record indexing trace", "index", i.ext.Name, "hash", hashId, "err", err)
			}
		}
	}
	if skippedReading {
		exists, err := i.contents.ContainsKey(hashId)
		if err != nil {
			return storageError(err)
		}
		if exists {
			return nil
		}
	}
	if err := i.contents.Put(hashId, raw); err != nil {
		return storageError(err)
	}
	return nil
}

// prepareComputation selects the previous-state producer and the id to
// record for this input.
func (i *MapReduceIndex[K, V]) prepareComputation(inputId uint32, physical bool, hashId uint32, data map[K]V) *updateComputation[K, V] {
	comp := &updateComputation[K, V]{
		inputId:  inputId,
		physical: physical,
		data:     data,
	}
	switch {
	case i.ext.SnapshotMapping && physical:
		comp.savedInputId = hashId
		comp.oldKeys = func() ([]K, error) { return i.keysForSavedInput(inputId) }
		if i.opts.DiffUpdate {
			comp.oldData = func() (map[K]V, error) { return i.dataForSavedInput(inputId) }
		}
	case i.ext.SnapshotMapping:
		comp.savedInputId = hashes.NullMapping
		comp.oldKeys = func() ([]K, error) {
			keys, ok, err := i.readInputKeys(inputId)
			if err != nil {
				return nil, err
			}
			if ok {
				return keys, nil
			}
			return i.keysForSavedInput(inputId)
		}
	default:
		comp.savedInputId = inputId
		comp.oldKeys = func() ([]K, error) {
			keys, _, err := i.readInputKeys(inputId)
			return keys, err
		}
	}
	return comp
}

// readInputKeys reports the keyset currently recorded for inputId. With
// snapshot mapping the forward map is not consulted, even when
// KeepForwardMap keeps one: only staged keys are reported, and callers
// otherwise fall through to the snapshot-derived producer.
func (i *MapReduceIndex[K, V]) readInputKeys(inputId uint32) ([]K, bool, error) {
	if i.staging.Buffering() {
		if keys, ok := i.staging.StagedKeys(inputId); ok {
			return keys, true, nil
		}
	}
	if i.ext.SnapshotMapping {
		return nil, false, nil
	}
	return i.forward.Get(inputId)
}

// keysForSavedInput resolves the previous keyset through the snapshot
// mapping: input -> hash id -> cached serialized data.
func (i *MapReduceIndex[K, V]) keysForSavedInput(inputId uint32) ([]K, error) {
	old, err := i.dataForSavedInput(inputId)
	if err != nil || old == nil {
		return nil, err
	}
	keys := make([]K, 0, len(old))
	for k := range old {
		keys = append(keys, k)
	}
	return keys, nil
}

func (i *MapReduceIndex[K, V]) dataForSavedInput(inputId uint32) (map[K]V, error) {
	hashId, ok, err := i.snapshot.Get(inputId)
	if err != nil {
		return nil, err
	}
	if !ok || hashId == hashes.NullMapping {
		return nil, nil
	}
	raw, ok, err := i.contents.Get(hashId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	data, err := deserializeIndexedData[K, V](raw, i.ext.KeyExt, i.ext.ValExt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keydex_errors.ErrBadContents, err)
	}
	return data, nil
}

// updateWithMap applies one prepared update to the inverted storage and
// records the input's new state. Runs under the write lock.
func (i *MapReduceIndex[K, V]) updateWithMap(comp *updateComputation[K, V]) error {
	if comp.oldData != nil {
		if err := i.applyDiff(comp); err != nil {
			return err
		}
	} else {
		if err := i.applySimple(comp); err != nil {
			return err
		}
	}
	return i.saveInputState(comp)
}

// applySimple removes the input from every previously recorded key and
// re-adds every new entry. Retained keys go through remove plus add
// since their value may have changed.
func (i *MapReduceIndex[K, V]) applySimple(comp *updateComputation[K, V]) error {
	oldKeys, err := comp.oldKeys()
	if err != nil {
		return err
	}
	for _, k := range oldKeys {
		if err := i.storage.RemoveAllValues(k, comp.inputId); err != nil {
			return err
		}
	}
	for k, v := range comp.data {
		if err := i.storage.AddValue(k, comp.inputId, v); err != nil {
			return err
		}
	}
	return nil
}

// applyDiff fetches the previous value map on demand and only touches
// keys whose value actually changed.
func (i *MapReduceIndex[K, V]) applyDiff(comp *updateComputation[K, V]) error {
	oldData, err := comp.oldData()
	if err != nil {
		return err
	}
	for k, oldV := range oldData {
		newV, kept := comp.data[k]
		if kept && i.sameValue(oldV, newV) {
			continue
		}
		if err := i.storage.RemoveAllValues(k, comp.inputId); err != nil {
			return err
		}
		if kept {
			if err := i.storage.AddValue(k, comp.inputId, newV); err != nil {
				return err
			}
		}
	}
	for k, v := range comp.data {
		if _, existed := oldData[k]; existed {
			continue
		}
		if err := i.storage.AddValue(k, comp.inputId, v); err != nil {
			return err
		}
	}
	return nil
}

// sameValue compares values through their serialized form, the equality
// the index is persisted under.
func (i *MapReduceIndex[K, V]) sameValue(a, b V) bool {
	ab, err := pmap.Encode(i.ext.ValExt, a)
	if err != nil {
		return false
	}
	bb, err := pmap.Encode(i.ext.ValExt, b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// saveInputState records the new keyset for the input. While buffering
// the staging table takes it; the forward write still goes through the
// wrapper, which routes it to the transient side-table.
func (i *MapReduceIndex[K, V]) saveInputState(comp *updateComputation[K, V]) error {
	newKeys := make([]K, 0, len(comp.data))
	for k := range comp.data {
		newKeys = append(newKeys, k)
	}
	if i.staging.Buffering() {
		i.staging.Stage(comp.inputId, newKeys)
	}
	if i.ext.SnapshotMapping && comp.physical {
		if err := i.snapshot.Put(comp.inputId, comp.savedInputId); err != nil {
			return err
		}
	} else if i.forward != nil {
		if len(newKeys) > 0 {
			if err := i.forward.Put(comp.inputId, newKeys); err != nil {
				return err
			}
		} else {
			if err := i.forward.Remove(comp.inputId); err != nil {
				return err
			}
		}
		if i.opts.DebugChecks && i.staging.Buffering() {
			i.checkStagedAgainstForward(comp.inputId, newKeys)
		}
	}
	return nil
}

// checkStagedAgainstForward verifies the staging table and the forward
// side-table agree on the input's keyset.
func (i *MapReduceIndex[K, V]) checkStagedAgainstForward(inputId uint32, newKeys []K) {
	fwd, ok, err := i.forward.Get(inputId)
	if err != nil {
		i.log.Warn("debug check failed to read forward map", "index", i.ext.Name, "input", inputId, "err", err)
		return
	}
	if len(newKeys) == 0 {
		if ok && len(fwd) != 0 {
			i.log.Warn("staged keyset diverges from forward map", "index", i.ext.Name, "input", inputId)
		}
		return
	}
	set := make(map[K]struct{}, len(fwd))
	for _, k := range fwd {
		set[k] = struct{}{}
	}
	if len(fwd) != len(newKeys) {
		i.log.Warn("staged keyset diverges from forward map", "index", i.ext.Name, "input", inputId)
		return
	}
	for _, k := range newKeys {
		if _, found := set[k]; !found {
			i.log.Warn("staged keyset diverges from forward map", "index", i.ext.Name, "input", inputId)
			return
		}
	}
}

// crossCheckCachedData recomputes the map for content and compares it
// with the deserialized cached data. Divergence means the indexer is not
// deterministic or an externalizer breaks equality; it is reported, not
// fatal.
func (i *MapReduceIndex[K, V]) crossCheckCachedData(ctx context.Context, inputId uint32, content *FileContent, cached map[K]V) {
	fresh, err := i.ext.Index(ctx, content)
	if err != nil {
		i.log.Warn("sanity recompute failed", "index", i.ext.Name, "input", inputId, "err", err)
		return
	}
	var missing, extra, differing int
	for k, v := range fresh {
		cv, ok := cached[k]
		if !ok {
			missing++
		} else if !i.sameValue(v, cv) {
			differing++
		}
	}
	for k := range cached {
		if _, ok := fresh[k]; !ok {
			extra++
		}
	}
	if missing+extra+differing > 0 {
		i.log.Warn("cached data diverges from fresh computation",
			"index", i.ext.Name, "input", inputId,
			"missing", missing, "extra", extra, "differing", differing,
			"fresh_size", len(fresh), "cached_size", len(cached))
	}
}

// verifyValueRoundTrip encodes and decodes every value and requires the
// re-encoded form to match byte for byte.
func (i *MapReduceIndex[K, V]) verifyValueRoundTrip(data map[K]V) {
	for k, v := range data {
		encoded, err := pmap.Encode(i.ext.ValExt, v)
		if err != nil {
			i.log.Warn("value failed to encode", "index", i.ext.Name, "err", err)
			continue
		}
		decoded, err := pmap.Decode(i.ext.ValExt, encoded)
		if err != nil {
			i.log.Warn("value failed to decode", "index", i.ext.Name, "err", err)
			continue
		}
		again, err := pmap.Encode(i.ext.ValExt, decoded)
		if err != nil || !bytes.Equal(encoded, again) {
			i.log.Warn("value externalizer does not round-trip", "index", i.ext.Name, "key", fmt.Sprint(k))
		}
	}
}
