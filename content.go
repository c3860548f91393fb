package keydex

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"sort"

	"github.com/keydex/keydex/hashes"
	"github.com/keydex/keydex/pmap"
)

// HashCache carries the hash ids already computed for one content
// object, so repeated updates over the same content skip the digest. The
// uncommitted slot is separate: an edited buffer must never reuse the
// disk-content id.
type HashCache struct {
	ContentHashId     uint32
	UncommittedHashId uint32
}

// FileContent is one input's content as handed to Update. Physical
// content is the saved state on disk; transient content (an unsaved
// editor buffer) must not be recorded in the snapshot map.
type FileContent struct {
	Bytes        []byte
	Charset      string
	FileTypeName string
	Physical     bool

	// BinaryDigest, when present, is a precomputed digest of Bytes and is
	// enumerated directly instead of rehashing the content.
	BinaryDigest []byte

	// UncommittedText is the editor-buffer text backing a parse tree that
	// has not been committed to Bytes yet.
	UncommittedText []byte

	Hashes *HashCache
}

func (c *FileContent) hashCache() *HashCache {
	if c.Hashes == nil {
		c.Hashes = &HashCache{}
	}
	return c.Hashes
}

// hashOfContent resolves the content's hash id, consulting the content's
// own cache slots before the enumerator.
func hashOfContent(enum *hashes.Enumerator, psiBacked bool, content *FileContent) (uint32, error) {
	hc := content.hashCache()
	if psiBacked && content.UncommittedText != nil {
		if hc.UncommittedHashId != hashes.NullMapping {
			return hc.UncommittedHashId, nil
		}
		id, err := enum.Enumerate(hashes.DigestOf(content.UncommittedText, content.Charset, content.FileTypeName))
		if err != nil {
			return hashes.NullMapping, err
		}
		hc.UncommittedHashId = id
		return id, nil
	}
	if hc.ContentHashId != hashes.NullMapping {
		return hc.ContentHashId, nil
	}
	var digest uint64
	if content.BinaryDigest != nil {
		digest = hashes.DigestBytes(content.BinaryDigest)
	} else {
		digest = hashes.DigestOf(content.Bytes, content.Charset, content.FileTypeName)
	}
	id, err := enum.Enumerate(digest)
	if err != nil {
		return hashes.NullMapping, err
	}
	hc.ContentHashId = id
	return id, nil
}

// serializeIndexedData writes a pair count followed by one record per
// distinct value: the value, then the keys mapped to it. The nil-value
// group, when present, comes first; remaining groups are ordered by
// their encoded value bytes so equal maps serialize identically.
func serializeIndexedData[K comparable, V any](data map[K]V, keyExt pmap.Externalizer[K], valExt pmap.Externalizer[V]) ([]byte, error) {
	type group struct {
		valBytes []byte
		nilValue bool
		keys     [][]byte
	}
	groups := make(map[string]*group)
	for k, v := range data {
		vb, err := pmap.Encode(valExt, v)
		if err != nil {
			return nil, err
		}
		g, ok := groups[string(vb)]
		if !ok {
			g = &group{valBytes: vb, nilValue: isNilValue(v)}
			groups[string(vb)] = g
		}
		kb, err := pmap.Encode(keyExt, k)
		if err != nil {
			return nil, err
		}
		g.keys = append(g.keys, kb)
	}
	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].nilValue != ordered[j].nilValue {
			return ordered[i].nilValue
		}
		return bytes.Compare(ordered[i].valBytes, ordered[j].valBytes) < 0
	})

	var out bytes.Buffer
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(data)))
	_, _ = out.Write(buf[:n])
	for _, g := range ordered {
		_, _ = out.Write(g.valBytes)
		sort.Slice(g.keys, func(i, j int) bool { return bytes.Compare(g.keys[i], g.keys[j]) < 0 })
		n = binary.PutUvarint(buf[:], uint64(len(g.keys)))
		_, _ = out.Write(buf[:n])
		for _, kb := range g.keys {
			_, _ = out.Write(kb)
		}
	}
	return out.Bytes(), nil
}

// deserializeIndexedData rebuilds the key-value map by distributing each
// value across its key list. Records run to end of input.
func deserializeIndexedData[K comparable, V any](raw []byte, keyExt pmap.Externalizer[K], valExt pmap.Externalizer[V]) (map[K]V, error) {
	r := bytes.NewReader(raw)
	pairCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	data := make(map[K]V, pairCount)
	for r.Len() > 0 {
		v, err := valExt.Read(r)
		if err != nil {
			return nil, err
		}
		keyCount, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < keyCount; i++ {
			k, err := keyExt.Read(r)
			if err != nil {
				return nil, err
			}
			data[k] = v
		}
	}
	return data, nil
}

func isNilValue(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
		return rv.IsNil()
	case reflect.Invalid:
		return true
	default:
		return false
	}
}
