package keydex

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keydex/keydex/hashes"
	"github.com/keydex/keydex/pmap"
)

func TestIndexedDataRoundTrip(t *testing.T) {
	data := map[string]string{"a": "A", "b": "B", "c": "A"}
	raw, err := serializeIndexedData(data, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)

	back, err := deserializeIndexedData[string, string](raw, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestIndexedDataSerializationIsDeterministic(t *testing.T) {
	a := map[string]string{"x": "V", "y": "V", "z": "W"}
	b := map[string]string{"z": "W", "x": "V", "y": "V"}

	ra, err := serializeIndexedData(a, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)
	rb, err := serializeIndexedData(b, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(ra, rb))
}

func TestIndexedDataPairCountCountsPairs(t *testing.T) {
	data := map[string]string{"a": "V", "b": "V", "c": "W"}
	raw, err := serializeIndexedData(data, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)

	pairCount, n := binary.Uvarint(raw)
	assert.Greater(t, n, 0)
	assert.Equal(t, uint64(3), pairCount)
}

func TestIndexedDataGroupsByValue(t *testing.T) {
	// two keys share one value: the value must appear once on the wire
	data := map[string]string{"k1": "shared-value", "k2": "shared-value"}
	raw, err := serializeIndexedData(data, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(raw, []byte("shared-value")))

	back, err := deserializeIndexedData[string, string](raw, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestIndexedDataEmptyMap(t *testing.T) {
	raw, err := serializeIndexedData(map[string]string{}, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)

	back, err := deserializeIndexedData[string, string](raw, pmap.StringExternalizer{}, pmap.StringExternalizer{})
	assert.NoError(t, err)
	assert.Empty(t, back)
}

func TestNilValueGroupComesFirst(t *testing.T) {
	type boxed = *string
	v := "payload"
	data := map[string]boxed{"present": &v, "absent": nil}

	ext := ptrStringExternalizer{}
	raw, err := serializeIndexedData[string, boxed](data, pmap.StringExternalizer{}, ext)
	assert.NoError(t, err)

	r := bytes.NewReader(raw)
	_, err = binary.ReadUvarint(r)
	assert.NoError(t, err)
	first, err := ext.Read(r)
	assert.NoError(t, err)
	assert.Nil(t, first)

	back, err := deserializeIndexedData[string, boxed](raw, pmap.StringExternalizer{}, ext)
	assert.NoError(t, err)
	assert.Nil(t, back["absent"])
	assert.Equal(t, "payload", *back["present"])
}

func TestHashOfContentCachesPerSlot(t *testing.T) {
	enum, err := hashes.OpenEnumerator(filepath.Join(t.TempDir(), "hashes"))
	assert.NoError(t, err)
	defer enum.Close()

	content := &FileContent{
		Bytes:        []byte("on disk"),
		Charset:      "UTF-8",
		FileTypeName: "text",
		Physical:     true,
	}
	diskId, err := hashOfContent(enum, false, content)
	assert.NoError(t, err)
	assert.NotEqual(t, hashes.NullMapping, diskId)
	assert.Equal(t, diskId, content.Hashes.ContentHashId)

	again, err := hashOfContent(enum, false, content)
	assert.NoError(t, err)
	assert.Equal(t, diskId, again)

	// an uncommitted buffer must not reuse the disk-content id
	content.UncommittedText = []byte("edited in memory")
	bufferId, err := hashOfContent(enum, true, content)
	assert.NoError(t, err)
	assert.NotEqual(t, diskId, bufferId)
	assert.Equal(t, bufferId, content.Hashes.UncommittedHashId)
	assert.Equal(t, diskId, content.Hashes.ContentHashId)
}

// ptrStringExternalizer encodes a nil marker byte followed by the string
// when present.
type ptrStringExternalizer struct{}

func (ptrStringExternalizer) Save(w *bytes.Buffer, v *string) error {
	if v == nil {
		return w.WriteByte(0)
	}
	if err := w.WriteByte(1); err != nil {
		return err
	}
	return pmap.StringExternalizer{}.Save(w, *v)
}

func (ptrStringExternalizer) Read(r *bytes.Reader) (*string, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if marker == 0 {
		return nil, nil
	}
	s, err := pmap.StringExternalizer{}.Read(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
