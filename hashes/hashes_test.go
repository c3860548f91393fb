package hashes

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnumerateAssignsStableIds(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hashes")
	e, err := OpenEnumerator(dir)
	assert.NoError(t, err)

	a, err := e.Enumerate(111)
	assert.NoError(t, err)
	b, err := e.Enumerate(222)
	assert.NoError(t, err)
	assert.NotEqual(t, NullMapping, a)
	assert.NotEqual(t, a, b)

	again, err := e.Enumerate(111)
	assert.NoError(t, err)
	assert.Equal(t, a, again)

	assert.NoError(t, e.Force())
	assert.NoError(t, e.Close())

	e, err = OpenEnumerator(dir)
	assert.NoError(t, err)
	defer e.Close()

	again, err = e.Enumerate(111)
	assert.NoError(t, err)
	assert.Equal(t, a, again)

	c, err := e.Enumerate(333)
	assert.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, c)
}

func TestDigestDependsOnInterpretation(t *testing.T) {
	data := []byte("same bytes")
	assert.Equal(t, DigestOf(data, "UTF-8", "text"), DigestOf(data, "UTF-8", "text"))
	assert.NotEqual(t, DigestOf(data, "UTF-8", "text"), DigestOf(data, "UTF-16", "text"))
	assert.NotEqual(t, DigestOf(data, "UTF-8", "text"), DigestOf(data, "UTF-8", "xml"))
	assert.NotEqual(t, DigestOf([]byte("other"), "UTF-8", "text"), DigestOf(data, "UTF-8", "text"))
}

func TestDropResetsIds(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hashes")
	e, err := OpenEnumerator(dir)
	assert.NoError(t, err)

	first, err := e.Enumerate(42)
	assert.NoError(t, err)
	assert.NoError(t, e.Drop())

	e, err = OpenEnumerator(dir)
	assert.NoError(t, err)
	defer e.Close()
	fresh, err := e.Enumerate(77)
	assert.NoError(t, err)
	assert.Equal(t, first, fresh)
}
