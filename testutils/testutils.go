// Package testutils carries the little string index used by the test
// suites and the operator shell.
package testutils

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/keydex/keydex"
	"github.com/keydex/keydex/pmap"
)

// NewTokenizingExtension builds a string index mapping each
// whitespace-separated token of the content to its uppercased form. The
// returned counter reports indexer invocations.
func NewTokenizingExtension(name string, snapshotMapping bool) (*keydex.IndexExtension[string, string], *atomic.Int64) {
	calls := &atomic.Int64{}
	ext := &keydex.IndexExtension[string, string]{
		Name:            name,
		KeyExt:          pmap.StringExternalizer{},
		ValExt:          pmap.StringExternalizer{},
		SnapshotMapping: snapshotMapping,
		Index: func(_ context.Context, content *keydex.FileContent) (map[string]string, error) {
			calls.Add(1)
			out := make(map[string]string)
			for _, tok := range strings.Fields(string(content.Bytes)) {
				out[tok] = strings.ToUpper(tok)
			}
			return out, nil
		},
	}
	return ext, calls
}

// Content wraps text as physical file content.
func Content(text string) *keydex.FileContent {
	return &keydex.FileContent{
		Bytes:        []byte(text),
		Charset:      "UTF-8",
		FileTypeName: "text",
		Physical:     true,
	}
}

// TransientContent wraps text as an unsaved-buffer state.
func TransientContent(text string) *keydex.FileContent {
	c := Content(text)
	c.Physical = false
	return c
}

// RebuildRecorder collects rebuild requests for assertions.
type RebuildRecorder struct {
	mu     sync.Mutex
	causes []error
}

func (r *RebuildRecorder) RequestRebuild(_ string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.causes = append(r.causes, cause)
}

func (r *RebuildRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.causes)
}
