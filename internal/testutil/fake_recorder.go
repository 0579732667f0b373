package testutil

import (
	"sync"

	scribe "github.com/eugener/scribe/internal"
)

// FakeRecorder records write-pipeline enqueues so tests can assert what the
// proxy handler teed off without a real pipeline behind it.
type FakeRecorder struct {
	mu       sync.Mutex
	requests []*scribe.Request
	chunks   []scribe.Chunk
	patches  []scribe.RequestPatch
}

// InsertRequest records an enqueued request row.
func (r *FakeRecorder) InsertRequest(req *scribe.Request) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
}

// InsertChunk records an enqueued stream chunk.
func (r *FakeRecorder) InsertChunk(c scribe.Chunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
}

// PatchRequest records an enqueued completion patch.
func (r *FakeRecorder) PatchRequest(p scribe.RequestPatch) {
	r.mu.Lock()
	r.patches = append(r.patches, p)
	r.mu.Unlock()
}

// Requests returns the recorded request rows in enqueue order.
func (r *FakeRecorder) Requests() []*scribe.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*scribe.Request(nil), r.requests...)
}

// Chunks returns the recorded chunks in enqueue order.
func (r *FakeRecorder) Chunks() []scribe.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scribe.Chunk(nil), r.chunks...)
}

// Patches returns the recorded patches in enqueue order.
func (r *FakeRecorder) Patches() []scribe.RequestPatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scribe.RequestPatch(nil), r.patches...)
}
