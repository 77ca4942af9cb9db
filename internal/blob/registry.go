// Package blob keeps in-memory binary buffers addressable by opaque refs, the
// server-side counterpart of object URLs. Every ref stays live until Revoke.
package blob

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const refPrefix = "blob:"

var ErrNotFound = errors.New("blob not found")

type Blob struct {
	Data []byte
	MIME string
}

func (b Blob) Size() int64 {
	return int64(len(b.Data))
}

type Registry struct {
	mu    sync.RWMutex
	blobs map[string]Blob
	bytes int64
}

func NewRegistry() *Registry {
	return &Registry{
		blobs: make(map[string]Blob),
	}
}

// Put stores data under a fresh ref. The registry takes ownership of data.
func (r *Registry) Put(data []byte, mime string) string {
	ref := refPrefix + uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[ref] = Blob{Data: data, MIME: mime}
	r.bytes += int64(len(data))
	return ref
}

func (r *Registry) Get(ref string) (Blob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[ref]
	if !ok {
		return Blob{}, ErrNotFound
	}
	return b, nil
}

// Revoke releases ref. Unknown and empty refs are ignored.
func (r *Registry) Revoke(ref string) {
	if strings.TrimSpace(ref) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[ref]
	if !ok {
		return
	}
	r.bytes -= int64(len(b.Data))
	delete(r.blobs, ref)
}

func (r *Registry) RevokeAll(refs ...string) {
	for _, ref := range refs {
		r.Revoke(ref)
	}
}

// Stats returns the live blob count and retained bytes.
func (r *Registry) Stats() (count int, bytes int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs), r.bytes
}

func IsRef(s string) bool {
	return strings.HasPrefix(s, refPrefix)
}
