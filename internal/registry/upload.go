package registry

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"github.com/google/uuid"
)

// upload tracks one in-progress blob upload (spec §4.7: "Uploads are
// identified by a server-assigned UUID and stored under a dedicated
// uploads directory; each chunk writes to an open file while a running
// SHA-256 is maintained"). The mutex is held for the duration of a single
// PATCH so a second concurrent write to the same upload fails fast rather
// than interleaving bytes (spec §4.7's concurrency note).
type upload struct {
	mu     sync.Mutex
	id     string
	path   string
	file   *os.File
	hasher hash.Hash
	size   int64
}

// errUploadBusy signals a concurrent write to the same upload id (spec
// §4.7: "concurrent writes to the same upload are rejected with a 400").
var errUploadBusy = fmt.Errorf("upload busy")

// uploadManager tracks uploads by UUID, grounded on internal/agent/
// socket.go's id-keyed connection table shape applied to upload sessions
// instead of proxied sockets.
type uploadManager struct {
	dir string

	mu   sync.Mutex
	byID map[string]*upload
}

func newUploadManager(dir string) (*uploadManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &uploadManager{dir: dir, byID: make(map[string]*upload)}, nil
}

// Start creates a new upload session and its backing file.
func (m *uploadManager) Start() (*upload, error) {
	id := uuid.NewString()
	path := filepath.Join(m.dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	u := &upload{id: id, path: path, file: f, hasher: sha256.New()}
	m.mu.Lock()
	m.byID[id] = u
	m.mu.Unlock()
	return u, nil
}

func (m *uploadManager) get(id string) (*upload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	return u, ok
}

func (m *uploadManager) remove(id string) {
	m.mu.Lock()
	delete(m.byID, id)
	m.mu.Unlock()
}

// WriteChunk appends r to the upload, feeding the running hash, and
// returns the new total size. Returns errUploadBusy if another request is
// already writing this same upload.
func (u *upload) WriteChunk(r io.Reader) (int64, error) {
	if !u.mu.TryLock() {
		return 0, errUploadBusy
	}
	defer u.mu.Unlock()

	n, err := io.Copy(io.MultiWriter(u.file, u.hasher), r)
	u.size += n
	if err != nil {
		return u.size, fmt.Errorf("write chunk: %w", err)
	}
	return u.size, nil
}

// Digest returns the running SHA-256 digest computed so far.
func (u *upload) Digest() digest.Digest {
	return digest.NewDigest(digest.SHA256, u.hasher)
}

// Close releases the backing file handle without deleting it.
func (u *upload) Close() error {
	return u.file.Close()
}

// Cancel closes and removes the upload's backing file.
func (m *uploadManager) Cancel(id string) {
	if u, ok := m.get(id); ok {
		_ = u.Close()
		_ = os.Remove(u.path)
		m.remove(id)
	}
}
