package registry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
)

// BlobStore is the content-addressed blob directory backing the registry
// (spec §4.7 "Registry blob (on disk). File name equals the content
// digest"). Grounded on internal/supervisor/state.go's
// temp-file-then-rename atomic write, applied here to uploads finalizing
// into blobs instead of state snapshots.
type BlobStore struct {
	dir string
}

// OpenBlobStore ensures dir exists and returns a BlobStore rooted there.
func OpenBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// path returns the on-disk path for a digest. Spec §4.7 names the file
// literally "sha256:<hex>"; colons are valid in POSIX filenames, so the
// digest string is used unmodified rather than re-encoded.
func (b *BlobStore) path(dgst digest.Digest) string {
	return filepath.Join(b.dir, string(dgst))
}

// Exists reports whether a blob with the given digest is stored.
func (b *BlobStore) Exists(dgst digest.Digest) bool {
	_, err := os.Stat(b.path(dgst))
	return err == nil
}

// Size returns the on-disk size of a blob.
func (b *BlobStore) Size(dgst digest.Digest) (int64, error) {
	fi, err := os.Stat(b.path(dgst))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Reader opens a blob for reading.
func (b *BlobStore) Reader(dgst digest.Digest) (io.ReadSeekCloser, error) {
	return os.Open(b.path(dgst))
}

// AdoptUpload renames a completed upload file into the blob store under
// its content digest, atomically (spec §4.7: "the file is then atomically
// renamed to <blobs>/sha256:<hex>").
func (b *BlobStore) AdoptUpload(uploadPath string, dgst digest.Digest) error {
	target := b.path(dgst)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return os.Rename(uploadPath, target)
}

// Delete removes a blob, used by the pruner.
func (b *BlobStore) Delete(dgst digest.Digest) error {
	return os.Remove(b.path(dgst))
}

// List returns the digest of every blob currently on disk, for the
// pruner's sweep phase.
func (b *BlobStore) List() ([]digest.Digest, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	out := make([]digest.Digest, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := digest.Parse(e.Name()); err == nil {
			out = append(out, digest.Digest(e.Name()))
		}
	}
	return out, nil
}
