package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/simpleadmin/sadmin/internal/model"
)

// manifestKey and manifestPrefix mirror objectKey/objectPrefix's
// compound-key-with-separator trick, here keyed by "project::tag" instead
// of "id::version".
func manifestKey(project, tag string) []byte {
	return []byte(project + "::" + tag)
}

func manifestProjectPrefix(project string) []byte {
	return []byte(project + "::")
}

// PutManifest writes or replaces the manifest row for (m.Project, m.Tag),
// the registry's unit of storage (spec §4.7 "Manifest PUT ... stores the
// manifest row").
func (s *Store) PutManifest(m model.ImageManifest) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDockerImages).Put(manifestKey(m.Project, m.Tag), buf)
	})
}

// GetManifest returns the manifest row for (project, tag), if any.
func (s *Store) GetManifest(project, tag string) (model.ImageManifest, bool, error) {
	var m model.ImageManifest
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDockerImages).Get(manifestKey(project, tag))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &m)
	})
	return m, found, err
}

// ListManifests returns every manifest row, live and removed alike; callers
// filter by Removed themselves (the pruner needs to see removed rows too,
// to decide whether their blobs are now safe to delete).
func (s *Store) ListManifests() ([]model.ImageManifest, error) {
	var out []model.ImageManifest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDockerImages).ForEach(func(_, v []byte) error {
			var m model.ImageManifest
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode manifest: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// ListManifestsByProject returns every tag pushed under project.
func (s *Store) ListManifestsByProject(project string) ([]model.ImageManifest, error) {
	var out []model.ImageManifest
	prefix := manifestProjectPrefix(project)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDockerImages).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var m model.ImageManifest
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode manifest %q: %w", k, err)
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// SetManifestRemoved stamps a manifest row's removed timestamp (the
// pruner's mark phase, spec §4.7: "Otherwise mark removed").
func (s *Store) SetManifestRemoved(project, tag string, removed time.Time) error {
	return s.updateManifest(project, tag, func(m *model.ImageManifest) {
		t := removed
		m.Removed = &t
	})
}

// SetManifestUsed updates a manifest row's used timestamp, called from the
// agent-heartbeat-driven usedImages endpoint (spec §3 "used timestamp
// (updated by agent heartbeats)").
func (s *Store) SetManifestUsed(project, tag string, used time.Time) error {
	return s.updateManifest(project, tag, func(m *model.ImageManifest) {
		t := used
		m.Used = &t
	})
}

// SetManifestPinned flips the per-manifest pin flag (spec §4.7 "pin is
// set"), distinct from a tag-level pin which SetTagPinned covers.
func (s *Store) SetManifestPinned(project, tag string, pinned bool) error {
	return s.updateManifest(project, tag, func(m *model.ImageManifest) {
		m.Pinned = pinned
	})
}

func (s *Store) updateManifest(project, tag string, mutate func(*model.ImageManifest)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDockerImages)
		key := manifestKey(project, tag)
		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("no manifest for %s:%s", project, tag)
		}
		var m model.ImageManifest
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("decode manifest %s:%s: %w", project, tag, err)
		}
		mutate(&m)
		buf, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(key, buf)
	})
}

// IsTagPinned reports a tag-level pin (spec §4.7 pruner rule "tag is
// pinned explicitly"), independent of which manifest version is newest --
// a tag can be pinned before any image has ever been pushed under it.
func (s *Store) IsTagPinned(project, tag string) (bool, error) {
	var pinned bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImageTagPins).Get(manifestKey(project, tag))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &pinned)
	})
	return pinned, err
}

// SetTagPinned sets or clears a tag-level pin.
func (s *Store) SetTagPinned(project, tag string, pinned bool) error {
	buf, err := json.Marshal(pinned)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImageTagPins).Put(manifestKey(project, tag), buf)
	})
}
