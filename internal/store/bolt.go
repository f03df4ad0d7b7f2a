// Package store is the object store adapter (spec §4.1): a single-writer
// embedded database exposing the typed object graph plus per-host
// deployment records, messages, registry manifest rows, and sessions (the
// persisted-state table list in spec §6).
//
// Grounded on the teacher's internal/store/bolt.go: bucket-per-concern,
// db.Update/db.View closures, cursor-based prefix scans, and the
// "name::timestamp" compound-key trick (here reused as "id::version" so
// bbolt's sorted-key cursor walk gives monotonic version history for free).
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/simpleadmin/sadmin/internal/model"
)

var (
	bucketObjects         = []byte("objects")          // key "id::version" -> Object JSON
	bucketObjectsMeta     = []byte("objects_meta")      // key "id" -> newest version int64, for O(1) get_newest
	bucketDeployments     = []byte("deployments")       // key "host::name" -> DeploymentRecord JSON
	bucketMessages        = []byte("messages")          // key zero-padded id -> Message JSON
	bucketDockerImages    = []byte("docker_images")      // key project/tag/hash -> manifest row JSON
	bucketDockerDeploys   = []byte("docker_deployments") // key id -> deployment row JSON
	bucketImageTagPins    = []byte("docker_image_tag_pins")
	bucketKVP             = []byte("kvp")
	bucketSessions        = []byte("sessions")
)

var allBuckets = [][]byte{
	bucketObjects, bucketObjectsMeta, bucketDeployments, bucketMessages,
	bucketDockerImages, bucketDockerDeploys, bucketImageTagPins, bucketKVP,
	bucketSessions,
}

// Store wraps a BoltDB database for sadmin server persistence. All
// mutations run through this single writer; readers see a consistent
// snapshot during planning (spec §4.1: "All mutations run in a single
// writer; readers see a consistent snapshot during planning").
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures all
// required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	st := &Store{db: db}
	if err := st.EnsureAuthBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create auth buckets: %w", err)
	}
	return st, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

func objectKey(id, version int64) []byte {
	return []byte(fmt.Sprintf("%020d::%020d", id, version))
}

func objectPrefix(id int64) []byte {
	return []byte(fmt.Sprintf("%020d::", id))
}

func metaKey(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// GetNewest returns the current newest version of an object, or
// (model.Object{}, false, nil) if no such object exists (spec §4.1
// "get_newest(id) -> Object?").
func (s *Store) GetNewest(id int64) (model.Object, bool, error) {
	var obj model.Object
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketObjectsMeta)
		v := meta.Get(metaKey(id))
		if v == nil {
			return nil
		}
		var version int64
		if err := json.Unmarshal(v, &version); err != nil {
			return fmt.Errorf("decode meta for %d: %w", id, err)
		}
		data := tx.Bucket(bucketObjects).Get(objectKey(id, version))
		if data == nil {
			return fmt.Errorf("meta points at missing row %d::%d", id, version)
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decode object %d::%d: %w", id, version, err)
		}
		found = true
		return nil
	})
	return obj, found, err
}

// ListNewest iterates every object's newest version.
func (s *Store) ListNewest() ([]model.Object, error) {
	var out []model.Object
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketObjectsMeta)
		objects := tx.Bucket(bucketObjects)
		return meta.ForEach(func(k, v []byte) error {
			var version int64
			var id int64
			if _, err := fmt.Sscanf(string(k), "%020d", &id); err != nil {
				return fmt.Errorf("decode meta key %q: %w", k, err)
			}
			if err := json.Unmarshal(v, &version); err != nil {
				return fmt.Errorf("decode meta version for %q: %w", k, err)
			}
			data := objects.Get(objectKey(id, version))
			if data == nil {
				return nil
			}
			var obj model.Object
			if err := json.Unmarshal(data, &obj); err != nil {
				return fmt.Errorf("decode object %d::%d: %w", id, version, err)
			}
			out = append(out, obj)
			return nil
		})
	})
	return out, err
}

// ListNewestByType returns every newest object whose Type field equals
// typeID.
func (s *Store) ListNewestByType(typeID int64) ([]model.Object, error) {
	all, err := s.ListNewest()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		if o.Type == typeID {
			out = append(out, o)
		}
	}
	return out, nil
}

// InsertVersion inserts a new version of an object (spec §4.1
// "insert_version(id?, content?, author) -> (id, version)"). If id <= 0, a
// new id is allocated above the persisted high-water mark. If content is
// nil, the new row tombstones the object (it still exists for history).
func (s *Store) InsertVersion(id int64, name, category string, content model.ObjectContent, typ int64, author, comment string) (int64, int64, error) {
	var newVersion int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketObjectsMeta)
		objects := tx.Bucket(bucketObjects)

		if id <= 0 {
			hw := tx.Bucket(bucketKVP).Get([]byte("object_high_water"))
			var next int64 = model.TypeObjectID + 1
			if hw != nil {
				if err := json.Unmarshal(hw, &next); err != nil {
					return fmt.Errorf("decode high water mark: %w", err)
				}
			}
			id = next
			next++
			buf, err := json.Marshal(next)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketKVP).Put([]byte("object_high_water"), buf); err != nil {
				return err
			}
		}

		var prevVersion int64
		if v := meta.Get(metaKey(id)); v != nil {
			if err := json.Unmarshal(v, &prevVersion); err != nil {
				return fmt.Errorf("decode prev version: %w", err)
			}
			prevData := objects.Get(objectKey(id, prevVersion))
			if prevData != nil {
				var prev model.Object
				if err := json.Unmarshal(prevData, &prev); err == nil {
					prev.Newest = false
					buf, _ := json.Marshal(prev)
					if err := objects.Put(objectKey(id, prevVersion), buf); err != nil {
						return err
					}
				}
			}
		}
		newVersion = prevVersion + 1

		obj := model.Object{
			ID:       id,
			Version:  newVersion,
			Type:     typ,
			Name:     name,
			Category: category,
			Content:  content,
			Author:   author,
			Time:     time.Now().UTC(),
			Comment:  comment,
			Newest:   true,
		}
		buf, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("marshal object: %w", err)
		}
		if err := objects.Put(objectKey(id, newVersion), buf); err != nil {
			return err
		}
		versionBuf, _ := json.Marshal(newVersion)
		return meta.Put(metaKey(id), versionBuf)
	})
	return id, newVersion, err
}

// GetHistory returns every version of id, oldest first.
func (s *Store) GetHistory(id int64) ([]model.Object, error) {
	var out []model.Object
	prefix := objectPrefix(id)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var obj model.Object
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("decode object %q: %w", k, err)
			}
			out = append(out, obj)
		}
		return nil
	})
	return out, err
}

// GetVersion returns one specific version of an object.
func (s *Store) GetVersion(id, version int64) (model.Object, bool, error) {
	var obj model.Object
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get(objectKey(id, version))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &obj)
	})
	return obj, found, err
}

// --- deployment records (spec §4.1 "get_deployments/put_deployment/delete_deployment") ---

func deploymentKey(host int64, name string) []byte {
	return []byte(fmt.Sprintf("%020d::%s", host, name))
}

func deploymentPrefix(host int64) []byte {
	return []byte(fmt.Sprintf("%020d::", host))
}

// GetDeployments returns every DeploymentRecord currently stored for host.
func (s *Store) GetDeployments(host int64) ([]model.DeploymentRecord, error) {
	var out []model.DeploymentRecord
	prefix := deploymentPrefix(host)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeployments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec model.DeploymentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode deployment record %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// PutDeployment writes or replaces the DeploymentRecord for (rec.Host, rec.Name).
func (s *Store) PutDeployment(rec model.DeploymentRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal deployment record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put(deploymentKey(rec.Host, rec.Name), buf)
	})
}

// DeleteDeployment removes the DeploymentRecord for (host, name), if any.
func (s *Store) DeleteDeployment(host int64, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Delete(deploymentKey(host, name))
	})
}

// --- messages (spec §6 messages table) ---

// AddMessage appends a host-up/down or other notification message.
func (s *Store) AddMessage(msg model.Message) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(next)
		msg.ID = id
		buf, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(fmt.Sprintf("%020d", id)), buf)
	})
	return id, err
}

// ListMessages returns every message, newest first, up to limit (0 = no limit).
func (s *Store) ListMessages(limit int) ([]model.Message, error) {
	var out []model.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m model.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode message %q: %w", k, err)
			}
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// UnreadMessageCount returns the number of messages with Dismissed == false.
func (s *Store) UnreadMessageCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var m model.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return nil
			}
			if !m.Dismissed {
				count++
			}
			return nil
		})
	})
	return count, err
}

// SetMessagesDismissed marks every message up to and including upToID as dismissed.
func (s *Store) SetMessagesDismissed(upToID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m model.Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID > upToID || m.Dismissed {
				continue
			}
			m.Dismissed = true
			buf, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := b.Put(k, buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- generic key-value pairs (kvp table, spec §6) ---

// PutKVP stores an arbitrary small value keyed by a string.
func (s *Store) PutKVP(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKVP).Put([]byte(key), value)
	})
}

// GetKVP retrieves a value stored with PutKVP. Returns nil, nil if absent.
func (s *Store) GetKVP(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKVP).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}
