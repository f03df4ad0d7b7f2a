package store

import bolt "go.etcd.io/bbolt"

// bucketSessions is shared with the object-store's session rows (spec §6
// "sessions(id PK, user, host, sid UNIQUE, pwd, otp)"); these three buckets
// back internal/auth's users, roles and API tokens (spec §1
// scopes full user authentication out of the core).
var (
	bucketUsers     = []byte("users")
	bucketRoles     = []byte("roles")
	bucketAPITokens = []byte("api_tokens")
)

// EnsureAuthBuckets creates the auth-related BoltDB buckets if they do not
// already exist. Call this after Open() to initialise auth storage.
func (s *Store) EnsureAuthBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketSessions, bucketRoles, bucketAPITokens} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}
