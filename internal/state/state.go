// Package state persists drive-sync's application state in a bbolt
// database inside the workspace directory: the session record (access
// token, expiry, encrypted refresh token) and the set of vault paths
// that changed since the last successful reconciliation pass.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the workspace directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// The database holds tokens, so group/other get nothing.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// stateFileName is the database file name inside the workspace.
	stateFileName = "state.db"
)

var (
	appBucket   = []byte("app")
	dirtyBucket = []byte("dirty")

	sessionKey  = []byte("session")
	lastSyncKey = []byte("last_sync")
)

// StoredSession is the persisted session record. The refresh token is
// stored only in its at-rest encrypted form; the plaintext never
// reaches disk.
type StoredSession struct {
	AccessToken           string `json:"accessToken"`
	ExpiresAtMs           int64  `json:"expiresAtMs"`
	EncryptedRefreshToken string `json:"encryptedRefreshToken"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database inside the given workspace directory,
// creating directory and database if they do not exist.
func Load(workspaceDir string) (*State, error) {
	return LoadAt(filepath.Join(workspaceDir, stateFileName))
}

// LoadAt opens a state database at the given path. Useful for tests
// that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(dirtyBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session returns the stored session record, or nil when none exists.
func (s *State) Session() (*StoredSession, error) {
	var sess *StoredSession

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		sess = &StoredSession{}

		return json.Unmarshal(v, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	return sess, nil
}

// SetSession persists the session record.
func (s *State) SetSession(sess StoredSession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// MarkDirtyPath records a vault-relative path as changed since the
// last pass. Implements vault.DirtyMarker.
func (s *State) MarkDirtyPath(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dirtyBucket).Put([]byte(path), []byte{1})
	})
}

// DirtyPaths returns all recorded dirty paths.
func (s *State) DirtyPaths() ([]string, error) {
	var paths []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dirtyBucket).ForEach(func(k, _ []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading dirty paths: %w", err)
	}

	return paths, nil
}

// ClearDirtyPath removes a single path from the dirty set, typically
// after it synced successfully.
func (s *State) ClearDirtyPath(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dirtyBucket).Delete([]byte(path))
	})
}

// ClearAllDirty empties the dirty set.
func (s *State) ClearAllDirty() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(dirtyBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(dirtyBucket)

		return err
	})
}

// LastSyncAt returns the time of the last successful pass, or the zero
// time when no pass has completed yet.
func (s *State) LastSyncAt() (time.Time, error) {
	var t time.Time

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastSyncKey)
		if v == nil {
			return nil
		}

		return t.UnmarshalText(v)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reading last sync time: %w", err)
	}

	return t, nil
}

// SetLastSyncAt records the completion time of a pass.
func (s *State) SetLastSyncAt(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := t.MarshalText()
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(lastSyncKey, data)
	})
}

// Reset clears the dirty set and the sync cursor, making the next pass
// behave like a first sync. The session record is kept.
func (s *State) Reset() error {
	if err := s.ClearAllDirty(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(lastSyncKey)
	})
}
