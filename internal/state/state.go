package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/roomsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.roomsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	roomsBucket    = []byte("rooms")
	presenceBucket = []byte("presence")
	receiptsBucket = []byte("receipts")

	tokenKey    = []byte("token")
	cursorKey   = []byte("cursor")
	userIDKey   = []byte("user_id")
	deviceIDKey = []byte("device_id")
)

// State wraps a bbolt database for all persistent client state: the
// session credentials, the sync cursor, and the per-room event cache.
//
// Every write transaction is fsynced when it commits. Presence and
// receipt writes arrive in bursts and go through db.Batch so concurrent
// ones share a transaction.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.roomsync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{
		Timeout: stateOpenTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, roomsBucket, presenceBucket, receiptsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close flushes outstanding writes and closes the database.
func (s *State) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return fmt.Errorf("syncing state db: %w", err)
	}

	return s.db.Close()
}

// Commit flushes the database file. Write transactions are already
// durable when they return; the applier calls Commit after moving the
// cursor so the order of the two is explicit.
func (s *State) Commit() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("committing state: %w", err)
	}

	return nil
}

func (s *State) getApp(key []byte) string {
	var val string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(key)
		if v != nil {
			val = string(v)
		}

		return nil
	})

	return val
}

func (s *State) putApp(key []byte, val string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(val))
	})
}

// Token returns the cached access token, or empty string.
func (s *State) Token() string {
	return s.getApp(tokenKey)
}

// SetToken persists the access token.
func (s *State) SetToken(token string) error {
	return s.putApp(tokenKey, token)
}

// Credentials returns the user and device the cached token belongs to.
func (s *State) Credentials() (userID, deviceID string) {
	return s.getApp(userIDKey), s.getApp(deviceIDKey)
}

// SetCredentials records which user and device the access token is for.
func (s *State) SetCredentials(userID, deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Put(userIDKey, []byte(userID)); err != nil {
			return err
		}

		return b.Put(deviceIDKey, []byte(deviceID))
	})
}

// Cursor returns the last sync cursor written, or "" before the first
// initial sync. The value is only guaranteed durable after Commit.
func (s *State) Cursor() string {
	return s.getApp(cursorKey)
}

// SetCursor records the sync cursor. Callers must have applied every
// event the cursor describes before calling this.
func (s *State) SetCursor(token string) error {
	if err := s.putApp(cursorKey, token); err != nil {
		return fmt.Errorf("setting cursor: %w", err)
	}

	return nil
}

// ClearSession removes the access token, the cursor, and every cached
// room, presence and receipt entry. Used on logout.
func (s *State) ClearSession() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		app := tx.Bucket(appBucket)
		for _, k := range [][]byte{tokenKey, cursorKey, userIDKey, deviceIDKey} {
			if err := app.Delete(k); err != nil {
				return err
			}
		}

		var roomIDs []string
		if err := tx.Bucket(roomsBucket).ForEach(func(k, _ []byte) error {
			roomIDs = append(roomIDs, string(k))
			return nil
		}); err != nil {
			return err
		}

		for _, roomID := range roomIDs {
			for _, name := range roomBuckets(roomID) {
				if tx.Bucket(name) == nil {
					continue
				}

				if err := tx.DeleteBucket(name); err != nil {
					return err
				}
			}
		}

		for _, name := range [][]byte{roomsBucket, presenceBucket, receiptsBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}

			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	return s.Commit()
}

// SetPresence stores the latest presence event for its sender.
func (s *State) SetPresence(ev models.Event) error {
	if ev.Sender == "" {
		return fmt.Errorf("presence event has no sender")
	}

	return s.batchJSON(presenceBucket, []byte(ev.Sender), ev)
}

// Presence returns the latest presence event for a user, or nil.
func (s *State) Presence(userID string) (*models.Event, error) {
	return s.getEvent(presenceBucket, []byte(userID))
}

// SetReceipt stores the latest receipt event for its room.
func (s *State) SetReceipt(ev models.Event) error {
	if ev.RoomID == "" {
		return fmt.Errorf("receipt event has no room")
	}

	return s.batchJSON(receiptsBucket, []byte(ev.RoomID), ev)
}

// Receipt returns the latest receipt event for a room, or nil.
func (s *State) Receipt(roomID string) (*models.Event, error) {
	return s.getEvent(receiptsBucket, []byte(roomID))
}

// batchJSON stores v under key. The put is idempotent, so it is safe for
// db.Batch to rerun it.
func (s *State) batchJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *State) getEvent(bucket, key []byte) (*models.Event, error) {
	var ev *models.Event

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return nil
		}

		ev = &models.Event{}

		return json.Unmarshal(v, ev)
	})

	return ev, err
}

// DefaultPath returns ~/.roomsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".roomsync", "state.db"), nil
}
