package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUser   = []byte("user")
	bucketMeters = []byte("meters")
	keyCurrent   = []byte("current")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database, creating its directory
// if needed.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUser, bucketMeters} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveUser(u *User) error {
	return s.put(bucketUser, keyCurrent, u)
}

func (s *BoltStore) LoadUser() (*User, error) {
	var u User
	if err := s.get(bucketUser, keyCurrent, &u); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	return &u, nil
}

func (s *BoltStore) ClearUser() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUser)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketUser)
		}
		return b.Delete(keyCurrent)
	})
}

func (s *BoltStore) SaveMeter(m *Meter) error {
	key := meterKey(m.Address)
	if len(key) == 0 {
		return fmt.Errorf("store: meter has no address")
	}
	return s.put(bucketMeters, key, m)
}

func (s *BoltStore) GetMeter(address string) (*Meter, error) {
	var m Meter
	if err := s.get(bucketMeters, meterKey(address), &m); err != nil {
		return nil, fmt.Errorf("meter %s: %w", address, err)
	}
	return &m, nil
}

func (s *BoltStore) ListMeters() ([]*Meter, error) {
	var meters []*Meter
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeters)
		if b == nil {
			return nil // no bucket = no meters
		}
		meters = make([]*Meter, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var m Meter
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode meter %s: %w", k, err)
			}
			meters = append(meters, &m)
			return nil
		})
	})
	sort.SliceStable(meters, func(i, j int) bool {
		return meters[i].ProvisionedAt.After(meters[j].ProvisionedAt)
	})
	return meters, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

var _ Store = (*BoltStore)(nil)
