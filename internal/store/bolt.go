package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"nanogrid-air/internal/meter"
)

var (
	bucketPairings = []byte("pairings")
	bucketReadings = []byte("readings")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPairings, bucketReadings} {
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

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) CreatePairing(p *PairingConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPairings)
		}
		if b.Get([]byte(p.UniqueID)) != nil {
			return fmt.Errorf("pairing %s: %w", p.UniqueID, ErrExists)
		}
		now := time.Now().UTC()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		return putJSON(b, p.UniqueID, p)
	})
}

func (s *BoltStore) GetPairing(uniqueID string) (*PairingConfig, error) {
	var p PairingConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPairings)
		}
		data := b.Get([]byte(uniqueID))
		if data == nil {
			return fmt.Errorf("pairing %s: %w", uniqueID, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePairing removes the pairing and its last reading.
func (s *BoltStore) DeletePairing(uniqueID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPairings)
		}
		if b.Get([]byte(uniqueID)) == nil {
			return fmt.Errorf("pairing %s: %w", uniqueID, ErrNotFound)
		}
		if err := b.Delete([]byte(uniqueID)); err != nil {
			return err
		}
		if rb := tx.Bucket(bucketReadings); rb != nil {
			return rb.Delete([]byte(uniqueID))
		}
		return nil
	})
}

func (s *BoltStore) ListPairings() ([]*PairingConfig, error) {
	var pairings []*PairingConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		if b == nil {
			return nil // no bucket = no pairings
		}
		pairings = make([]*PairingConfig, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var p PairingConfig
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			pairings = append(pairings, &p)
			return nil
		})
	})
	return pairings, err
}

func (s *BoltStore) CountPairings() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) UpdatePairing(uniqueID string, fn func(p *PairingConfig) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPairings)
		}
		data := b.Get([]byte(uniqueID))
		if data == nil {
			return fmt.Errorf("pairing %s: %w", uniqueID, ErrNotFound)
		}
		var p PairingConfig
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		// The unique id is the key and cannot be changed.
		p.UniqueID = uniqueID
		p.UpdatedAt = time.Now().UTC()
		return putJSON(b, uniqueID, &p)
	})
}

func (s *BoltStore) SaveReading(uniqueID string, r meter.Reading) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReadings)
		}
		return putJSON(b, uniqueID, r)
	})
}

func (s *BoltStore) GetReading(uniqueID string) (meter.Reading, error) {
	var r meter.Reading
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReadings)
		}
		data := b.Get([]byte(uniqueID))
		if data == nil {
			return fmt.Errorf("reading %s: %w", uniqueID, ErrNotFound)
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
