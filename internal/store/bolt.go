package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketStick   = []byte("stick")
	keyStickState = []byte("state")
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
		for _, b := range [][]byte{bucketDevices, bucketStick} {
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

func deviceKey(code string) []byte {
	return []byte(strings.ToUpper(code))
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		dev.Code = strings.ToUpper(dev.Code)
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put(deviceKey(dev.Code), data)
	})
}

func (s *BoltStore) GetDevice(code string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get(deviceKey(code))
		if data == nil {
			return fmt.Errorf("device %s: %w", code, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(code string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete(deviceKey(code))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("device %s: %w", k, err)
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(code string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		key := deviceKey(code)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("device %s: %w", code, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		// The key is the identity; fn must not move the record.
		dev.Code = string(key)
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *BoltStore) SaveStickState(state *StickState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStick)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStick)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyStickState, data)
	})
}

func (s *BoltStore) GetStickState() (*StickState, error) {
	var state StickState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStick)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStick)
		}
		data := b.Get(keyStickState)
		if data == nil {
			return fmt.Errorf("stick state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
