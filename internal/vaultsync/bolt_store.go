package vaultsync

import (
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltBucketName = "vaultsync"

type boltKVStore struct {
	db *bolt.DB
}

// NewBoltKVStore opens (creating if needed) a bbolt database at path. bbolt
// holds an exclusive file lock, so this backend serves the single-process
// durable-local profile rather than the shared multi-context one.
func NewBoltKVStore(path string) (KVStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltKVStore{db: db}, nil
}

func (s *boltKVStore) Get(key string) (string, bool) {
	var value string
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(boltBucketName)).Get([]byte(key))
		if raw != nil {
			value = string(raw)
			found = true
		}
		return nil
	})
	return value, found
}

func (s *boltKVStore) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucketName)).Put([]byte(key), []byte(value))
	})
}

func (s *boltKVStore) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucketName)).Delete([]byte(key))
	})
}

func (s *boltKVStore) Close() error {
	return s.db.Close()
}
