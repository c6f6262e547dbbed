package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v3"

	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
)

// BadgerStore keeps blobs in an embedded badger database, which suits
// many small chunks better than one file each.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("%w: open badger at %s: %v", errdefs.ErrStorage, dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", errdefs.ErrStorage, key, err)
	}
	return nil
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", errdefs.ErrStorage, key, err)
	}
	return data, nil
}

func (s *BadgerStore) Open(key string) (int64, io.ReadCloser, error) {
	data, err := s.Get(key)
	if err != nil {
		return 0, nil, err
	}
	return int64(len(data)), io.NopCloser(bytes.NewReader(data)), nil
}

func (s *BadgerStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !s.Has(key) {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, key)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", errdefs.ErrStorage, key, err)
	}
	return nil
}

func (s *BadgerStore) Has(key string) bool {
	if ValidateKey(key) != nil {
		return false
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	return err == nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
