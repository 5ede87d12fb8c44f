package database

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
)

const service = "BoltDB"

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrKeyNotFound    = errors.New("key not found")
)

type DB struct {
	bolt *bolt.DB
	path string
}

func OpenDatabase(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	log.Printf("[%s] - BoltDB opened in '%s'\n", service, path)
	return &DB{bolt: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.bolt.Close()
}

func (d *DB) EnsureBucket(bucketName string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
}

func (d *DB) GetData(bucketName string, key string) ([]byte, error) {
	var value []byte

	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errors.Wrapf(ErrBucketNotFound, "[%s] - bucket '%s'", service, bucketName)
		}

		v := b.Get([]byte(key))
		if v == nil {
			return errors.Wrapf(ErrKeyNotFound, "[%s] - key '%s' in bucket '%s'", service, key, bucketName)
		}

		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return value, nil
}

func (d *DB) PutData(bucketName string, key string, data []byte) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errors.Wrapf(ErrBucketNotFound, "[%s] - bucket '%s'", service, bucketName)
		}
		return b.Put([]byte(key), data)
	})
}

// PutAll writes every entry of data in a single transaction.
func (d *DB) PutAll(bucketName string, data map[string][]byte) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errors.Wrapf(ErrBucketNotFound, "[%s] - bucket '%s'", service, bucketName)
		}
		for k, v := range data {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) DeleteKey(bucketName string, key string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errors.Wrapf(ErrBucketNotFound, "[%s] - bucket '%s'", service, bucketName)
		}
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		log.Printf("[%s] - Deleted the key '%s' in bucket '%s'\n", service, key, bucketName)
		return nil
	})
}

func (d *DB) GetAllData(bucketName string) (map[string][]byte, error) {
	values := make(map[string][]byte)

	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errors.Wrapf(ErrBucketNotFound, "[%s] - bucket '%s'", service, bucketName)
		}

		return b.ForEach(func(k []byte, v []byte) error {
			valueCopy := make([]byte, len(v))
			copy(valueCopy, v)

			values[string(k)] = valueCopy
			return nil
		})

	})

	if err != nil {
		return nil, err
	}
	return values, nil
}

func (d *DB) GetAllKeys(bucketName string) ([]string, error) {
	values := []string{}

	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return errors.Wrapf(ErrBucketNotFound, "[%s] - bucket '%s'", service, bucketName)
		}

		return b.ForEach(func(k []byte, v []byte) error {
			values = append(values, string(k))
			return nil
		})

	})

	if err != nil {
		return nil, err
	}
	return values, nil
}
