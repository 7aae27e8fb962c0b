package storage

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	RecordsBucket = []byte("records") // Encrypted records keyed by logical key
	MetaBucket    = []byte("meta")    // Metadata, salt, verifier, key material references
)

// Meta keys
var (
	MetaMetadata    = []byte("metadata")
	MetaSalt        = []byte("salt")
	MetaVerifier    = []byte("verifier")
	MetaKeyEnvelope = []byte("key_envelope")
	MetaKeyHandle   = []byte("key_handle")
	MetaStoreID     = []byte("store_id")
)

var ErrClosed = errors.New("storage closed")

// Storage provides BBolt-based storage for lockwallet
type Storage struct {
	db *bolt.DB
}

// Open opens or creates a lockwallet database and makes sure the bucket
// structure exists
func Open(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path
func (s *Storage) Path() string {
	if s.db == nil {
		return ""
	}
	return s.db.Path()
}

func (s *Storage) initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{RecordsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *Storage) view(fn func(tx *bolt.Tx) error) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Storage) update(fn func(tx *bolt.Tx) error) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(fn)
}

// getCopy reads key from bucket. The returned slice is a copy since BBolt
// values are only valid during the transaction.
func (s *Storage) getCopy(bucket, key []byte) ([]byte, error) {
	var value []byte
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		if v := b.Get(key); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// GetRecord returns the stored bytes for key, or nil if absent
func (s *Storage) GetRecord(key string) ([]byte, error) {
	return s.getCopy(RecordsBucket, []byte(key))
}

// HasRecord reports whether key is present in the records bucket
func (s *Storage) HasRecord(key string) (bool, error) {
	var found bool
	err := s.view(func(tx *bolt.Tx) error {
		found = tx.Bucket(RecordsBucket).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// PutRecord stores value under key
func (s *Storage) PutRecord(key string, value []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(RecordsBucket).Put([]byte(key), value)
	})
}

// DeleteRecord removes key. Deleting an absent key is not an error.
func (s *Storage) DeleteRecord(key string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(RecordsBucket).Delete([]byte(key))
	})
}

// RecordKeys returns all record keys in sorted order
func (s *Storage) RecordKeys() ([]string, error) {
	var keys []string
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(RecordsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	sort.Strings(keys)
	return keys, err
}

// Records returns a snapshot of every record
func (s *Storage) Records() (map[string][]byte, error) {
	records := make(map[string][]byte)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(RecordsBucket).ForEach(func(k, v []byte) error {
			records[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return records, err
}

// GetMeta returns the meta value for key, or nil if absent
func (s *Storage) GetMeta(key []byte) ([]byte, error) {
	return s.getCopy(MetaBucket, key)
}

// GetMetadata returns the metadata row, or nil if the store has never been
// initialized
func (s *Storage) GetMetadata() (*Metadata, error) {
	data, err := s.GetMeta(MetaMetadata)
	if err != nil || data == nil {
		return nil, err
	}
	return decodeMetadata(data)
}

// GetSalt retrieves the KDF salt, or nil if none is stored
func (s *Storage) GetSalt() ([]byte, error) {
	return s.GetMeta(MetaSalt)
}

// GetStoreID retrieves the store identity
func (s *Storage) GetStoreID() (string, error) {
	data, err := s.GetMeta(MetaStoreID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetOrCreateStoreID retrieves the existing store identity or generates a
// new one
func (s *Storage) GetOrCreateStoreID() (string, error) {
	id, err := s.GetStoreID()
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	err = s.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(MetaBucket)
		// Another writer may have won the race inside the same file.
		if existing := meta.Get(MetaStoreID); existing != nil {
			id = string(existing)
			return nil
		}
		return meta.Put(MetaStoreID, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("failed to store store id: %w", err)
	}

	return id, nil
}

// Commit applies every change in cs inside one read-write transaction.
// If any step fails the transaction is rolled back and nothing changes.
func (s *Storage) Commit(cs *Changeset) error {
	if cs == nil || cs.empty() {
		return nil
	}

	return s.update(func(tx *bolt.Tx) error {
		if cs.clearRecords {
			if err := tx.DeleteBucket(RecordsBucket); err != nil &&
				!errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("failed to clear records: %w", err)
			}
			if _, err := tx.CreateBucket(RecordsBucket); err != nil {
				return fmt.Errorf("failed to recreate records: %w", err)
			}
		}
		if cs.clearMeta {
			if err := tx.DeleteBucket(MetaBucket); err != nil &&
				!errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("failed to clear meta: %w", err)
			}
			if _, err := tx.CreateBucket(MetaBucket); err != nil {
				return fmt.Errorf("failed to recreate meta: %w", err)
			}
		}

		if err := applyOps(tx.Bucket(RecordsBucket), cs.records); err != nil {
			return fmt.Errorf("failed to apply record changes: %w", err)
		}
		if err := applyOps(tx.Bucket(MetaBucket), cs.meta); err != nil {
			return fmt.Errorf("failed to apply meta changes: %w", err)
		}
		if cs.metadata != nil {
			data, err := encodeMetadata(cs.metadata)
			if err != nil {
				return err
			}
			if err := tx.Bucket(MetaBucket).Put(MetaMetadata, data); err != nil {
				return fmt.Errorf("failed to store metadata: %w", err)
			}
		}

		if cs.beforeCommit != nil {
			return cs.beforeCommit()
		}
		return nil
	})
}

func applyOps(b *bolt.Bucket, ops []op) error {
	for _, o := range ops {
		var err error
		if o.delete {
			err = b.Delete(o.key)
		} else {
			err = b.Put(o.key, o.value)
		}
		if err != nil {
			return fmt.Errorf("key %q: %w", o.key, err)
		}
	}
	return nil
}

// Compact creates a compacted copy of the database, removing unused space.
// Password migrations rewrite every record, so this is worth running after
// them.
func (s *Storage) Compact() error {
	if s.db == nil {
		return ErrClosed
	}

	srcPath := s.db.Path()
	tmpPath := srcPath + ".compact"

	// Create new database
	dst, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}

	// Copy all buckets
	err = s.db.View(func(srcTx *bolt.Tx) error {
		return dst.Update(func(dstTx *bolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bolt.Bucket) error {
				dstBucket, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return srcBucket.ForEach(func(k, v []byte) error {
					return dstBucket.Put(k, v)
				})
			})
		})
	})

	if err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to copy data: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close compact database: %w", err)
	}

	if err := s.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close source database: %w", err)
	}

	// Atomic replace
	backupPath := srcPath + ".backup"
	if err := os.Rename(srcPath, backupPath); err != nil {
		return fmt.Errorf("failed to backup original: %w", err)
	}
	if err := os.Rename(tmpPath, srcPath); err != nil {
		os.Rename(backupPath, srcPath) // rollback
		return fmt.Errorf("failed to replace database: %w", err)
	}
	os.Remove(backupPath)

	// Reopen database
	s.db, err = bolt.Open(srcPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}

	return nil
}
