// Package kvstore is the embedded DB abstraction: a uniform
// get/put/del/sync/cursor interface over an ordered key/value store. It is
// backed by bbolt, whose single-writer MVCC transactions and native cursor
// give the ordered-traversal guarantees a PVFS2-style transactional
// metadata database provides.
package kvstore

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/objectfs/dbpf/pkg/errors"
)

// CompareTag selects how keys in a database are ordered, matching the
// comparator tags a database remembers at creation time.
type CompareTag int

const (
	// CompareLex orders keys by plain byte-lexicographic order.
	CompareLex CompareTag = iota
	// CompareDspaceAttr orders keys by their fixed-size handle prefix.
	// Keys in a dataspace-attr database already begin with a fixed-width
	// handle, so this is byte-lex over the raw key.
	CompareDspaceAttr
	// CompareKeyval orders keys by the (handle, key-type, key) tuple with
	// handle as most significant, which likewise falls out of byte-lex
	// order over the `handle || key-type-byte || key-bytes` encoding.
	CompareKeyval
)

// bucketName is the single top-level bbolt bucket each DB instance uses.
// One bbolt file per logical database preserves the original multi-file
// layout (spec §4.12) and its crash-domain isolation.
var bucketName = []byte("records")

// DB is one embedded ordered key/value database.
type DB struct {
	bdb     *bolt.DB
	compare CompareTag
	path    string
}

// Open opens (creating if createFlag is set and the file is absent) the
// database at path, remembering its comparator tag for future cursor
// operations.
func Open(path string, compare CompareTag, createFlag bool) (*DB, error) {
	if !createFlag {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.New(errors.NotFound, "database does not exist").
					WithComponent("kvstore").WithContext("path", path)
			}
			return nil, errors.Wrap(errors.IoError, err, "stat database").WithComponent("kvstore")
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.IoError, err, "create database directory").WithComponent("kvstore")
	}

	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(errors.IoError, err, "open database").
			WithComponent("kvstore").WithContext("path", path)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, errors.Wrap(errors.IoError, err, "initialize bucket").WithComponent("kvstore")
	}

	return &DB{bdb: bdb, compare: compare, path: path}, nil
}

// Close closes the underlying database file.
func (db *DB) Close() error {
	if err := db.bdb.Close(); err != nil {
		return errors.Wrap(errors.IoError, err, "close database").WithComponent("kvstore")
	}
	return nil
}

// Compare returns the comparator tag this database was opened with.
func (db *DB) Compare() CompareTag {
	return db.compare
}

// Get fetches the value stored under key. Returns a NotFound *errors.Error
// on miss.
func (db *DB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := db.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return errors.New(errors.NotFound, "key not found").WithComponent("kvstore")
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// PutOpt controls overwrite semantics for Put.
type PutOpt int

const (
	// AllowOverwrite lets Put silently replace an existing value.
	AllowOverwrite PutOpt = iota
	// NoOverwrite makes Put fail with AlreadyExists when the key is
	// already present; used only by initial record creation (spec §4.2).
	NoOverwrite
)

// Put stores value under key.
func (db *DB) Put(key, value []byte, opt PutOpt) error {
	err := db.bdb.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if opt == NoOverwrite && b.Get(key) != nil {
			return errors.New(errors.AlreadyExists, "key already exists").WithComponent("kvstore")
		}
		return b.Put(key, value)
	})
	if err != nil {
		if ofsErr, ok := err.(*errors.Error); ok {
			return ofsErr
		}
		return errors.Wrap(errors.IoError, err, "put").WithComponent("kvstore")
	}
	return nil
}

// Del removes key. Returns NotFound if key was absent.
func (db *DB) Del(key []byte) error {
	err := db.bdb.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get(key) == nil {
			return errors.New(errors.NotFound, "key not found").WithComponent("kvstore")
		}
		return b.Delete(key)
	})
	if err != nil {
		if ofsErr, ok := err.(*errors.Error); ok {
			return ofsErr
		}
		return errors.Wrap(errors.IoError, err, "delete").WithComponent("kvstore")
	}
	return nil
}

// Sync forces the database's outstanding writes to stable storage. bbolt
// commits (and fsyncs, absent NoSync) on every Update transaction, so Sync
// is a best-effort fsync of the file for callers that want an explicit
// barrier outside of a transaction boundary.
func (db *DB) Sync() error {
	f, err := os.Open(db.path)
	if err != nil {
		return errors.Wrap(errors.IoError, err, "open for sync").WithComponent("kvstore")
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errors.Wrap(errors.IoError, err, "fsync").WithComponent("kvstore")
	}
	return nil
}

// Direction selects how a cursor advances or is first positioned.
type Direction int

const (
	First Direction = iota
	Next
	SetRange
)

// Cursor provides ordered traversal and, for write cursors, in-place
// deletion during the scan.
type Cursor struct {
	tx   *bolt.Tx
	c    *bolt.Cursor
	k, v []byte
	done bool
}

// NewCursor opens a cursor. write must be true if the caller intends to
// call Del during the scan.
func (db *DB) NewCursor(write bool) (*Cursor, error) {
	var tx *bolt.Tx
	var err error
	if write {
		tx, err = db.bdb.Begin(true)
	} else {
		tx, err = db.bdb.Begin(false)
	}
	if err != nil {
		return nil, errors.Wrap(errors.IoError, err, "begin cursor transaction").WithComponent("kvstore")
	}
	return &Cursor{tx: tx, c: tx.Bucket(bucketName).Cursor()}, nil
}

// Get advances the cursor per direction and returns the key/value it lands
// on. For SetRange, key is the position to seek to (at-least semantics);
// the special io.EOF-like signal is communicated by returning ok=false.
func (c *Cursor) Get(dir Direction, key []byte) (k, v []byte, ok bool) {
	switch dir {
	case First:
		c.k, c.v = c.c.First()
	case Next:
		c.k, c.v = c.c.Next()
	case SetRange:
		c.k, c.v = c.c.Seek(key)
	}
	if c.k == nil {
		c.done = true
		return nil, nil, false
	}
	return c.k, c.v, true
}

// Del deletes the record the cursor currently points at. The cursor must
// have been opened with write=true.
func (c *Cursor) Del() error {
	if c.done || c.k == nil {
		return errors.New(errors.Invalid, "cursor not positioned on a record").WithComponent("kvstore")
	}
	if err := c.c.Delete(); err != nil {
		return errors.Wrap(errors.IoError, err, "cursor delete").WithComponent("kvstore")
	}
	return nil
}

// Close releases the cursor's transaction. Write cursors commit their
// transaction (making any Del calls durable); read cursors roll back
// (a no-op, since reads never mutate).
func (c *Cursor) Close() error {
	var err error
	if c.tx.Writable() {
		err = c.tx.Commit()
	} else {
		err = c.tx.Rollback()
	}
	if err != nil {
		return fmt.Errorf("kvstore: close cursor: %w", err)
	}
	return nil
}
