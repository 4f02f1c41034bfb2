// Package keyval implements the keyval engine (spec §4.8): standard CRUD
// over extended-attribute-style records plus ordered iteration keyed by
// (handle, key-type, key). Records are stored in one kvstore.DB opened
// with kvstore.CompareKeyval, whose byte-lex order already matches the
// desired (handle, key-type, key) ordering once keys are encoded with
// the handle as a fixed-width prefix.
package keyval

import (
	"bytes"

	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/internal/kvstore"
)

// Type distinguishes the namespace a keyval record lives in under a
// given handle: ordinary extended-attribute style entries versus
// directory-entry records for directory/dirdata dataspaces.
type Type byte

const (
	Generic Type = 0
	Dirent  Type = 1
)

// Engine is the keyval store for one collection.
type Engine struct {
	db *kvstore.DB
}

// New wraps db (already opened with kvstore.CompareKeyval) as a keyval
// engine.
func New(db *kvstore.DB) *Engine {
	return &Engine{db: db}
}

// encodeKey builds the on-disk key: handle || key-type-byte || key.
func encodeKey(h handle.Handle, kt Type, key []byte) []byte {
	out := make([]byte, handle.Size+1+len(key))
	copy(out, h[:])
	out[handle.Size] = byte(kt)
	copy(out[handle.Size+1:], key)
	return out
}

// decodeKey splits an on-disk key back into its handle, type, and
// user-supplied key suffix.
func decodeKey(raw []byte) (h handle.Handle, kt Type, key []byte) {
	copy(h[:], raw[:handle.Size])
	kt = Type(raw[handle.Size])
	key = raw[handle.Size+1:]
	return h, kt, key
}

// Read fetches the value stored under (h, kt, key).
func (e *Engine) Read(h handle.Handle, kt Type, key []byte) ([]byte, error) {
	v, err := e.db.Get(encodeKey(h, kt, key))
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Write stores value under (h, kt, key). overwrite selects whether an
// existing entry is silently replaced or reported as AlreadyExists.
func (e *Engine) Write(h handle.Handle, kt Type, key, value []byte, overwrite bool) error {
	opt := kvstore.NoOverwrite
	if overwrite {
		opt = kvstore.AllowOverwrite
	}
	return e.db.Put(encodeKey(h, kt, key), value, opt)
}

// Remove deletes the entry stored under (h, kt, key).
func (e *Engine) Remove(h handle.Handle, kt Type, key []byte) error {
	return e.db.Del(encodeKey(h, kt, key))
}

// Entry is one record returned from Iterate.
type Entry struct {
	Type  Type
	Key   []byte
	Value []byte
}

// Iterate reads up to count entries for h starting at startKey
// (inclusive), in (type, key) order, resuming a prior call via the
// returned next key. A nil startKey begins at the first entry for h.
// end is true once no further entries for h remain.
func (e *Engine) Iterate(h handle.Handle, startKey []byte, count int) (entries []Entry, next []byte, end bool, err error) {
	cur, err := e.db.NewCursor(false)
	if err != nil {
		return nil, nil, false, err
	}
	defer cur.Close()

	seek := encodeKey(h, 0, startKey)
	k, v, ok := cur.Get(kvstore.SetRange, seek)

	for ok && len(entries) < count {
		if !bytes.HasPrefix(k, h[:]) {
			ok = false
			break
		}
		_, kt, key := decodeKey(k)
		entries = append(entries, Entry{Type: kt, Key: append([]byte(nil), key...), Value: append([]byte(nil), v...)})
		k, v, ok = cur.Get(kvstore.Next, nil)
	}

	if !ok || !bytes.HasPrefix(k, h[:]) {
		return entries, nil, true, nil
	}
	_, _, nextKey := decodeKey(k)
	return entries, nextKey, false, nil
}

// VisitAndDelete deletes every entry stored under h, invoking visit for
// each one before it is removed. The dataspace engine drives this as
// the bulk-removal step of dataspace remove (spec §4.7, §4.8); visit
// exists purely for the caller's bookkeeping (logging, counting) and
// never influences whether an entry is deleted.
func (e *Engine) VisitAndDelete(h handle.Handle, visit func(kt Type, key, value []byte)) error {
	cur, err := e.db.NewCursor(true)
	if err != nil {
		return err
	}
	defer cur.Close()

	k, v, ok := cur.Get(kvstore.SetRange, encodeKey(h, 0, nil))
	for ok {
		if !bytes.HasPrefix(k, h[:]) {
			break
		}
		_, kt, key := decodeKey(k)
		if visit != nil {
			visit(kt, key, v)
		}
		if err := cur.Del(); err != nil {
			return err
		}
		k, v, ok = cur.Get(kvstore.Next, nil)
	}
	return nil
}

// Sync forces the keyval database's outstanding writes to stable
// storage, issued by the sync-coalescing engine for the keyval domain.
func (e *Engine) Sync() error {
	return e.db.Sync()
}
