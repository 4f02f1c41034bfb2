// Package dataspace implements the dataspace engine (spec §4.7): create,
// remove, and attribute-record CRUD over the per-collection dataspace
// database, coordinating with the open cache, the keyval engine, and the
// process-wide attribute cache.
package dataspace

import (
	"encoding/json"
	"time"

	"github.com/objectfs/dbpf/internal/attrcache"
	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/internal/keyval"
	"github.com/objectfs/dbpf/internal/opencache"
	"github.com/objectfs/dbpf/internal/kvstore"
	"github.com/objectfs/dbpf/pkg/errors"
	"github.com/objectfs/dbpf/pkg/logging"
)

// Type is the kind of dataspace an attribute record describes.
type Type int

const (
	Metafile Type = iota
	Datafile
	Directory
	DirData
	Symlink
)

func (t Type) String() string {
	switch t {
	case Metafile:
		return "METAFILE"
	case Datafile:
		return "DATAFILE"
	case Directory:
		return "DIRECTORY"
	case DirData:
		return "DIRDATA"
	case Symlink:
		return "SYMLINK"
	default:
		return "UNKNOWN"
	}
}

// Attr is a dataspace's compact attribute record: owner/group/perms,
// the three POSIX timestamps, and a type-specific union realized as a
// handful of optional fields rather than a real Go union.
type Attr struct {
	Type  Type      `json:"type"`
	Owner uint32    `json:"owner"`
	Group uint32    `json:"group"`
	Perms uint32    `json:"perms"`
	ATime time.Time `json:"atime"`
	MTime time.Time `json:"mtime"`
	CTime time.Time `json:"ctime"`

	// Size is the cached bytestream size (datafile only), lazily
	// updated by the bstream engine on writes that extend the file
	// (spec I6: never smaller than the largest acknowledged write).
	Size uint64 `json:"size,omitempty"`

	// SymlinkTarget is populated only for Symlink dataspaces.
	SymlinkTarget string `json:"symlink_target,omitempty"`

	// DirentCount is an advisory count maintained for Directory/DirData
	// dataspaces; authoritative directory contents live in keyval.
	DirentCount uint64 `json:"dirent_count,omitempty"`
}

func encodeAttr(a Attr) ([]byte, error) {
	return json.Marshal(a)
}

func decodeAttr(b []byte) (Attr, error) {
	var a Attr
	if err := json.Unmarshal(b, &a); err != nil {
		return Attr{}, errors.Wrap(errors.CorruptState, err, "decode dataspace attribute record").WithComponent("dataspace")
	}
	return a, nil
}

const attrKeyword = "ds_attr"

// Position is an opaque resumption cookie for IterateHandles.
type Position []byte

// Start and End are the sentinel positions: Start begins at the first
// handle, End signals that a prior call already reached the last one.
var (
	Start Position
	End   = Position([]byte("END"))
)

func (p Position) isEnd() bool {
	return string(p) == string(End)
}

// Engine is the dataspace engine for one collection.
type Engine struct {
	db         *kvstore.DB
	keyval     *keyval.Engine
	openCache  *opencache.Pool
	attrCache  *attrcache.Cache
	collection uint32
	logger     *logging.Logger
}

// New builds a dataspace Engine. db must have been opened with
// kvstore.CompareDspaceAttr.
func New(db *kvstore.DB, kv *keyval.Engine, oc *opencache.Pool, ac *attrcache.Cache, collection uint32, logger *logging.Logger) *Engine {
	return &Engine{db: db, keyval: kv, openCache: oc, attrCache: ac, collection: collection, logger: logger}
}

// Sync flushes the dataspace-attribute database to stable storage. The
// sync-coalescing engine calls this on the dataspace domain's watermark
// trigger instead of syncing after every attribute write.
func (e *Engine) Sync() error {
	return e.db.Sync()
}

// Create allocates (or, if h is non-zero, places) a dataspace with the
// given attribute record. A non-zero h is first verified unused.
func (e *Engine) Create(h handle.Handle, attr Attr) (handle.Handle, error) {
	if h.IsZero() {
		h = handle.New()
	}

	now := time.Now()
	if attr.CTime.IsZero() {
		attr.CTime = now
	}
	if attr.MTime.IsZero() {
		attr.MTime = now
	}
	if attr.ATime.IsZero() {
		attr.ATime = now
	}

	encoded, err := encodeAttr(attr)
	if err != nil {
		return handle.Zero, err
	}

	if err := e.db.Put(h[:], encoded, kvstore.NoOverwrite); err != nil {
		return handle.Zero, err
	}
	e.attrCache.Put(h, attrKeyword, encoded)
	return h, nil
}

// CreateItem is one dataspace to create as part of CreateList.
type CreateItem struct {
	Handle handle.Handle
	Attr   Attr
}

// CreateList creates every item atomically with respect to partial
// failure: on any error, every record this call successfully inserted
// is deleted before the error is returned (spec §4.7 "atomic batch with
// rollback").
func (e *Engine) CreateList(items []CreateItem) ([]handle.Handle, error) {
	created := make([]handle.Handle, 0, len(items))

	for _, item := range items {
		h, err := e.Create(item.Handle, item.Attr)
		if err != nil {
			for _, rh := range created {
				_ = e.db.Del(rh[:])
				e.attrCache.Invalidate(rh)
			}
			return nil, err
		}
		created = append(created, h)
	}

	return created, nil
}

// Remove deletes a dataspace in the crash-safe order required by spec
// §4.7: the DS record is removed first, so a crash partway through
// leaves only a stranded bstream or keyval tail, never a DS record
// pointing at data that is already gone. Startup cleanup moves a
// stranded bstream aside; a stranded keyval tail is left in place.
func (e *Engine) Remove(h handle.Handle) error {
	if err := e.db.Del(h[:]); err != nil {
		return err
	}

	e.attrCache.Invalidate(h)

	if err := e.openCache.Remove(e.collection, h); err != nil {
		if e.logger != nil {
			e.logger.WithHandle(h).Warn("best-effort bstream removal failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := e.keyval.VisitAndDelete(h, nil); err != nil {
		return err
	}

	return e.keyval.Sync()
}

// RemoveList removes every handle, collecting and returning the first
// error encountered while still attempting the rest.
func (e *Engine) RemoveList(handles []handle.Handle) error {
	var first error
	for _, h := range handles {
		if err := e.Remove(h); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// IterateHandles reads up to count handles starting at pos, returning
// the position to resume from (or End).
func (e *Engine) IterateHandles(pos Position, count int) (handles []handle.Handle, next Position, err error) {
	if pos.isEnd() {
		return nil, End, nil
	}

	cur, err := e.db.NewCursor(false)
	if err != nil {
		return nil, nil, err
	}
	defer cur.Close()

	var k []byte
	var ok bool
	if len(pos) == 0 {
		k, _, ok = cur.Get(kvstore.First, nil)
	} else {
		k, _, ok = cur.Get(kvstore.SetRange, []byte(pos))
	}

	for ok && len(handles) < count {
		var h handle.Handle
		copy(h[:], k)
		handles = append(handles, h)
		k, _, ok = cur.Get(kvstore.Next, nil)
	}

	if !ok {
		return handles, End, nil
	}
	return handles, Position(append([]byte(nil), k...)), nil
}

// Verify reports whether h exists and, if wantType is non-nil, that it
// matches the recorded type.
func (e *Engine) Verify(h handle.Handle, wantType *Type) error {
	attr, err := e.GetAttr(h)
	if err != nil {
		return err
	}
	if wantType != nil && attr.Type != *wantType {
		return errors.New(errors.Invalid, "dataspace type mismatch").
			WithComponent("dataspace").WithContext("handle", h.String())
	}
	return nil
}

// GetAttr fetches h's attribute record, short-circuiting on an
// attribute-cache hit without touching the database.
func (e *Engine) GetAttr(h handle.Handle) (Attr, error) {
	if cached, ok := e.attrCache.Get(h, attrKeyword); ok {
		return decodeAttr(cached)
	}

	raw, err := e.db.Get(h[:])
	if err != nil {
		return Attr{}, err
	}
	e.attrCache.Put(h, attrKeyword, raw)
	return decodeAttr(raw)
}

// GetAttrList fetches attribute records for multiple handles, returning
// a parallel slice of errors (nil where the fetch succeeded).
func (e *Engine) GetAttrList(handles []handle.Handle) ([]Attr, []error) {
	attrs := make([]Attr, len(handles))
	errs := make([]error, len(handles))
	for i, h := range handles {
		attrs[i], errs[i] = e.GetAttr(h)
	}
	return attrs, errs
}

// SetAttr writes attr through to disk, then refreshes the attribute
// cache to match (spec §4.7: "writes through to disk then updates the
// cache").
func (e *Engine) SetAttr(h handle.Handle, attr Attr) error {
	attr.MTime = time.Now()

	encoded, err := encodeAttr(attr)
	if err != nil {
		return err
	}
	if err := e.db.Put(h[:], encoded, kvstore.AllowOverwrite); err != nil {
		return err
	}
	e.attrCache.Put(h, attrKeyword, encoded)
	return nil
}
