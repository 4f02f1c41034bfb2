package engine

import (
	"context"

	"github.com/objectfs/dbpf/internal/bstream"
	"github.com/objectfs/dbpf/internal/coalesce"
	"github.com/objectfs/dbpf/internal/dataspace"
	"github.com/objectfs/dbpf/internal/handle"
	"github.com/objectfs/dbpf/internal/keyval"
	"github.com/objectfs/dbpf/internal/opqueue"
)

// CreateDataspace posts a dataspace creation op to the meta-write pool.
// The op is sync-affecting, so once the record is durable per the
// collection's coalescing policy its completion is delivered to the
// context passed to New, not to cctx (see Post).
func (e *Engine) CreateDataspace(ctx context.Context, cctx *opqueue.Context, h handle.Handle, attr dataspace.Attr, syncRequired bool) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role:           opqueue.RoleMetaWrite,
		Handle:         h,
		Name:           "dataspace.create",
		SyncRequired:   syncRequired,
		SyncAffecting:  true,
		CoalesceDomain: coalesce.DomainDataspace,
		Run: func(context.Context) error {
			_, err := e.Dataspace.Create(h, attr)
			return err
		},
	})
}

// RemoveDataspace posts a dataspace removal op to the background-removal
// pool (spec §4.4: DS remove and its bstream/keyval cleanup run off the
// caller's critical path).
func (e *Engine) RemoveDataspace(ctx context.Context, cctx *opqueue.Context, h handle.Handle) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role:           opqueue.RoleBackgroundRemoval,
		Handle:         h,
		Name:           "dataspace.remove",
		SyncAffecting:  true,
		CoalesceDomain: coalesce.DomainDataspace,
		Run: func(context.Context) error {
			return e.Dataspace.Remove(h)
		},
	})
}

// GetAttr posts an attribute-read op to the meta-read pool.
func (e *Engine) GetAttr(ctx context.Context, cctx *opqueue.Context, h handle.Handle) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role: opqueue.RoleMetaRead,
		Handle: h,
		Name:   "dataspace.getattr",
		Run: func(context.Context) error {
			_, err := e.Dataspace.GetAttr(h)
			return err
		},
	})
}

// SetAttr posts an attribute-write op to the meta-write pool.
func (e *Engine) SetAttr(ctx context.Context, cctx *opqueue.Context, h handle.Handle, attr dataspace.Attr, syncRequired bool) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role:           opqueue.RoleMetaWrite,
		Handle:         h,
		Name:           "dataspace.setattr",
		SyncRequired:   syncRequired,
		SyncAffecting:  true,
		CoalesceDomain: coalesce.DomainDataspace,
		Run: func(context.Context) error {
			return e.Dataspace.SetAttr(h, attr)
		},
	})
}

// KeyvalWrite posts a directory-entry write to the meta-write pool.
func (e *Engine) KeyvalWrite(ctx context.Context, cctx *opqueue.Context, h handle.Handle, kt keyval.Type, key, value []byte, overwrite, syncRequired bool) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role:           opqueue.RoleMetaWrite,
		Handle:         h,
		Name:           "keyval.write",
		SyncRequired:   syncRequired,
		SyncAffecting:  true,
		CoalesceDomain: coalesce.DomainKeyval,
		Run: func(context.Context) error {
			return e.Keyval.Write(h, kt, key, value, overwrite)
		},
	})
}

// KeyvalRemove posts a directory-entry removal to the meta-write pool.
func (e *Engine) KeyvalRemove(ctx context.Context, cctx *opqueue.Context, h handle.Handle, kt keyval.Type, key []byte, syncRequired bool) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role:           opqueue.RoleMetaWrite,
		Handle:         h,
		Name:           "keyval.remove",
		SyncRequired:   syncRequired,
		SyncAffecting:  true,
		CoalesceDomain: coalesce.DomainKeyval,
		Run: func(context.Context) error {
			return e.Keyval.Remove(h, kt, key)
		},
	})
}

// KeyvalRead posts a directory-entry read to the meta-read pool.
func (e *Engine) KeyvalRead(ctx context.Context, cctx *opqueue.Context, h handle.Handle, kt keyval.Type, key []byte) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role: opqueue.RoleMetaRead,
		Handle: h,
		Name:   "keyval.read",
		Run: func(context.Context) error {
			_, err := e.Keyval.Read(h, kt, key)
			return err
		},
	})
}

// BstreamIO posts a bytestream read or write to the I/O pool, dispatched
// through the AIO path (spec §4.9). Bstream I/O is not sync-coalesced:
// it syncs its size update through SizeSync on completion instead.
func (e *Engine) BstreamIO(ctx context.Context, cctx *opqueue.Context, req bstream.Request) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role:         opqueue.RoleIO,
		Handle:       req.Handle,
		Name:         "bstream.io",
		SyncRequired: req.SyncRequired,
		Run: func(opCtx context.Context) error {
			_, err := e.AIO.Submit(opCtx, req)
			return err
		},
	})
}

// BstreamIODirect posts a bytestream read or write through the
// thread-pool direct-I/O path (spec §4.10) instead of the AIO path.
func (e *Engine) BstreamIODirect(ctx context.Context, cctx *opqueue.Context, req bstream.Request) (OpID, error) {
	return e.Post(ctx, cctx, Op{
		Role:   opqueue.RoleIO,
		Handle: req.Handle,
		Name:   "bstream.io.direct",
		Run: func(context.Context) error {
			_, err := e.ThreadPool.Submit(req)
			return err
		},
	})
}
