package documents

import (
	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/notify"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap-incubator/tinydoc/docdb/util/codec"
	"github.com/pingcap/errors"
)

func (s *DocumentsStorage) getTombstone(txn storage.ReadTxn, lowered string) (*DocumentTombstone, error) {
	row, err := txn.Get(tableTombstones, []byte(lowered))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTombstone(lowered, row)
}

// GetTombstone returns the tombstone of key, or nil.
func (s *DocumentsStorage) GetTombstone(txn storage.ReadTxn, key string) (*DocumentTombstone, error) {
	return s.getTombstone(txn, lowerKey(key))
}

func (s *DocumentsStorage) writeTombstone(ctx *Context, t *DocumentTombstone, col *CollectionName) error {
	old, err := s.getTombstone(ctx.Txn, t.LoweredKey)
	if err != nil {
		return err
	}
	if old != nil && old.Etag != t.Etag {
		if err = s.deleteTombstoneIndexes(ctx, old); err != nil {
			return err
		}
	}
	lowered := []byte(t.LoweredKey)
	etagKey := codec.EncodeEtag(t.Etag)
	if err = ctx.Txn.Set(tableTombstones, lowered, encodeTombstone(t)); err != nil {
		return err
	}
	if err = ctx.Txn.Set(tableAllTombstonesEtags, etagKey, lowered); err != nil {
		return err
	}
	return ctx.Txn.Set(col.TombstonesTable(), etagKey, lowered)
}

func (s *DocumentsStorage) deleteTombstoneIndexes(ctx *Context, t *DocumentTombstone) error {
	etagKey := codec.EncodeEtag(t.Etag)
	if err := ctx.Txn.Delete(tableAllTombstonesEtags, etagKey); err != nil {
		return err
	}
	col := CollectionName{Name: t.Collection}
	return ctx.Txn.Delete(col.TombstonesTable(), etagKey)
}

func (s *DocumentsStorage) deleteTombstoneRows(ctx *Context, t *DocumentTombstone) error {
	if err := s.deleteTombstoneIndexes(ctx, t); err != nil {
		return err
	}
	return ctx.Txn.Delete(tableTombstones, []byte(t.LoweredKey))
}

// GetTombstonesFrom returns up to take tombstones with etag >= etag in etag order. An empty
// collection means all collections. A non-positive take means no limit.
func (s *DocumentsStorage) GetTombstonesFrom(txn storage.ReadTxn, collection string, etag uint64, take int) ([]*DocumentTombstone, error) {
	table := tableAllTombstonesEtags
	if collection != "" {
		col := s.GetCollection(collection)
		if col == nil {
			return nil, nil
		}
		table = col.TombstonesTable()
	}
	it := txn.Seek(table, codec.EncodeEtag(etag), false)
	defer it.Close()
	var tombstones []*DocumentTombstone
	for ; it.Valid() && (take <= 0 || len(tombstones) < take); it.Next() {
		lowered, err := it.Value()
		if err != nil {
			return nil, err
		}
		t, err := s.getTombstone(txn, string(lowered))
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, storage.Corruption(table, it.Key(), errors.Errorf("indexed tombstone %q is missing", lowered))
		}
		tombstones = append(tombstones, t)
	}
	return tombstones, nil
}

// AddTombstoneOnReplicationIfRelevant records a deletion that happened on another replica.
// An existing tombstone only absorbs the change vector. Otherwise a tombstone is created,
// conflicts of the key are consumed and the local document, if any, is removed.
func (s *DocumentsStorage) AddTombstoneOnReplicationIfRelevant(ctx *Context, key string, cv changevector.ChangeVector,
	collection string) error {
	if err := ctx.check(); err != nil {
		return err
	}
	cv = changevector.Normalize(cv)
	lowered := lowerKey(key)
	existing, err := s.getTombstone(ctx.Txn, lowered)
	if err != nil {
		return err
	}
	if existing != nil {
		existing.ChangeVector = changevector.Merge(existing.ChangeVector, cv)
		existing.Flags |= FlagFromReplication
		col, err := s.ExtractCollectionName(ctx, existing.Collection)
		if err != nil {
			return err
		}
		return s.writeTombstone(ctx, existing, col)
	}

	var resolved changevector.ChangeVector
	if s.HasConflicts() {
		if resolved, err = s.DeleteConflictsFor(ctx, key); err != nil {
			return err
		}
	}
	doc, err := s.getDocument(ctx.Txn, lowered)
	if err != nil {
		return err
	}
	var deletedEtag int64 = -1
	if doc != nil {
		deletedEtag = int64(doc.Etag)
		if collection == "" {
			collection = doc.Collection
		}
		if err = s.deleteDocumentRows(ctx, doc); err != nil {
			return err
		}
	}
	col, err := s.ExtractCollectionName(ctx, collection)
	if err != nil {
		return err
	}
	etag, err := s.nextEtag(ctx)
	if err != nil {
		return err
	}
	t := &DocumentTombstone{
		LoweredKey:        lowered,
		Key:               key,
		Etag:              etag,
		DeletedEtag:       deletedEtag,
		ChangeVector:      changevector.Merge(cv, resolved),
		Collection:        col.Name,
		TransactionMarker: ctx.Marker,
		LastModified:      s.now(),
		Flags:             FlagFromReplication,
	}
	if err = s.writeTombstone(ctx, t, col); err != nil {
		return err
	}
	s.raiseAfterCommit(ctx, notify.Change{
		Type:       notify.DeleteOnTombstoneReplication,
		Key:        key,
		Etag:       etag,
		Collection: col.Name,
		IsSystem:   col.IsSystem,
	})
	return nil
}
