package documents

import (
	"bytes"

	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// HasConflicts reports whether conflict rows may exist. It can be true while there are none,
// never the reverse.
func (s *DocumentsStorage) HasConflicts() bool {
	return s.conflicts.Load() > 0
}

func (s *DocumentsStorage) conflictInserted() {
	s.metrics.Conflicts.Set(float64(s.conflicts.Inc()))
}

func (s *DocumentsStorage) conflictsRemovedAfterCommit(ctx *Context, n int) {
	if n == 0 {
		return
	}
	ctx.Txn.OnCommit(func() {
		s.metrics.Conflicts.Set(float64(s.conflicts.Sub(int64(n))))
	})
}

// GetConflictsFor returns the conflicts of key in change vector order.
func (s *DocumentsStorage) GetConflictsFor(txn storage.ReadTxn, key string) ([]*DocumentConflict, error) {
	return s.getConflicts(txn, lowerKey(key))
}

func (s *DocumentsStorage) getConflicts(txn storage.ReadTxn, lowered string) ([]*DocumentConflict, error) {
	prefix := conflictPrefix(lowered)
	it := txn.Seek(tableConflicts, prefix, false)
	defer it.Close()
	var conflicts []*DocumentConflict
	for ; it.Valid(); it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		row, err := it.Value()
		if err != nil {
			return nil, err
		}
		c, err := decodeConflict(key, row)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, nil
}

// DeleteConflictsFor removes every conflict of key and returns their merged change vector.
func (s *DocumentsStorage) DeleteConflictsFor(ctx *Context, key string) (changevector.ChangeVector, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	conflicts, err := s.deleteConflicts(ctx, lowerKey(key))
	if err != nil {
		return nil, err
	}
	var merged changevector.ChangeVector
	for _, c := range conflicts {
		merged = changevector.Merge(merged, c.ChangeVector)
	}
	return merged, nil
}

// deleteConflicts seeks the first conflict of lowered again after every delete; an open
// iterator does not observe deletes made after it was created.
func (s *DocumentsStorage) deleteConflicts(ctx *Context, lowered string) ([]*DocumentConflict, error) {
	prefix := conflictPrefix(lowered)
	var deleted []*DocumentConflict
	for {
		rowKey, c, err := s.firstConflict(ctx.Txn, prefix)
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		if err = ctx.Txn.Delete(tableConflicts, rowKey); err != nil {
			return nil, err
		}
		deleted = append(deleted, c)
	}
	s.conflictsRemovedAfterCommit(ctx, len(deleted))
	return deleted, nil
}

func (s *DocumentsStorage) firstConflict(txn storage.ReadTxn, prefix []byte) ([]byte, *DocumentConflict, error) {
	it := txn.Seek(tableConflicts, prefix, false)
	defer it.Close()
	if !it.Valid() {
		return nil, nil, nil
	}
	key := it.Key()
	if !bytes.HasPrefix(key, prefix) {
		return nil, nil, nil
	}
	row, err := it.Value()
	if err != nil {
		return nil, nil, err
	}
	c, err := decodeConflict(key, row)
	return key, c, err
}

func (s *DocumentsStorage) writeConflict(ctx *Context, c *DocumentConflict) error {
	row, err := encodeConflict(c)
	if err != nil {
		return err
	}
	key := conflictKey(c.LoweredKey, c.ChangeVector)
	_, err = ctx.Txn.Get(tableConflicts, key)
	switch {
	case err == nil:
		// same version already stored
		return ctx.Txn.Set(tableConflicts, key, row)
	case err != storage.ErrNotFound:
		return err
	}
	if err = ctx.Txn.Set(tableConflicts, key, row); err != nil {
		return err
	}
	s.conflictInserted()
	return nil
}

// AddConflict stores an incoming version of key that is concurrent with the local one. A
// nil incomingDoc is a deletion, collection names its collection. The current document or
// tombstone is demoted into a conflict, existing conflicts dominated by the incoming vector
// are dropped, and an incoming version that is already merged changes nothing.
func (s *DocumentsStorage) AddConflict(ctx *Context, key string, incomingDoc map[string]interface{},
	incomingCV changevector.ChangeVector, collection string) error {
	if err := ctx.check(); err != nil {
		return err
	}
	incomingCV = changevector.Normalize(incomingCV)
	lowered := lowerKey(key)
	if incomingDoc != nil {
		collection = collectionNameFor(key, incomingDoc)
	}
	col, err := s.ExtractCollectionName(ctx, collection)
	if err != nil {
		return err
	}

	existing, err := s.getConflicts(ctx.Txn, lowered)
	if err != nil {
		return err
	}
	doc, err := s.getDocument(ctx.Txn, lowered)
	if err != nil {
		return err
	}
	tombstone, err := s.getTombstone(ctx.Txn, lowered)
	if err != nil {
		return err
	}
	switch {
	case doc != nil:
		if changevector.Classify(incomingCV, doc.ChangeVector) == changevector.AlreadyMerged {
			return nil
		}
	case tombstone != nil:
		if changevector.Classify(incomingCV, tombstone.ChangeVector) == changevector.AlreadyMerged {
			return nil
		}
	}

	dropped := 0
	for _, c := range existing {
		switch status := changevector.Classify(incomingCV, c.ChangeVector); status {
		case changevector.Update:
			if err = ctx.Txn.Delete(tableConflicts, conflictKey(lowered, c.ChangeVector)); err != nil {
				return err
			}
			dropped++
		case changevector.Conflict:
		case changevector.AlreadyMerged:
			return nil
		default:
			return errors.Errorf("internal error: unexpected change vector status %s for conflict on %s", status, key)
		}
	}
	s.conflictsRemovedAfterCommit(ctx, dropped)

	if doc != nil {
		if err = s.deleteDocumentRows(ctx, doc); err != nil {
			return err
		}
		if err = s.writeConflict(ctx, &DocumentConflict{
			LoweredKey:   lowered,
			Key:          doc.Key,
			ChangeVector: doc.ChangeVector,
			Doc:          doc.Data,
			Collection:   doc.Collection,
			LastModified: doc.LastModified,
		}); err != nil {
			return err
		}
	}
	if tombstone != nil {
		if err = s.deleteTombstoneRows(ctx, tombstone); err != nil {
			return err
		}
		if err = s.writeConflict(ctx, &DocumentConflict{
			LoweredKey:   lowered,
			Key:          tombstone.Key,
			ChangeVector: tombstone.ChangeVector,
			Collection:   tombstone.Collection,
			LastModified: tombstone.LastModified,
		}); err != nil {
			return err
		}
	}
	if err = s.writeConflict(ctx, &DocumentConflict{
		LoweredKey:   lowered,
		Key:          key,
		ChangeVector: incomingCV,
		Doc:          incomingDoc,
		Collection:   col.Name,
		LastModified: s.now(),
	}); err != nil {
		return err
	}
	log.Info("conflict added", zap.String("key", key), zap.Stringer("change-vector", incomingCV),
		zap.Bool("tombstone", incomingDoc == nil))
	return nil
}

// TryResolveIdenticalDocument settles an incoming version whose content equals the local
// one, ignoring volatile metadata, by merging the change vectors. An incoming deletion
// settles against a local tombstone the same way. It reports whether it resolved.
func (s *DocumentsStorage) TryResolveIdenticalDocument(ctx *Context, key string, incomingDoc map[string]interface{},
	incomingCV changevector.ChangeVector) (bool, error) {
	if err := ctx.check(); err != nil {
		return false, err
	}
	incomingCV = changevector.Normalize(incomingCV)
	lowered := lowerKey(key)
	if incomingDoc == nil {
		tombstone, err := s.getTombstone(ctx.Txn, lowered)
		if err != nil || tombstone == nil {
			return false, err
		}
		return true, s.AddTombstoneOnReplicationIfRelevant(ctx, key, incomingCV, tombstone.Collection)
	}

	doc, err := s.getDocument(ctx.Txn, lowered)
	if err != nil || doc == nil {
		return false, err
	}
	same, err := IdenticalBodies(doc.Data, incomingDoc)
	if err != nil || !same {
		return false, err
	}
	merged := changevector.Merge(doc.ChangeVector, incomingCV)
	if _, err = s.Put(ctx, doc.Key, nil, incomingDoc, merged, doc.Flags|FlagResolved|FlagFromReplication); err != nil {
		return false, err
	}
	return true, nil
}
