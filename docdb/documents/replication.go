package documents

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap-incubator/tinydoc/docdb/util/codec"
)

// GetDatabaseChangeVector returns the stored database change vector with the local entry
// raised to the last etag txn sees.
func (s *DocumentsStorage) GetDatabaseChangeVector(txn storage.ReadTxn) (changevector.ChangeVector, error) {
	var stored changevector.ChangeVector
	val, err := txn.Get(tableChangeVector, keyChangeVector)
	switch {
	case err == nil:
		if stored, err = changevector.FromBytes(val); err != nil {
			return nil, storage.Corruption(tableChangeVector, keyChangeVector, err)
		}
	case err != storage.ErrNotFound:
		return nil, err
	}
	last, err := s.ReadLastEtag(txn)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return stored, nil
	}
	return changevector.Merge(stored, changevector.New(s.dbID, last)), nil
}

func (s *DocumentsStorage) SetDatabaseChangeVector(ctx *Context, cv changevector.ChangeVector) error {
	if err := ctx.check(); err != nil {
		return err
	}
	return ctx.Txn.Set(tableChangeVector, keyChangeVector, changevector.Normalize(cv).Bytes())
}

// GetLastReplicateEtagFrom returns the last etag replicated from dbID, 0 if none.
func (s *DocumentsStorage) GetLastReplicateEtagFrom(txn storage.ReadTxn, dbID uuid.UUID) (uint64, error) {
	val, err := txn.Get(tableLastReplicated, dbID[:])
	if err == storage.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeEtag(tableLastReplicated, dbID[:], val)
}

func (s *DocumentsStorage) SetLastReplicateEtagFrom(ctx *Context, dbID uuid.UUID, etag uint64) error {
	if err := ctx.check(); err != nil {
		return err
	}
	return ctx.Txn.Set(tableLastReplicated, dbID[:], codec.EncodeEtag(etag))
}
