// Package documents stores documents, tombstones, conflicts, collections and identities on
// top of the storage engine. Every mutation runs in a write transaction owned by the merger.
package documents

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/config"
	"github.com/pingcap-incubator/tinydoc/docdb/metrics"
	"github.com/pingcap-incubator/tinydoc/docdb/notify"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap-incubator/tinydoc/docdb/util/codec"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DocumentsStorage manages documents, tombstones, conflicts and identities in the tables of
// one engine. Writes go through a Context bound to a write transaction.
type DocumentsStorage struct {
	engine   storage.Engine
	dbID     uuid.UUID
	notifier notify.Notifier
	metrics  *metrics.Metrics

	// lastEtag is the highest etag handed out by a transaction that was not rolled back.
	lastEtag atomic.Uint64
	// conflicts counts conflict rows. It grows when a row is written and shrinks once the
	// deleting transaction committed, so it never undercounts.
	conflicts   atomic.Int64
	collections *collectionCache

	now func() time.Time
}

// Open loads the database id, recovers the last etag, the collections and the conflict
// count.
func Open(engine storage.Engine, conf *config.Config, notifier notify.Notifier, m *metrics.Metrics) (*DocumentsStorage, error) {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &DocumentsStorage{
		engine:      engine,
		notifier:    notifier,
		metrics:     m,
		collections: newCollectionCache(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if err := s.initDatabaseID(conf.DatabaseID); err != nil {
		return nil, err
	}

	txn, err := engine.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	lastEtag, err := s.ReadLastEtag(txn)
	if err != nil {
		return nil, err
	}
	s.lastEtag.Store(lastEtag)
	if err = s.loadCollections(txn); err != nil {
		return nil, err
	}
	count, err := countRows(txn, tableConflicts)
	if err != nil {
		return nil, err
	}
	s.conflicts.Store(count)
	s.metrics.Conflicts.Set(float64(count))

	log.Info("documents storage opened",
		zap.Stringer("database-id", s.dbID),
		zap.Uint64("last-etag", lastEtag),
		zap.Int("collections", len(s.GetCollections())),
		zap.Int64("conflicts", count))
	return s, nil
}

func (s *DocumentsStorage) initDatabaseID(configured string) error {
	txn, err := s.engine.NewWriteTxn()
	if err != nil {
		return err
	}
	defer txn.Discard()
	stored, err := txn.Get(tableMeta, keyDatabaseID)
	switch {
	case err == nil:
		id, err := uuid.FromBytes(stored)
		if err != nil {
			return storage.Corruption(tableMeta, keyDatabaseID, err)
		}
		if configured != "" && configured != id.String() {
			return errors.Errorf("database id %s does not match configured id %s", id, configured)
		}
		s.dbID = id
		return nil
	case err != storage.ErrNotFound:
		return err
	}
	if configured != "" {
		s.dbID, err = uuid.Parse(configured)
		if err != nil {
			return errors.Annotatef(err, "invalid database id %q", configured)
		}
	} else {
		s.dbID = uuid.New()
	}
	if err = txn.Set(tableMeta, keyDatabaseID, s.dbID[:]); err != nil {
		return err
	}
	return txn.Commit()
}

func (s *DocumentsStorage) DatabaseID() uuid.UUID { return s.dbID }

// LastEtag is the highest etag assigned so far, committed or in flight.
func (s *DocumentsStorage) LastEtag() uint64 { return s.lastEtag.Load() }

// ReadLastEtag computes the high-water etag from what txn sees: the persisted value and the
// newest document and tombstone.
func (s *DocumentsStorage) ReadLastEtag(txn storage.ReadTxn) (uint64, error) {
	var last uint64
	val, err := txn.Get(tableEtags, keyLastEtag)
	switch {
	case err == nil:
		if last, err = decodeEtag(tableEtags, keyLastEtag, val); err != nil {
			return 0, err
		}
	case err != storage.ErrNotFound:
		return 0, err
	}
	for _, table := range []string{tableAllDocsEtags, tableAllTombstonesEtags} {
		etag, err := lastIndexedEtag(txn, table)
		if err != nil {
			return 0, err
		}
		if etag > last {
			last = etag
		}
	}
	return last, nil
}

// RollbackEtags forgets etags handed out by discarded transactions. The caller must not have
// a write transaction in flight.
func (s *DocumentsStorage) RollbackEtags() error {
	txn, err := s.engine.NewReadTxn()
	if err != nil {
		return err
	}
	defer txn.Discard()
	last, err := s.ReadLastEtag(txn)
	if err != nil {
		return err
	}
	s.lastEtag.Store(last)
	return nil
}

func lastIndexedEtag(txn storage.ReadTxn, table string) (uint64, error) {
	it := txn.Seek(table, nil, true)
	defer it.Close()
	if !it.Valid() {
		return 0, nil
	}
	key := it.Key()
	return decodeEtag(table, key, key)
}

func countRows(txn storage.ReadTxn, table string) (int64, error) {
	it := txn.Seek(table, nil, false)
	defer it.Close()
	var n int64
	for ; it.Valid(); it.Next() {
		n++
	}
	return n, nil
}

func (s *DocumentsStorage) nextEtag(ctx *Context) (uint64, error) {
	etag := s.lastEtag.Inc()
	if err := ctx.Txn.Set(tableEtags, keyLastEtag, codec.EncodeEtag(etag)); err != nil {
		return 0, err
	}
	return etag, nil
}

func (s *DocumentsStorage) raiseAfterCommit(ctx *Context, c notify.Change) {
	ctx.Txn.OnCommit(func() { s.notifier.Raise(c) })
}

func lowerKey(key string) string { return strings.ToLower(key) }

// Put stores data under key. An empty key gets a random id and a key ending in '/' or '|'
// gets the next identity of its prefix. A nil changeVector bumps the local entry of the
// previous version. expectedEtag, when set, must match the stored etag; 0 means the document
// must not exist.
func (s *DocumentsStorage) Put(ctx *Context, key string, expectedEtag *uint64, data map[string]interface{},
	changeVector changevector.ChangeVector, flags DocumentFlags) (*PutResult, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	changeVector = changevector.Normalize(changeVector)
	var err error
	switch {
	case key == "":
		key = uuid.NewString()
	case strings.HasSuffix(key, "/") || strings.HasSuffix(key, "|"):
		if key, err = s.GetNextIdentityValueWithoutOverwritingOnExistingDocuments(ctx, key); err != nil {
			return nil, err
		}
	}
	lowered := lowerKey(key)

	col, err := s.ExtractCollectionName(ctx, collectionNameFor(key, data))
	if err != nil {
		return nil, err
	}
	existing, err := s.getDocument(ctx.Txn, lowered)
	if err != nil {
		return nil, err
	}
	if err = checkEtag(key, expectedEtag, existing); err != nil {
		return nil, err
	}
	if existing != nil && !strings.EqualFold(existing.Collection, col.Name) {
		return nil, InvalidOperation("changing %s from collection %s to %s requires deleting it first",
			key, existing.Collection, col.Name)
	}

	var resolved changevector.ChangeVector
	if existing == nil && s.HasConflicts() {
		if resolved, err = s.DeleteConflictsFor(ctx, key); err != nil {
			return nil, err
		}
	}
	tombstone, err := s.getTombstone(ctx.Txn, lowered)
	if err != nil {
		return nil, err
	}

	etag, err := s.nextEtag(ctx)
	if err != nil {
		return nil, err
	}
	cv := changevector.Merge(changeVector, resolved)
	if changeVector == nil {
		switch {
		case existing != nil:
			cv = changevector.Merge(cv, existing.ChangeVector)
		case tombstone != nil:
			cv = changevector.Merge(cv, tombstone.ChangeVector)
		}
		cv = changevector.Bump(cv, s.dbID, etag)
	}

	if tombstone != nil {
		if err = s.deleteTombstoneRows(ctx, tombstone); err != nil {
			return nil, err
		}
	}
	if existing != nil {
		if err = s.deleteDocumentIndexes(ctx, existing); err != nil {
			return nil, err
		}
	}
	doc := &Document{
		Key:               key,
		LoweredKey:        lowered,
		Etag:              etag,
		Data:              data,
		ChangeVector:      cv,
		LastModified:      s.now(),
		Flags:             flags,
		TransactionMarker: ctx.Marker,
		StorageID:         etag,
		Collection:        col.Name,
	}
	if err = s.writeDocument(ctx, doc, col); err != nil {
		return nil, err
	}
	s.raiseAfterCommit(ctx, notify.Change{
		Type: notify.Put, Key: key, Etag: etag, Collection: col.Name, IsSystem: col.IsSystem,
	})
	return &PutResult{Key: key, Etag: etag, Collection: col.Name, ChangeVector: cv}, nil
}

func checkEtag(key string, expected *uint64, existing *Document) error {
	if expected == nil {
		return nil
	}
	var actual uint64
	if existing != nil {
		actual = existing.Etag
	}
	if actual != *expected {
		return errors.WithStack(&ErrConcurrency{Key: key, Expected: *expected, Actual: actual})
	}
	return nil
}

func (s *DocumentsStorage) writeDocument(ctx *Context, doc *Document, col *CollectionName) error {
	row, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	lowered := []byte(doc.LoweredKey)
	etagKey := codec.EncodeEtag(doc.Etag)
	if err = ctx.Txn.Set(tableDocs, lowered, row); err != nil {
		return err
	}
	if err = ctx.Txn.Set(tableAllDocsEtags, etagKey, lowered); err != nil {
		return err
	}
	return ctx.Txn.Set(col.DocumentsTable(), etagKey, lowered)
}

func (s *DocumentsStorage) deleteDocumentIndexes(ctx *Context, doc *Document) error {
	etagKey := codec.EncodeEtag(doc.Etag)
	if err := ctx.Txn.Delete(tableAllDocsEtags, etagKey); err != nil {
		return err
	}
	col := CollectionName{Name: doc.Collection}
	return ctx.Txn.Delete(col.DocumentsTable(), etagKey)
}

func (s *DocumentsStorage) deleteDocumentRows(ctx *Context, doc *Document) error {
	if err := s.deleteDocumentIndexes(ctx, doc); err != nil {
		return err
	}
	return ctx.Txn.Delete(tableDocs, []byte(doc.LoweredKey))
}

// Delete replaces the document with a tombstone. It returns nil when there is nothing to
// delete. A key that only has conflicts is resolved into a tombstone.
func (s *DocumentsStorage) Delete(ctx *Context, key string, expectedEtag *uint64) (*DeleteResult, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	lowered := lowerKey(key)
	existing, err := s.getDocument(ctx.Txn, lowered)
	if err != nil {
		return nil, err
	}
	if err = checkEtag(key, expectedEtag, existing); err != nil {
		return nil, err
	}

	var (
		cv          changevector.ChangeVector
		deletedEtag int64 = -1
		collection  string
		flags       = FlagNone
	)
	if existing != nil {
		cv = existing.ChangeVector
		deletedEtag = int64(existing.Etag)
		collection = existing.Collection
		if err = s.deleteDocumentRows(ctx, existing); err != nil {
			return nil, err
		}
	} else {
		if !s.HasConflicts() {
			return nil, nil
		}
		conflicts, err := s.deleteConflicts(ctx, lowered)
		if err != nil {
			return nil, err
		}
		if len(conflicts) == 0 {
			return nil, nil
		}
		for _, c := range conflicts {
			cv = changevector.Merge(cv, c.ChangeVector)
			if collection == "" && c.Doc != nil {
				collection = c.Collection
			}
		}
		if collection == "" {
			collection = conflicts[0].Collection
		}
		key = conflicts[0].Key
		flags = FlagResolved
	}

	col, err := s.ExtractCollectionName(ctx, collection)
	if err != nil {
		return nil, err
	}
	etag, err := s.nextEtag(ctx)
	if err != nil {
		return nil, err
	}
	tombstone := &DocumentTombstone{
		LoweredKey:        lowered,
		Key:               key,
		Etag:              etag,
		DeletedEtag:       deletedEtag,
		ChangeVector:      changevector.Bump(cv, s.dbID, etag),
		Collection:        col.Name,
		TransactionMarker: ctx.Marker,
		LastModified:      s.now(),
		Flags:             flags,
	}
	if err = s.writeTombstone(ctx, tombstone, col); err != nil {
		return nil, err
	}
	s.raiseAfterCommit(ctx, notify.Change{
		Type: notify.Delete, Key: key, Etag: etag, Collection: col.Name, IsSystem: col.IsSystem,
	})
	return &DeleteResult{Etag: etag, Collection: col.Name}, nil
}

// Get returns the document stored under key, or nil. It fails with *ErrConflict while the
// key has conflicts.
func (s *DocumentsStorage) Get(txn storage.ReadTxn, key string) (*Document, error) {
	lowered := lowerKey(key)
	doc, err := s.getDocument(txn, lowered)
	if err != nil || doc != nil {
		return doc, err
	}
	if !s.HasConflicts() {
		return nil, nil
	}
	conflicts, err := s.getConflicts(txn, lowered)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		cvs := make([]changevector.ChangeVector, 0, len(conflicts))
		for _, c := range conflicts {
			cvs = append(cvs, c.ChangeVector)
		}
		return nil, errors.WithStack(&ErrConflict{Key: key, ChangeVectors: cvs})
	}
	return nil, nil
}

func (s *DocumentsStorage) getDocument(txn storage.ReadTxn, lowered string) (*Document, error) {
	row, err := txn.Get(tableDocs, []byte(lowered))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(lowered, row)
}

// GetDocumentsFrom returns up to take documents with etag >= etag in etag order, skipping
// the first start. A non-positive take means no limit.
func (s *DocumentsStorage) GetDocumentsFrom(txn storage.ReadTxn, etag uint64, start, take int) ([]*Document, error) {
	return s.scanEtagIndex(txn, tableAllDocsEtags, etag, start, take)
}

// GetDocumentsFromCollection is GetDocumentsFrom restricted to one collection.
func (s *DocumentsStorage) GetDocumentsFromCollection(txn storage.ReadTxn, collection string, etag uint64,
	start, take int) ([]*Document, error) {
	col := s.GetCollection(collection)
	if col == nil {
		return nil, nil
	}
	return s.scanEtagIndex(txn, col.DocumentsTable(), etag, start, take)
}

func (s *DocumentsStorage) scanEtagIndex(txn storage.ReadTxn, table string, etag uint64, start, take int) ([]*Document, error) {
	it := txn.Seek(table, codec.EncodeEtag(etag), false)
	defer it.Close()
	var docs []*Document
	for ; it.Valid() && (take <= 0 || len(docs) < take); it.Next() {
		if start > 0 {
			start--
			continue
		}
		lowered, err := it.Value()
		if err != nil {
			return nil, err
		}
		doc, err := s.getDocument(txn, string(lowered))
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, storage.Corruption(table, it.Key(), errors.Errorf("indexed document %q is missing", lowered))
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// GetDocumentsStartingWith returns documents whose lowered key starts with the lowered
// prefix, in key order.
func (s *DocumentsStorage) GetDocumentsStartingWith(txn storage.ReadTxn, prefix string, start, take int) ([]*Document, error) {
	lowered := []byte(lowerKey(prefix))
	it := txn.Seek(tableDocs, lowered, false)
	defer it.Close()
	var docs []*Document
	for ; it.Valid() && (take <= 0 || len(docs) < take); it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, lowered) {
			break
		}
		if start > 0 {
			start--
			continue
		}
		row, err := it.Value()
		if err != nil {
			return nil, err
		}
		doc, err := decodeDocument(string(key), row)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *DocumentsStorage) GetNumberOfDocuments(txn storage.ReadTxn) (int64, error) {
	return countRows(txn, tableDocs)
}
