package documents

import (
	"strings"

	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap/log"
	"github.com/tidwall/btree"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type collectionMap = btree.Map[string, *CollectionName]

// collectionCache maps lowered collection names to collections. Readers load an immutable
// snapshot; the writer installs a modified copy once the creating transaction committed.
type collectionCache struct {
	snapshot atomic.Value
}

func newCollectionCache() *collectionCache {
	c := &collectionCache{}
	c.snapshot.Store(new(collectionMap))
	return c
}

func (c *collectionCache) load() *collectionMap {
	return c.snapshot.Load().(*collectionMap)
}

func (c *collectionCache) get(lowered string) (*CollectionName, bool) {
	return c.load().Get(lowered)
}

func (c *collectionCache) install(cols ...*CollectionName) {
	next := c.load().Copy()
	for _, col := range cols {
		next.Set(col.lowered(), col)
	}
	c.snapshot.Store(next)
}

// collectionNameFor picks the collection of a document: system keys live in @system,
// everything else in @metadata.@collection.
func collectionNameFor(key string, data map[string]interface{}) string {
	if strings.HasPrefix(strings.ToLower(key), systemPrefix) {
		return systemName
	}
	return collectionFromData(data)
}

// ExtractCollectionFromData returns the name of the collection a document with key and data
// belongs to.
func ExtractCollectionFromData(key string, data map[string]interface{}) string {
	if name := collectionNameFor(key, data); name != "" {
		return name
	}
	return emptyCollection
}

// ExtractCollectionName returns the collection called name, creating it in ctx's
// transaction when it does not exist yet. A new collection becomes visible to other
// transactions only after ctx's transaction commits.
func (s *DocumentsStorage) ExtractCollectionName(ctx *Context, name string) (*CollectionName, error) {
	if err := ctx.check(); err != nil {
		return nil, err
	}
	if name == "" {
		name = emptyCollection
	}
	lowered := strings.ToLower(name)
	if col, ok := s.collections.get(lowered); ok {
		return col, nil
	}
	if col, ok := ctx.newCollections[lowered]; ok {
		return col, nil
	}

	col := &CollectionName{Name: name, IsSystem: lowered == systemName}
	if err := storage.ValidateTableName(col.DocumentsTable()); err != nil {
		return nil, InvalidOperation("collection name %q: %v", name, err)
	}
	if err := ctx.Txn.Set(tableCollections, []byte(lowered), encodeCollection(col)); err != nil {
		return nil, err
	}
	if ctx.newCollections == nil {
		ctx.newCollections = make(map[string]*CollectionName)
	}
	ctx.newCollections[lowered] = col
	ctx.Txn.OnCommit(func() {
		s.collections.install(col)
		log.Info("collection created", zap.String("collection", col.Name))
	})
	return col, nil
}

// GetCollection returns the committed collection called name, or nil.
func (s *DocumentsStorage) GetCollection(name string) *CollectionName {
	col, _ := s.collections.get(strings.ToLower(name))
	return col
}

// GetCollections lists committed collections ordered by lowered name.
func (s *DocumentsStorage) GetCollections() []*CollectionName {
	snapshot := s.collections.load()
	cols := make([]*CollectionName, 0, snapshot.Len())
	snapshot.Scan(func(_ string, col *CollectionName) bool {
		cols = append(cols, col)
		return true
	})
	return cols
}

func (s *DocumentsStorage) loadCollections(txn storage.ReadTxn) error {
	it := txn.Seek(tableCollections, nil, false)
	defer it.Close()
	var cols []*CollectionName
	for ; it.Valid(); it.Next() {
		row, err := it.Value()
		if err != nil {
			return err
		}
		col, err := decodeCollection(it.Key(), row)
		if err != nil {
			return err
		}
		cols = append(cols, col)
	}
	s.collections.install(cols...)
	return nil
}
