package documents

import (
	"bytes"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap-incubator/tinydoc/docdb/util/codec"
	"github.com/pingcap/errors"
)

// Tables. Docs and Tombstones are keyed by lowered key, the etag indexes by big-endian etag
// with the lowered key as value.
const (
	tableDocs               = "Docs"
	tableTombstones         = "Tombstones"
	tableConflicts          = "Conflicts"
	tableCollections        = "Collections"
	tableAllDocsEtags       = "AllDocsEtags"
	tableAllTombstonesEtags = "AllTombstonesEtags"
	tableEtags              = "Etags"
	tableIdentities         = "Identities"
	tableChangeVector       = "ChangeVector"
	tableLastReplicated     = "LastReplicatedEtags"
	tableMeta               = "Meta"
)

var (
	keyLastEtag     = []byte("LastEtag")
	keyChangeVector = []byte("ChangeVector")
	keyDatabaseID   = []byte("DatabaseId")
)

const (
	metadataKey     = "@metadata"
	collectionKey   = "@collection"
	systemPrefix    = "sys/"
	systemName      = "@system"
	emptyCollection = "@empty"
)

// volatileMetadata are rewritten by every replica and ignored when comparing documents.
var volatileMetadata = []string{"@last-modified", "@change-vector", "@etag", "@flags"}

var canonicalJSON = jsoniter.Config{
	SortMapKeys:            true,
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

func encodeData(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	b, err := canonicalJSON.Marshal(data)
	return b, errors.WithStack(err)
}

func decodeData(b []byte) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	if err := canonicalJSON.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// CloneData returns a deep copy of data.
func CloneData(data map[string]interface{}) (map[string]interface{}, error) {
	b, err := encodeData(data)
	if err != nil {
		return nil, err
	}
	return decodeData(b)
}

// comparableBody is the canonical encoding without volatile metadata.
func comparableBody(data map[string]interface{}) ([]byte, error) {
	stripped := make(map[string]interface{}, len(data))
	for k, v := range data {
		stripped[k] = v
	}
	if meta, ok := data[metadataKey].(map[string]interface{}); ok {
		m := make(map[string]interface{}, len(meta))
		for k, v := range meta {
			m[k] = v
		}
		for _, k := range volatileMetadata {
			delete(m, k)
		}
		stripped[metadataKey] = m
	}
	return encodeData(stripped)
}

// IdenticalBodies reports whether a and b hold the same content, ignoring volatile metadata.
func IdenticalBodies(a, b map[string]interface{}) (bool, error) {
	ba, err := comparableBody(a)
	if err != nil {
		return false, err
	}
	bb, err := comparableBody(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ba, bb), nil
}

// collectionFromData reads @metadata.@collection.
func collectionFromData(data map[string]interface{}) string {
	meta, ok := data[metadataKey].(map[string]interface{})
	if !ok {
		return ""
	}
	name, _ := meta[collectionKey].(string)
	return name
}

// Document row:
//
//	etag u64 | key text | collection text | change vector | last-modified i64 (unix nano)
//	| flags u32 | marker i16 | data bytes (canonical JSON)
func encodeDocument(d *Document) ([]byte, error) {
	data, err := encodeData(d.Data)
	if err != nil {
		return nil, err
	}
	w := codec.NewRowWriter(64 + len(d.Key) + len(data))
	w.Uint64(d.Etag).Text(d.Key).Text(d.Collection)
	d.ChangeVector.Encode(w)
	w.Int64(d.LastModified.UnixNano()).Uint32(uint32(d.Flags)).Int16(d.TransactionMarker).Bytes(data)
	return w.Row(), nil
}

func decodeDocument(lowered string, row []byte) (*Document, error) {
	r := codec.NewRowReader(row)
	d := &Document{LoweredKey: lowered}
	d.Etag = r.Uint64()
	d.Key = r.Text()
	d.Collection = r.Text()
	d.ChangeVector = changevector.Decode(r)
	d.LastModified = time.Unix(0, r.Int64()).UTC()
	d.Flags = DocumentFlags(r.Uint32())
	d.TransactionMarker = r.Int16()
	data := r.Bytes()
	if err := r.Done(); err != nil {
		return nil, storage.Corruption(tableDocs, []byte(lowered), err)
	}
	var err error
	if d.Data, err = decodeData(data); err != nil {
		return nil, storage.Corruption(tableDocs, []byte(lowered), err)
	}
	d.StorageID = d.Etag
	return d, nil
}

// Tombstone row:
//
//	etag u64 | deleted-etag i64 | key text | collection text | change vector
//	| last-modified i64 | flags u32 | marker i16
func encodeTombstone(t *DocumentTombstone) []byte {
	w := codec.NewRowWriter(64 + len(t.Key))
	w.Uint64(t.Etag).Int64(t.DeletedEtag).Text(t.Key).Text(t.Collection)
	t.ChangeVector.Encode(w)
	w.Int64(t.LastModified.UnixNano()).Uint32(uint32(t.Flags)).Int16(t.TransactionMarker)
	return w.Row()
}

func decodeTombstone(lowered string, row []byte) (*DocumentTombstone, error) {
	r := codec.NewRowReader(row)
	t := &DocumentTombstone{LoweredKey: lowered}
	t.Etag = r.Uint64()
	t.DeletedEtag = r.Int64()
	t.Key = r.Text()
	t.Collection = r.Text()
	t.ChangeVector = changevector.Decode(r)
	t.LastModified = time.Unix(0, r.Int64()).UTC()
	t.Flags = DocumentFlags(r.Uint32())
	t.TransactionMarker = r.Int16()
	if err := r.Done(); err != nil {
		return nil, storage.Corruption(tableTombstones, []byte(lowered), err)
	}
	return t, nil
}

// Conflict rows are keyed by EncodeBytes(lowered key) followed by the change vector, so the
// conflicts of a key are one contiguous range and a change vector appears once per key.
//
//	key text | collection text | change vector | last-modified i64 | data nullable bytes
func conflictPrefix(lowered string) []byte {
	return codec.EncodeBytes([]byte(lowered))
}

func conflictKey(lowered string, cv changevector.ChangeVector) []byte {
	return append(conflictPrefix(lowered), cv.Bytes()...)
}

func encodeConflict(c *DocumentConflict) ([]byte, error) {
	var data []byte
	if c.Doc != nil {
		var err error
		if data, err = encodeData(c.Doc); err != nil {
			return nil, err
		}
	}
	w := codec.NewRowWriter(48 + len(c.Key) + len(data))
	w.Text(c.Key).Text(c.Collection)
	c.ChangeVector.Encode(w)
	w.Int64(c.LastModified.UnixNano()).NullableBytes(data)
	return w.Row(), nil
}

func decodeConflict(rowKey, row []byte) (*DocumentConflict, error) {
	_, lowered, err := codec.DecodeBytes(rowKey)
	if err != nil {
		return nil, storage.Corruption(tableConflicts, rowKey, err)
	}
	r := codec.NewRowReader(row)
	c := &DocumentConflict{LoweredKey: string(lowered)}
	c.Key = r.Text()
	c.Collection = r.Text()
	c.ChangeVector = changevector.Decode(r)
	c.LastModified = time.Unix(0, r.Int64()).UTC()
	data := r.NullableBytes()
	if err := r.Done(); err != nil {
		return nil, storage.Corruption(tableConflicts, rowKey, err)
	}
	if data != nil {
		if c.Doc, err = decodeData(data); err != nil {
			return nil, storage.Corruption(tableConflicts, rowKey, err)
		}
	}
	return c, nil
}

// Collection row: name text | system u32 (0 or 1) | documents table text | tombstones table text
func encodeCollection(c *CollectionName) []byte {
	var system uint32
	if c.IsSystem {
		system = 1
	}
	return codec.NewRowWriter(16+3*len(c.Name)).
		Text(c.Name).Uint32(system).Text(c.DocumentsTable()).Text(c.TombstonesTable()).Row()
}

func decodeCollection(key, row []byte) (*CollectionName, error) {
	r := codec.NewRowReader(row)
	c := &CollectionName{Name: r.Text(), IsSystem: r.Uint32() == 1}
	r.Text()
	r.Text()
	if err := r.Done(); err != nil {
		return nil, storage.Corruption(tableCollections, key, err)
	}
	return c, nil
}

func decodeEtag(table string, key, value []byte) (uint64, error) {
	etag, err := codec.DecodeEtag(value)
	if err != nil {
		return 0, storage.Corruption(table, key, err)
	}
	return etag, nil
}
