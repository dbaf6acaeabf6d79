package documents

import (
	"strings"
	"time"

	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
)

type DocumentFlags uint32

const (
	FlagNone            DocumentFlags = 0
	FlagFromReplication DocumentFlags = 1 << 0
	FlagResolved        DocumentFlags = 1 << 1
)

func (f DocumentFlags) Has(flag DocumentFlags) bool {
	return f&flag == flag
}

type Document struct {
	Key               string
	LoweredKey        string
	Etag              uint64
	Data              map[string]interface{}
	ChangeVector      changevector.ChangeVector
	LastModified      time.Time
	Flags             DocumentFlags
	TransactionMarker int16
	// StorageID is the row handle: the etag under which the row is indexed.
	StorageID  uint64
	Collection string
}

type DocumentTombstone struct {
	LoweredKey string
	Key        string
	Etag       uint64
	// DeletedEtag is the etag of the deleted document, -1 if it never existed locally.
	DeletedEtag       int64
	ChangeVector      changevector.ChangeVector
	Collection        string
	TransactionMarker int16
	LastModified      time.Time
	Flags             DocumentFlags
}

// DocumentConflict is one side of a conflict. A nil Doc is a deletion.
type DocumentConflict struct {
	LoweredKey   string
	Key          string
	ChangeVector changevector.ChangeVector
	Doc          map[string]interface{}
	Collection   string
	LastModified time.Time
}

func (c *DocumentConflict) IsTombstone() bool { return c.Doc == nil }

type CollectionName struct {
	Name     string
	IsSystem bool
}

func (c *CollectionName) lowered() string { return strings.ToLower(c.Name) }

// DocumentsTable indexes the collection's documents by etag.
func (c *CollectionName) DocumentsTable() string { return "@" + c.lowered() + "/docs" }

// TombstonesTable indexes the collection's tombstones by etag.
func (c *CollectionName) TombstonesTable() string { return "@" + c.lowered() + "/tombstones" }

type PutResult struct {
	Key          string
	Etag         uint64
	Collection   string
	ChangeVector changevector.ChangeVector
}

type DeleteResult struct {
	Etag       uint64
	Collection string
}

// Context is handed to commands executed by the merger. It lives as long as one write
// transaction.
type Context struct {
	Txn    storage.WriteTxn
	Marker int16

	docs           *DocumentsStorage
	newCollections map[string]*CollectionName
}

// NewContext wraps txn.
func (s *DocumentsStorage) NewContext(txn storage.WriteTxn) *Context {
	return &Context{
		Txn:    txn,
		Marker: int16(txn.ID()),
		docs:   s,
	}
}

func (c *Context) check() error {
	if c == nil || c.Txn == nil {
		return InvalidOperation("no active write transaction")
	}
	return nil
}
