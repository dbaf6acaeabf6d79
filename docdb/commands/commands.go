// Package commands holds the write commands executed by the merger. A command may be
// executed more than once, so it keeps only the result of its last execution.
package commands

import (
	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/documents"
	"github.com/pingcap/errors"
)

// Command has the method set the merger runs.
type Command interface {
	Execute(ctx *documents.Context) (int, error)
}

type PutDocument struct {
	docs         *documents.DocumentsStorage
	Key          string
	ExpectedEtag *uint64
	Data         map[string]interface{}
	ChangeVector changevector.ChangeVector

	Result *documents.PutResult
}

func NewPutDocument(docs *documents.DocumentsStorage, key string, expectedEtag *uint64,
	data map[string]interface{}, cv changevector.ChangeVector) *PutDocument {
	return &PutDocument{docs: docs, Key: key, ExpectedEtag: expectedEtag, Data: data, ChangeVector: cv}
}

func (c *PutDocument) Execute(ctx *documents.Context) (int, error) {
	c.Result = nil
	res, err := c.docs.Put(ctx, c.Key, c.ExpectedEtag, c.Data, c.ChangeVector, documents.FlagNone)
	if err != nil {
		return 0, err
	}
	c.Result = res
	return 1, nil
}

type DeleteDocument struct {
	docs         *documents.DocumentsStorage
	Key          string
	ExpectedEtag *uint64

	// Result is nil when there was nothing to delete.
	Result *documents.DeleteResult
}

func NewDeleteDocument(docs *documents.DocumentsStorage, key string, expectedEtag *uint64) *DeleteDocument {
	return &DeleteDocument{docs: docs, Key: key, ExpectedEtag: expectedEtag}
}

func (c *DeleteDocument) Execute(ctx *documents.Context) (int, error) {
	res, err := c.docs.Delete(ctx, c.Key, c.ExpectedEtag)
	c.Result = res
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// NextIdentity reserves the next identity of Prefix ("orders/" or "orders|").
type NextIdentity struct {
	docs   *documents.DocumentsStorage
	Prefix string

	Result string
}

func NewNextIdentity(docs *documents.DocumentsStorage, prefix string) *NextIdentity {
	return &NextIdentity{docs: docs, Prefix: prefix}
}

func (c *NextIdentity) Execute(ctx *documents.Context) (int, error) {
	id, err := c.docs.GetNextIdentityValueWithoutOverwritingOnExistingDocuments(ctx, c.Prefix)
	if err != nil {
		return 0, err
	}
	c.Result = id
	return 1, nil
}

// Batch runs its commands in order inside one transaction. Either all of them apply or, when
// one fails, none does.
type Batch struct {
	Commands []Command
}

func NewBatch(cmds ...Command) *Batch {
	return &Batch{Commands: cmds}
}

func (b *Batch) Execute(ctx *documents.Context) (int, error) {
	total := 0
	for i, cmd := range b.Commands {
		n, err := cmd.Execute(ctx)
		if err != nil {
			return 0, errors.Annotatef(err, "batch command %d", i)
		}
		total += n
	}
	return total, nil
}
