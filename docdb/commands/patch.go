package commands

import (
	"github.com/pingcap-incubator/tinydoc/docdb/documents"
	"github.com/pingcap/errors"
)

// Patcher computes the new content of a document. doc is a private copy the patcher may
// modify and return.
type Patcher interface {
	Patch(doc map[string]interface{}) (map[string]interface{}, error)
}

type PatcherFunc func(doc map[string]interface{}) (map[string]interface{}, error)

func (f PatcherFunc) Patch(doc map[string]interface{}) (map[string]interface{}, error) {
	return f(doc)
}

// FieldPatch sets and removes top level fields.
type FieldPatch struct {
	Set   map[string]interface{}
	Unset []string
}

func (p FieldPatch) Patch(doc map[string]interface{}) (map[string]interface{}, error) {
	for _, field := range p.Unset {
		delete(doc, field)
	}
	for field, v := range p.Set {
		if field == "@metadata" {
			return nil, documents.InvalidOperation("patch cannot replace @metadata")
		}
		doc[field] = v
	}
	return doc, nil
}

type PatchStatus int

const (
	PatchDocumentDoesNotExist PatchStatus = iota
	PatchNotModified
	PatchSkipped
	PatchPatched
)

func (s PatchStatus) String() string {
	switch s {
	case PatchDocumentDoesNotExist:
		return "DocumentDoesNotExist"
	case PatchNotModified:
		return "NotModified"
	case PatchSkipped:
		return "Skipped"
	case PatchPatched:
		return "Patched"
	}
	return "Unknown"
}

// PatchDocument applies Patcher to the stored document. With SkipPatchIfEtagMismatch an
// expected etag that does not match skips the patch instead of failing.
type PatchDocument struct {
	docs                    *documents.DocumentsStorage
	Key                     string
	ExpectedEtag            *uint64
	Patcher                 Patcher
	SkipPatchIfEtagMismatch bool

	Status PatchStatus
	Result *documents.PutResult
}

func NewPatchDocument(docs *documents.DocumentsStorage, key string, expectedEtag *uint64, patcher Patcher) *PatchDocument {
	return &PatchDocument{docs: docs, Key: key, ExpectedEtag: expectedEtag, Patcher: patcher}
}

func (c *PatchDocument) Execute(ctx *documents.Context) (int, error) {
	c.Status, c.Result = PatchDocumentDoesNotExist, nil
	doc, err := c.docs.Get(ctx.Txn, c.Key)
	if err != nil {
		return 0, err
	}
	if c.ExpectedEtag != nil {
		var actual uint64
		if doc != nil {
			actual = doc.Etag
		}
		if actual != *c.ExpectedEtag {
			if c.SkipPatchIfEtagMismatch {
				c.Status = PatchSkipped
				return 1, nil
			}
			return 0, errors.WithStack(&documents.ErrConcurrency{Key: c.Key, Expected: *c.ExpectedEtag, Actual: actual})
		}
	}
	if doc == nil {
		return 1, nil
	}

	patched, err := documents.CloneData(doc.Data)
	if err != nil {
		return 0, err
	}
	if patched, err = c.Patcher.Patch(patched); err != nil {
		return 0, errors.Annotatef(err, "patch %s", c.Key)
	}
	same, err := documents.IdenticalBodies(doc.Data, patched)
	if err != nil {
		return 0, err
	}
	if same {
		c.Status = PatchNotModified
		return 1, nil
	}
	etag := doc.Etag
	res, err := c.docs.Put(ctx, doc.Key, &etag, patched, nil, documents.FlagNone)
	if err != nil {
		return 0, err
	}
	c.Status, c.Result = PatchPatched, res
	return 1, nil
}
