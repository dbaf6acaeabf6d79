package commands

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/documents"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ReplicationItem is one version received from another database. A nil Data is a deletion.
type ReplicationItem struct {
	Key          string
	Data         map[string]interface{}
	ChangeVector changevector.ChangeVector
	// Collection of a deletion; documents carry theirs in @metadata.
	Collection string
	// Etag on the source database.
	Etag uint64
}

func (i *ReplicationItem) IsTombstone() bool { return i.Data == nil }

// MergedReplication applies a batch of items replicated from Source and records how far
// replication from Source got.
type MergedReplication struct {
	docs   *documents.DocumentsStorage
	Source uuid.UUID
	Items  []ReplicationItem

	Applied   int
	Conflicts int
	Skipped   int
}

func NewMergedReplication(docs *documents.DocumentsStorage, source uuid.UUID, items []ReplicationItem) *MergedReplication {
	return &MergedReplication{docs: docs, Source: source, Items: items}
}

func (c *MergedReplication) Execute(ctx *documents.Context) (int, error) {
	c.Applied, c.Conflicts, c.Skipped = 0, 0, 0
	received := changevector.ChangeVector(nil)
	var lastEtag uint64
	for i := range c.Items {
		item := &c.Items[i]
		item.ChangeVector = changevector.Normalize(item.ChangeVector)
		if err := c.apply(ctx, item); err != nil {
			return 0, err
		}
		received = changevector.Merge(received, item.ChangeVector)
		if item.Etag > lastEtag {
			lastEtag = item.Etag
		}
	}

	dbCV, err := c.docs.GetDatabaseChangeVector(ctx.Txn)
	if err != nil {
		return 0, err
	}
	if err = c.docs.SetDatabaseChangeVector(ctx, changevector.Merge(dbCV, received)); err != nil {
		return 0, err
	}
	stored, err := c.docs.GetLastReplicateEtagFrom(ctx.Txn, c.Source)
	if err != nil {
		return 0, err
	}
	if lastEtag > stored {
		if err = c.docs.SetLastReplicateEtagFrom(ctx, c.Source, lastEtag); err != nil {
			return 0, err
		}
	}
	log.Debug("replicated batch applied",
		zap.Stringer("source", c.Source),
		zap.Int("applied", c.Applied),
		zap.Int("conflicts", c.Conflicts),
		zap.Int("skipped", c.Skipped))
	return len(c.Items), nil
}

func (c *MergedReplication) apply(ctx *documents.Context, item *ReplicationItem) error {
	conflicts, err := c.docs.GetConflictsFor(ctx.Txn, item.Key)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		c.Conflicts++
		return c.docs.AddConflict(ctx, item.Key, item.Data, item.ChangeVector, item.Collection)
	}

	var (
		local      changevector.ChangeVector
		collection string
	)
	doc, err := c.docs.Get(ctx.Txn, item.Key)
	if err != nil {
		return err
	}
	if doc != nil {
		local, collection = doc.ChangeVector, doc.Collection
	} else {
		tombstone, err := c.docs.GetTombstone(ctx.Txn, item.Key)
		if err != nil {
			return err
		}
		if tombstone != nil {
			local = tombstone.ChangeVector
		}
	}

	switch changevector.Classify(item.ChangeVector, local) {
	case changevector.AlreadyMerged:
		c.Skipped++
		return nil
	case changevector.Update:
		c.Applied++
		return c.overwrite(ctx, item, doc != nil, collection)
	}
	resolved, err := c.docs.TryResolveIdenticalDocument(ctx, item.Key, item.Data, item.ChangeVector)
	if err != nil {
		return err
	}
	if resolved {
		c.Applied++
		return nil
	}
	c.Conflicts++
	return c.docs.AddConflict(ctx, item.Key, item.Data, item.ChangeVector, item.Collection)
}

// overwrite applies an item that supersedes the local version.
func (c *MergedReplication) overwrite(ctx *documents.Context, item *ReplicationItem, hasDoc bool, collection string) error {
	if item.IsTombstone() {
		return c.docs.AddTombstoneOnReplicationIfRelevant(ctx, item.Key, item.ChangeVector, item.Collection)
	}
	if hasDoc {
		incoming := documents.ExtractCollectionFromData(item.Key, item.Data)
		if !strings.EqualFold(incoming, collection) {
			// a collection only changes by delete and recreate
			if _, err := c.docs.Delete(ctx, item.Key, nil); err != nil {
				return err
			}
		}
	}
	_, err := c.docs.Put(ctx, item.Key, nil, item.Data, item.ChangeVector, documents.FlagFromReplication)
	return err
}

// ResolveConflict replaces the conflicts of Key with Resolved, or with a tombstone when
// Resolved is nil. The result carries every conflicting change vector.
type ResolveConflict struct {
	docs     *documents.DocumentsStorage
	Key      string
	Resolved map[string]interface{}

	PutResult    *documents.PutResult
	DeleteResult *documents.DeleteResult
}

func NewResolveConflict(docs *documents.DocumentsStorage, key string, resolved map[string]interface{}) *ResolveConflict {
	return &ResolveConflict{docs: docs, Key: key, Resolved: resolved}
}

func (c *ResolveConflict) Execute(ctx *documents.Context) (int, error) {
	c.PutResult, c.DeleteResult = nil, nil
	conflicts, err := c.docs.GetConflictsFor(ctx.Txn, c.Key)
	if err != nil {
		return 0, err
	}
	if len(conflicts) == 0 {
		return 0, documents.InvalidOperation("%s has no conflicts to resolve", c.Key)
	}
	if c.Resolved == nil {
		c.DeleteResult, err = c.docs.Delete(ctx, c.Key, nil)
		if err != nil {
			return 0, err
		}
		return 1, nil
	}
	c.PutResult, err = c.docs.Put(ctx, c.Key, nil, c.Resolved, nil, documents.FlagResolved)
	if err != nil {
		return 0, err
	}
	return 1, nil
}
