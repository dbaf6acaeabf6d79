// Package subscriptions keeps the durable state of data subscriptions: their criteria and
// the change vector up to which each one was acknowledged. State changes go through the
// merger; changes to one subscription are serialized by a per-subscription lock.
package subscriptions

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/config"
	"github.com/pingcap-incubator/tinydoc/docdb/documents"
	"github.com/pingcap-incubator/tinydoc/docdb/merger"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap-incubator/tinydoc/docdb/util/lockmap"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	tableSubscriptions = "Subscriptions"
	tableNames         = "SubscriptionNames"
)

type Subscription struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Criteria Criteria  `json:"criteria"`
	// ChangeVector is the acknowledged position, in change vector string form.
	ChangeVector string    `json:"change-vector"`
	CreatedAt    time.Time `json:"created-at"`
	LastAckAt    time.Time `json:"last-ack-at,omitempty"`
}

// Position parses ChangeVector.
func (s *Subscription) Position() (changevector.ChangeVector, error) {
	return changevector.Parse(s.ChangeVector)
}

type Storage struct {
	engine      storage.Engine
	docs        *documents.DocumentsStorage
	merger      *merger.Merger
	locks       *lockmap.LockMap
	lockTimeout time.Duration
	programs    programCache
}

func New(engine storage.Engine, docs *documents.DocumentsStorage, mg *merger.Merger, conf *config.Subscriptions) *Storage {
	return &Storage{
		engine:      engine,
		docs:        docs,
		merger:      mg,
		locks:       lockmap.New(),
		lockTimeout: conf.LockTimeout,
	}
}

func encodeSubscription(sub *Subscription) ([]byte, error) {
	b, err := jsoniter.Marshal(sub)
	return b, errors.WithStack(err)
}

func decodeSubscription(key, row []byte) (*Subscription, error) {
	sub := new(Subscription)
	if err := jsoniter.Unmarshal(row, sub); err != nil {
		return nil, storage.Corruption(tableSubscriptions, key, err)
	}
	return sub, nil
}

func getSubscription(txn storage.ReadTxn, id uuid.UUID) (*Subscription, error) {
	row, err := txn.Get(tableSubscriptions, id[:])
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSubscription(id[:], row)
}

func putSubscription(txn storage.WriteTxn, sub *Subscription) error {
	row, err := encodeSubscription(sub)
	if err != nil {
		return err
	}
	return txn.Set(tableSubscriptions, sub.ID[:], row)
}

// Create registers a subscription called name that starts after start. Names are unique,
// ignoring case.
func (s *Storage) Create(ctx context.Context, name string, criteria Criteria, start changevector.ChangeVector) (*Subscription, error) {
	if strings.TrimSpace(name) == "" {
		return nil, documents.InvalidOperation("subscription name must not be empty")
	}
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, "name:"+strings.ToLower(name), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cmd := &createCommand{sub: &Subscription{
		ID:           uuid.New(),
		Name:         name,
		Criteria:     criteria,
		ChangeVector: changevector.Normalize(start).String(),
		CreatedAt:    time.Now().UTC(),
	}}
	if err = s.merger.Enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	log.Info("subscription created", zap.Stringer("id", cmd.sub.ID), zap.String("name", name),
		zap.String("collection", criteria.Collection))
	return cmd.sub, nil
}

// Get returns the subscription with id, or nil.
func (s *Storage) Get(id uuid.UUID) (*Subscription, error) {
	txn, err := s.engine.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	return getSubscription(txn, id)
}

// GetByName returns the subscription called name, or nil.
func (s *Storage) GetByName(name string) (*Subscription, error) {
	txn, err := s.engine.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	id, err := txn.Get(tableNames, []byte(strings.ToLower(name)))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.FromBytes(id)
	if err != nil {
		return nil, storage.Corruption(tableNames, []byte(name), err)
	}
	return getSubscription(txn, parsed)
}

// List returns all subscriptions ordered by id.
func (s *Storage) List() ([]*Subscription, error) {
	txn, err := s.engine.NewReadTxn()
	if err != nil {
		return nil, err
	}
	defer txn.Discard()
	it := txn.Seek(tableSubscriptions, nil, false)
	defer it.Close()
	var subs []*Subscription
	for ; it.Valid(); it.Next() {
		row, err := it.Value()
		if err != nil {
			return nil, err
		}
		sub, err := decodeSubscription(it.Key(), row)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Delete removes the subscription with id. Deleting a missing subscription is a no-op.
func (s *Storage) Delete(ctx context.Context, id uuid.UUID) error {
	unlock, err := s.locks.Lock(ctx, id.String(), s.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()
	return s.merger.Enqueue(ctx, &deleteCommand{id: id})
}

// AcknowledgeBatch advances the position of subscription id by merging cv into it.
func (s *Storage) AcknowledgeBatch(ctx context.Context, id uuid.UUID, cv changevector.ChangeVector) (*Subscription, error) {
	unlock, err := s.locks.Lock(ctx, id.String(), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()
	cmd := &ackCommand{id: id, cv: changevector.Normalize(cv), now: time.Now().UTC()}
	if err = s.merger.Enqueue(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.result, nil
}

// Matches reports whether doc satisfies the criteria of sub.
func (s *Storage) Matches(sub *Subscription, doc *documents.Document) (bool, error) {
	return s.programs.matches(&sub.Criteria, doc)
}

// NextBatch returns up to take documents of the subscribed collection that were written
// locally after the acknowledged position and match the filter.
func (s *Storage) NextBatch(txn storage.ReadTxn, sub *Subscription, take int) ([]*documents.Document, error) {
	pos, err := sub.Position()
	if err != nil {
		return nil, documents.InvalidOperation("subscription %s: %v", sub.ID, err)
	}
	from := pos.EtagFor(s.docs.DatabaseID()) + 1
	var batch []*documents.Document
	for take <= 0 || len(batch) < take {
		docs, err := s.docs.GetDocumentsFromCollection(txn, sub.Criteria.Collection, from, 0, take)
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			ok, err := s.Matches(sub, doc)
			if err != nil {
				return nil, err
			}
			if ok && (take <= 0 || len(batch) < take) {
				batch = append(batch, doc)
			}
		}
		from = docs[len(docs)-1].Etag + 1
		if take <= 0 {
			break
		}
	}
	return batch, nil
}

type createCommand struct {
	sub *Subscription
}

func (c *createCommand) Execute(ctx *documents.Context) (int, error) {
	nameKey := []byte(strings.ToLower(c.sub.Name))
	_, err := ctx.Txn.Get(tableNames, nameKey)
	switch {
	case err == nil:
		return 0, documents.InvalidOperation("subscription %s already exists", c.sub.Name)
	case err != storage.ErrNotFound:
		return 0, err
	}
	if err = ctx.Txn.Set(tableNames, nameKey, c.sub.ID[:]); err != nil {
		return 0, err
	}
	return 1, putSubscription(ctx.Txn, c.sub)
}

type deleteCommand struct {
	id uuid.UUID
}

func (c *deleteCommand) Execute(ctx *documents.Context) (int, error) {
	sub, err := getSubscription(ctx.Txn, c.id)
	if err != nil || sub == nil {
		return 0, err
	}
	if err = ctx.Txn.Delete(tableNames, []byte(strings.ToLower(sub.Name))); err != nil {
		return 0, err
	}
	return 1, ctx.Txn.Delete(tableSubscriptions, c.id[:])
}

type ackCommand struct {
	id  uuid.UUID
	cv  changevector.ChangeVector
	now time.Time

	result *Subscription
}

func (c *ackCommand) Execute(ctx *documents.Context) (int, error) {
	sub, err := getSubscription(ctx.Txn, c.id)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		return 0, documents.InvalidOperation("subscription %s does not exist", c.id)
	}
	pos, err := sub.Position()
	if err != nil {
		return 0, storage.Corruption(tableSubscriptions, c.id[:], err)
	}
	sub.ChangeVector = changevector.Merge(pos, c.cv).String()
	sub.LastAckAt = c.now
	if err = putSubscription(ctx.Txn, sub); err != nil {
		return 0, err
	}
	c.result = sub
	return 1, nil
}
