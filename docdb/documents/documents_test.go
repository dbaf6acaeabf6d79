package documents

import (
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/docdb/changevector"
	"github.com/pingcap-incubator/tinydoc/docdb/config"
	"github.com/pingcap-incubator/tinydoc/docdb/metrics"
	"github.com/pingcap-incubator/tinydoc/docdb/notify"
	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	replicaA = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	replicaB = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []notify.Change
}

func (r *changeRecorder) Raise(c notify.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *changeRecorder) all() []notify.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Change(nil), r.changes...)
}

type testStore struct {
	*DocumentsStorage
	engine  storage.Engine
	changes *changeRecorder
}

func newTestStore(t *testing.T, dbID uuid.UUID) *testStore {
	conf := config.NewTestConfig()
	conf.DatabaseID = dbID.String()
	engine, err := storage.NewBadgerEngine(&conf.Engine)
	require.Nil(t, err)
	t.Cleanup(func() { engine.Close() })
	changes := &changeRecorder{}
	docs, err := Open(engine, conf, changes, metrics.NewForTest())
	require.Nil(t, err)
	return &testStore{DocumentsStorage: docs, engine: engine, changes: changes}
}

// write runs fn in its own transaction and commits it when fn succeeds.
func (s *testStore) write(t *testing.T, fn func(ctx *Context) error) error {
	txn, err := s.engine.NewWriteTxn()
	require.Nil(t, err)
	if err = fn(s.NewContext(txn)); err != nil {
		txn.Discard()
		require.Nil(t, s.RollbackEtags())
		return err
	}
	return txn.Commit()
}

func (s *testStore) read(t *testing.T) storage.ReadTxn {
	txn, err := s.engine.NewReadTxn()
	require.Nil(t, err)
	t.Cleanup(txn.Discard)
	return txn
}

func (s *testStore) put(t *testing.T, key string, data map[string]interface{}) *PutResult {
	var res *PutResult
	require.Nil(t, s.write(t, func(ctx *Context) (err error) {
		res, err = s.Put(ctx, key, nil, data, nil, FlagNone)
		return err
	}))
	return res
}

func (s *testStore) del(t *testing.T, key string) *DeleteResult {
	var res *DeleteResult
	require.Nil(t, s.write(t, func(ctx *Context) (err error) {
		res, err = s.Delete(ctx, key, nil)
		return err
	}))
	return res
}

func userDoc(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":      name,
		"@metadata": map[string]interface{}{"@collection": "Users"},
	}
}

func etagPtr(v uint64) *uint64 { return &v }

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, replicaA)
	data := map[string]interface{}{
		"name":      "Oren",
		"age":       float64(42),
		"tags":      []interface{}{"a", "b"},
		"@metadata": map[string]interface{}{"@collection": "Users"},
	}
	res := s.put(t, "users/1", data)
	assert.Equal(t, "users/1", res.Key)
	assert.Equal(t, "Users", res.Collection)

	doc, err := s.Get(s.read(t), "USERS/1")
	require.Nil(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, data, doc.Data)
	assert.Equal(t, "users/1", doc.Key)
	assert.Equal(t, "users/1", doc.LoweredKey)
	assert.Equal(t, res.Etag, doc.Etag)
	assert.Equal(t, doc.Etag, doc.StorageID)
	assert.Equal(t, res.Etag, doc.ChangeVector.EtagFor(replicaA))
	assert.Equal(t, "Users", doc.Collection)

	missing, err := s.Get(s.read(t), "users/2")
	require.Nil(t, err)
	assert.Nil(t, missing)

	assert.Equal(t, []notify.Change{{Type: notify.Put, Key: "users/1", Etag: res.Etag, Collection: "Users"}}, s.changes.all())
}

func TestEtagsIncreaseWithoutGaps(t *testing.T) {
	s := newTestStore(t, replicaA)
	var etags []uint64
	for i := 0; i < 5; i++ {
		etags = append(etags, s.put(t, "users/1", userDoc("a")).Etag)
		etags = append(etags, s.del(t, "users/1").Etag)
	}
	for i, etag := range etags {
		assert.Equal(t, uint64(i+1), etag)
	}
	assert.Equal(t, uint64(10), s.LastEtag())
}

func TestConcurrencyCheck(t *testing.T) {
	s := newTestStore(t, replicaA)
	first := s.put(t, "users/1", userDoc("a"))

	err := s.write(t, func(ctx *Context) error {
		_, err := s.Put(ctx, "users/1", etagPtr(first.Etag+10), userDoc("b"), nil, FlagNone)
		return err
	})
	require.NotNil(t, err)
	assert.True(t, IsConcurrency(err))
	concurrency := errors.Cause(err).(*ErrConcurrency)
	assert.Equal(t, first.Etag+10, concurrency.Expected)
	assert.Equal(t, first.Etag, concurrency.Actual)

	doc, err := s.Get(s.read(t), "users/1")
	require.Nil(t, err)
	assert.Equal(t, "a", doc.Data["name"])
	assert.Equal(t, first.Etag, doc.Etag)
	// the failed write did not consume an etag
	assert.Equal(t, first.Etag, s.LastEtag())

	// 0 means the document must not exist
	err = s.write(t, func(ctx *Context) error {
		_, err := s.Put(ctx, "users/1", etagPtr(0), userDoc("c"), nil, FlagNone)
		return err
	})
	assert.True(t, IsConcurrency(err))
	require.Nil(t, s.write(t, func(ctx *Context) error {
		_, err := s.Put(ctx, "users/2", etagPtr(0), userDoc("c"), nil, FlagNone)
		return err
	}))

	// absent with a non-zero expectation
	err = s.write(t, func(ctx *Context) error {
		_, err := s.Put(ctx, "users/3", etagPtr(7), userDoc("c"), nil, FlagNone)
		return err
	})
	assert.True(t, IsConcurrency(err))

	require.Nil(t, s.write(t, func(ctx *Context) error {
		_, err := s.Put(ctx, "users/1", etagPtr(first.Etag), userDoc("d"), nil, FlagNone)
		return err
	}))
}

func TestCollectionChangeRejected(t *testing.T) {
	s := newTestStore(t, replicaA)
	s.put(t, "users/1", userDoc("a"))
	err := s.write(t, func(ctx *Context) error {
		_, err := s.Put(ctx, "users/1", nil, map[string]interface{}{
			"@metadata": map[string]interface{}{"@collection": "Orders"},
		}, nil, FlagNone)
		return err
	})
	assert.True(t, IsInvalidOperation(err))

	// the casing of the collection name does not matter
	require.Nil(t, s.write(t, func(ctx *Context) error {
		_, err := s.Put(ctx, "users/1", nil, map[string]interface{}{
			"@metadata": map[string]interface{}{"@collection": "USERS"},
		}, nil, FlagNone)
		return err
	}))

	// delete then recreate moves it
	s.del(t, "users/1")
	res := s.put(t, "users/1", map[string]interface{}{
		"@metadata": map[string]interface{}{"@collection": "Orders"},
	})
	assert.Equal(t, "Orders", res.Collection)
}

func TestTombstoneLifecycle(t *testing.T) {
	s := newTestStore(t, replicaA)
	put := s.put(t, "users/1", userDoc("a"))
	del := s.del(t, "users/1")
	require.NotNil(t, del)
	assert.Equal(t, "Users", del.Collection)

	txn := s.read(t)
	doc, err := s.Get(txn, "users/1")
	require.Nil(t, err)
	assert.Nil(t, doc)
	tombstone, err := s.GetTombstone(txn, "users/1")
	require.Nil(t, err)
	require.NotNil(t, tombstone)
	assert.Equal(t, int64(put.Etag), tombstone.DeletedEtag)
	assert.Equal(t, del.Etag, tombstone.Etag)
	assert.Equal(t, del.Etag, tombstone.ChangeVector.EtagFor(replicaA))

	// deleting again is a no-op
	assert.Nil(t, s.del(t, "users/1"))
	assert.Nil(t, s.del(t, "users/never"))

	again := s.put(t, "users/1", userDoc("b"))
	txn = s.read(t)
	tombstone, err = s.GetTombstone(txn, "users/1")
	require.Nil(t, err)
	assert.Nil(t, tombstone)
	tombstones, err := s.GetTombstonesFrom(txn, "", 0, 0)
	require.Nil(t, err)
	assert.Empty(t, tombstones)
	tombstones, err = s.GetTombstonesFrom(txn, "Users", 0, 0)
	require.Nil(t, err)
	assert.Empty(t, tombstones)

	// the new version descends from the deletion
	doc, err = s.Get(txn, "users/1")
	require.Nil(t, err)
	assert.Equal(t, again.Etag, doc.ChangeVector.EtagFor(replicaA))

	types := []notify.ChangeType{}
	for _, c := range s.changes.all() {
		types = append(types, c.Type)
	}
	assert.Equal(t, []notify.ChangeType{notify.Put, notify.Delete, notify.Put}, types)
}

func TestDeleteWithExpectedEtag(t *testing.T) {
	s := newTestStore(t, replicaA)
	put := s.put(t, "users/1", userDoc("a"))
	err := s.write(t, func(ctx *Context) error {
		_, err := s.Delete(ctx, "users/1", etagPtr(put.Etag+1))
		return err
	})
	assert.True(t, IsConcurrency(err))
	err = s.write(t, func(ctx *Context) error {
		_, err := s.Delete(ctx, "users/missing", etagPtr(3))
		return err
	})
	assert.True(t, IsConcurrency(err))
	require.Nil(t, s.write(t, func(ctx *Context) error {
		res, err := s.Delete(ctx, "users/1", etagPtr(put.Etag))
		assert.NotNil(t, res)
		return err
	}))
}

func TestConflictScenario(t *testing.T) {
	s := newTestStore(t, replicaA)
	local := s.put(t, "k", userDoc("from A"))
	cvA := local.ChangeVector
	require.True(t, cvA.Equal(changevector.New(replicaA, 1)))
	cvB := changevector.New(replicaB, 1)

	require.Nil(t, s.write(t, func(ctx *Context) error {
		return s.AddConflict(ctx, "k", userDoc("from B"), cvB, "")
	}))
	assert.True(t, s.HasConflicts())

	txn := s.read(t)
	conflicts, err := s.GetConflictsFor(txn, "k")
	require.Nil(t, err)
	require.Len(t, conflicts, 2)
	_, err = s.Get(txn, "k")
	require.NotNil(t, err)
	require.True(t, IsConflict(err))
	conflictErr := errors.Cause(err).(*ErrConflict)
	assert.ElementsMatch(t, []changevector.ChangeVector{cvA, cvB}, conflictErr.ChangeVectors)
	// the document row was demoted
	docs, err := s.GetDocumentsFrom(txn, 0, 0, 0)
	require.Nil(t, err)
	assert.Empty(t, docs)

	merged := changevector.Merge(cvA, cvB)
	require.Nil(t, s.write(t, func(ctx *Context) error {
		_, err := s.Put(ctx, "k", nil, userDoc("merged"), merged, FlagResolved)
		return err
	}))

	txn = s.read(t)
	conflicts, err = s.GetConflictsFor(txn, "k")
	require.Nil(t, err)
	assert.Empty(t, conflicts)
	doc, err := s.Get(txn, "k")
	require.Nil(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "merged", doc.Data["name"])
	assert.True(t, doc.ChangeVector.Equal(merged))
	assert.False(t, s.HasConflicts())
	n, err := s.GetNumberOfDocuments(txn)
	require.Nil(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAddConflictIsIdempotent(t *testing.T) {
	s := newTestStore(t, replicaA)
	cv := changevector.New(replicaB, 3)
	for i := 0; i < 2; i++ {
		require.Nil(t, s.write(t, func(ctx *Context) error {
			return s.AddConflict(ctx, "k", userDoc("b"), cv, "")
		}))
	}
	conflicts, err := s.GetConflictsFor(s.read(t), "k")
	require.Nil(t, err)
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].ChangeVector.Equal(cv))
	// the second call added no row, so the counter saw one insert
	assert.Equal(t, int64(1), s.conflicts.Load())
}

func TestUnsortedChangeVectorsAreNormalized(t *testing.T) {
	s := newTestStore(t, replicaA)
	var res *PutResult
	require.Nil(t, s.write(t, func(ctx *Context) (err error) {
		res, err = s.Put(ctx, "users/1", nil, userDoc("a"),
			changevector.ChangeVector{{DbID: replicaB, Etag: 2}, {DbID: replicaA, Etag: 5}}, FlagFromReplication)
		return err
	}))
	want := changevector.FromEntries(changevector.Entry{DbID: replicaA, Etag: 5}, changevector.Entry{DbID: replicaB, Etag: 2})
	assert.Equal(t, want, res.ChangeVector)
	doc, err := s.Get(s.read(t), "users/1")
	require.Nil(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, want, doc.ChangeVector)

	// the same conflicting version in two orders is one conflict
	incoming := []changevector.ChangeVector{
		{{DbID: replicaB, Etag: 9}, {DbID: replicaA, Etag: 1}},
		{{DbID: replicaA, Etag: 1}, {DbID: replicaB, Etag: 9}},
	}
	for _, cv := range incoming {
		require.Nil(t, s.write(t, func(ctx *Context) error {
			return s.AddConflict(ctx, "users/1", userDoc("b"), cv, "")
		}))
	}
	conflicts, err := s.GetConflictsFor(s.read(t), "users/1")
	require.Nil(t, err)
	require.Len(t, conflicts, 2)
	for _, c := range conflicts {
		assert.True(t, c.ChangeVector.IsSorted(), c.ChangeVector.String())
	}
	assert.True(t, conflicts[0].ChangeVector.Equal(want) || conflicts[1].ChangeVector.Equal(want))
	assert.Equal(t, int64(2), s.conflicts.Load())
}

func TestAddConflictDropsDominatedConflicts(t *testing.T) {
	s := newTestStore(t, replicaA)
	require.Nil(t, s.write(t, func(ctx *Context) error {
		if err := s.AddConflict(ctx, "k", userDoc("b1"), changevector.New(replicaB, 1), ""); err != nil {
			return err
		}
		return s.AddConflict(ctx, "k", nil, changevector.New(replicaA, 1), "Users")
	}))
	require.Nil(t, s.write(t, func(ctx *Context) error {
		return s.AddConflict(ctx, "k", userDoc("b2"), changevector.New(replicaB, 2), "")
	}))
	conflicts, err := s.GetConflictsFor(s.read(t), "k")
	require.Nil(t, err)
	require.Len(t, conflicts, 2)
	var tombstones, docs int
	for _, c := range conflicts {
		if c.IsTombstone() {
			tombstones++
		} else {
			docs++
			assert.Equal(t, "b2", c.Doc["name"])
		}
	}
	assert.Equal(t, 1, tombstones)
	assert.Equal(t, 1, docs)

	// a delete resolves the conflicts into a tombstone
	res := s.del(t, "k")
	require.NotNil(t, res)
	txn := s.read(t)
	tombstone, err := s.GetTombstone(txn, "k")
	require.Nil(t, err)
	require.NotNil(t, tombstone)
	assert.Equal(t, int64(-1), tombstone.DeletedEtag)
	assert.Equal(t, uint64(2), tombstone.ChangeVector.EtagFor(replicaB))
	assert.Equal(t, res.Etag, tombstone.ChangeVector.EtagFor(replicaA))
	conflicts, err = s.GetConflictsFor(txn, "k")
	require.Nil(t, err)
	assert.Empty(t, conflicts)
	assert.False(t, s.HasConflicts())
}

func TestAddConflictAlreadyMergedIsIgnored(t *testing.T) {
	s := newTestStore(t, replicaA)
	s.put(t, "k", userDoc("a"))
	s.put(t, "k", userDoc("a2"))
	require.Nil(t, s.write(t, func(ctx *Context) error {
		return s.AddConflict(ctx, "k", userDoc("old"), changevector.New(replicaA, 1), "")
	}))
	assert.False(t, s.HasConflicts())
	doc, err := s.Get(s.read(t), "k")
	require.Nil(t, err)
	assert.Equal(t, "a2", doc.Data["name"])
}

func TestTryResolveIdenticalDocument(t *testing.T) {
	s := newTestStore(t, replicaA)
	local := userDoc("same")
	local["@metadata"].(map[string]interface{})["@last-modified"] = "2020-01-01"
	s.put(t, "k", local)

	incoming := userDoc("same")
	incoming["@metadata"].(map[string]interface{})["@change-vector"] = "B:1"
	var resolved bool
	require.Nil(t, s.write(t, func(ctx *Context) (err error) {
		resolved, err = s.TryResolveIdenticalDocument(ctx, "k", incoming, changevector.New(replicaB, 1))
		return err
	}))
	assert.True(t, resolved)
	doc, err := s.Get(s.read(t), "k")
	require.Nil(t, err)
	assert.Equal(t, uint64(1), doc.ChangeVector.EtagFor(replicaB))
	assert.Equal(t, uint64(1), doc.ChangeVector.EtagFor(replicaA))
	assert.True(t, doc.Flags.Has(FlagResolved))

	require.Nil(t, s.write(t, func(ctx *Context) (err error) {
		resolved, err = s.TryResolveIdenticalDocument(ctx, "k", userDoc("different"), changevector.New(replicaB, 2))
		return err
	}))
	assert.False(t, resolved)

	// a deletion settles against a tombstone
	s.del(t, "k")
	require.Nil(t, s.write(t, func(ctx *Context) (err error) {
		resolved, err = s.TryResolveIdenticalDocument(ctx, "k", nil, changevector.New(replicaB, 5))
		return err
	}))
	assert.True(t, resolved)
	tombstone, err := s.GetTombstone(s.read(t), "k")
	require.Nil(t, err)
	assert.Equal(t, uint64(5), tombstone.ChangeVector.EtagFor(replicaB))
}

func TestAddTombstoneOnReplication(t *testing.T) {
	s := newTestStore(t, replicaA)
	put := s.put(t, "users/1", userDoc("a"))
	remote := changevector.Merge(put.ChangeVector, changevector.New(replicaB, 4))
	require.Nil(t, s.write(t, func(ctx *Context) error {
		return s.AddTombstoneOnReplicationIfRelevant(ctx, "users/1", remote, "Users")
	}))

	txn := s.read(t)
	doc, err := s.Get(txn, "users/1")
	require.Nil(t, err)
	assert.Nil(t, doc)
	tombstone, err := s.GetTombstone(txn, "users/1")
	require.Nil(t, err)
	require.NotNil(t, tombstone)
	assert.Equal(t, int64(put.Etag), tombstone.DeletedEtag)
	assert.True(t, tombstone.ChangeVector.Equal(remote))
	assert.True(t, tombstone.Flags.Has(FlagFromReplication))
	tombstones, err := s.GetTombstonesFrom(txn, "", 0, 0)
	require.Nil(t, err)
	assert.Len(t, tombstones, 1)

	// an existing tombstone only absorbs the vector
	require.Nil(t, s.write(t, func(ctx *Context) error {
		return s.AddTombstoneOnReplicationIfRelevant(ctx, "users/1", changevector.New(replicaB, 9), "Users")
	}))
	txn = s.read(t)
	again, err := s.GetTombstone(txn, "users/1")
	require.Nil(t, err)
	assert.Equal(t, tombstone.Etag, again.Etag)
	assert.Equal(t, uint64(9), again.ChangeVector.EtagFor(replicaB))

	// unknown documents still get a tombstone
	require.Nil(t, s.write(t, func(ctx *Context) error {
		return s.AddTombstoneOnReplicationIfRelevant(ctx, "users/2", changevector.New(replicaB, 10), "Users")
	}))
	unknown, err := s.GetTombstone(s.read(t), "users/2")
	require.Nil(t, err)
	assert.Equal(t, int64(-1), unknown.DeletedEtag)

	last := s.changes.all()[len(s.changes.all())-1]
	assert.Equal(t, notify.DeleteOnTombstoneReplication, last.Type)
	assert.Equal(t, "users/2", last.Key)
}

func TestIdentityDoesNotOverwrite(t *testing.T) {
	s := newTestStore(t, replicaA)
	s.put(t, "orders/5", map[string]interface{}{})
	seen := map[string]bool{"orders/5": true}
	for i := 0; i < 8; i++ {
		res := s.put(t, "orders/", map[string]interface{}{})
		assert.False(t, seen[res.Key], res.Key)
		seen[res.Key] = true
	}
	res := s.put(t, "orders|", map[string]interface{}{})
	assert.False(t, seen[res.Key])
	assert.Equal(t, "orders/10", res.Key)

	identities, err := s.GetIdentities(s.read(t))
	require.Nil(t, err)
	assert.Equal(t, uint64(10), identities["orders/"])
}

func TestIdentitySearchSkipsDenseRange(t *testing.T) {
	s := newTestStore(t, replicaA)
	for i := 1; i <= 20; i++ {
		s.put(t, "items/"+strconv.Itoa(i), map[string]interface{}{})
	}
	assert.Equal(t, "items/21", s.put(t, "items/", nil).Key)
	assert.Equal(t, "items/22", s.put(t, "items/", nil).Key)
	s.put(t, "items/23", nil)
	assert.Equal(t, "items/24", s.put(t, "items/", nil).Key)
}

func TestNextIdentityProbe(t *testing.T) {
	// busy: 5, free: 6 and up
	busy := func(v uint64) bool { return v <= 5 }
	search := newIdentitySearch(5)
	for i := 0; i < 64; i++ {
		next, found := nextIdentityProbe(search, !busy(search.maybeFree))
		if found {
			assert.Equal(t, uint64(6), next.maybeFree)
			return
		}
		search = next
	}
	t.Fatal("identity search did not converge")
}

func TestNextIdentityProbeNarrows(t *testing.T) {
	s, found := nextIdentityProbe(identitySearch{lastKnownBusy: 5, maybeFree: 10, lastKnownFree: 1 << 63}, true)
	assert.False(t, found)
	assert.Equal(t, identitySearch{lastKnownBusy: 5, maybeFree: 8, lastKnownFree: 10}, s)

	s, found = nextIdentityProbe(s, false)
	assert.False(t, found)
	assert.Equal(t, identitySearch{lastKnownBusy: 8, maybeFree: 10, lastKnownFree: 10}, s)

	s, found = nextIdentityProbe(identitySearch{lastKnownBusy: 8, maybeFree: 9, lastKnownFree: 10}, true)
	assert.True(t, found)
	assert.Equal(t, uint64(9), s.maybeFree)
}

func TestSystemDocumentsAndEmptyKeys(t *testing.T) {
	s := newTestStore(t, replicaA)
	sys := s.put(t, "sys/config", userDoc("ignored collection"))
	assert.Equal(t, "@system", sys.Collection)
	col := s.GetCollection("@system")
	require.NotNil(t, col)
	assert.True(t, col.IsSystem)

	random := s.put(t, "", map[string]interface{}{})
	_, err := uuid.Parse(random.Key)
	assert.Nil(t, err)
	assert.Equal(t, "@empty", random.Collection)

	changes := s.changes.all()
	assert.True(t, changes[0].IsSystem)
	assert.False(t, changes[1].IsSystem)
}

func TestCollectionVisibleOnlyAfterCommit(t *testing.T) {
	s := newTestStore(t, replicaA)
	txn, err := s.engine.NewWriteTxn()
	require.Nil(t, err)
	ctx := s.NewContext(txn)
	col, err := s.ExtractCollectionName(ctx, "Orders")
	require.Nil(t, err)
	again, err := s.ExtractCollectionName(ctx, "orders")
	require.Nil(t, err)
	assert.Same(t, col, again)
	assert.Nil(t, s.GetCollection("Orders"))
	txn.Discard()
	assert.Nil(t, s.GetCollection("Orders"))

	s.put(t, "orders/1", map[string]interface{}{"@metadata": map[string]interface{}{"@collection": "Orders"}})
	require.NotNil(t, s.GetCollection("orders"))
	names := []string{}
	for _, c := range s.GetCollections() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Orders"}, names)

	err = s.write(t, func(ctx *Context) error {
		_, err := s.ExtractCollectionName(ctx, "bad\x01name")
		return err
	})
	assert.True(t, IsInvalidOperation(err))
}

func TestScans(t *testing.T) {
	s := newTestStore(t, replicaA)
	s.put(t, "users/1", userDoc("1"))
	s.put(t, "orders/1", map[string]interface{}{"@metadata": map[string]interface{}{"@collection": "Orders"}})
	s.put(t, "users/2", userDoc("2"))
	s.put(t, "users/3", userDoc("3"))
	s.put(t, "users/1", userDoc("1b"))

	txn := s.read(t)
	docs, err := s.GetDocumentsFrom(txn, 0, 0, 0)
	require.Nil(t, err)
	keys := func(docs []*Document) []string {
		out := []string{}
		for _, d := range docs {
			out = append(out, d.Key)
		}
		return out
	}
	assert.Equal(t, []string{"orders/1", "users/2", "users/3", "users/1"}, keys(docs))

	docs, err = s.GetDocumentsFrom(txn, 3, 1, 2)
	require.Nil(t, err)
	assert.Equal(t, []string{"users/3", "users/1"}, keys(docs))

	docs, err = s.GetDocumentsFromCollection(txn, "users", 0, 0, 2)
	require.Nil(t, err)
	assert.Equal(t, []string{"users/2", "users/3"}, keys(docs))
	docs, err = s.GetDocumentsFromCollection(txn, "nope", 0, 0, 0)
	require.Nil(t, err)
	assert.Empty(t, docs)

	docs, err = s.GetDocumentsStartingWith(txn, "Users/", 1, 0)
	require.Nil(t, err)
	assert.Equal(t, []string{"users/2", "users/3"}, keys(docs))
}

func TestNoActiveTransaction(t *testing.T) {
	s := newTestStore(t, replicaA)
	_, err := s.Put(nil, "k", nil, nil, nil, FlagNone)
	assert.True(t, IsInvalidOperation(err))
	_, err = s.Delete(&Context{}, "k", nil)
	assert.True(t, IsInvalidOperation(err))
}

func TestRecovery(t *testing.T) {
	conf := config.NewTestConfig()
	conf.Engine.InMemory = false
	conf.Engine.DBPath = t.TempDir()
	engine, err := storage.NewBadgerEngine(&conf.Engine)
	require.Nil(t, err)
	docs, err := Open(engine, conf, nil, metrics.NewForTest())
	require.Nil(t, err)
	dbID := docs.DatabaseID()
	s := &testStore{DocumentsStorage: docs, engine: engine, changes: &changeRecorder{}}

	s.put(t, "users/1", userDoc("a"))
	s.put(t, "users/2", userDoc("b"))
	s.del(t, "users/2")
	// demote users/1 so no row carries the newest document etag
	require.Nil(t, s.write(t, func(ctx *Context) error {
		return s.AddConflict(ctx, "users/1", userDoc("remote"), changevector.New(replicaB, 1), "")
	}))
	require.Nil(t, engine.Close())

	engine, err = storage.NewBadgerEngine(&conf.Engine)
	require.Nil(t, err)
	defer engine.Close()
	reopened, err := Open(engine, conf, nil, metrics.NewForTest())
	require.Nil(t, err)
	assert.Equal(t, dbID, reopened.DatabaseID())
	assert.Equal(t, uint64(3), reopened.LastEtag())
	assert.True(t, reopened.HasConflicts())
	assert.NotNil(t, reopened.GetCollection("Users"))

	conf.DatabaseID = uuid.NewString()
	_, err = Open(engine, conf, nil, metrics.NewForTest())
	assert.NotNil(t, err)
}

func TestReplicationState(t *testing.T) {
	s := newTestStore(t, replicaA)
	cv, err := s.GetDatabaseChangeVector(s.read(t))
	require.Nil(t, err)
	assert.Empty(t, cv)

	s.put(t, "users/1", userDoc("a"))
	require.Nil(t, s.write(t, func(ctx *Context) error {
		if err := s.SetDatabaseChangeVector(ctx, changevector.New(replicaB, 7)); err != nil {
			return err
		}
		return s.SetLastReplicateEtagFrom(ctx, replicaB, 7)
	}))
	txn := s.read(t)
	cv, err = s.GetDatabaseChangeVector(txn)
	require.Nil(t, err)
	assert.True(t, cv.Equal(changevector.FromEntries(
		changevector.Entry{DbID: replicaA, Etag: 1},
		changevector.Entry{DbID: replicaB, Etag: 7})))
	etag, err := s.GetLastReplicateEtagFrom(txn, replicaB)
	require.Nil(t, err)
	assert.Equal(t, uint64(7), etag)
	etag, err = s.GetLastReplicateEtagFrom(txn, replicaA)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), etag)
}

func TestCorruptRowIsReported(t *testing.T) {
	s := newTestStore(t, replicaA)
	txn, err := s.engine.NewWriteTxn()
	require.Nil(t, err)
	require.Nil(t, txn.Set(tableDocs, []byte("users/1"), []byte{1, 2, 3}))
	require.Nil(t, txn.Commit())
	_, err = s.Get(s.read(t), "users/1")
	assert.True(t, storage.IsCorruption(err))
}
