package documents

import (
	"math"
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinydoc/docdb/storage"
	"github.com/pingcap-incubator/tinydoc/docdb/util/codec"
)

// identitySearch is the state of the search for a free identity above a busy one.
type identitySearch struct {
	lastKnownBusy uint64
	maybeFree     uint64
	lastKnownFree uint64
}

func newIdentitySearch(busy uint64) identitySearch {
	return identitySearch{
		lastKnownBusy: busy,
		maybeFree:     saturatingDouble(busy),
		lastKnownFree: math.MaxUint64,
	}
}

func saturatingDouble(v uint64) uint64 {
	if v > math.MaxUint64/2 {
		return math.MaxUint64
	}
	return v * 2
}

// nextIdentityProbe folds the result of probing s.maybeFree into the search. A free probe
// right above the last busy value is the answer. A free probe further up halves the gap, a
// busy one doubles the bound, never past the last value known to be free.
func nextIdentityProbe(s identitySearch, probeIsFree bool) (next identitySearch, found bool) {
	if probeIsFree {
		if s.lastKnownBusy+1 == s.maybeFree {
			return s, true
		}
		s.lastKnownFree = s.maybeFree
		half := s.maybeFree - (s.maybeFree-s.lastKnownBusy)/2
		if half < s.lastKnownBusy+1 {
			half = s.lastKnownBusy + 1
		}
		s.maybeFree = half
		return s, false
	}
	s.lastKnownBusy = s.maybeFree
	doubled := saturatingDouble(s.maybeFree)
	if doubled > s.lastKnownFree {
		doubled = s.lastKnownFree
	}
	s.maybeFree = doubled
	return s, false
}

// identityPrefix turns "orders|" and "orders/" into "orders/".
func identityPrefix(key string) string {
	if strings.HasSuffix(key, "|") {
		return key[:len(key)-1] + "/"
	}
	return key
}

// GetNextIdentityValueWithoutOverwritingOnExistingDocuments returns prefix followed by the
// next free identity of prefix and stores that identity as the prefix counter. Documents
// written under the prefix without an identity are never overwritten.
func (s *DocumentsStorage) GetNextIdentityValueWithoutOverwritingOnExistingDocuments(ctx *Context, key string) (string, error) {
	if err := ctx.check(); err != nil {
		return "", err
	}
	prefix := identityPrefix(key)
	counterKey := []byte(lowerKey(prefix))
	var counter uint64
	val, err := ctx.Txn.Get(tableIdentities, counterKey)
	switch {
	case err == nil:
		if counter, err = decodeEtag(tableIdentities, counterKey, val); err != nil {
			return "", err
		}
	case err != storage.ErrNotFound:
		return "", err
	}

	candidate := counter + 1
	free, err := s.identityIsFree(ctx.Txn, prefix, candidate)
	if err != nil {
		return "", err
	}
	if !free {
		search := newIdentitySearch(candidate)
		for {
			if free, err = s.identityIsFree(ctx.Txn, prefix, search.maybeFree); err != nil {
				return "", err
			}
			var found bool
			if search, found = nextIdentityProbe(search, free); found {
				break
			}
		}
		candidate = search.maybeFree
	}
	if err = ctx.Txn.Set(tableIdentities, counterKey, codec.EncodeEtag(candidate)); err != nil {
		return "", err
	}
	return prefix + strconv.FormatUint(candidate, 10), nil
}

func (s *DocumentsStorage) identityIsFree(txn storage.ReadTxn, prefix string, value uint64) (bool, error) {
	lowered := lowerKey(prefix + strconv.FormatUint(value, 10))
	_, err := txn.Get(tableDocs, []byte(lowered))
	switch {
	case err == nil:
		return false, nil
	case err != storage.ErrNotFound:
		return false, err
	}
	if !s.HasConflicts() {
		return true, nil
	}
	conflicts, err := s.getConflicts(txn, lowered)
	return len(conflicts) == 0, err
}

// GetIdentities returns the identity counter of every prefix.
func (s *DocumentsStorage) GetIdentities(txn storage.ReadTxn) (map[string]uint64, error) {
	it := txn.Seek(tableIdentities, nil, false)
	defer it.Close()
	identities := make(map[string]uint64)
	for ; it.Valid(); it.Next() {
		key := it.Key()
		val, err := it.Value()
		if err != nil {
			return nil, err
		}
		v, err := decodeEtag(tableIdentities, key, val)
		if err != nil {
			return nil, err
		}
		identities[string(key)] = v
	}
	return identities, nil
}
