// Package changevector implements change vectors: per-replica high-water etags used as a
// causality summary for multi-writer conflict detection.
package changevector

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/docdb/util/codec"
	"github.com/pingcap/errors"
)

// Entry is the highest etag seen from one replica.
type Entry struct {
	DbID uuid.UUID
	Etag uint64
}

// ChangeVector is kept sorted by DbID with at most one entry per replica. Functions in this
// package return sorted vectors and accept entries in any order.
type ChangeVector []Entry

// Status is the relation of an incoming change vector to an existing one.
type Status int

const (
	// Update means incoming dominates existing; existing can be dropped.
	Update Status = iota
	// Conflict means neither vector dominates the other.
	Conflict
	// AlreadyMerged means existing already reflects everything incoming carries.
	AlreadyMerged
	// ShouldResolveConflict is reserved. Classify never returns it.
	ShouldResolveConflict
)

func (s Status) String() string {
	switch s {
	case Update:
		return "Update"
	case Conflict:
		return "Conflict"
	case AlreadyMerged:
		return "AlreadyMerged"
	case ShouldResolveConflict:
		return "ShouldResolveConflict"
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// New returns a single-entry vector.
func New(dbID uuid.UUID, etag uint64) ChangeVector {
	return ChangeVector{{DbID: dbID, Etag: etag}}
}

// FromEntries sorts entries and folds duplicate ids, keeping the highest etag.
func FromEntries(entries ...Entry) ChangeVector {
	cv := make(ChangeVector, 0, len(entries))
	cv = append(cv, entries...)
	sort.Slice(cv, func(i, j int) bool {
		return bytes.Compare(cv[i].DbID[:], cv[j].DbID[:]) < 0
	})
	out := cv[:0]
	for _, e := range cv {
		if n := len(out); n > 0 && out[n-1].DbID == e.DbID {
			if e.Etag > out[n-1].Etag {
				out[n-1].Etag = e.Etag
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

// IsSorted reports whether cv is sorted by DbID without duplicate ids.
func (cv ChangeVector) IsSorted() bool {
	for i := 1; i < len(cv); i++ {
		if compareIDs(cv[i-1].DbID, cv[i].DbID) >= 0 {
			return false
		}
	}
	return true
}

// Normalize returns cv when it is sorted and a sorted copy, duplicates folded, otherwise.
func Normalize(cv ChangeVector) ChangeVector {
	if cv.IsSorted() {
		return cv
	}
	return FromEntries(cv...)
}

func compareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// Merge returns the union of a and b with the pointwise maximum etag. A missing entry counts
// as etag 0.
func Merge(a, b ChangeVector) ChangeVector {
	a, b = Normalize(a), Normalize(b)
	merged := make(ChangeVector, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := compareIDs(a[i].DbID, b[j].DbID); {
		case c < 0:
			merged = append(merged, a[i])
			i++
		case c > 0:
			merged = append(merged, b[j])
			j++
		default:
			e := a[i]
			if b[j].Etag > e.Etag {
				e.Etag = b[j].Etag
			}
			merged = append(merged, e)
			i++
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}

// MergeAll folds Merge over vectors.
func MergeAll(vectors ...ChangeVector) ChangeVector {
	var merged ChangeVector
	for _, cv := range vectors {
		merged = Merge(merged, cv)
	}
	return merged
}

// Classify compares incoming against existing entry by entry. It walks both vectors once and
// only allocates to sort an unsorted one.
func Classify(incoming, existing ChangeVector) Status {
	incoming, existing = Normalize(incoming), Normalize(existing)
	// incomingAhead: some entry of incoming is greater than existing's.
	// existingAhead: some entry of existing is greater than incoming's.
	incomingAhead, existingAhead := false, false
	i, j := 0, 0
	for i < len(incoming) && j < len(existing) {
		switch c := compareIDs(incoming[i].DbID, existing[j].DbID); {
		case c < 0:
			if incoming[i].Etag > 0 {
				incomingAhead = true
			}
			i++
		case c > 0:
			if existing[j].Etag > 0 {
				existingAhead = true
			}
			j++
		default:
			if incoming[i].Etag > existing[j].Etag {
				incomingAhead = true
			} else if incoming[i].Etag < existing[j].Etag {
				existingAhead = true
			}
			i++
			j++
		}
		if incomingAhead && existingAhead {
			return Conflict
		}
	}
	for ; i < len(incoming); i++ {
		if incoming[i].Etag > 0 {
			incomingAhead = true
		}
	}
	for ; j < len(existing); j++ {
		if existing[j].Etag > 0 {
			existingAhead = true
		}
	}
	switch {
	case incomingAhead && existingAhead:
		return Conflict
	case incomingAhead:
		return Update
	default:
		// incoming <= existing pointwise, identical vectors included.
		return AlreadyMerged
	}
}

// Bump returns a copy of cv with dbID's entry set to etag.
func Bump(cv ChangeVector, dbID uuid.UUID, etag uint64) ChangeVector {
	return Merge(cv.withoutID(dbID), New(dbID, etag))
}

func (cv ChangeVector) withoutID(dbID uuid.UUID) ChangeVector {
	out := make(ChangeVector, 0, len(cv))
	for _, e := range cv {
		if e.DbID != dbID {
			out = append(out, e)
		}
	}
	return out
}

// EtagFor returns the etag recorded for dbID, or 0.
func (cv ChangeVector) EtagFor(dbID uuid.UUID) uint64 {
	i := sort.Search(len(cv), func(i int) bool {
		return compareIDs(cv[i].DbID, dbID) >= 0
	})
	if i < len(cv) && cv[i].DbID == dbID {
		return cv[i].Etag
	}
	return 0
}

func (cv ChangeVector) Equal(other ChangeVector) bool {
	if len(cv) != len(other) {
		return false
	}
	for i := range cv {
		if cv[i] != other[i] {
			return false
		}
	}
	return true
}

func (cv ChangeVector) Clone() ChangeVector {
	if cv == nil {
		return nil
	}
	out := make(ChangeVector, len(cv))
	copy(out, cv)
	return out
}

// String renders "id:etag, id:etag".
func (cv ChangeVector) String() string {
	var sb strings.Builder
	for i, e := range cv {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.DbID.String())
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(e.Etag, 10))
	}
	return sb.String()
}

// Parse reads the String form.
func Parse(s string) (ChangeVector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	entries := make([]Entry, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		idx := strings.LastIndexByte(p, ':')
		if idx < 0 {
			return nil, errors.Errorf("invalid change vector entry %q", p)
		}
		id, err := uuid.Parse(p[:idx])
		if err != nil {
			return nil, errors.Annotatef(err, "invalid replica id in %q", p)
		}
		etag, err := strconv.ParseUint(p[idx+1:], 10, 64)
		if err != nil {
			return nil, errors.Annotatef(err, "invalid etag in %q", p)
		}
		entries = append(entries, Entry{DbID: id, Etag: etag})
	}
	return FromEntries(entries...), nil
}

// Encode appends the binary form: uvarint count, then 16-byte id and big-endian etag per
// entry.
func (cv ChangeVector) Encode(w *codec.RowWriter) {
	w.Uvarint(uint64(len(cv)))
	for _, e := range cv {
		w.Raw(e.DbID[:])
		w.Uint64(e.Etag)
	}
}

// Bytes returns the standalone binary form.
func (cv ChangeVector) Bytes() []byte {
	w := codec.NewRowWriter(1 + len(cv)*24)
	cv.Encode(w)
	return w.Row()
}

// maxEntries bounds decoding of corrupted counts.
const maxEntries = 1 << 16

// Decode reads a vector written by Encode.
func Decode(r *codec.RowReader) ChangeVector {
	n := r.Uvarint()
	if r.Err() != nil || n == 0 {
		return nil
	}
	if n > maxEntries {
		// a negative read marks the reader as failed
		r.Raw(-1)
		return nil
	}
	cv := make(ChangeVector, 0, n)
	for k := uint64(0); k < n; k++ {
		var e Entry
		copy(e.DbID[:], r.Raw(16))
		e.Etag = r.Uint64()
		if r.Err() != nil {
			return nil
		}
		cv = append(cv, e)
	}
	return cv
}

// FromBytes decodes a standalone vector.
func FromBytes(b []byte) (ChangeVector, error) {
	if len(b) == 0 {
		return nil, nil
	}
	r := codec.NewRowReader(b)
	cv := Decode(r)
	return cv, r.Done()
}
