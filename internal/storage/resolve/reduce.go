package resolve

import (
	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Reduce collapses readings to one LatestRecord per natural key, keeping the
// reading that orders last under types.CompareRecency. The result is sorted
// by natural key and does not depend on the order of readings.
//
// conflicts counts pairs that tie on ingested_at and source_record_id but
// still differ; they are settled by value and unit.
func Reduce(readings []types.Reading) (recs []types.LatestRecord, conflicts int) {
	return Merge(nil, readings)
}

// Merge folds incoming readings into current and returns the new sorted
// LatestRecord set. A stored record is overwritten only when an incoming
// reading orders strictly after it, so Merge(Reduce(a), b) equals
// Reduce(a ++ b). current is not modified.
func Merge(current []types.LatestRecord, incoming []types.Reading) (recs []types.LatestRecord, conflicts int) {
	out := make([]types.LatestRecord, len(current), len(current)+len(incoming))
	copy(out, current)

	index := make(map[types.NaturalKey]int, len(out)+len(incoming))
	for i := range out {
		index[out[i].Key()] = i
	}

	for i := range incoming {
		r := incoming[i]
		key := r.Key()

		pos, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, types.LatestRecord{Reading: r})
			continue
		}

		stored := &out[pos].Reading
		if conflicting(stored, &r) {
			conflicts++
		}
		if types.CompareRecency(&r, stored) > 0 {
			out[pos].Reading = r
		}
	}

	types.SortLatestRecords(out)
	return out, conflicts
}

// conflicting reports whether a and b tie on the authority keys yet are not
// exact duplicates.
func conflicting(a, b *types.Reading) bool {
	if !a.IngestedAt.Equal(b.IngestedAt) || a.SourceRecordID != b.SourceRecordID {
		return false
	}
	return types.CompareRecency(a, b) != 0
}
