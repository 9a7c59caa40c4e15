package snapshot

// ChangeSet partitions two snapshots into new, removed and unchanged
// entries. The three sets are disjoint; New and Unchanged together cover
// the after snapshot and Removed and Unchanged cover the before snapshot.
type ChangeSet struct {
	New       []Entry
	Removed   []Entry
	Unchanged []Entry
}

// Diff compares before and after. New and Unchanged follow the order of
// after, Removed follows the order of before. Either snapshot may be nil.
func Diff(before, after *Snapshot) ChangeSet {
	var cs ChangeSet

	for _, e := range after.Entries() {
		if before.Has(e.Key) {
			cs.Unchanged = append(cs.Unchanged, e)
		} else {
			cs.New = append(cs.New, e)
		}
	}

	for _, e := range before.Entries() {
		if !after.Has(e.Key) {
			cs.Removed = append(cs.Removed, e)
		}
	}

	return cs
}

// Empty reports whether nothing was added or removed.
func (cs ChangeSet) Empty() bool {
	return len(cs.New) == 0 && len(cs.Removed) == 0
}

// Counts is a compact summary of a ChangeSet.
type Counts struct {
	New       int `json:"new"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// Counts returns the size of each partition.
func (cs ChangeSet) Counts() Counts {
	return Counts{
		New:       len(cs.New),
		Removed:   len(cs.Removed),
		Unchanged: len(cs.Unchanged),
	}
}
