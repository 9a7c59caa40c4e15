package snapshot

import (
	"context"

	"github.com/aliest/leadsync/internal/schema"
)

// Entry is one fingerprinted lead.
type Entry struct {
	Key  Key
	Lead schema.Lead
}

// Snapshot is a fingerprint-keyed view of a lead collection. Leads with
// equal fingerprints collapse to the first one seen.
type Snapshot struct {
	entries map[Key]schema.Lead
	order   []Key

	// Raw is the number of leads the snapshot was built from.
	Raw int
	// Duplicates is Raw minus the number of distinct fingerprints.
	Duplicates int
}

// LeadLister reads every lead currently in the dataset.
type LeadLister interface {
	ListLeadsContext(ctx context.Context) ([]schema.Lead, error)
}

// Build fingerprints leads into a new Snapshot.
func Build(leads []schema.Lead) *Snapshot {
	s := &Snapshot{
		entries: make(map[Key]schema.Lead, len(leads)),
		order:   make([]Key, 0, len(leads)),
		Raw:     len(leads),
	}
	for _, lead := range leads {
		key := Fingerprint(lead)
		if _, ok := s.entries[key]; ok {
			s.Duplicates++
			continue
		}
		s.entries[key] = lead
		s.order = append(s.order, key)
	}
	return s
}

// FromPersisted snapshots the current dataset.
func FromPersisted(ctx context.Context, store LeadLister) (*Snapshot, error) {
	leads, err := store.ListLeadsContext(ctx)
	if err != nil {
		return nil, err
	}
	return Build(leads), nil
}

// FromSource snapshots validated source leads.
func FromSource(leads []schema.Lead) *Snapshot {
	return Build(leads)
}

// Len returns the number of distinct fingerprints.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Has reports whether key is in the snapshot.
func (s *Snapshot) Has(key Key) bool {
	if s == nil {
		return false
	}
	_, ok := s.entries[key]
	return ok
}

// Get returns the lead stored under key.
func (s *Snapshot) Get(key Key) (schema.Lead, bool) {
	if s == nil {
		return schema.Lead{}, false
	}
	lead, ok := s.entries[key]
	return lead, ok
}

// Keys returns fingerprints in first-seen order.
func (s *Snapshot) Keys() []Key {
	if s == nil {
		return nil
	}
	keys := make([]Key, len(s.order))
	copy(keys, s.order)
	return keys
}

// Entries returns all entries in first-seen order.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	entries := make([]Entry, 0, len(s.order))
	for _, key := range s.order {
		entries = append(entries, Entry{Key: key, Lead: s.entries[key]})
	}
	return entries
}
