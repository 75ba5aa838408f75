package parts

import (
	"sort"
	"sync"

	"github.com/solmir/rondo/errs"
)

const storeComponent = "parts/store"

// Store is the in-memory catalog: the authoritative part rows, the
// search index maintained by the projector, and the committed event
// journal. All methods are safe for concurrent use.
//
// Writes reach the part rows only through apply, which the unit of work
// calls at commit; uncommitted work is never visible here.
type Store struct {
	mu      sync.RWMutex
	parts   map[string]PartView
	index   map[string]IndexEntry
	journal []Event
}

// NewStore returns an empty catalog store.
func NewStore() *Store {
	return &Store{
		parts: make(map[string]PartView),
		index: make(map[string]IndexEntry),
	}
}

// Lookup returns the committed row for sku.
func (s *Store) Lookup(sku string) (PartView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	part, ok := s.parts[sku]
	return part, ok
}

// List returns every committed row ordered by SKU.
func (s *Store) List() []PartView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PartView, 0, len(s.parts))
	for _, part := range s.parts {
		out = append(out, part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// apply commits events against the catalog in order. The whole batch is
// validated before any row changes, so a failed commit leaves the catalog
// untouched.
func (s *Store) apply(events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]PartView, len(events))
	stagedLookup := func(sku string) (PartView, bool) {
		if part, ok := staged[sku]; ok {
			return part, ok
		}
		part, ok := s.parts[sku]
		return part, ok
	}

	for _, evt := range events {
		switch e := evt.(type) {
		case PartCreated:
			if _, exists := stagedLookup(e.SKU); exists {
				return errs.New(storeComponent, errs.CodeConflict,
					errs.WithMessage("sku already in catalog"),
					errs.WithField("sku", e.SKU))
			}
			staged[e.SKU] = PartView{
				PartID:    e.PartID,
				SKU:       e.SKU,
				Name:      e.Name,
				UnitPrice: e.UnitPrice,
			}
		case PriceAdjusted:
			part, exists := stagedLookup(e.SKU)
			if !exists {
				return unknownSKU(storeComponent, e.SKU)
			}
			part.UnitPrice = e.UnitPrice
			staged[e.SKU] = part
		case PartRetired:
			part, exists := stagedLookup(e.SKU)
			if !exists {
				return unknownSKU(storeComponent, e.SKU)
			}
			part.Retired = true
			staged[e.SKU] = part
		default:
			return errs.New(storeComponent, errs.CodeInvalid,
				errs.WithMessage("event variant not applicable"))
		}
	}

	for sku, part := range staged {
		s.parts[sku] = part
	}
	s.journal = append(s.journal, events...)
	return nil
}

func unknownSKU(component, sku string) error {
	return errs.New(component, errs.CodeNotFound,
		errs.WithMessage("sku not in catalog"),
		errs.WithField("sku", sku))
}

// Journal returns the committed events in commit order.
func (s *Store) Journal() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.journal))
	copy(out, s.journal)
	return out
}

// UpsertIndex writes one search-index row. Repeated writes of the same
// entry are no-ops, which keeps redelivered projections harmless.
func (s *Store) UpsertIndex(entry IndexEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[entry.SKU] = entry
}

// DropIndex removes the search-index row for sku, if present.
func (s *Store) DropIndex(sku string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, sku)
}

// Index returns the search-index row for sku.
func (s *Store) Index(sku string) (IndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.index[sku]
	return entry, ok
}

// IndexEntries returns every search-index row ordered by SKU.
func (s *Store) IndexEntries() []IndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IndexEntry, 0, len(s.index))
	for _, entry := range s.index {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}
