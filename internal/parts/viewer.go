package parts

import (
	"context"

	"github.com/solmir/rondo/bus"
)

// Viewer answers catalog queries from committed store state.
type Viewer struct {
	store *Store
}

// NewViewer returns a viewer over store.
func NewViewer(store *Store) *Viewer {
	return &Viewer{store: store}
}

var _ bus.Viewer[Query, View] = (*Viewer)(nil)

// View implements bus.Viewer. A query naming an SKU returns that single
// row or a not-found error; the zero query lists the catalog.
func (v *Viewer) View(_ context.Context, q Query) (View, error) {
	if q.SKU == "" {
		return View{Parts: v.store.List()}, nil
	}
	part, exists := v.store.Lookup(q.SKU)
	if !exists {
		return View{}, unknownSKU("parts/viewer", q.SKU)
	}
	return View{Parts: []PartView{part}}, nil
}
