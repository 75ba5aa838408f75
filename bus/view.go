package bus

import "context"

// Viewer answers read-model queries. Queries carry no transactional or
// side-effect semantics; View is a plain read.
type Viewer[Q, V any] interface {
	View(ctx context.Context, query Q) (V, error)
}
