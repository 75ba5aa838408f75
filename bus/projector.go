package bus

import "context"

// Projector applies infrastructure-facing projections: index updates,
// cache fills, notifications, external syncs. Project must be idempotent;
// at-least-once delivery means a nacked projection comes back.
type Projector[P any] interface {
	Project(ctx context.Context, projection P) error
}
