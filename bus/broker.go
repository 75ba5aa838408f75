package bus

import "context"

// Broker moves envelopes between the runtime and its transport.
//
// Implementations must provide at-least-once delivery: an envelope is
// redelivered until one of its deliveries is acked, and a DeliveryID stays
// valid until Ack or Nack consumes it. Retry pacing, redelivery limits,
// and dead-lettering are transport policy, not the runtime's.
type Broker[C, E, P any] interface {
	// Receive opens the broker's delivery stream. The channel yields
	// deliveries until the transport's sequence ends, then closes; it may
	// stall indefinitely between deliveries and is not required to
	// terminate at all.
	Receive(ctx context.Context) (<-chan Delivery[C, E, P], error)

	// Publish enqueues a single envelope.
	Publish(ctx context.Context, msg Message[C, E, P]) error

	// PublishBatch enqueues all envelopes as one transport call. An empty
	// batch must succeed without transport effects.
	PublishBatch(ctx context.Context, msgs []Message[C, E, P]) error

	// Ack settles the delivery as processed.
	Ack(ctx context.Context, id DeliveryID) error

	// Nack hands the delivery back for redelivery or dead-lettering.
	Nack(ctx context.Context, id DeliveryID) error
}
