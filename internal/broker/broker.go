// Package broker wraps github.com/rabbitmq/amqp091-go behind a small
// interface, the way the teacher's blob package abstracts over concrete
// cloud SDKs (blob/filesystem, blob/gcs, ...) so worker code never touches
// a vendor client directly. Queue/retry/dead-letter wiring (spec §4.4)
// lives here once, instead of being duplicated across every worker.
package broker

import (
	"context"
)

// Kind names one of the five durable queues named in spec §4.4.
type Kind string

const (
	KindLibraryScan    Kind = "library-scan"
	KindBulkAdd        Kind = "bulk-add"
	KindCollectionScan Kind = "collection-scan"
	KindThumbnail      Kind = "thumbnail"
	KindCache          Kind = "cache"
)

// RetryHeader carries the republish counter used to decide when a message
// is moved to its kind's dead-letter queue.
const RetryHeader = "x-imagevault-retry-count"

// DefaultPrefetch returns the per-consumer prefetch window named in
// spec §4.4 for each queue kind.
func DefaultPrefetch(k Kind) int {
	switch k {
	case KindThumbnail:
		return 20
	case KindCache:
		return 10
	case KindCollectionScan:
		return 2
	case KindBulkAdd, KindLibraryScan:
		return 1
	default:
		return 1
	}
}

// Delivery is one consumed message, detached from the underlying AMQP
// library so handler code never imports amqp091-go.
type Delivery struct {
	Body        []byte
	RetryCount  int
	DeliveryTag uint64
}

// Handler processes one delivery. Returning a non-nil error causes the
// adapter to classify it via internal/errs and either republish (retryable,
// under message.maxRetries) or dead-letter (non-retryable, or retries
// exhausted).
type Handler func(ctx context.Context, d Delivery) error

// Broker is the interface every worker (C5-C8) and the C4 adapter's AMQP
// implementation satisfy. Mirrors the teacher's blob.Storage shape: a
// handful of verbs, one concrete backend.
type Broker interface {
	// Publish sends a durable message to the named queue's kind.
	Publish(ctx context.Context, k Kind, body []byte) error

	// Consume registers handler against the kind's queue with the given
	// prefetch, returning once the context is cancelled or an
	// unrecoverable channel error occurs.
	Consume(ctx context.Context, k Kind, prefetch int, handler Handler) error

	// Close releases the underlying connection.
	Close() error
}
