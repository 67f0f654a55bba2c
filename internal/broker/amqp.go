package broker

import (
	"context"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/pkg/errors"

	"github.com/imagevault/imagevault/internal/errs"
	"github.com/imagevault/imagevault/internal/logging"
)

var log = logging.Module("imagevault/broker")

// MaxRetries is the default retry budget before a message is dead-lettered,
// spec §6's message.maxRetries.
const MaxRetries = 3

// AMQPBroker implements Broker against a RabbitMQ (AMQP 0-9-1) server,
// declaring one durable queue plus one dead-letter queue per Kind.
type AMQPBroker struct {
	conn *amqp.Connection

	mu      sync.Mutex
	chans   map[Kind]*amqp.Channel
	maxRetries int
}

// DialAMQP connects to the broker and returns a ready AMQPBroker. Queues
// are declared lazily, on first Publish/Consume for each Kind, so a
// process that only publishes never declares consumer-side infrastructure
// it doesn't need.
func DialAMQP(url string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial broker")
	}

	return &AMQPBroker{conn: conn, chans: map[Kind]*amqp.Channel{}, maxRetries: MaxRetries}, nil
}

func (b *AMQPBroker) queueName(k Kind) string        { return string(k) }
func (b *AMQPBroker) deadLetterName(k Kind) string    { return string(k) + ".dead-letter" }
func (b *AMQPBroker) deadLetterExchange(k Kind) string { return string(k) + ".dlx" }

// channelFor returns (declaring if necessary) the channel and durable
// queue pair for a kind, wired to its dead-letter exchange.
func (b *AMQPBroker) channelFor(k Kind) (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.chans[k]; ok {
		return ch, nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}

	dlx := b.deadLetterExchange(k)
	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare dead-letter exchange")
	}

	if _, err := ch.QueueDeclare(b.deadLetterName(k), true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare dead-letter queue")
	}

	if err := ch.QueueBind(b.deadLetterName(k), "", dlx, false, nil); err != nil {
		return nil, errors.Wrap(err, "bind dead-letter queue")
	}

	args := amqp.Table{"x-dead-letter-exchange": dlx}
	if _, err := ch.QueueDeclare(b.queueName(k), true, false, false, false, args); err != nil {
		return nil, errors.Wrap(err, "declare queue")
	}

	b.chans[k] = ch

	return ch, nil
}

// Publish sends a durable message with an initial retry count of zero.
func (b *AMQPBroker) Publish(ctx context.Context, k Kind, body []byte) error {
	ch, err := b.channelFor(k)
	if err != nil {
		return err
	}

	return b.publish(ctx, ch, k, body, 0)
}

func (b *AMQPBroker) publish(ctx context.Context, ch *amqp.Channel, k Kind, body []byte, retryCount int) error {
	err := ch.PublishWithContext(ctx, "", b.queueName(k), false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{RetryHeader: strconv.Itoa(retryCount)},
	})

	return errors.Wrap(err, "publish")
}

func (b *AMQPBroker) publishDeadLetter(ctx context.Context, ch *amqp.Channel, k Kind, body []byte, retryCount int) error {
	err := ch.PublishWithContext(ctx, "", b.deadLetterName(k), false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{RetryHeader: strconv.Itoa(retryCount)},
	})

	return errors.Wrap(err, "publish dead-letter")
}

// Consume registers handler on the kind's queue with the given prefetch.
// A retryable handler error causes a republish with an incremented retry
// counter; once that counter reaches maxRetries, or on a non-retryable
// error, the message is moved to the dead-letter queue instead.
func (b *AMQPBroker) Consume(ctx context.Context, k Kind, prefetch int, handler Handler) error {
	ch, err := b.channelFor(k)
	if err != nil {
		return err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return errors.Wrap(err, "set qos")
	}

	deliveries, err := ch.Consume(b.queueName(k), "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}

			b.handle(ctx, ch, k, d, handler)
		}
	}
}

func (b *AMQPBroker) handle(ctx context.Context, ch *amqp.Channel, k Kind, d amqp.Delivery, handler Handler) {
	retryCount := retryCountOf(d)

	err := handler(ctx, Delivery{Body: d.Body, RetryCount: retryCount, DeliveryTag: d.DeliveryTag})
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Errorw("ack failed", "queue", k, "error", ackErr)
		}

		return
	}

	if !errs.IsRetryable(err) || retryCount >= b.maxRetries {
		if dlErr := b.publishDeadLetter(ctx, ch, k, d.Body, retryCount); dlErr != nil {
			log.Errorw("dead-letter publish failed", "queue", k, "error", dlErr)
			_ = d.Nack(false, true)

			return
		}

		_ = d.Ack(false)
		log.Warnw("message dead-lettered", "queue", k, "retryCount", retryCount, "cause", err)

		return
	}

	if pubErr := b.publish(ctx, ch, k, d.Body, retryCount+1); pubErr != nil {
		log.Errorw("retry republish failed", "queue", k, "error", pubErr)
		_ = d.Nack(false, true)

		return
	}

	_ = d.Ack(false)
	log.Infow("message requeued for retry", "queue", k, "retryCount", retryCount+1, "cause", err)
}

func retryCountOf(d amqp.Delivery) int {
	v, ok := d.Headers[RetryHeader]
	if !ok {
		return 0
	}

	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}

		return parsed
	default:
		return 0
	}
}

// Close closes every declared channel and the underlying connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.chans {
		_ = ch.Close()
	}

	return errors.Wrap(b.conn.Close(), "close broker connection")
}
