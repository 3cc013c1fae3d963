package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

// AMQPQ is the broker-backed alternative to RedisQ, selected by
// QUEUE_DRIVER=amqp. One durable queue per topic, manual ack. Because
// the durable row is the source of truth, acking before processing
// completes is acceptable: a dropped message only delays the row until
// the scheduler reconciles it back onto the queue.
type AMQPQ struct {
	ch *amqp.Channel

	mu        sync.Mutex
	consumers map[string]<-chan amqp.Delivery
	declared  map[string]bool
}

func NewAMQPQ(conn *amqp.Connection) (*AMQPQ, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open amqp channel")
	}
	return &AMQPQ{ch: ch, consumers: map[string]<-chan amqp.Delivery{}, declared: map[string]bool{}}, nil
}

func (q *AMQPQ) declare(topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared[topic] {
		return nil
	}
	if _, err := q.ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare %s", topic)
	}
	q.declared[topic] = true
	return nil
}

func (q *AMQPQ) Enqueue(ctx context.Context, topic string, msg Message) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish("", topic, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         msg.encode(),
	})
}

func (q *AMQPQ) consumer(topic string) (<-chan amqp.Delivery, error) {
	if err := q.declare(topic); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if c, ok := q.consumers[topic]; ok {
		return c, nil
	}
	c, err := q.ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "consume %s", topic)
	}
	q.consumers[topic] = c
	return c, nil
}

func (q *AMQPQ) Dequeue(ctx context.Context, topic string) (Message, bool, error) {
	c, err := q.consumer(topic)
	if err != nil {
		return Message{}, false, err
	}
	select {
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	case d, ok := <-c:
		if !ok {
			return Message{}, false, errors.New("amqp consumer closed")
		}
		msg, err := decode(d.Body)
		if err != nil {
			_ = d.Ack(false)
			return Message{}, false, err
		}
		_ = d.Ack(false)
		return msg, true, nil
	case <-time.After(5 * time.Second):
		return Message{}, false, nil
	}
}
