package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Routable payloads choose their own routing key.
type Routable interface {
	RoutingKey() string
}

type AMQPConfig struct {
	URL      string
	Exchange string
	// Queues maps a topic to the durable queue that consumes it. Topics not
	// listed consume from "<exchange>.<topic>".
	Queues   map[string]string
	Prefetch int
}

// AMQPQueue publishes JSON messages to a topic exchange. Subscribers receive
// the raw message body as a []byte payload.
type AMQPQueue struct {
	conn *amqp.Connection

	pubMu sync.Mutex
	pub   *amqp.Channel

	cfg    AMQPConfig
	logger *zap.Logger
	wg     sync.WaitGroup
}

func DialAMQP(cfg AMQPConfig, logger *zap.Logger) (*AMQPQueue, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "drop"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	return &AMQPQueue{conn: conn, pub: ch, cfg: cfg, logger: logger}, nil
}

// RoutingKey is the key a payload is published under on topic.
func RoutingKey(topic string, payload any) string {
	if r, ok := payload.(Routable); ok {
		return r.RoutingKey()
	}
	return topic
}

func bindingKey(topic string) string {
	if topic == TopicEvents {
		return eventKeyPrefix + ".#"
	}
	return topic
}

func (q *AMQPQueue) queueName(topic string) string {
	if name, ok := q.cfg.Queues[topic]; ok && name != "" {
		return name
	}
	return q.cfg.Exchange + "." + topic
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.Publish(q.cfg.Exchange, RoutingKey(topic, payload), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Declare creates and binds the durable queue for topic so messages published
// before any consumer starts are kept.
func (q *AMQPQueue) Declare(topic string) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	_, err := q.declare(q.pub, topic)
	return err
}

func (q *AMQPQueue) declare(ch *amqp.Channel, topic string) (string, error) {
	name := q.queueName(topic)
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, bindingKey(topic), q.cfg.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", name, err)
	}
	return name, nil
}

// Subscribe consumes the topic's durable queue on its own channel. A handler
// error dead-letters the delivery instead of requeueing it.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return err
	}

	name, err := q.declare(ch, topic)
	if err != nil {
		ch.Close()
		return err
	}
	deliveries, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to consume %s: %w", name, err)
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for d := range deliveries {
			if err := handler(d.Body); err != nil {
				q.logger.Error("message handler failed",
					zap.String("queue", name), zap.String("routing_key", d.RoutingKey), zap.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}()
	return nil
}

// Close shuts the connection and waits for consumers to drain.
func (q *AMQPQueue) Close() error {
	err := q.conn.Close()
	q.wg.Wait()
	return err
}

var _ Queue = (*AMQPQueue)(nil)
