package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning false requeues the message.
type Handler func(ctx context.Context, body []byte) bool

// ErrDeliveryChannelClosed reports that the broker closed the consumer's
// channel while the consumer was still wanted.
var ErrDeliveryChannelClosed = errors.New("rabbitmq delivery channel closed")

type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	prefetch int
	done     chan error
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string, prefetch int) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, prefetch: prefetch, done: make(chan error, 1)}, nil
}

// ConsumeWithBindings binds queueName to every routing key in bindings and
// dispatches deliveries until ctx is cancelled or the channel closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, bindings map[string]Handler) error {
	handlers, err := bindingHandlers(bindings)
	if err != nil {
		return err
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		if err := consumeLoop(ctx, queueName, msgs, handlers); err != nil {
			c.done <- err
		}
	}()

	return nil
}

// Done receives ErrDeliveryChannelClosed when the broker drops the channel.
// Nothing is sent when consumption ends because ctx was cancelled.
func (c *Consumer) Done() <-chan error {
	return c.done
}

func consumeLoop(ctx context.Context, queueName string, msgs <-chan amqp.Delivery, handlers map[string]Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("level=error component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", queueName)
				return fmt.Errorf("queue %s: %w", queueName, ErrDeliveryChannelClosed)
			}
			dispatch(ctx, handlers, d.RoutingKey, d.Body, d.Ack, d.Nack)
		}
	}
}

func bindingHandlers(bindings map[string]Handler) (map[string]Handler, error) {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil || strings.TrimSpace(routingKey) == "" {
			continue
		}
		handlers[routingKey] = handler
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("no bindings provided")
	}
	return handlers, nil
}

func dispatch(ctx context.Context, handlers map[string]Handler, routingKey string, body []byte, ack func(bool) error, nack func(bool, bool) error) {
	handler, ok := handlers[routingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler; dropping\" routing_key=%s", routingKey)
		_ = ack(false)
		return
	}
	if handler(ctx, body) {
		_ = ack(false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeuing\" routing_key=%s", routingKey)
	_ = nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
