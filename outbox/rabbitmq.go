package outbox

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const ExchangeName = "ex.agencyflow.events"

// RabbitMQPublisher publishes outbox rows to a durable direct exchange using
// the topic as routing key.
type RabbitMQPublisher struct {
	Conn *amqp.Connection
	Ch   *amqp.Channel
}

func NewRabbitMQPublisher(url string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("outbox: dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("outbox: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeName, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("outbox: declare exchange: %w", err)
	}

	return &RabbitMQPublisher{Conn: conn, Ch: ch}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	err := p.Ch.PublishWithContext(ctx,
		ExchangeName,
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("outbox: publish %s: %w", topic, err)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if err := p.Ch.Close(); err != nil {
		p.Conn.Close()
		return err
	}
	return p.Conn.Close()
}
