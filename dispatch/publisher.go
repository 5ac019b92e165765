package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// ActionMessage is the wire shape delivered to the automation agent's queue.
// Delivery is at-least-once; the agent dedupes on request_id.
type ActionMessage struct {
	RequestID  string `json:"request_id"`
	ProfileURL string `json:"profile_url"`
	Action     string `json:"action"`
	Message    string `json:"message,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

// Publisher hands one action message to the agent.
type Publisher interface {
	Publish(msg ActionMessage) error
	Close() error
}

// AMQPPublisher publishes action messages to a durable RabbitMQ queue.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewAMQPPublisher dials the broker and declares the agent's queue.
func NewAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dispatch: dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dispatch: open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("dispatch: declare queue %s: %w", queue, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Publish(msg ActionMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch: marshal action: %w", err)
	}

	if err := p.ch.Publish(
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.RequestID,
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("dispatch: publish %s: %w", msg.RequestID, err)
	}

	return nil
}

func (p *AMQPPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return fmt.Errorf("dispatch: close channel: %w", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("dispatch: close connection: %w", err)
	}
	return nil
}
