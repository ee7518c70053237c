package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/avocado-ripeness/internal/logging"
)

// DialAMQP connects to the broker and proves the connection can open a channel.
func DialAMQP(ctx context.Context, url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		ch, err := conn.Channel()
		if err != nil {
			done <- err
			return
		}
		done <- ch.Close()
	}()

	select {
	case <-checkCtx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq health check timeout: %w", checkCtx.Err())
	case err := <-done:
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
		}
		return conn, nil
	}
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a fanout exchange, routed by phase.
type AMQPPublisher struct {
	open     func() (amqpChannel, error)
	exchange string
}

// NewAMQPPublisher publishes through conn to exchange.
func NewAMQPPublisher(conn *amqp.Connection, exchange string) *AMQPPublisher {
	return &AMQPPublisher{
		open: func() (amqpChannel, error) {
			return conn.Channel()
		},
		exchange: exchange,
	}
}

func (p *AMQPPublisher) Name() string { return "rabbitmq" }

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	ch, err := p.open()
	if err != nil {
		return logging.NewOperationError("statebus.amqp.channel", event.SubmissionID, err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		p.exchange,
		amqp.ExchangeFanout,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return logging.NewOperationError("statebus.amqp.declare", event.SubmissionID, err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return logging.NewOperationError("statebus.amqp.marshal", event.SubmissionID, err)
	}

	if err := ch.PublishWithContext(
		ctx,
		p.exchange,
		string(event.Phase),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Transient,
			Timestamp:    event.EmittedAt,
			MessageId:    event.SubmissionID,
		},
	); err != nil {
		return logging.NewOperationError("statebus.amqp.publish", event.SubmissionID, err)
	}
	return nil
}
