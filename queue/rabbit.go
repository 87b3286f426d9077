// Package queue provides the RabbitMQ consumer the receiver workers drain.
// It implements a service for connecting to RabbitMQ, consuming record
// batches with manual acknowledgment, and managing the connection
// lifecycle.
//
// Features:
//   - RabbitMQ connection management
//   - Non-durable queue declaration matching the producer side
//   - Bounded prefetch so slow workers don't hoard deliveries
//   - Manual ack/reject so transient failures can requeue
//   - Error handling with wrapped errors
package queue

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// ConsumerConfig describes one consumer's connection to the broker.
type ConsumerConfig struct {
	// Host and Port locate the RabbitMQ server.
	Host string
	Port int

	// Queue is the shared input queue name.
	Queue string

	// Prefetch bounds the number of unacked deliveries in flight per
	// consumer.
	Prefetch int
}

// URL renders the AMQP connection URL for the configuration.
func (c ConsumerConfig) URL() string {
	return fmt.Sprintf("amqp://guest:guest@%s:%d/", c.Host, c.Port)
}

// Consumer represents one worker's subscription to the shared input queue.
// Each worker owns its own connection and channel; deliveries are settled
// one by one through manual acks.
type Consumer struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     ConsumerConfig
}

// NewConsumer connects to RabbitMQ, opens a channel, declares the shared
// queue, and applies the prefetch window.
func NewConsumer(config ConsumerConfig) (*Consumer, error) {
	return NewConsumerWithDialer(config, &RealAMQPDialer{})
}

// NewConsumerWithDialer creates a consumer with dependency injection.
// This function allows injecting a custom dialer for testing purposes.
func NewConsumerWithDialer(config ConsumerConfig, dialer AMQPDialer) (*Consumer, error) {
	conn, err := dialer.Dial(config.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// The queue is declared non-durable to match the producer side; records
	// lost on a broker restart are recoverable upstream.
	_, err = ch.QueueDeclare(
		config.Queue, // name
		false,        // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(config.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	return &Consumer{
		connection: conn,
		channel:    ch,
		config:     config,
	}, nil
}

// Consume starts delivering messages from the queue. Acknowledgment is
// manual: the caller acks processed deliveries and rejects-with-requeue on
// transient failures.
func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	tag := "tsds-receiver-" + uuid.NewString()

	deliveries, err := c.channel.Consume(
		c.config.Queue, // queue
		tag,            // consumer tag
		false,          // auto-ack
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return deliveries, nil
}

// Close closes the channel and connection. Safe on a partially constructed
// consumer.
func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.connection != nil {
		c.connection.Close()
	}
	return nil
}
