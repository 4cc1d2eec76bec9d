package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ Relay = &AMQPBridge{}

const fanoutExchange string = "broadcast_fanout"

type frame struct {
	Instance string `json:"instance"`
	Subject  string `json:"subject"`
	Channel  string `json:"channel"`
	Event    Event  `json:"event"`
}

// AMQPBridge relays broadcast events between running instances via a fanout
// exchange on RabbitMQ. A dashboard subscriber connected to one instance then
// sees events for batches ingested by another. The bridge is optional: with a
// single instance the registry works standalone.
type AMQPBridge struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	registry   *Registry
	instanceID string
	logger     *zap.Logger
}

// NewAMQPBridge connects to RabbitMQ and attaches itself as the registry relay
func NewAMQPBridge(logger *zap.Logger, amqpURI string, registry *Registry) (*AMQPBridge, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if registry == nil {
		return nil, fmt.Errorf("nil Registry is invalid")
	}
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	bridge := &AMQPBridge{
		connection: amqpConn,
		channel:    amqpChan,
		registry:   registry,
		instanceID: uuid.New().String(),
		logger:     logger,
	}
	if err := bridge.setupExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for broadcast events")
	}
	registry.SetRelay(bridge)
	return bridge, nil
}

func (b *AMQPBridge) setupExchange() error {
	return b.channel.ExchangeDeclare(
		fanoutExchange, // name
		"fanout",       // type
		false,          // durable
		true,           // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
}

// Close will close the channel and connection to release resources
func (b *AMQPBridge) Close() {
	b.channel.Close()
	b.connection.Close()
}

// Forward publishes a locally produced event to the other instances
func (b *AMQPBridge) Forward(subject, channelName string, event Event) {
	body, err := json.Marshal(frame{
		Instance: b.instanceID,
		Subject:  subject,
		Channel:  channelName,
		Event:    event,
	})
	if err != nil {
		b.logger.Error("Cannot encode broadcast frame",
			zap.Error(err),
		)
		return
	}
	if err := b.channel.Publish(
		fanoutExchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		// live-tail only: a lost frame is a lost frame, do not block the publisher
		b.logger.Error("Cannot publish broadcast frame",
			zap.Error(err),
		)
	}
}

// Start consumes frames from the other instances and injects them into the
// local registry until ctx is cancelled
func (b *AMQPBridge) Start(ctx context.Context) error {
	queue, err := b.channel.QueueDeclare(
		"",    // server generated name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return extErrors.Wrap(err, "Cannot declare broadcast queue")
	}
	if err := b.channel.QueueBind(
		queue.Name,
		"",
		fanoutExchange,
		false,
		nil,
	); err != nil {
		return extErrors.Wrap(err, "Cannot bind broadcast queue")
	}
	msgChan, err := b.channel.Consume(
		queue.Name,
		"",
		true, // auto-ack: dropped frames are acceptable
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return extErrors.Wrap(err, "Cannot setup broadcast consumer")
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var f frame
				if err := json.Unmarshal(d.Body, &f); err != nil {
					continue
				}
				if f.Instance == b.instanceID {
					continue
				}
				b.registry.Deliver(f.Subject, f.Channel, f.Event)
			}
		}
	}()
	return nil
}
