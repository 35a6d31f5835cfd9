package broadcast

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"chat-delivery/internal/observability"
	"chat-delivery/internal/protocol"
)

const groupHeader = "x-group"

// AMQPRouter relays publishes through a fanout exchange so that every node
// delivers to its own sessions. Membership stays local to the node's Hub.
type AMQPRouter struct {
	local    *Hub
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	logger   *zap.Logger
}

// NewAMQPRouter declares the fanout exchange and an exclusive queue for this node.
func NewAMQPRouter(url, exchange string, local *Hub, logger *zap.Logger) (*AMQPRouter, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	logger.Info("broadcast relay connected", zap.String("exchange", exchange), zap.String("queue", q.Name))
	return &AMQPRouter{local: local, conn: conn, ch: ch, exchange: exchange, queue: q.Name, logger: logger}, nil
}

func (r *AMQPRouter) Join(group string, sub Subscriber)  { r.local.Join(group, sub) }
func (r *AMQPRouter) Leave(group string, sub Subscriber) { r.local.Leave(group, sub) }
func (r *AMQPRouter) Subscribers(group string) int       { return r.local.Subscribers(group) }

// Publish sends the encoded frame to every node, this one included. Sessions
// publish concurrently on the shared channel; amqp091 serializes each publish.
func (r *AMQPRouter) Publish(ctx context.Context, group string, frame protocol.Outbound) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	observability.IncBroadcastPublish(Family(group))
	err = r.ch.PublishWithContext(ctx, r.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
		Headers:     amqp.Table{groupHeader: group},
	})
	if err != nil {
		observability.IncAMQPPublishError()
		return fmt.Errorf("relay publish %s: %w", group, err)
	}
	return nil
}

// Run consumes relayed frames until ctx is cancelled or the channel closes.
func (r *AMQPRouter) Run(ctx context.Context) error {
	deliveries, err := r.ch.Consume(r.queue, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("broadcast relay channel closed")
			}
			group, ok := groupFromHeaders(d.Headers)
			if !ok {
				r.logger.Warn("relayed frame without group header", zap.String("message_id", d.MessageId))
				continue
			}
			r.local.Deliver(group, d.Body)
		}
	}
}

// Close releases the channel and connection.
func (r *AMQPRouter) Close() error {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func groupFromHeaders(headers amqp.Table) (string, bool) {
	group, ok := headers[groupHeader].(string)
	return group, ok && group != ""
}
