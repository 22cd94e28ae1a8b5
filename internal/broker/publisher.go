package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type PublisherConfig struct {
	URL     string
	Queues  []string
	Durable bool
}

// Publisher sends messages to named queues through the default exchange.
// Publishing is fire-and-forget: no confirmation is awaited.
type Publisher struct {
	conn Connection
	ch   Channel
}

func NewPublisher(config PublisherConfig, dial Dialer) (*Publisher, error) {
	conn, err := dial(config.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	for _, queue := range config.Queues {
		if err := declareQueue(ch, queue, config.Durable); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	log.Info().Strs("queues", config.Queues).Msg("Publisher connected to broker")

	return &Publisher{conn: conn, ch: ch}, nil
}

func (p *Publisher) Publish(ctx context.Context, queue string, body []byte) error {
	return p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Body:        body,
	})
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
