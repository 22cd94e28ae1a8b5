package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/pgrelay/pgrelay/internal/telemetry"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
	DefaultResetAfter = 30 * time.Second
)

var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Processor handles one message body. Returning an error drops the message;
// it does not affect the connection.
type Processor interface {
	ProcessMessage(ctx context.Context, body []byte) error
}

type Alerter interface {
	SendSystemAlert(title, message, severity string) error
}

type ConsumerConfig struct {
	URL        string
	Queue      string
	Durable    bool
	Prefetch   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// A connection that stayed up at least this long resets the backoff.
	ResetAfter time.Duration

	Dial          Dialer
	Alerter       Alerter
	OnStateChange func(from, to State)
}

// Consumer delivers messages from one queue to a Processor, one at a time,
// and re-establishes the connection with bounded backoff when the transport
// fails.
type Consumer struct {
	config    ConsumerConfig
	processor Processor

	stateMu sync.Mutex
	state   State
	// transitionMu serializes transitions and their OnStateChange calls. It
	// is taken before stateMu, and the hook runs without stateMu held, so
	// hooks may call State.
	transitionMu sync.Mutex

	now   func() time.Time
	pause func(ctx context.Context, d time.Duration) bool

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

type session struct {
	conn       Connection
	ch         Channel
	deliveries <-chan amqp.Delivery
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
}

func (s *session) close() {
	s.ch.Close()
	s.conn.Close()
}

func NewConsumer(config ConsumerConfig, processor Processor) *Consumer {
	if config.MinBackoff <= 0 {
		config.MinBackoff = DefaultMinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = DefaultMaxBackoff
		if config.MaxBackoff < config.MinBackoff {
			config.MaxBackoff = config.MinBackoff
		}
	}
	if config.ResetAfter <= 0 {
		config.ResetAfter = DefaultResetAfter
	}
	if config.Dial == nil {
		config.Dial = Dial
	}

	c := &Consumer{
		config:    config,
		processor: processor,
		state:     StateDisconnected,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	c.pause = c.sleep
	return c
}

func (c *Consumer) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// setState applies a transition. Once Closing, only Disconnected is accepted,
// and a consumer that is already Disconnected does not pass through Closing.
func (c *Consumer) setState(to State) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	c.stateMu.Lock()
	from := c.state
	if from == to ||
		(from == StateClosing && to != StateDisconnected) ||
		(from == StateDisconnected && to == StateClosing) {
		c.stateMu.Unlock()
		return
	}
	c.state = to
	c.stateMu.Unlock()

	telemetry.ConsumerState.Set(float64(to))
	log.Debug().Str("from", from.String()).Str("to", to.String()).Str("queue", c.config.Queue).Msg("Consumer state changed")

	if c.config.OnStateChange != nil {
		c.config.OnStateChange(from, to)
	}
}

// Start connects and begins dispatching. Failing to connect the first time
// is returned to the caller; later failures are retried until Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return fmt.Errorf("consumer already running")
	}

	c.setState(StateConnecting)
	s, err := c.connect()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateConnected)

	log.Info().Str("queue", c.config.Queue).Msg("Consumer connected to broker")

	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.run(ctx, s, c.now())

	return nil
}

// Stop ends dispatch, releases the connection and waits for the consumer
// goroutine. It is safe to call more than once.
func (c *Consumer) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running {
		return nil
	}

	c.setState(StateClosing)
	close(c.stopCh)
	<-c.doneCh
	c.setState(StateDisconnected)
	c.running = false

	log.Info().Str("queue", c.config.Queue).Msg("Consumer stopped")
	return nil
}

// Done is closed when the consumer goroutine exits.
func (c *Consumer) Done() <-chan struct{} {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.doneCh
}

func (c *Consumer) run(ctx context.Context, s *session, connectedAt time.Time) {
	defer close(c.doneCh)
	defer func() {
		c.setState(StateClosing)
		c.setState(StateDisconnected)
	}()

	backoff := c.config.MinBackoff

	for {
		err := c.consume(ctx, s)
		s.close()
		if err == nil {
			return
		}

		telemetry.ConsumerReconnects.Inc()
		log.Warn().Err(err).Str("queue", c.config.Queue).Msg("Consumer lost broker connection")
		c.setState(StateReconnecting)
		c.alert(err)

		if c.now().Sub(connectedAt) >= c.config.ResetAfter {
			backoff = c.config.MinBackoff
		}

		for {
			if !c.pause(ctx, backoff) {
				return
			}
			backoff = c.nextBackoff(backoff)

			c.setState(StateConnecting)
			s, err = c.connect()
			if err == nil {
				break
			}
			log.Warn().Err(err).Str("queue", c.config.Queue).Dur("retry_delay", backoff).Msg("Reconnect failed")
			c.setState(StateReconnecting)
		}

		connectedAt = c.now()
		c.setState(StateConnected)
		log.Info().Str("queue", c.config.Queue).Msg("Consumer reconnected to broker")
	}
}

func (c *Consumer) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > c.config.MaxBackoff {
		d = c.config.MaxBackoff
	}
	return d
}

func (c *Consumer) connect() (*session, error) {
	conn, err := c.config.Dial(c.config.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	s := &session{
		conn:       conn,
		ch:         ch,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chanClosed: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}

	if err := declareQueue(ch, c.config.Queue, c.config.Durable); err != nil {
		s.close()
		return nil, err
	}

	if c.config.Prefetch > 0 {
		if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	s.deliveries, err = ch.Consume(c.config.Queue, "pgrelay-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to consume %s: %w", c.config.Queue, err)
	}

	return s, nil
}

// consume dispatches deliveries until the transport fails (error) or the
// consumer is stopped (nil).
func (c *Consumer) consume(ctx context.Context, s *session) error {
	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-s.connClosed:
			return closeError("connection", amqpErr, ok)
		case amqpErr, ok := <-s.chanClosed:
			return closeError("channel", amqpErr, ok)
		case d, ok := <-s.deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			if c.stopping(ctx) {
				_ = d.Nack(false, true)
				return nil
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	if err := c.processor.ProcessMessage(ctx, d.Body); err != nil {
		// A failure caused by shutdown is not a processing failure.
		if c.stopping(ctx) {
			log.Info().Err(err).Str("queue", c.config.Queue).Msg("Returning in-flight message to the queue")
			if err := d.Nack(false, true); err != nil {
				log.Warn().Err(err).Str("queue", c.config.Queue).Msg("Failed to requeue message")
			}
			return
		}

		telemetry.ProcessingFailures.Inc()
		log.Error().
			Err(err).
			Str("queue", c.config.Queue).
			Bytes("body", d.Body).
			Msg("Dropping message that failed processing")
		if err := d.Reject(false); err != nil {
			log.Warn().Err(err).Str("queue", c.config.Queue).Msg("Failed to reject message")
		}
		return
	}

	telemetry.MessagesProcessed.Inc()
	if err := d.Ack(false); err != nil {
		log.Warn().Err(err).Str("queue", c.config.Queue).Msg("Failed to ack message")
	}
}

func (c *Consumer) stopping(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep returns false if the consumer was stopped while waiting.
func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Consumer) alert(err error) {
	if c.config.Alerter == nil {
		return
	}
	msg := fmt.Sprintf("Consumer on queue %s lost its broker connection: %v. Reconnecting.", c.config.Queue, err)
	if alertErr := c.config.Alerter.SendSystemAlert("Broker Connection Lost", msg, "warning"); alertErr != nil {
		log.Warn().Err(alertErr).Msg("Failed to send alert")
	}
}

func closeError(what string, amqpErr *amqp.Error, ok bool) error {
	if !ok || amqpErr == nil {
		return fmt.Errorf("%s closed", what)
	}
	return fmt.Errorf("%s closed: %w", what, amqpErr)
}
