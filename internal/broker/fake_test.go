package broker

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAcker struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
	nacked   []uint64
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	return nil
}

type publishedMsg struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	durable    []bool
	prefetch   int
	deliveries chan amqp.Delivery
	notify     chan *amqp.Error
	published  []publishedMsg
	publishErr error
	declareErr error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}
	f.declared = append(f.declared, name)
	f.durable = append(f.durable, durable)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMsg{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.notify = receiver
	return receiver
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeConnection struct {
	mu      sync.Mutex
	ch      *fakeChannel
	notify  chan *amqp.Error
	closed  bool
	chanErr error
}

func (f *fakeConnection) Channel() (Channel, error) {
	if f.chanErr != nil {
		return nil, f.chanErr
	}
	return f.ch, nil
}

func (f *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = receiver
	return receiver
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fail simulates the broker dropping the connection.
func (f *fakeConnection) fail() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restarted", Server: true}
	close(f.notify)
}

// fakeBroker hands out a fresh connection per dial and can refuse dials.
type fakeBroker struct {
	mu        sync.Mutex
	conns     []*fakeConnection
	failDials int
	dials     int
}

func (b *fakeBroker) dial(url string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, errors.New("connection refused")
	}

	conn := &fakeConnection{ch: newFakeChannel()}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) conn(i int) *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.conns) {
		return nil
	}
	return b.conns[i]
}

func (b *fakeBroker) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) setFailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}
