package rabbitbus

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type confirmMode int

const (
	confirmAck confirmMode = iota
	confirmNack
	confirmNone
)

type declaredQueue struct {
	name string
	args amqp.Table
}

type binding struct {
	queue, key, exchange string
}

// fakeChannel records the topology calls and publishes of one channel.
type fakeChannel struct {
	mu         sync.Mutex
	exchanges  map[string]string
	queues     []declaredQueue
	bindings   []binding
	prefetch   int
	confirming bool
	published  []amqp.Publishing
	keys       []string
	consumers  map[string]chan amqp.Delivery
	confirms   chan amqp.Confirmation
	closeChans []chan *amqp.Error
	mode       confirmMode
	tag        uint64
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges: map[string]string{},
		consumers: map[string]chan amqp.Delivery{},
	}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, declaredQueue{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan amqp.Delivery)
	c.consumers[queue] = ch
	return ch, nil
}

func (c *fakeChannel) consumer(queue string) chan amqp.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumers[queue]
}

func (c *fakeChannel) Confirm(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirming = true
	return nil
}

func (c *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = confirm
	return confirm
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChans = append(c.closeChans, ch)
	return ch
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	c.tag++
	switch c.mode {
	case confirmAck:
		c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: true}
	case confirmNack:
		c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: false}
	}
	return nil
}

func (c *fakeChannel) setMode(m confirmMode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.consumers {
		close(ch)
	}
	for _, ch := range c.closeChans {
		close(ch)
	}
	return nil
}

// fakeConn hands out fake channels: the first is the consumer, the second the producer.
type fakeConn struct {
	mu         sync.Mutex
	channels   []*fakeChannel
	closeChans []chan *amqp.Error
	closed     bool
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := newFakeChannel()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChans = append(c.closeChans, ch)
	return ch
}

// drop simulates a broker-side close.
func (c *fakeConn) drop(reason *amqp.Error) {
	c.mu.Lock()
	chans := c.closeChans
	c.closeChans = nil
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- reason
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	chans := c.closeChans
	c.closeChans = nil
	c.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
	return nil
}

func (c *fakeConn) consumer() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[0]
}

func (c *fakeConn) producer() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[1]
}

// fakeBroker is a Dialer that records every connection.
type fakeBroker struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (b *fakeBroker) dial(string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

// fakeAck records how a delivery was settled.
type fakeAck struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
}

func (a *fakeAck) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

func (a *fakeAck) state() (acks, nacks int, requeue bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks, a.requeue
}
