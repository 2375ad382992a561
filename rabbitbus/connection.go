package rabbitbus

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the bus uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the part of *amqp.Connection the bus uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a connection to the broker.
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial is the default Dialer.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// link is one generation of the connection and its two channels.
type link struct {
	conn     Connection
	consumer Channel
	producer Channel
	confirms chan amqp.Confirmation
	// lastTag is the delivery tag of the last publish on producer.
	lastTag uint64
}

func (l *link) close() error {
	var errs []error
	if l.producer != nil {
		errs = append(errs, l.producer.Close())
	}
	if l.consumer != nil {
		errs = append(errs, l.consumer.Close())
	}
	if l.conn != nil {
		errs = append(errs, l.conn.Close())
	}
	return errors.Join(errs...)
}

// open dials the broker, opens the consumer and the confirming producer
// channel, and declares the exchange and the dead-letter topology.
func (b *Bus) open() (*link, error) {
	conn, err := b.dial(b.config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	l := &link{conn: conn}

	fail := func(step string, err error) (*link, error) {
		l.close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if l.consumer, err = conn.Channel(); err != nil {
		return fail("open consumer channel", err)
	}
	if err := l.consumer.Qos(b.config.Prefetch, 0, false); err != nil {
		return fail("set prefetch", err)
	}

	if l.producer, err = conn.Channel(); err != nil {
		return fail("open producer channel", err)
	}
	if err := l.producer.Confirm(false); err != nil {
		return fail("enable publisher confirms", err)
	}
	l.confirms = l.producer.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	if err := l.producer.ExchangeDeclare(b.config.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	if err := l.producer.ExchangeDeclare(b.config.DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fail("declare dead letter exchange", err)
	}
	if _, err := l.consumer.QueueDeclare(b.config.DeadLetterQueue, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return fail("declare dead letter queue", err)
	}
	if err := l.consumer.QueueBind(b.config.DeadLetterQueue, "#", b.config.DeadLetterExchange, false, nil); err != nil {
		return fail("bind dead letter queue", err)
	}
	return l, nil
}

// connect opens a new link, restarts the consumers of every subscription on
// it and starts watching it for unexpected closes.
func (b *Bus) connect() error {
	b.logger.Debug("starting rabbit connection")
	l, err := b.open()
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.stopping.Load() {
		b.mu.Unlock()
		l.close()
		return ErrBusClosed
	}
	old := b.link
	b.link = l
	subs := append([]*subscription(nil), b.subs...)
	b.mu.Unlock()

	if old != nil {
		old.close()
	}

	for _, s := range subs {
		if err := b.declare(l.consumer, s); err != nil {
			return err
		}
		if err := b.consume(l.consumer, s); err != nil {
			return err
		}
	}

	b.watch(l)
	b.logger.Debug("rabbit connection established")
	return nil
}

func (b *Bus) watch(l *link) {
	connClosed := l.conn.NotifyClose(make(chan *amqp.Error, 1))
	consumerClosed := l.consumer.NotifyClose(make(chan *amqp.Error, 1))
	producerClosed := l.producer.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		var reason *amqp.Error
		var source string
		select {
		case reason = <-connClosed:
			source = "connection"
		case reason = <-consumerClosed:
			source = "consumer channel"
		case reason = <-producerClosed:
			source = "producer channel"
		case <-b.done:
			return
		}
		b.mu.RLock()
		current := b.link == l
		b.mu.RUnlock()
		if b.stopping.Load() || !current {
			return
		}
		b.logger.Error("rabbit "+source+" closed, reconnecting", "error", reason)
		b.scheduleReconnect()
	}()
}

// scheduleReconnect redials after ReconnectDelay until it succeeds or the
// bus is closed. Only one reconnection runs at a time.
func (b *Bus) scheduleReconnect() {
	if !b.reconnecting.CompareAndSwap(false, true) {
		b.logger.Warn("reconnection already scheduled")
		return
	}

	go func() {
		defer b.reconnecting.Store(false)
		for {
			if err := b.sleep(b.config.ReconnectDelay); err != nil {
				return
			}
			if err := b.limiter.Wait(b.ctx); err != nil {
				return
			}
			err := b.connect()
			if err == nil {
				b.reconnects.Add(b.ctx, 1)
				return
			}
			if errors.Is(err, ErrBusClosed) || b.stopping.Load() {
				return
			}
			b.logger.Error("unable to connect to rabbit, scheduling a new connection", "error", err)
		}
	}()
}
