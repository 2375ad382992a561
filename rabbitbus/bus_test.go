package rabbitbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rbaliyan/dddkit/backoff"
	"github.com/rbaliyan/dddkit/codec"
	"github.com/rbaliyan/dddkit/event"
	"syreclabs.com/go/faker"
)

type logRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec.Clone())
	r.mu.Unlock()
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) count(level slog.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Level == level {
			n++
		}
	}
	return n
}

func (r *logRecorder) has(level slog.Level, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Level == level && rec.Message == msg {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type harness struct {
	broker *fakeBroker
	logs   *logRecorder
	bus    *Bus
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{broker: &fakeBroker{}, logs: &logRecorder{}}
	opts = append([]Option{
		WithDialer(h.broker.dial),
		WithExchange("orders"),
		WithBackoff(backoff.Constant(0)),
		WithLogger(slog.New(h.logs)),
	}, opts...)
	h.bus = New(opts...)
	if err := h.bus.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.bus.Close(ctx)
	})
	return h
}

func encode(t *testing.T, e event.Event) []byte {
	t.Helper()
	body, err := codec.JSON{}.Encode(e)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return body
}

func TestInit(t *testing.T) {
	h := newHarness(t)
	conn := h.broker.last()

	consumer, producer := conn.consumer(), conn.producer()
	if consumer.prefetch != DefaultPrefetch {
		t.Errorf("expected prefetch %d, got %d", DefaultPrefetch, consumer.prefetch)
	}
	if !producer.confirming {
		t.Error("producer channel must be in confirm mode")
	}

	wantExchanges := map[string]string{"orders": "direct", "orders.dlx": "topic"}
	if diff := cmp.Diff(wantExchanges, producer.exchanges); diff != "" {
		t.Errorf("exchanges mismatch (-want +got):\n%s", diff)
	}
	wantQueues := []declaredQueue{{name: "orders.dlq", args: amqp.Table{"x-queue-type": "quorum"}}}
	if diff := cmp.Diff(wantQueues, consumer.queues, cmp.AllowUnexported(declaredQueue{})); diff != "" {
		t.Errorf("queues mismatch (-want +got):\n%s", diff)
	}
	wantBindings := []binding{{queue: "orders.dlq", key: "#", exchange: "orders.dlx"}}
	if diff := cmp.Diff(wantBindings, consumer.bindings, cmp.AllowUnexported(binding{})); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
}

func TestInitDialFailure(t *testing.T) {
	broker := &fakeBroker{fail: true}
	bus := New(WithDialer(broker.dial))
	if err := bus.Init(context.Background()); err == nil {
		t.Fatal("expected Init to fail")
	}
	if err := bus.Subscribe(context.Background(), "OrderPlaced", event.NewHandler("H", nil)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("declares and binds the handler queue", func(t *testing.T) {
		h := newHarness(t, WithQueuePrefix("billing."))
		handler := event.NewHandler("OrderPlacedHandler", func(context.Context, event.Event) error { return nil })

		if err := h.bus.Subscribe(ctx, "OrderPlaced", handler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		consumer := h.broker.last().consumer()
		q := consumer.queues[len(consumer.queues)-1]
		if q.name != "billing.order-placed-handler" {
			t.Errorf("unexpected queue name %q", q.name)
		}
		wantArgs := amqp.Table{
			"x-queue-type":           "quorum",
			"x-expires":              int64(30 * time.Minute / time.Millisecond),
			"x-dead-letter-exchange": "orders.dlx",
		}
		if diff := cmp.Diff(wantArgs, q.args); diff != "" {
			t.Errorf("queue args mismatch (-want +got):\n%s", diff)
		}
		b := consumer.bindings[len(consumer.bindings)-1]
		if b != (binding{queue: "billing.order-placed-handler", key: "OrderPlaced", exchange: "orders"}) {
			t.Errorf("unexpected binding %+v", b)
		}
		if consumer.consumer("billing.order-placed-handler") == nil {
			t.Error("expected a consumer on the handler queue")
		}
	})

	t.Run("duplicate handler queue", func(t *testing.T) {
		h := newHarness(t)
		handler := event.NewHandler("OrderPlacedHandler", func(context.Context, event.Event) error { return nil })

		if err := h.bus.Subscribe(ctx, "OrderPlaced", handler); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		err := h.bus.Subscribe(ctx, "OrderShipped", handler)
		if !errors.Is(err, ErrDuplicateQueue) {
			t.Errorf("expected ErrDuplicateQueue, got %v", err)
		}
	})

	t.Run("invalid handler", func(t *testing.T) {
		h := newHarness(t)
		if err := h.bus.Subscribe(ctx, "OrderPlaced", nil); !errors.Is(err, event.ErrInvalidHandler) {
			t.Errorf("expected ErrInvalidHandler, got %v", err)
		}
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed publish", func(t *testing.T) {
		h := newHarness(t)
		payload := map[string]any{"orderId": faker.Lorem().String()}

		if err := h.bus.Publish(ctx, event.New("OrderPlaced", payload)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		producer := h.broker.last().producer()
		if diff := cmp.Diff([]string{"OrderPlaced"}, producer.keys); diff != "" {
			t.Errorf("routing keys mismatch (-want +got):\n%s", diff)
		}
		msg := producer.published[0]
		if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId == "" {
			t.Errorf("unexpected publishing: %+v", msg)
		}
		got, err := codec.JSON{}.Decode(msg.Body)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if got.Name != "OrderPlaced" {
			t.Errorf("unexpected event name %q", got.Name)
		}
	})

	t.Run("nacked publish", func(t *testing.T) {
		h := newHarness(t)
		h.broker.last().producer().setMode(confirmNack)

		err := h.bus.Publish(ctx, event.New("OrderPlaced", 1))
		if !errors.Is(err, ErrPublishNacked) {
			t.Errorf("expected ErrPublishNacked, got %v", err)
		}
	})

	t.Run("missing confirmation", func(t *testing.T) {
		h := newHarness(t, WithConfig(Config{Exchange: "orders", ConfirmTimeout: 20 * time.Millisecond}))
		producer := h.broker.last().producer()
		producer.setMode(confirmNone)

		err := h.bus.Publish(ctx, event.New("OrderPlaced", 1))
		if !errors.Is(err, ErrConfirmTimeout) {
			t.Fatalf("expected ErrConfirmTimeout, got %v", err)
		}

		// a late confirmation of the timed out publish is not taken for the next one
		producer.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
		producer.setMode(confirmNack)
		if err := h.bus.Publish(ctx, event.New("OrderPlaced", 2)); !errors.Is(err, ErrPublishNacked) {
			t.Errorf("expected ErrPublishNacked, got %v", err)
		}
	})

	t.Run("invalid event", func(t *testing.T) {
		h := newHarness(t)
		if err := h.bus.Publish(ctx, event.Event{}); !errors.Is(err, event.ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent, got %v", err)
		}
	})
}

func TestHandleDelivery(t *testing.T) {
	ctx := context.Background()
	const queue = "order-placed-handler"
	boom := errors.New("boom")

	tests := []struct {
		name        string
		body        func(t *testing.T) []byte
		headers     amqp.Table
		handler     func(context.Context, event.Event) error
		wantAcks    int
		wantNacks   int
		wantRequeue bool
		wantWarn    string
		wantError   string
	}{
		{
			name:     "success is acked",
			body:     func(t *testing.T) []byte { return encode(t, event.New("OrderPlaced", map[string]any{"id": 1})) },
			handler:  func(context.Context, event.Event) error { return nil },
			wantAcks: 1,
		},
		{
			name:      "malformed message is discarded",
			body:      func(*testing.T) []byte { return []byte(`{"name":"OrderPlaced"}`) },
			handler:   func(context.Context, event.Event) error { return nil },
			wantNacks: 1,
			wantWarn:  "message discarded due to invalid format",
		},
		{
			name:      "unparseable message is discarded",
			body:      func(*testing.T) []byte { return []byte(`not json`) },
			handler:   func(context.Context, event.Event) error { return nil },
			wantNacks: 1,
			wantWarn:  "message discarded due to invalid format",
		},
		{
			name:      "message without handler is discarded",
			body:      func(t *testing.T) []byte { return encode(t, event.New("OrderCancelled", 1)) },
			handler:   func(context.Context, event.Event) error { return nil },
			wantNacks: 1,
			wantWarn:  "message discarded due to missing handler",
		},
		{
			name:        "failure below max attempts is requeued",
			body:        func(t *testing.T) []byte { return encode(t, event.New("OrderPlaced", 1)) },
			headers:     amqp.Table{DeliveryCountHeader: int64(2)},
			handler:     func(context.Context, event.Event) error { return boom },
			wantNacks:   1,
			wantRequeue: true,
			wantWarn:    "message re-queued",
		},
		{
			name:      "failure at max attempts is dead-lettered",
			body:      func(t *testing.T) []byte { return encode(t, event.New("OrderPlaced", 1)) },
			headers:   amqp.Table{DeliveryCountHeader: int64(3)},
			handler:   func(context.Context, event.Event) error { return boom },
			wantNacks: 1,
			wantError: "message sent to dead letter queue",
		},
		{
			name:      "panicking handler is dead-lettered at max attempts",
			body:      func(t *testing.T) []byte { return encode(t, event.New("OrderPlaced", 1)) },
			headers:   amqp.Table{DeliveryCountHeader: int32(5)},
			handler:   func(context.Context, event.Event) error { panic("kaboom") },
			wantNacks: 1,
			wantError: "message sent to dead letter queue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if err := h.bus.Subscribe(ctx, "OrderPlaced", event.NewHandler("OrderPlacedHandler", tt.handler)); err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}

			ack := &fakeAck{}
			h.bus.handleDelivery(ctx, queue, amqp.Delivery{
				Acknowledger: ack,
				DeliveryTag:  1,
				ContentType:  "application/json",
				Headers:      tt.headers,
				Body:         tt.body(t),
			})

			acks, nacks, requeue := ack.state()
			if acks != tt.wantAcks || nacks != tt.wantNacks || requeue != tt.wantRequeue {
				t.Errorf("expected acks=%d nacks=%d requeue=%v, got acks=%d nacks=%d requeue=%v",
					tt.wantAcks, tt.wantNacks, tt.wantRequeue, acks, nacks, requeue)
			}
			if tt.wantWarn != "" && !h.logs.has(slog.LevelWarn, tt.wantWarn) {
				t.Errorf("expected warning %q", tt.wantWarn)
			}
			if tt.wantError != "" && !h.logs.has(slog.LevelError, tt.wantError) {
				t.Errorf("expected error %q", tt.wantError)
			}
			if tt.wantError == "" && h.logs.count(slog.LevelError) != 0 {
				t.Errorf("unexpected error logs")
			}
		})
	}
}

func TestConsume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	type orderPlaced struct {
		ID    string `json:"id"`
		Total int    `json:"total"`
	}
	want := orderPlaced{ID: faker.Lorem().String(), Total: faker.RandomInt(1, 500)}

	got := make(chan orderPlaced, 1)
	handler := event.Typed("OrderPlacedHandler", func(_ context.Context, o orderPlaced) error {
		got <- o
		return nil
	})
	if err := h.bus.Subscribe(ctx, "OrderPlaced", handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ack := &fakeAck{}
	h.broker.last().consumer().consumer("order-placed-handler") <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		ContentType:  "application/json",
		Body:         encode(t, event.New("OrderPlaced", want)),
	}

	select {
	case o := <-got:
		if diff := cmp.Diff(want, o); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	waitFor(t, func() bool {
		acks, _, _ := ack.state()
		return acks == 1
	})
}

func TestReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithConfig(Config{Exchange: "orders", ReconnectDelay: 10 * time.Millisecond}))

	var calls atomic.Int32
	handler := event.NewHandler("OrderPlacedHandler", func(context.Context, event.Event) error {
		calls.Add(1)
		return nil
	})
	if err := h.bus.Subscribe(ctx, "OrderPlaced", handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	first := h.broker.last()
	first.drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})

	waitFor(t, func() bool { return h.broker.dials() == 2 })
	second := h.broker.last()
	waitFor(t, func() bool { return second.consumer().consumer("order-placed-handler") != nil })

	if !h.logs.has(slog.LevelError, "rabbit connection closed, reconnecting") {
		t.Error("expected the connection loss to be logged")
	}

	ack := &fakeAck{}
	second.consumer().consumer("order-placed-handler") <- amqp.Delivery{
		Acknowledger: ack,
		ContentType:  "application/json",
		Body:         encode(t, event.New("OrderPlaced", 1)),
	}
	waitFor(t, func() bool { return calls.Load() == 1 })

	if err := h.bus.Publish(ctx, event.New("OrderPlaced", 2)); err != nil {
		t.Errorf("Publish after reconnect failed: %v", err)
	}
	if n := len(second.producer().published); n != 1 {
		t.Errorf("expected publish on the new connection, got %d", n)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithConfig(Config{Exchange: "orders", ReconnectDelay: 10 * time.Millisecond}))

	if err := h.bus.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if n := h.broker.dials(); n != 1 {
		t.Errorf("expected no reconnection after Close, got %d dials", n)
	}
	if err := h.bus.Publish(ctx, event.New("OrderPlaced", 1)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if err := h.bus.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestKebabCase(t *testing.T) {
	tests := map[string]string{
		"SendWelcomeEmail":   "send-welcome-email",
		"orderPlacedHandler": "order-placed-handler",
		"handler":            "handler",
		"HTTPHandler":        "httphandler",
	}
	for in, want := range tests {
		if got := KebabCase(in); got != want {
			t.Errorf("KebabCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDeliveryCount(t *testing.T) {
	tests := []struct {
		headers amqp.Table
		want    int
	}{
		{nil, 0},
		{amqp.Table{}, 0},
		{amqp.Table{DeliveryCountHeader: int64(4)}, 4},
		{amqp.Table{DeliveryCountHeader: int32(2)}, 2},
		{amqp.Table{DeliveryCountHeader: "3"}, 0},
	}
	for _, tt := range tests {
		if got := deliveryCount(tt.headers); got != tt.want {
			t.Errorf("deliveryCount(%v) = %d, want %d", tt.headers, got, tt.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("RABBIT_EXCHANGE", "billing")
	t.Setenv("RABBIT_PREFETCH", "25")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := DefaultConfig()
	want.Exchange = "billing"
	want.Prefetch = 25
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.withDefaults().DeadLetterExchange; got != "billing.dlx" {
		t.Errorf("expected dead letter exchange billing.dlx, got %q", got)
	}
}

func TestMessageID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var got string
	handler := event.NewHandler("OrderPlacedHandler", func(ctx context.Context, _ event.Event) error {
		got = MessageID(ctx)
		return nil
	})
	if err := h.bus.Subscribe(ctx, "OrderPlaced", handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	id := faker.Lorem().String()
	h.bus.handleDelivery(ctx, "order-placed-handler", amqp.Delivery{
		Acknowledger: &fakeAck{},
		MessageId:    id,
		ContentType:  "application/json",
		Body:         encode(t, event.New("OrderPlaced", 1)),
	})

	if got != id {
		t.Errorf("expected message id %q, got %q", id, got)
	}
	if MessageID(ctx) != "" {
		t.Error("expected no message id outside a handler")
	}
}
