package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/order-emitter/emitter"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

// fakeChannel records publishes and can acknowledge them when confirms are enabled
type fakeChannel struct {
	mu          sync.Mutex
	published   []publishedMessage
	publishErr  error
	confirmErr  error
	confirmMode bool
	ack         bool
	noConfirm   bool
	confirms    chan amqp.Confirmation
	closed      bool
	deliveryTag uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{ack: true}
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{exchange: exchange, routingKey: key, mandatory: mandatory, msg: msg})

	if f.confirmMode {
		f.deliveryTag++
		if !f.noConfirm {
			f.confirms <- amqp.Confirmation{DeliveryTag: f.deliveryTag, Ack: f.ack}
		}
	}
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmMode = true
	return nil
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

func openerFor(channels ...*fakeChannel) (func() (channel, error), *int) {
	opened := 0
	return func() (channel, error) {
		if opened >= len(channels) {
			return nil, ErrConnectionNotReady
		}
		ch := channels[opened]
		opened++
		return ch, nil
	}, &opened
}

func TestNewPublisher(t *testing.T) {
	t.Run("requires a connection manager", func(t *testing.T) {
		_, err := NewPublisher(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("creates with defaults", func(t *testing.T) {
		publisher, err := NewPublisher(NewConnectionManager("amqp://localhost:5672"))
		require.NoError(t, err)

		assert.False(t, publisher.confirmMode)
		assert.True(t, publisher.persistent)
		assert.Equal(t, 5*time.Second, publisher.confirmTimeout)
		assert.Equal(t, 10*time.Second, publisher.publishTimeout)
		assert.NotNil(t, publisher.logger)
	})

	t.Run("applies options", func(t *testing.T) {
		publisher, err := NewPublisher(
			NewConnectionManager("amqp://localhost:5672"),
			WithConfirmMode(true),
			WithConfirmTimeout(3*time.Second),
			WithPublishTimeout(15*time.Second),
			WithPersistent(false),
			WithMandatory(true),
			WithAppID("order-emitter"),
		)
		require.NoError(t, err)

		assert.True(t, publisher.confirmMode)
		assert.Equal(t, 3*time.Second, publisher.confirmTimeout)
		assert.Equal(t, 15*time.Second, publisher.publishTimeout)
		assert.False(t, publisher.persistent)
		assert.True(t, publisher.mandatory)
		assert.Equal(t, "order-emitter", publisher.appID)
	})
}

func TestPublisherSend(t *testing.T) {
	t.Run("publishes a plain text message", func(t *testing.T) {
		ch := newFakeChannel()
		open, _ := openerFor(ch)
		publisher := newPublisher(open, WithAppID("order-emitter"))

		err := publisher.Send(context.Background(), "order.exchange", "order.key", "10101010")
		require.NoError(t, err)

		msgs := ch.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "order.exchange", msgs[0].exchange)
		assert.Equal(t, "order.key", msgs[0].routingKey)
		assert.False(t, msgs[0].mandatory)
		assert.Equal(t, []byte("10101010"), msgs[0].msg.Body)
		assert.Equal(t, "text/plain", msgs[0].msg.ContentType)
		assert.Equal(t, amqp.Persistent, msgs[0].msg.DeliveryMode)
		assert.Equal(t, "order-emitter", msgs[0].msg.AppId)
		assert.NotEmpty(t, msgs[0].msg.MessageId)
		assert.False(t, msgs[0].msg.Timestamp.IsZero())
	})

	t.Run("reuses the open channel and assigns distinct message ids", func(t *testing.T) {
		ch := newFakeChannel()
		open, opened := openerFor(ch)
		publisher := newPublisher(open, WithPersistent(false))

		require.NoError(t, publisher.Send(context.Background(), "orders", "created", "a"))
		require.NoError(t, publisher.Send(context.Background(), "orders", "created", "b"))

		assert.Equal(t, 1, *opened)
		msgs := ch.messages()
		require.Len(t, msgs, 2)
		assert.NotEqual(t, msgs[0].msg.MessageId, msgs[1].msg.MessageId)
		assert.Equal(t, amqp.Transient, msgs[1].msg.DeliveryMode)
	})

	t.Run("reopens a channel closed by the broker", func(t *testing.T) {
		first, second := newFakeChannel(), newFakeChannel()
		open, opened := openerFor(first, second)
		publisher := newPublisher(open)

		require.NoError(t, publisher.Send(context.Background(), "orders", "created", "a"))
		first.Close()
		require.NoError(t, publisher.Send(context.Background(), "orders", "created", "b"))

		assert.Equal(t, 2, *opened)
		assert.Len(t, first.messages(), 1)
		assert.Len(t, second.messages(), 1)
	})

	t.Run("wraps channel open failures", func(t *testing.T) {
		open, _ := openerFor()
		publisher := newPublisher(open)

		err := publisher.Send(context.Background(), "orders", "created", "a")
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "orders", pubErr.Exchange)
		assert.Equal(t, "created", pubErr.RoutingKey)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("wraps publish failures", func(t *testing.T) {
		ch := newFakeChannel()
		ch.publishErr = amqp.ErrClosed
		open, _ := openerFor(ch)
		publisher := newPublisher(open)

		err := publisher.Send(context.Background(), "orders", "created", "a")
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})

	t.Run("fails after close", func(t *testing.T) {
		ch := newFakeChannel()
		open, _ := openerFor(ch)
		publisher := newPublisher(open)

		require.NoError(t, publisher.Send(context.Background(), "orders", "created", "a"))
		require.NoError(t, publisher.Close())
		assert.True(t, ch.IsClosed())

		err := publisher.Send(context.Background(), "orders", "created", "b")
		assert.ErrorIs(t, err, ErrPublisherClosed)
		assert.NoError(t, publisher.Close())
	})
}

func TestPublisherConfirms(t *testing.T) {
	t.Run("waits for an ack", func(t *testing.T) {
		ch := newFakeChannel()
		open, _ := openerFor(ch)
		publisher := newPublisher(open, WithConfirmMode(true))

		require.NoError(t, publisher.Send(context.Background(), "orders", "created", "a"))
		assert.True(t, ch.confirmMode)
	})

	t.Run("reports a nack", func(t *testing.T) {
		ch := newFakeChannel()
		ch.ack = false
		open, _ := openerFor(ch)
		publisher := newPublisher(open, WithConfirmMode(true))

		err := publisher.Send(context.Background(), "orders", "created", "a")
		assert.ErrorIs(t, err, ErrPublishNotConfirmed)
	})

	t.Run("times out without a confirmation", func(t *testing.T) {
		ch := newFakeChannel()
		ch.noConfirm = true
		open, _ := openerFor(ch)
		publisher := newPublisher(open,
			WithConfirmMode(true),
			WithConfirmTimeout(20*time.Millisecond))

		err := publisher.Send(context.Background(), "orders", "created", "a")
		assert.ErrorIs(t, err, ErrPublishTimeout)
	})

	t.Run("ignores a late confirmation from a timed out send", func(t *testing.T) {
		ch := newFakeChannel()
		ch.noConfirm = true
		open, _ := openerFor(ch)
		publisher := newPublisher(open,
			WithConfirmMode(true),
			WithConfirmTimeout(20*time.Millisecond))

		err := publisher.Send(context.Background(), "orders", "created", "a")
		require.ErrorIs(t, err, ErrPublishTimeout)

		// the broker nacks the first message after the send gave up on it
		ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}
		ch.noConfirm = false

		require.NoError(t, publisher.Send(context.Background(), "orders", "created", "b"))
		assert.Len(t, ch.messages(), 2)
	})

	t.Run("skips confirmations for earlier delivery tags", func(t *testing.T) {
		publisher := newPublisher(nil, WithPublisherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		publisher.confirms = make(chan amqp.Confirmation, 2)
		publisher.confirms <- amqp.Confirmation{DeliveryTag: 3, Ack: false}
		publisher.confirms <- amqp.Confirmation{DeliveryTag: 4, Ack: true}

		assert.NoError(t, publisher.waitConfirm(context.Background(), 4))
	})

	t.Run("fails when confirms cannot be enabled", func(t *testing.T) {
		ch := newFakeChannel()
		ch.confirmErr = errors.New("not supported")
		open, _ := openerFor(ch)
		publisher := newPublisher(open, WithConfirmMode(true))

		err := publisher.Send(context.Background(), "orders", "created", "a")
		var chanErr *ChannelError
		require.ErrorAs(t, err, &chanErr)
		assert.Equal(t, "enable confirms", chanErr.Op)
		assert.True(t, ch.IsClosed())
	})
}

func TestPublisherConcurrentSends(t *testing.T) {
	ch := newFakeChannel()
	open, opened := openerFor(ch)
	publisher := newPublisher(open, WithConfirmMode(true))

	const workers, perWorker = 5, 20
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- publisher.Send(context.Background(), "orders", "created", fmt.Sprintf("%d-%d", w, i))
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, *opened)
	assert.Len(t, ch.messages(), workers*perWorker)
	assert.Equal(t, uint64(workers*perWorker), publisher.deliveryTag)
}

func TestPublisherAsEmitterSender(t *testing.T) {
	ch := newFakeChannel()
	open, _ := openerFor(ch)
	publisher := newPublisher(open, WithConfirmMode(true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sends := 0
	sender := emitter.SenderFunc(func(sendCtx context.Context, exchange, routingKey, payload string) error {
		sends++
		if sends == 2 {
			cancel()
		}
		return publisher.Send(sendCtx, exchange, routingKey, payload)
	})

	cfg := emitter.DefaultConfig("orders", "created")
	cfg.PauseInterval = time.Millisecond

	em, err := emitter.New(sender, cfg, emitter.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	require.NoError(t, em.Produce(ctx))

	msgs := ch.messages()
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		assert.Equal(t, emitter.OrderID(emitter.DefaultBaseID, i), string(m.msg.Body))
	}
}
