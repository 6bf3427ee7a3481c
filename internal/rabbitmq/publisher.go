package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp.Channel the publisher needs
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	IsClosed() bool
	Close() error
}

// Publisher sends text payloads over a single lazily opened channel.
// Sends are serialized, so one Publisher is safe for concurrent use.
type Publisher struct {
	open           func() (channel, error)
	mu             sync.Mutex
	ch             channel
	confirms       chan amqp.Confirmation
	deliveryTag    uint64
	closed         bool
	confirmMode    bool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	persistent     bool
	mandatory      bool
	appID          string
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmMode makes Send wait for the broker to acknowledge each message
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirmMode = enabled
	}
}

// WithConfirmTimeout sets how long Send waits for a confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a send whose context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPersistent selects persistent or transient delivery mode
func WithPersistent(persistent bool) PublisherOption {
	return func(p *Publisher) {
		p.persistent = persistent
	}
}

// WithMandatory sets the mandatory flag on every publish
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithAppID stamps the AppId property on every message
func WithAppID(appID string) PublisherOption {
	return func(p *Publisher) {
		p.appID = appID
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher that opens channels from manager
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) (*Publisher, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager cannot be nil", ErrInvalidConfiguration)
	}

	return newPublisher(func() (channel, error) {
		ch, err := manager.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, options...), nil
}

func newPublisher(open func() (channel, error), options ...PublisherOption) *Publisher {
	p := &Publisher{
		open:           open,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		persistent:     true,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Send publishes payload as a text/plain message to exchange with routingKey
func (p *Publisher) Send(ctx context.Context, exchange, routingKey, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.publishError(exchange, routingKey, ErrPublisherClosed)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if err := p.ensureChannel(); err != nil {
		return p.publishError(exchange, routingKey, err)
	}

	msg := p.buildPublishing(payload)

	if p.confirmMode {
		p.drainConfirms()
	}

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
		return p.publishError(exchange, routingKey, err)
	}

	if p.confirmMode {
		p.deliveryTag++
		if err := p.waitConfirm(ctx, p.deliveryTag); err != nil {
			return p.publishError(exchange, routingKey, err)
		}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId)

	return nil
}

// Close closes the channel; later sends fail with ErrPublisherClosed
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch == nil || p.ch.IsClosed() {
		p.ch = nil
		return nil
	}

	err := p.ch.Close()
	p.ch = nil
	return err
}

// ensureChannel opens a channel if there is none or the current one was closed by the broker.
// Callers hold p.mu.
func (p *Publisher) ensureChannel() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	ch, err := p.open()
	if err != nil {
		return err
	}

	if p.confirmMode {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
		p.deliveryTag = 0
	}

	p.ch = ch
	return nil
}

// waitConfirm waits for the confirmation of tag. Confirmations for earlier
// tags arrive late after a timeout and are skipped.
func (p *Publisher) waitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < tag {
				p.logger.Debug("discarding late confirmation", "deliveryTag", confirm.DeliveryTag)
				continue
			}
			if !confirm.Ack {
				return fmt.Errorf("%w: delivery tag %d was nacked", ErrPublishNotConfirmed, confirm.DeliveryTag)
			}
			return nil
		case <-timer.C:
			return ErrPublishTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainConfirms drops confirmations left over from timed out sends
func (p *Publisher) drainConfirms() {
	for {
		select {
		case _, ok := <-p.confirms:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) buildPublishing(payload string) amqp.Publishing {
	deliveryMode := amqp.Transient
	if p.persistent {
		deliveryMode = amqp.Persistent
	}

	return amqp.Publishing{
		ContentType:     "text/plain",
		ContentEncoding: "UTF-8",
		DeliveryMode:    deliveryMode,
		MessageId:       uuid.New().String(),
		Timestamp:       time.Now(),
		AppId:           p.appID,
		Body:            []byte(payload),
	}
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  p.mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
