package emitter

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

// TimestampLayout is the layout of the creation time written to the log line
const TimestampLayout = time.DateTime

// Sender publishes a payload to an exchange with a routing key
type Sender interface {
	Send(ctx context.Context, exchange, routingKey, payload string) error
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(ctx context.Context, exchange, routingKey, payload string) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, exchange, routingKey, payload string) error {
	return f(ctx, exchange, routingKey, payload)
}

// PauseFunc blocks for d or until ctx is done, returning ctx.Err() in the latter case
type PauseFunc func(ctx context.Context, d time.Duration) error

// Emitter publishes Config.Count order ids through a Sender
type Emitter struct {
	sender Sender
	config Config
	logger *slog.Logger
	now    func() time.Time
	pause  PauseFunc
}

// Option configures the Emitter
type Option func(*Emitter)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// WithClock sets the clock used for the creation timestamp
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		e.now = now
	}
}

// WithPauser replaces the pause implementation
func WithPauser(pause PauseFunc) Option {
	return func(e *Emitter) {
		e.pause = pause
	}
}

// New creates an emitter
func New(sender Sender, config Config, options ...Option) (*Emitter, error) {
	if sender == nil {
		return nil, ErrNilSender
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Emitter{
		sender: sender,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
		pause:  Sleep,
	}

	for _, opt := range options {
		opt(e)
	}

	return e, nil
}

// Config returns the run configuration
func (e *Emitter) Config() Config {
	return e.config
}

// OrderID joins the base token and the decimal index
func OrderID(base string, index int) string {
	return base + strconv.Itoa(index)
}

// Produce publishes the configured number of order ids in index order.
// A send failure ends the run immediately; nothing is retried.
//
// Under InterruptContinue only a pause observes cancellation of ctx. Sends
// always run detached from it, and once a pause has been interrupted the
// later pauses run their full length again.
func (e *Emitter) Produce(ctx context.Context) error {
	sendCtx, pauseCtx := ctx, ctx
	if e.config.OnInterrupt != InterruptAbort {
		sendCtx = context.WithoutCancel(ctx)
	}

	for i := 0; i < e.config.Count; i++ {
		orderID := OrderID(e.config.BaseID, i)

		if err := e.sender.Send(sendCtx, e.config.Exchange, e.config.RoutingKey, orderID); err != nil {
			return &EmitError{Index: i, OrderID: orderID, Err: err}
		}

		e.logger.Info("order created",
			"created_at", e.now().Format(TimestampLayout),
			"order_id", orderID)

		if !e.config.shouldPause(i) {
			continue
		}

		if err := e.pause(pauseCtx, e.config.PauseInterval); err != nil {
			if e.config.OnInterrupt == InterruptAbort {
				return &EmitError{Index: i, OrderID: orderID, Err: errors.Join(ErrInterrupted, err)}
			}

			e.logger.Error("pause interrupted, continuing",
				"order_id", orderID,
				"index", i,
				"error", err)

			// an interruption is consumed once
			pauseCtx = context.WithoutCancel(ctx)
		}
	}

	return nil
}

// Sleep blocks for d unless ctx is done first
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
