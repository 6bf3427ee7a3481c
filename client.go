// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orderemitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/order-emitter/config"
	"github.com/glimte/order-emitter/emitter"
	"github.com/glimte/order-emitter/internal/rabbitmq"
)

// Client wires a RabbitMQ connection, a publisher and an emitter together
type Client struct {
	connection *rabbitmq.ConnectionManager
	publisher  *rabbitmq.Publisher
	emitter    *emitter.Emitter
	state      *connectionStateLogger
	logger     *slog.Logger
}

// NewClient connects to the broker described by cfg and prepares an emitter
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ccfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(ccfg)
	}

	connection := rabbitmq.NewConnectionManager(cfg.Broker.URL,
		rabbitmq.WithLogger(ccfg.logger),
		rabbitmq.WithConnectTimeout(cfg.Broker.ConnectTimeout),
		rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.Broker.MaxReconnects),
	)
	state := &connectionStateLogger{logger: ccfg.logger}
	connection.AddStateListener(state)

	if err := connection.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	publisher, err := rabbitmq.NewPublisher(connection,
		rabbitmq.WithPublisherLogger(ccfg.logger),
		rabbitmq.WithConfirmMode(cfg.Publish.Confirm),
		rabbitmq.WithConfirmTimeout(cfg.Publish.ConfirmTimeout),
		rabbitmq.WithPublishTimeout(cfg.Publish.PublishTimeout),
		rabbitmq.WithPersistent(cfg.Publish.Persistent),
		rabbitmq.WithMandatory(cfg.Publish.Mandatory),
		rabbitmq.WithAppID(cfg.Publish.AppID),
	)
	if err != nil {
		connection.Close()
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	em, err := emitter.New(publisher, cfg.EmitterConfig(), emitter.WithLogger(ccfg.logger))
	if err != nil {
		publisher.Close()
		connection.Close()
		return nil, fmt.Errorf("failed to create emitter: %w", err)
	}

	return &Client{
		connection: connection,
		publisher:  publisher,
		emitter:    em,
		state:      state,
		logger:     ccfg.logger,
	}, nil
}

// Produce runs the configured emission
func (c *Client) Produce(ctx context.Context) error {
	return c.emitter.Produce(ctx)
}

// Emitter returns the underlying emitter
func (c *Client) Emitter() *emitter.Emitter {
	return c.emitter
}

// Close closes the publisher and the connection
func (c *Client) Close() error {
	var errs []error
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if c.connection != nil {
		c.connection.RemoveStateListener(c.state)
		if err := c.connection.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// connectionStateLogger reports broker connection changes through the client logger
type connectionStateLogger struct {
	logger *slog.Logger
}

func (l *connectionStateLogger) OnConnected() {
	l.logger.Info("broker connection established")
}

func (l *connectionStateLogger) OnDisconnected(err error) {
	l.logger.Warn("broker connection lost", "error", err)
}

func (l *connectionStateLogger) OnReconnecting(attempt int) {
	l.logger.Info("reconnecting to broker", "attempt", attempt)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger *slog.Logger
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}
