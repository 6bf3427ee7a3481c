// Package rabbitmq provides the RabbitMQ transport used to emit orders.
//
// This package includes:
//   - ConnectionManager: Dials the broker and reconnects with backoff when the connection drops
//   - Publisher: Sends plain-text payloads to an exchange, optionally waiting for publisher confirms
//
// Exchanges and queues are expected to exist already; nothing here declares topology.
package rabbitmq
