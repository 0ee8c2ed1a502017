// Package rabbitmq provides the AMQP 0-9-1 building blocks used by the
// RabbitMQ transport.
//
// This package includes:
//   - Dial: opens a connection honouring context cancellation and a dial timeout
//   - Publisher: publishes to a queue through the default exchange and waits
//     for the broker's confirmation
//   - Consumer: takes at most a bounded number of deliveries from a queue
//     within a wait window, leaving them unacknowledged for the caller
//
// Nothing here pools or reconnects: every handle belongs to exactly one relay
// operation and is closed when that operation ends.
package rabbitmq
