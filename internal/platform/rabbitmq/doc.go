// Package rabbitmq carries generation requests over AMQP. Publisher sends
// them in confirm mode with retries, Consumer feeds them to the worker.
// Both declare the same topology: a topic exchange routing into a priority
// queue that dead-letters rejected messages.
package rabbitmq
