// Package rabbitmq manages the AMQP connection and the confirm-mode
// publisher used for cloud-side event fan-out.
package rabbitmq
