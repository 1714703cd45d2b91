// Package outbox defines the durable outbox event model and the storage
// contract consumed by the claim scheduler, dispatcher and DLQ manager.
package outbox
