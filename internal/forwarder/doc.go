// Package forwarder drains the edge outbox toward the cloud ingestion
// boundary.
//
// The Scheduler leases claimable rows, the Dispatcher posts them in batches
// over HTTP and applies the per-event outcome (ack, reschedule with backoff,
// or quarantine), and the Sweeper returns rows whose worker died mid-lease to
// the claimable pool. Delivery is at-least-once; the receiving side
// deduplicates by event id.
package forwarder
