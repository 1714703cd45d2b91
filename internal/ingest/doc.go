// Package ingest implements the cloud-side ingestion gate: credential
// checking on every request, per-event validation, duplicate suppression by
// unique insert, and fan-out to the downstream exchange.
package ingest
