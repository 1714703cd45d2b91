package forwarder

import "errors"

var (
	ErrSenderRequired     = errors.New("forwarder sender is required")
	ErrDispatcherRequired = errors.New("forwarder dispatcher is required")
	ErrDispatcherRunning  = errors.New("forwarder dispatcher is already running")
	ErrSchedulerRequired  = errors.New("forwarder scheduler is required")
	ErrSweeperRequired    = errors.New("forwarder sweeper is required")
	ErrSweeperRunning     = errors.New("forwarder sweeper is already running")
	ErrIngestURLRequired  = errors.New("ingest url is required")
	ErrEdgeIDRequired     = errors.New("edge id is required")
	ErrAPIKeyRequired     = errors.New("api key is required for api_key auth mode")
	ErrHMACSecretRequired = errors.New("hmac secret is required for hmac auth mode")
)
