package ingest

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/dedupe"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
)

// Error codes returned by the batch handler.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

// ServiceName identifies this API in handshake responses.
const ServiceName = "farmiq-ingest"

// Handler owns the HTTP surface of the ingestion gate.
type Handler struct {
	processor *Processor
	authMode  AuthMode
	logger    log.Logger
}

// NewHandler creates the ingestion HTTP handler.
func NewHandler(processor *Processor, authMode AuthMode, logger log.Logger) (*Handler, error) {
	if processor == nil {
		return nil, ErrProcessorRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Handler{
		processor: processor,
		authMode:  authMode,
		logger:    logger,
	}, nil
}

// RegisterRoutes mounts the ingestion endpoints on router, wrapping the batch
// route with the supplied middlewares (auth gate, optional rate limiter).
func (h *Handler) RegisterRoutes(router fiber.Router, middlewares ...fiber.Handler) {
	batchHandlers := make([]fiber.Handler, 0, len(middlewares)+1)
	batchHandlers = append(batchHandlers, middlewares...)
	batchHandlers = append(batchHandlers, h.HandleBatch)

	router.Post("/v1/events/batch", batchHandlers...)
	router.Get("/v1/handshake", h.HandleHandshake)
}

// HandleBatch ingests a batch of events. Structurally invalid events are
// rejected individually without failing the batch; infrastructure failures
// fail the whole batch so the edge retries it.
func (h *Handler) HandleBatch(c *fiber.Ctx) error {
	var req BatchRequest

	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return BadRequest(c, CodeValidationError, "Invalid Request", "Request body must be a JSON batch envelope.")
	}

	if req.TenantID == "" {
		return BadRequest(c, CodeValidationError, "Invalid Request", "Missing tenant_id")
	}

	if req.Events == nil {
		return BadRequest(c, CodeValidationError, "Invalid Request", "Missing events")
	}

	if headerTenant := c.Get(HeaderTenantID); headerTenant != "" && headerTenant != req.TenantID {
		return Unauthorized(c, CodeUnauthorized, "Unauthorized", "Tenant header does not match batch tenant.")
	}

	ctx := c.UserContext()
	resp := BatchResponse{}

	for _, ev := range req.Events {
		if reason := ev.Validate(); reason != "" {
			resp.Rejected++
			resp.Errors = append(resp.Errors, EventError{
				EventID: ev.EventID,
				Code:    CodeValidationError,
				Message: reason,
			})

			continue
		}

		outcome, err := h.processor.Process(ctx, ev)
		if err != nil {
			h.logger.Log(ctx, log.LevelError, "failed to process event batch",
				log.String("tenant_id", req.TenantID),
				log.Err(err))

			return InternalServerError(c, CodeInternalError, "Ingestion Failed",
				"Event storage or fan-out is unavailable; retry the batch.")
		}

		if outcome == dedupe.Duplicate {
			resp.Duplicated++
		} else {
			resp.Accepted++
		}
	}

	return OK(c, resp)
}

// HandshakeResponse is the reply to a connectivity probe.
type HandshakeResponse struct {
	OK        bool      `json:"ok"`
	Service   string    `json:"service"`
	AuthMode  string    `json:"auth_mode"`
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Time      time.Time `json:"time"`
}

// HandleHandshake lets an edge verify connectivity and credentials without
// sending data. It never exposes configured secrets.
func (h *Handler) HandleHandshake(c *fiber.Ctx) error {
	requestID := c.Get(fiber.HeaderXRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	traceID := ""
	if span := trace.SpanContextFromContext(c.UserContext()); span.HasTraceID() {
		traceID = span.TraceID().String()
	}

	return OK(c, HandshakeResponse{
		OK:        true,
		Service:   ServiceName,
		AuthMode:  string(h.authMode),
		RequestID: requestID,
		TraceID:   traceID,
		Time:      time.Now().UTC(),
	})
}
