package outbox

import "fmt"

// Status represents a valid outbox event lifecycle state.
type Status string

const (
	// StatusPending is claimable once next_attempt_at has passed.
	StatusPending Status = "PENDING"
	// StatusClaimed is leased to a worker but not yet on the wire.
	StatusClaimed Status = "CLAIMED"
	// StatusSending is leased and network I/O has started.
	StatusSending Status = "SENDING"
	// StatusAcked was accepted by the cloud boundary. Terminal.
	StatusAcked Status = "ACKED"
	// StatusFailed is kept for rows written by earlier relay versions that
	// parked transient failures instead of rescheduling them. Current code
	// never writes it; redrive semantics apply.
	StatusFailed Status = "FAILED"
	// StatusDLQ is quarantined and invisible to claiming until an explicit
	// redrive. Terminal absent redrive.
	StatusDLQ Status = "DLQ"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusClaimed, StatusSending, StatusAcked, StatusFailed, StatusDLQ:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the delivery lifecycle. DLQ is
// terminal only until an operator redrives the row.
func (status Status) IsTerminal() bool {
	return status == StatusAcked || status == StatusDLQ
}

// CanTransitionTo reports whether a transition from status to next is allowed.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusClaimed
	case StatusClaimed:
		// Lease expiry returns the row for another claim.
		return next == StatusSending || next == StatusPending
	case StatusSending:
		return next == StatusAcked || next == StatusPending || next == StatusDLQ
	case StatusFailed:
		return next == StatusPending || next == StatusDLQ
	case StatusDLQ:
		// Explicit redrive only.
		return next == StatusPending
	case StatusAcked:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
