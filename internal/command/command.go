package command

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a command id does not exist.
var ErrNotFound = errors.New("command not found")

// Reserved payload keys written on completion or failure.
const (
	KeyLog   = "log"
	KeyError = "error"
)

// DefaultBatchSize bounds a single claim.
const DefaultBatchSize = 20

// DefaultRetention is how long Completed commands are kept.
const DefaultRetention = 24 * time.Hour

// Command is one durable provisioning operation.
type Command struct {
	ID         int64     `json:"id"`
	State      State     `json:"state"`
	Payload    Payload   `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`

	// LeaseOwner identifies the claimant while Processing.
	LeaseOwner string `json:"lease_owner,omitempty"`
	// LeaseExpiresAt is nil when the claim has no lease.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// Log returns the execution log merged into the payload, if any.
func (c Command) Log() []string {
	if v, ok := c.Payload[KeyLog].(Strings); ok {
		out := make([]string, len(v))
		copy(out, v)
		return out
	}
	return nil
}

// ErrorText returns the failure text merged into the payload, if any.
func (c Command) ErrorText() string {
	s, _ := c.Payload.Text(KeyError)
	return s
}

// WithOutcome returns a copy of p with the execution log merged in, and the
// error text when errText is non-empty. A nil log is stored as an empty list.
func WithOutcome(p Payload, log []string, errText string) Payload {
	out := p.Clone()
	if log == nil {
		log = []string{}
	}
	out[KeyLog] = Strings(append([]string(nil), log...))
	if errText != "" {
		out[KeyError] = String(errText)
	}
	return out
}

// ClaimRequest parameterizes a batch claim.
type ClaimRequest struct {
	Limit int
	Owner string
	Now   time.Time
	// LeaseTTL > 0 stamps a lease expiry on claimed rows and lets the claim
	// reclaim Processing rows whose lease has expired. Zero disables leases.
	LeaseTTL time.Duration
}

// ListFilter selects commands for operator views.
type ListFilter struct {
	// State restricts results to one state; empty means any.
	State State
	// ModifiedBefore restricts results to rows last modified before it; zero means any.
	ModifiedBefore time.Time
	// Limit caps the result size; <= 0 means no cap.
	Limit int
}
