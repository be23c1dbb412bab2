package policy

import (
	"time"
)

// Action names the job operation being authorized.
type Action string

const (
	ActionRetrieve Action = "retrieve"
	ActionResult   Action = "result"
	ActionRelease  Action = "release"
)

// Policy is a Rego module contributing deny rules.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy module. It must define a deny set in its
	// package, e.g. `deny contains msg if { ... }`.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with flightdeck. Reloads keep them.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccessInput is the document policies see as `input`.
type AccessInput struct {
	Action     Action    `json:"action"`
	JobID      string    `json:"job_id"`
	FlightType string    `json:"flight_type,omitempty"`
	Caller     string    `json:"caller"`
	Owner      string    `json:"owner"`
	Timestamp  time.Time `json:"timestamp"`
}

// Denial is one deny rule result.
type Denial struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
}

// Decision is the outcome of an authorization check.
type Decision struct {
	// Allowed is true when no enabled policy produced a denial.
	Allowed bool `json:"allowed"`

	Denials []Denial `json:"denials,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// Reasons returns the denial messages.
func (d *Decision) Reasons() []string {
	out := make([]string, 0, len(d.Denials))
	for _, den := range d.Denials {
		out = append(out, den.Message)
	}
	return out
}
