package policy

import (
	"time"
)

// Builtin policy names.
const (
	PolicyCallerIdentity = "caller-identity"
	PolicyJobOwnership   = "job-ownership"
)

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		callerIdentityPolicy(),
		jobOwnershipPolicy(),
	}
}

// callerIdentityPolicy rejects anonymous callers.
func callerIdentityPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        PolicyCallerIdentity,
		Description: "Every job access must name the calling subject",
		Enabled:     true,
		Builtin:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package flightdeck.access.identity

import rego.v1

deny contains msg if {
	trim_space(input.caller) == ""
	msg := sprintf("%s on job %s requires a caller", [input.action, input.job_id])
}
`,
	}
}

// jobOwnershipPolicy only lets the submitter touch a job.
func jobOwnershipPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        PolicyJobOwnership,
		Description: "Only the subject that submitted a job may read or release it",
		Enabled:     true,
		Builtin:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package flightdeck.access.ownership

import rego.v1

deny contains msg if {
	trim_space(input.caller) != ""
	input.caller != input.owner
	msg := sprintf("caller %s is not the submitter of job %s", [input.caller, input.job_id])
}
`,
	}
}
