// Package policy decides who may access a job, using Open Policy Agent.
//
// Every policy is a Rego module defining a deny set. A request is allowed
// only when every enabled policy's deny set is empty. Two policies are
// built in:
//
//   - caller-identity denies requests without a caller subject
//   - job-ownership denies callers other than the job's submitter
//
// Operators add deny rules from .rego files, or .json files wrapping a
// module with a name and description:
//
//	# Freeze release of cloud context jobs.
//	package flightdeck.access.freeze
//
//	import rego.v1
//
//	deny contains msg if {
//		input.action == "release"
//		endswith(input.flight_type, "_CONTEXT")
//		msg := "context jobs are retained during the audit"
//	}
//
// The input document is an AccessInput:
//
//	{"action": "retrieve", "job_id": "...", "flight_type": "...",
//	 "caller": "...", "owner": "...", "timestamp": "..."}
//
// Loader.Watch re-reads the configured paths on change and feeds the result
// to Engine.ReplacePolicies, which swaps the operator set atomically. A set
// that fails to compile is rejected and the previous set stays active.
package policy
