package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("Expected 2 built-in policies, got %d", len(policies))
	}
	for _, name := range []string{PolicyCallerIdentity, PolicyJobOwnership} {
		p, err := eng.GetPolicy(name)
		if err != nil {
			t.Fatalf("GetPolicy(%s) error = %v", name, err)
		}
		if !p.Builtin || !p.Enabled {
			t.Errorf("Expected %s to be an enabled builtin", name)
		}
	}
}

func TestAuthorize_Ownership(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name        string
		input       AccessInput
		wantAllowed bool
		wantPolicy  string
	}{
		{
			name:        "owner is allowed",
			input:       AccessInput{Action: ActionRetrieve, JobID: "job-1", Caller: "alice", Owner: "alice"},
			wantAllowed: true,
		},
		{
			name:        "other caller is denied",
			input:       AccessInput{Action: ActionResult, JobID: "job-1", Caller: "bob", Owner: "alice"},
			wantAllowed: false,
			wantPolicy:  PolicyJobOwnership,
		},
		{
			name:        "blank caller is denied",
			input:       AccessInput{Action: ActionRelease, JobID: "job-1", Caller: "  ", Owner: "alice"},
			wantAllowed: false,
			wantPolicy:  PolicyCallerIdentity,
		},
		{
			name:        "blank caller is denied even for ownerless jobs",
			input:       AccessInput{Action: ActionRetrieve, JobID: "job-1"},
			wantAllowed: false,
			wantPolicy:  PolicyCallerIdentity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := eng.Authorize(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (denials %v)", d.Allowed, tt.wantAllowed, d.Denials)
			}
			if len(d.EvaluatedPolicies) != 2 {
				t.Errorf("Expected 2 evaluated policies, got %v", d.EvaluatedPolicies)
			}
			if tt.wantPolicy == "" {
				return
			}
			if len(d.Denials) != 1 || d.Denials[0].Policy != tt.wantPolicy {
				t.Errorf("Expected a single denial from %s, got %v", tt.wantPolicy, d.Denials)
			}
			if !strings.Contains(strings.Join(d.Reasons(), " "), "job-1") {
				t.Errorf("Expected reason to name the job, got %v", d.Reasons())
			}
		})
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	freeze := Policy{
		Name:    "freeze",
		Enabled: true,
		Rego: `package flightdeck.access.freeze

import rego.v1

deny contains {"message": "releases are frozen"} if {
	input.action == "release"
}
`,
	}
	if err := eng.ReplacePolicies(ctx, []Policy{freeze}); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}

	d, err := eng.Authorize(ctx, AccessInput{Action: ActionRelease, JobID: "j", Caller: "a", Owner: "a"})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if d.Allowed || d.Reasons()[0] != "releases are frozen" {
		t.Fatalf("Expected freeze denial, got %+v", d)
	}

	d, _ = eng.Authorize(ctx, AccessInput{Action: ActionRetrieve, JobID: "j", Caller: "a", Owner: "a"})
	if !d.Allowed {
		t.Errorf("Expected retrieve to be allowed, got %v", d.Denials)
	}

	t.Run("disable", func(t *testing.T) {
		if err := eng.DisablePolicy("freeze"); err != nil {
			t.Fatal(err)
		}
		d, _ := eng.Authorize(ctx, AccessInput{Action: ActionRelease, JobID: "j", Caller: "a", Owner: "a"})
		if !d.Allowed {
			t.Errorf("Expected disabled policy to be skipped")
		}
		if err := eng.EnablePolicy("freeze"); err != nil {
			t.Fatal(err)
		}
		if err := eng.EnablePolicy("missing"); err == nil {
			t.Error("Expected error enabling an unknown policy")
		}
	})

	t.Run("broken set is rejected atomically", func(t *testing.T) {
		broken := Policy{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains msg if {"}
		if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
			t.Fatal("Expected compile error")
		}
		if _, err := eng.GetPolicy("freeze"); err != nil {
			t.Errorf("Expected previous set to survive: %v", err)
		}
	})

	t.Run("builtins cannot be shadowed", func(t *testing.T) {
		shadow := freeze
		shadow.Name = PolicyJobOwnership
		if err := eng.ReplacePolicies(ctx, []Policy{shadow}); err == nil {
			t.Fatal("Expected shadowing error")
		}
	})

	t.Run("empty set keeps builtins", func(t *testing.T) {
		if err := eng.ReplacePolicies(ctx, nil); err != nil {
			t.Fatal(err)
		}
		if got := len(eng.ListPolicies()); got != 2 {
			t.Errorf("Expected only builtins, got %d", got)
		}
	})
}

func TestDenialMessage(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{"plain", "plain"},
		{map[string]interface{}{"message": "from object"}, "from object"},
		{map[string]interface{}{"code": 1}, "map[code:1]"},
	}
	for _, tt := range tests {
		if got := denialMessage(tt.in); got != tt.want {
			t.Errorf("denialMessage(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
