package policy

import (
	"sort"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a command.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the command with ConfigInvalid.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of this severity fail the command.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy module. Its package must define a `deny` set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Service is the offending service, when the violation is about one.
	Service string `json:"service,omitempty"`

	// Path is the project file key path of the offending value.
	Path string `json:"path,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of one policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists every violation in a stable order.
	Violations []Violation `json:"violations,omitempty"`

	// Evaluated lists the names of the policies that ran.
	Evaluated []string `json:"evaluated"`
}

// Blocking returns the violations that fail the command.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

func (r *Result) finish() {
	sort.SliceStable(r.Violations, func(i, j int) bool {
		a, b := r.Violations[i], r.Violations[j]
		if a.Policy != b.Policy {
			return a.Policy < b.Policy
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		return a.Message < b.Message
	})
	sort.Strings(r.Evaluated)
	r.Allowed = len(r.Blocking()) == 0
}

// Input is the document policies see as `input`.
type Input struct {
	// Operation is "project" for project checks and "plan" for plan checks.
	Operation string `json:"operation"`

	Project  string         `json:"project"`
	Services []ServiceInput `json:"services,omitempty"`
	Plan     *engine.Plan   `json:"plan,omitempty"`
}

// ServiceInput is a service as exposed to policies.
type ServiceInput struct {
	Name     string                 `json:"name"`
	From     string                 `json:"from"`
	Roles    []string               `json:"roles,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Ports    []string               `json:"ports,omitempty"`
	Volumes  []string               `json:"volumes,omitempty"`
	User     string                 `json:"user,omitempty"`
	Networks []string               `json:"networks,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// projectInput builds the policy input for a resolved project.
func projectInput(project string, cfg *engine.Config) *Input {
	in := &Input{Operation: "project", Project: project}
	for _, svc := range cfg.Services {
		roles := make([]string, 0, len(svc.Roles))
		for _, r := range svc.Roles {
			roles = append(roles, r.Name)
		}
		in.Services = append(in.Services, ServiceInput{
			Name:     svc.Name,
			From:     svc.From,
			Roles:    roles,
			Labels:   svc.Labels,
			Ports:    svc.Ports,
			Volumes:  svc.Volumes,
			User:     svc.User,
			Networks: svc.Networks,
			Options:  svc.Extra,
		})
	}
	return in
}
