// Package access gates work admission. The real RBAC layer lives outside the
// daemon; its policy table arrives as configuration and is honored here
// through a single interface the orchestrator consults before planning jobs.
package access

import "strings"

// Controller answers authorization questions. Implementations must be safe
// for concurrent use.
type Controller interface {
	Authorize(principal, resource, operation string) bool
}

// AllowAll is the default controller when no rules are configured: every
// principal may do everything. The external gate in front of the daemon is
// then the only access control.
type AllowAll struct{}

// Authorize always returns true.
func (AllowAll) Authorize(string, string, string) bool { return true }

// Rule grants a principal a set of operations on resources under a prefix.
type Rule struct {
	Principal      string
	ResourcePrefix string
	Operations     []string
}

// StaticPolicy authorizes against a fixed rule list. First match wins; no
// match denies. The zero value denies everything.
type StaticPolicy struct {
	rules []Rule
}

// NewStaticPolicy builds a policy from the configured rules.
func NewStaticPolicy(rules []Rule) *StaticPolicy {
	return &StaticPolicy{rules: rules}
}

// Authorize reports whether principal may perform operation on resource.
// A rule's "*" principal or operation matches anything.
func (p *StaticPolicy) Authorize(principal, resource, operation string) bool {
	for _, r := range p.rules {
		if r.Principal != "*" && r.Principal != principal {
			continue
		}
		if !strings.HasPrefix(resource, r.ResourcePrefix) {
			continue
		}
		for _, op := range r.Operations {
			if op == "*" || op == operation {
				return true
			}
		}
	}
	return false
}
