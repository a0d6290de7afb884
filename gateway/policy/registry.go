// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"sort"
)

// Registry is the read-only catalogue of routing policies. It is built once
// at startup and never mutated, so lookups need no locking.
type Registry struct {
	policies    map[string]*Policy
	order       []string
	defaultName string
}

// NewRegistry validates the catalogue and the default policy name and builds
// the registry. Backends with an unset weight must already be normalized to
// weight 1 by the config layer.
func NewRegistry(policies []Policy, defaultName string) (*Registry, error) {
	if len(policies) == 0 {
		return nil, &ValidationError{Field: "policies", Message: "at least one policy is required"}
	}

	r := &Registry{
		policies:    make(map[string]*Policy, len(policies)),
		defaultName: defaultName,
	}
	for i := range policies {
		p := &policies[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.policies[p.Name]; dup {
			return nil, &ValidationError{Policy: p.Name, Field: "name", Message: "duplicate policy name"}
		}
		r.policies[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	sort.Strings(r.order)

	if defaultName == "" {
		return nil, &ValidationError{Field: "default_policy", Message: "default policy name is required"}
	}
	if _, ok := r.policies[defaultName]; !ok {
		return nil, &ValidationError{Field: "default_policy", Message: "default policy " + defaultName + " is not declared"}
	}
	return r, nil
}

// Resolve returns the policy with the given name. An empty name resolves the
// configured default. Unknown names return *NotFoundError.
func (r *Registry) Resolve(name string) (*Policy, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.policies[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return p, nil
}

// Default returns the configured default policy.
func (r *Registry) Default() *Policy {
	return r.policies[r.defaultName]
}

// DefaultName returns the configured default policy name.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Policies returns the catalogue in name order.
func (r *Registry) Policies() []*Policy {
	out := make([]*Policy, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.policies[name])
	}
	return out
}
