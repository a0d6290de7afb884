// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Backend is one routable LLM endpoint declared by a policy.
//
// Name doubles as the identifier a classifier or agent returns. Label groups
// replicas that serve the same classification outcome; it defaults to Name.
// Address is the full chat-completions URL of the endpoint. Weight steers
// weighted_random selection: unset weights are normalized to 1 at load time,
// an explicit 0 removes the backend from weighted selection entirely.
type Backend struct {
	Name        string  `json:"name"`
	Label       string  `json:"label,omitempty"`
	Description string  `json:"description,omitempty"`
	Address     string  `json:"address"`
	APIKey      string  `json:"-"`
	Model       string  `json:"model"`
	Weight      float64 `json:"weight"`
}

// EffectiveLabel returns the label this backend serves (Label, else Name).
func (b *Backend) EffectiveLabel() string {
	if b.Label != "" {
		return b.Label
	}
	return b.Name
}

// ClassifierEndpoint describes the external classification service a policy
// consults. Timeout bounds the single classification attempt.
type ClassifierEndpoint struct {
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

// AgentModel describes the agent backend an agentic policy asks to choose a
// backend identifier from the enumerated pool.
type AgentModel struct {
	Address      string `json:"address"`
	APIKey       string `json:"-"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Policy is a named routing configuration. Exactly one of Classifier or Agent
// may be set; with neither, every backend is a candidate for every request
// (a plain load-balancing pool). Policies are immutable after load.
type Policy struct {
	Name       string              `json:"name"`
	Classifier *ClassifierEndpoint `json:"classifier,omitempty"`
	Agent      *AgentModel         `json:"agent,omitempty"`
	Backends   []Backend           `json:"backends"`
}

// fallbackLabels are checked in order when classification fails and the
// policy enumerates one of them (matched case-insensitively).
var fallbackLabels = []string{"default", "unknown", "other"}

// Validate checks the policy's internal consistency.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Message: "policy name is required"}
	}
	if p.Classifier != nil && p.Agent != nil {
		return &ValidationError{Policy: p.Name, Field: "classifier", Message: "classifier and agent are mutually exclusive"}
	}
	if p.Classifier != nil {
		if p.Classifier.URL == "" {
			return &ValidationError{Policy: p.Name, Field: "classifier.url", Message: "classifier URL is required"}
		}
		if p.Classifier.Timeout <= 0 {
			return &ValidationError{Policy: p.Name, Field: "classifier.timeout_ms", Message: "classifier timeout must be positive"}
		}
	}
	if p.Agent != nil {
		if p.Agent.Address == "" {
			return &ValidationError{Policy: p.Name, Field: "agent.address", Message: "agent address is required"}
		}
		if p.Agent.Model == "" {
			return &ValidationError{Policy: p.Name, Field: "agent.model", Message: "agent model is required"}
		}
	}
	if len(p.Backends) == 0 {
		return &ValidationError{Policy: p.Name, Field: "backends", Message: "at least one backend is required"}
	}

	seen := make(map[string]bool, len(p.Backends))
	for i := range p.Backends {
		b := &p.Backends[i]
		if b.Name == "" {
			return &ValidationError{Policy: p.Name, Field: "backends.name", Message: fmt.Sprintf("backend %d has no name", i)}
		}
		if seen[b.Name] {
			return &ValidationError{Policy: p.Name, Field: "backends.name", Message: fmt.Sprintf("duplicate backend name %q", b.Name)}
		}
		seen[b.Name] = true
		if b.Address == "" {
			return &ValidationError{Policy: p.Name, Field: "backends.address", Message: fmt.Sprintf("backend %q has no address", b.Name)}
		}
		if b.Model == "" {
			return &ValidationError{Policy: p.Name, Field: "backends.model", Message: fmt.Sprintf("backend %q has no model", b.Name)}
		}
		if b.Weight < 0 {
			return &ValidationError{Policy: p.Name, Field: "backends.weight", Message: fmt.Sprintf("backend %q has negative weight", b.Name)}
		}
	}
	return nil
}

// CandidatesFor returns the backends serving the given label. An empty label
// returns every backend (the whole pool).
func (p *Policy) CandidatesFor(label string) []*Backend {
	candidates := make([]*Backend, 0, len(p.Backends))
	for i := range p.Backends {
		b := &p.Backends[i]
		if label == "" || b.EffectiveLabel() == label {
			candidates = append(candidates, b)
		}
	}
	return candidates
}

// BackendByName returns the backend with the given name, if declared.
func (p *Policy) BackendByName(name string) (*Backend, bool) {
	for i := range p.Backends {
		if p.Backends[i].Name == name {
			return &p.Backends[i], true
		}
	}
	return nil, false
}

// FallbackLabel returns the label used when classification fails: the first
// of default, unknown, other (case-insensitive) enumerated by the policy.
func (p *Policy) FallbackLabel() (string, bool) {
	labels := p.Labels()
	for _, want := range fallbackLabels {
		for _, l := range labels {
			if strings.EqualFold(l, want) {
				return l, true
			}
		}
	}
	return "", false
}

// Labels returns the sorted set of effective labels declared by the policy.
func (p *Policy) Labels() []string {
	set := make(map[string]bool, len(p.Backends))
	for i := range p.Backends {
		set[p.Backends[i].EffectiveLabel()] = true
	}
	labels := make([]string, 0, len(set))
	for l := range set {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// HasClassifier reports whether the policy routes via the label classifier.
func (p *Policy) HasClassifier() bool {
	return p.Classifier != nil
}

// IsAgentic reports whether the policy routes via an agent model.
func (p *Policy) IsAgentic() bool {
	return p.Agent != nil
}

// ValidationError describes an invalid policy catalogue entry.
type ValidationError struct {
	Policy  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Policy == "" {
		return fmt.Sprintf("invalid policy config [%s]: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid policy %q [%s]: %s", e.Policy, e.Field, e.Message)
}

// NotFoundError is returned when a policy name does not resolve.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("policy %q not found", e.Name)
}
