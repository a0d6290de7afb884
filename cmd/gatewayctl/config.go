// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"strings"

	"axonflow/gateway/gateway"
	"axonflow/gateway/gateway/policy"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// validateCmd returns the command for validating a gateway config file.
func validateCmd() *cobra.Command {
	var configPath string
	var show bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a gateway configuration file",
		Long: `Validate a gateway configuration file without starting the gateway.

Interpolates environment variables, applies defaults, and runs the same
checks the gateway runs at startup. Exits non-zero if the file is invalid.
With --show, prints the effective configuration with credentials redacted.

Examples:
  gatewayctl validate --config gateway.yaml
  GATEWAY_JWT_SECRET=dev gatewayctl validate --config deploy/staging.yaml --show`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gateway.LoadConfig(configPath)
			if err != nil {
				return err
			}

			authMode := cfg.Auth.Mode
			if authMode == "" {
				authMode = "none"
			}
			cacheState := "disabled"
			if cfg.Cache.IsEnabled() {
				cacheState = fmt.Sprintf("%s, ttl %s", cfg.Cache.Backend, cfg.Cache.TTL())
			}

			fmt.Printf("✅ %s is valid\n", configPath)
			fmt.Printf("   Listen: %s:%d (metrics on %d)\n",
				cfg.Server.Host, cfg.Server.Port, cfg.Server.MetricsPort)
			fmt.Printf("   Auth: %s\n", authMode)
			fmt.Printf("   Cache: %s\n", cacheState)
			fmt.Printf("   Policies: %d (default: %s)\n", len(cfg.Policies), cfg.DefaultPolicy)

			if show {
				out, err := yaml.Marshal(cfg.Sanitized())
				if err != nil {
					return fmt.Errorf("failed to render config: %w", err)
				}
				fmt.Printf("\n%s", out)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "Path to the gateway configuration file")
	cmd.Flags().BoolVar(&show, "show", false, "Print the effective configuration with credentials redacted")

	return cmd
}

// policiesCmd returns the command for listing policies in a config file.
func policiesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List routing policies in a configuration file",
		Long: `List the routing policies declared in a gateway configuration file,
with their mode, backends, labels, and weights. API keys are never printed.

Examples:
  gatewayctl policies --config gateway.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gateway.LoadConfig(configPath)
			if err != nil {
				return err
			}

			policies := cfg.ToPolicies()
			fmt.Printf("Policies in %s (%d):\n", configPath, len(policies))
			fmt.Println(strings.Repeat("-", 60))
			for i := range policies {
				printPolicy(&policies[i], cfg.DefaultPolicy)
			}
			fmt.Println(strings.Repeat("-", 60))
			fmt.Printf("\nDefault policy: %s\n", cfg.DefaultPolicy)

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gateway.yaml", "Path to the gateway configuration file")

	return cmd
}

func printPolicy(p *policy.Policy, defaultName string) {
	marker := "  "
	if p.Name == defaultName {
		marker = "* "
	}
	fmt.Printf("%s%s (%s)\n", marker, p.Name, policyMode(p))
	if p.HasClassifier() {
		fmt.Printf("      classifier: %s (timeout %s)\n", p.Classifier.URL, p.Classifier.Timeout)
		fmt.Printf("      labels: %s\n", strings.Join(p.Labels(), ", "))
	}
	if p.IsAgentic() {
		fmt.Printf("      agent: %s via %s\n", p.Agent.Model, p.Agent.Address)
	}
	for _, b := range p.Backends {
		fmt.Printf("      - %-20s label=%-12s model=%-22s weight=%g\n",
			b.Name, b.EffectiveLabel(), b.Model, b.Weight)
	}
}

func policyMode(p *policy.Policy) string {
	switch {
	case p.HasClassifier():
		return "classifier"
	case p.IsAgentic():
		return "agent"
	default:
		return "pool"
	}
}
