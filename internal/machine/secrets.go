package machine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/posthog/devvm/internal/secrets"
)

// Secrets are the materialized values a VM's startup script needs.
// Fields are empty when the feature is disabled.
type Secrets struct {
	RemoteDesktopPassword string
	ClaudeCodeAPIKey      string
	CodexAPIKey           string
	GitHubToken           string
	NetdataClaimToken     string
}

// Any reports whether at least one secret value is set.
func (s Secrets) Any() bool {
	return s.RemoteDesktopPassword != "" || s.ClaudeCodeAPIKey != "" || s.CodexAPIKey != "" ||
		s.GitHubToken != "" || s.NetdataClaimToken != ""
}

// Values returns the non-empty secret values.
func (s Secrets) Values() []string {
	var out []string
	for _, v := range []string{s.RemoteDesktopPassword, s.ClaudeCodeAPIKey, s.CodexAPIKey, s.GitHubToken, s.NetdataClaimToken} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Record is a fully resolved VM: its Config, the stack-wide settings it
// depends on and its secret values. No references remain unresolved.
type Record struct {
	Config
	Project    string
	Zone       string
	Network    Network
	Monitoring Monitoring
	Git        GitConfig
	SSHKeys    []string
	Secrets    Secrets
}

// ResolveAll attaches secret values to every machine from the last Resolve.
// A configured reference that cannot be resolved is a configuration error
// naming the field; every failure is reported together.
func (cl *ConfigLoader) ResolveAll(ctx context.Context, resolver secrets.Resolver) ([]Record, error) {
	s := cl.settings
	var errs []string
	records := make([]Record, 0, len(cl.machines))

	for _, cfg := range cl.machines {
		rec := Record{
			Config:     cfg,
			Project:    s.Project,
			Zone:       s.Zone,
			Network:    s.Network,
			Monitoring: s.Monitoring,
			Git:        s.Git,
			SSHKeys:    append([]string(nil), s.SSHKeys...),
		}

		// required secrets must resolve to a non-empty value; the tool
		// installers are simply left out of the script when theirs is empty.
		lookups := []struct {
			enabled  bool
			required bool
			ref      string
			field    string
			dst      *string
		}{
			{cfg.Features.RemoteDesktop, true, s.RemoteDesktop.SecretName, "remote_desktop.password_secret_name", &rec.Secrets.RemoteDesktopPassword},
			{cfg.Features.Netdata, true, s.Monitoring.NetdataSecretName, "monitoring.netdata_claim_token_secret_name", &rec.Secrets.NetdataClaimToken},
			{cfg.Features.ClaudeCode, false, s.ClaudeCode.SecretName, "claude_code.secret_name", &rec.Secrets.ClaudeCodeAPIKey},
			{cfg.Features.CodexCLI, false, s.CodexCLI.SecretName, "codex_cli.secret_name", &rec.Secrets.CodexAPIKey},
			{cfg.Features.GitHubCLI, false, s.GitHubCLI.SecretName, "github_cli.secret_name", &rec.Secrets.GitHubToken},
		}
		for _, l := range lookups {
			if !l.enabled || l.ref == "" {
				continue
			}
			value, err := resolver.Resolve(ctx, l.ref)
			if err != nil {
				if errors.Is(err, secrets.ErrNotFound) {
					errs = append(errs, fmt.Sprintf("vms[%s].%s: secret %q not found", cfg.Name, l.field, l.ref))
				} else {
					errs = append(errs, fmt.Sprintf("vms[%s].%s: %v", cfg.Name, l.field, err))
				}
				continue
			}
			if l.required && value == "" {
				errs = append(errs, fmt.Sprintf("vms[%s].%s: secret %q is empty", cfg.Name, l.field, l.ref))
				continue
			}
			*l.dst = value
		}
		records = append(records, rec)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: secret resolution failed:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return records, nil
}
