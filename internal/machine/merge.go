package machine

import (
	"strings"
)

// Merge overlays layers in order, lowest precedence first. Later layers win
// field by field; labels merge key by key. The name of the last layer that
// sets one is kept.
func Merge(layers ...Entry) Entry {
	var out Entry
	for _, l := range layers {
		if l.Name != "" {
			out.Name = l.Name
		}
		if l.Description != nil {
			out.Description = l.Description
		}
		if l.MachineType != nil {
			out.MachineType = l.MachineType
		}
		if l.DiskSizeGB != nil {
			out.DiskSizeGB = l.DiskSizeGB
		}
		if l.OSImage != nil {
			out.OSImage = l.OSImage
		}
		if l.Branch != nil {
			out.Branch = l.Branch
		}
		if l.AdditionalRepos != nil {
			out.AdditionalRepos = l.AdditionalRepos
		}
		if l.MinimalMode != nil {
			out.MinimalMode = l.MinimalMode
		}
		if l.RemoteDesktop != nil {
			out.RemoteDesktop = l.RemoteDesktop
		}
		if l.Monitoring != nil {
			out.Monitoring = l.Monitoring
		}
		if l.AITools != nil {
			out.AITools = l.AITools
		}
		if len(l.Labels) > 0 {
			if out.Labels == nil {
				out.Labels = make(map[string]string, len(l.Labels))
			}
			for k, v := range l.Labels {
				out.Labels[k] = v
			}
		}
	}
	return out
}

// toConfig converts a merged entry to a Config. The entry must include the
// built-in layer so every scalar is set.
func (e Entry) toConfig(s Settings) Config {
	cfg := Config{
		Name:        e.Name,
		Description: deref(e.Description),
		MachineType: deref(e.MachineType),
		DiskSizeGB:  deref(e.DiskSizeGB),
		OSImage:     interpolateProject(deref(e.OSImage), s.Project),
		Branch:      deref(e.Branch),
		MinimalMode: deref(e.MinimalMode),
		Labels:      e.Labels,
	}
	if e.AdditionalRepos != nil {
		cfg.AdditionalRepos = append([]RepoConfig(nil), (*e.AdditionalRepos)...)
	}

	cfg.Features = Features{
		OpsAgent:      s.Monitoring.OpsAgent,
		Netdata:       s.Monitoring.Netdata,
		RemoteDesktop: s.RemoteDesktop.Enabled,
		ClaudeCode:    s.ClaudeCode.Enabled,
		CodexCLI:      s.CodexCLI.Enabled,
		GitHubCLI:     s.GitHubCLI.Enabled,
	}
	// Per-VM toggles override the stack-wide blocks in both directions.
	// Netdata stays opt-in at stack level because it needs a claim token.
	if e.Monitoring != nil {
		cfg.Features.OpsAgent = *e.Monitoring
		cfg.Features.Netdata = *e.Monitoring && s.Monitoring.Netdata
	}
	if e.RemoteDesktop != nil {
		cfg.Features.RemoteDesktop = *e.RemoteDesktop
	}
	if e.AITools != nil {
		cfg.Features.ClaudeCode = *e.AITools
		cfg.Features.CodexCLI = *e.AITools
		cfg.Features.GitHubCLI = *e.AITools
	}
	return cfg
}

func interpolateProject(value, project string) string {
	if project == "" {
		return value
	}
	value = strings.ReplaceAll(value, projectPlaceholder, project)
	return strings.ReplaceAll(value, projectIDPlaceholder, project)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// firstSet returns the first non-nil pointer, highest precedence first.
func firstSet[T any](values ...*T) *T {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
