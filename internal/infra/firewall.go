package infra

import (
	"fmt"

	"github.com/posthog/devvm/internal/machine"
)

// NetworkTag targets firewall rules at dev VMs only.
const NetworkTag = "posthog-dev"

// IAPRange is the source range of identity-aware proxy TCP forwarding.
const IAPRange = "35.235.240.0/20"

const (
	PortSSH     = "22"
	PortRDP     = "3389"
	PortPostHog = "8010"
)

// FirewallRule is one ingress allow rule before it is declared.
type FirewallRule struct {
	Name         string
	Description  string
	Ports        []string
	SourceRanges []string
}

// FirewallRules returns the ingress rules for an access mode. Sources are
// only ever the tunneling range or the configured allow-list; an unrestricted
// range appears only when the allow-list names it.
func FirewallRules(n machine.Network) ([]FirewallRule, error) {
	if n.IAP() {
		return []FirewallRule{{
			Name:         "posthog-dev-iap",
			Description:  "Allow SSH and RDP through identity-aware tunneling",
			Ports:        []string{PortSSH, PortRDP},
			SourceRanges: []string{IAPRange},
		}}, nil
	}

	if len(n.AllowedIPs) == 0 {
		return nil, fmt.Errorf("direct access requires at least one allowed IP range")
	}
	sources := make([]string, 0, len(n.AllowedIPs))
	for _, cidr := range n.AllowedIPs {
		if err := machine.ValidateCIDR(cidr); err != nil {
			return nil, err
		}
		sources = append(sources, cidr)
	}

	return []FirewallRule{
		{
			Name:         "posthog-dev-ssh",
			Description:  "Allow SSH and RDP from allowed ranges",
			Ports:        []string{PortSSH, PortRDP},
			SourceRanges: sources,
		},
		{
			Name:         "posthog-dev-services",
			Description:  "Allow the PostHog dev server from allowed ranges",
			Ports:        []string{PortPostHog},
			SourceRanges: sources,
		},
	}, nil
}
