package infra

import (
	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/compute"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/posthog/devvm/internal/machine"
)

// NetworkResult holds the shared network resources every instance references.
type NetworkResult struct {
	VPC       *compute.Network
	Subnet    *compute.Subnetwork
	Router    *compute.Router
	NAT       *compute.RouterNat
	Firewalls []*compute.Firewall
}

// provisionNetwork declares the VPC, subnet and firewall rules, plus a Cloud
// NAT when instances have no external address.
func provisionNetwork(ctx *pulumi.Context, region string, n machine.Network) (*NetworkResult, error) {
	rules, err := FirewallRules(n)
	if err != nil {
		return nil, err
	}

	vpc, err := compute.NewNetwork(ctx, "posthog-dev-network", &compute.NetworkArgs{
		AutoCreateSubnetworks: pulumi.Bool(false),
		Description:           pulumi.String("Network for PostHog development VMs"),
	})
	if err != nil {
		return nil, err
	}

	subnet, err := compute.NewSubnetwork(ctx, "posthog-dev-subnet", &compute.SubnetworkArgs{
		Network:               vpc.ID(),
		Region:                pulumi.String(region),
		IpCidrRange:           pulumi.String(n.SubnetCIDR),
		PrivateIpGoogleAccess: pulumi.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	result := &NetworkResult{VPC: vpc, Subnet: subnet}

	for _, rule := range rules {
		fw, err := compute.NewFirewall(ctx, rule.Name, &compute.FirewallArgs{
			Network:     vpc.SelfLink,
			Description: pulumi.String(rule.Description),
			Direction:   pulumi.String("INGRESS"),
			Allows: compute.FirewallAllowArray{
				compute.FirewallAllowArgs{
					Protocol: pulumi.String("tcp"),
					Ports:    pulumi.ToStringArray(rule.Ports),
				},
			},
			SourceRanges: pulumi.ToStringArray(rule.SourceRanges),
			TargetTags:   pulumi.StringArray{pulumi.String(NetworkTag)},
		})
		if err != nil {
			return nil, err
		}
		result.Firewalls = append(result.Firewalls, fw)
	}

	if n.IAP() {
		router, err := compute.NewRouter(ctx, "posthog-dev-router", &compute.RouterArgs{
			Network: vpc.ID(),
			Region:  pulumi.String(region),
		})
		if err != nil {
			return nil, err
		}
		nat, err := compute.NewRouterNat(ctx, "posthog-dev-nat", &compute.RouterNatArgs{
			Router:                        router.Name,
			Region:                        pulumi.String(region),
			NatIpAllocateOption:           pulumi.String("AUTO_ONLY"),
			SourceSubnetworkIpRangesToNat: pulumi.String("ALL_SUBNETWORKS_ALL_IP_RANGES"),
		})
		if err != nil {
			return nil, err
		}
		result.Router = router
		result.NAT = nat
	}

	return result, nil
}
