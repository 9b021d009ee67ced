package infra

import (
	"fmt"
	"strings"

	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/compute"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/posthog/devvm/internal/labels"
	"github.com/posthog/devvm/internal/machine"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	bootDiskType       = "pd-ssd"
)

// instanceMetadata enables OS Login unless public keys are configured, in
// which case the guest agent installs them for the development user.
func instanceMetadata(rec machine.Record) (map[string]string, error) {
	if len(rec.SSHKeys) == 0 {
		return map[string]string{"enable-oslogin": "TRUE"}, nil
	}
	lines := make([]string, 0, len(rec.SSHKeys))
	for _, key := range rec.SSHKeys {
		normalized, err := machine.NormalizeSSHKey(key)
		if err != nil {
			return nil, fmt.Errorf("vms[%s].ssh_keys: %w", rec.Name, err)
		}
		lines = append(lines, machine.DevUser+":"+normalized)
	}
	return map[string]string{
		"enable-oslogin": "FALSE",
		"ssh-keys":       strings.Join(lines, "\n"),
	}, nil
}

func instanceLabels(rec machine.Record, stack string) map[string]string {
	return labels.NewLabelBuilder().
		WithBranch(rec.Branch).
		WithStack(stack).
		Merge(rec.Labels).
		Build()
}

// provisionInstance declares one VM. The startup script is stored as a
// secret when it carries secret values.
func provisionInstance(ctx *pulumi.Context, rec machine.Record, script, stack string, net *NetworkResult) (*compute.Instance, error) {
	metadata, err := instanceMetadata(rec)
	if err != nil {
		return nil, err
	}
	lbls := pulumi.ToStringMap(instanceLabels(rec, stack))

	startup := pulumi.String(script).ToStringOutput()
	if rec.Secrets.Any() {
		startup = pulumi.ToSecret(startup).(pulumi.StringOutput)
	}

	nic := compute.InstanceNetworkInterfaceArgs{
		Network:    net.VPC.ID(),
		Subnetwork: net.Subnet.ID(),
	}
	if !rec.Network.IAP() {
		nic.AccessConfigs = compute.InstanceNetworkInterfaceAccessConfigArray{
			compute.InstanceNetworkInterfaceAccessConfigArgs{},
		}
	}

	opts := []pulumi.ResourceOption{pulumi.DeleteBeforeReplace(true)}
	if net.NAT != nil {
		opts = append(opts, pulumi.DependsOn([]pulumi.Resource{net.NAT}))
	}

	return compute.NewInstance(ctx, rec.Name, &compute.InstanceArgs{
		Name:        pulumi.String(rec.Name),
		MachineType: pulumi.String(rec.MachineType),
		Zone:        pulumi.String(rec.Zone),
		Description: pulumi.String(rec.Description),
		Tags:        pulumi.StringArray{pulumi.String(NetworkTag)},
		Labels:      lbls,
		BootDisk: &compute.InstanceBootDiskArgs{
			AutoDelete: pulumi.Bool(true),
			InitializeParams: &compute.InstanceBootDiskInitializeParamsArgs{
				Image:  pulumi.String(rec.OSImage),
				Size:   pulumi.Int(rec.DiskSizeGB),
				Type:   pulumi.String(bootDiskType),
				Labels: lbls,
			},
		},
		NetworkInterfaces:     compute.InstanceNetworkInterfaceArray{nic},
		Metadata:              pulumi.ToStringMap(metadata),
		MetadataStartupScript: startup,
		ServiceAccount: &compute.InstanceServiceAccountArgs{
			Scopes: pulumi.StringArray{pulumi.String(cloudPlatformScope)},
		},
		AllowStoppingForUpdate: pulumi.Bool(true),
		DeletionProtection:     pulumi.Bool(false),
	}, opts...)
}

// SSHCommand is the connection command published for a VM.
func SSHCommand(name, zone, project string, iap bool) string {
	cmd := fmt.Sprintf("gcloud compute ssh %s --zone=%s --project=%s", name, zone, project)
	if iap {
		cmd += " --tunnel-through-iap"
	}
	return cmd
}

func internalIP(inst *compute.Instance) pulumi.StringOutput {
	return inst.NetworkInterfaces.ApplyT(func(nics []compute.InstanceNetworkInterface) string {
		if len(nics) == 0 || nics[0].NetworkIp == nil {
			return ""
		}
		return *nics[0].NetworkIp
	}).(pulumi.StringOutput)
}

func externalIP(inst *compute.Instance) pulumi.StringOutput {
	return inst.NetworkInterfaces.ApplyT(func(nics []compute.InstanceNetworkInterface) string {
		if len(nics) == 0 || len(nics[0].AccessConfigs) == 0 || nics[0].AccessConfigs[0].NatIp == nil {
			return ""
		}
		return *nics[0].AccessConfigs[0].NatIp
	}).(pulumi.StringOutput)
}
