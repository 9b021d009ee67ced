package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posthog/devvm/internal/machine"
)

const (
	typeNetwork  = "gcp:compute/network:Network"
	typeFirewall = "gcp:compute/firewall:Firewall"
	typeRouter   = "gcp:compute/router:Router"
	typeNAT      = "gcp:compute/routerNat:RouterNat"
	typeInstance = "gcp:compute/instance:Instance"
	tokenSecret  = "gcp:secretmanager/getSecretVersion:getSecretVersion"
)

type mocks struct {
	mu        sync.Mutex
	resources []pulumi.MockResourceArgs
	secrets   map[string]string
	natIP     string
}

func (m *mocks) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	m.mu.Lock()
	m.resources = append(m.resources, args)
	m.mu.Unlock()

	outputs := args.Inputs.Copy()
	switch args.TypeToken {
	case typeNetwork:
		outputs["name"] = resource.NewStringProperty(args.Name + "-a1b2c3")
		outputs["selfLink"] = resource.NewStringProperty("https://www.googleapis.com/compute/v1/projects/posthog-dev/global/networks/" + args.Name)
	case typeRouter:
		outputs["name"] = resource.NewStringProperty(args.Name + "-d4e5f6")
	case typeInstance:
		nic := resource.PropertyMap{"networkIp": resource.NewStringProperty("10.10.0.2")}
		if m.natIP != "" {
			nic["accessConfigs"] = resource.NewArrayProperty([]resource.PropertyValue{
				resource.NewObjectProperty(resource.PropertyMap{"natIp": resource.NewStringProperty(m.natIP)}),
			})
		}
		outputs["networkInterfaces"] = resource.NewArrayProperty([]resource.PropertyValue{resource.NewObjectProperty(nic)})
	}
	return args.Name + "_id", outputs, nil
}

func (m *mocks) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	if args.Token == tokenSecret {
		name := args.Args["secret"].StringValue()
		value, ok := m.secrets[name]
		if !ok {
			return nil, fmt.Errorf("rpc error: code = NotFound desc = Secret [projects/posthog-dev/secrets/%s] not found", name)
		}
		return resource.PropertyMap{
			"secret":     resource.NewStringProperty(name),
			"secretData": resource.NewStringProperty(value),
		}, nil
	}
	return args.Args, nil
}

func (m *mocks) byType(token string) []pulumi.MockResourceArgs {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pulumi.MockResourceArgs
	for _, r := range m.resources {
		if r.TypeToken == token {
			out = append(out, r)
		}
	}
	return out
}

func await(t *testing.T, in pulumi.Input) string {
	t.Helper()
	out, ok := in.(pulumi.StringOutput)
	require.True(t, ok, "output is %T", in)
	ch := make(chan string, 1)
	out.ApplyT(func(v string) string {
		ch <- v
		return v
	})
	return <-ch
}

func testPlan(network machine.Network) *Plan {
	settings := machine.Settings{Project: "posthog-dev", Region: "us-central1", Zone: "us-central1-b", Network: network}
	settings.Network.SubnetCIDR = machine.DefaultSubnetCIDR
	rec := func(name, branch string) machine.Record {
		return machine.Record{
			Config: machine.Config{
				Name:        name,
				Description: machine.DefaultDescription,
				MachineType: machine.DefaultMachineType,
				DiskSizeGB:  machine.DefaultDiskSizeGB,
				OSImage:     machine.DefaultOSImage,
				Branch:      branch,
				Labels:      map[string]string{"team": "ingestion"},
			},
			Project: settings.Project,
			Zone:    settings.Zone,
			Network: settings.Network,
		}
	}
	return &Plan{
		Stack:    "dev",
		Settings: settings,
		Records:  []machine.Record{rec("alice-dev", "feat/cohorts"), rec("bob-dev", "master")},
		Scripts:  map[string]string{"alice-dev": "#!/bin/bash\necho alice\n", "bob-dev": "#!/bin/bash\necho bob\n"},
	}
}

func (m *mocks) named(token, name string) resource.PropertyMap {
	for _, r := range m.byType(token) {
		if r.Name == name {
			return r.Inputs
		}
	}
	return nil
}

func (m *mocks) gcpResources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.resources {
		if strings.HasPrefix(r.TypeToken, "gcp:") {
			out = append(out, r.TypeToken)
		}
	}
	return out
}

func sourceRanges(r pulumi.MockResourceArgs) []string {
	var out []string
	for _, v := range r.Inputs["sourceRanges"].ArrayValue() {
		out = append(out, v.StringValue())
	}
	return out
}

func TestDeploy_IAP(t *testing.T) {
	m := &mocks{}
	err := pulumi.RunErr(func(ctx *pulumi.Context) error {
		d, err := Deploy(ctx, testPlan(machine.Network{AccessMode: machine.AccessModeIAP}))
		require.NoError(t, err)

		assert.NotNil(t, d.Network.NAT)
		assert.Len(t, d.Instances, 2)
		assert.Equal(t, "10.10.0.2", await(t, d.Outputs["alice-dev_internal_ip"]))
		assert.Equal(t, "gcloud compute ssh alice-dev --zone=us-central1-b --project=posthog-dev --tunnel-through-iap", await(t, d.Outputs["alice-dev_ssh_command"]))
		assert.NotContains(t, d.Outputs, "alice-dev_external_ip")
		assert.NotContains(t, d.Outputs, "alice-dev_posthog_url")
		assert.Equal(t, "posthog-dev-network-a1b2c3", await(t, d.Outputs["network_name"].(pulumi.StringOutput)))
		return nil
	}, pulumi.WithMocks("devvm", "dev", m))
	require.NoError(t, err)

	firewalls := m.byType(typeFirewall)
	require.Len(t, firewalls, 1)
	assert.Equal(t, []string{IAPRange}, sourceRanges(firewalls[0]))
	assert.Len(t, m.byType(typeRouter), 1)
	assert.Len(t, m.byType(typeNAT), 1)

	require.Len(t, m.byType(typeInstance), 2)
	alice := m.named(typeInstance, "alice-dev")
	require.NotNil(t, alice)
	assert.Equal(t, "alice-dev", alice["name"].StringValue())
	assert.Equal(t, machine.DefaultMachineType, alice["machineType"].StringValue())
	assert.Equal(t, "us-central1-b", alice["zone"].StringValue())
	assert.True(t, alice["allowStoppingForUpdate"].BoolValue())

	lbls := alice["labels"].ObjectValue()
	assert.Equal(t, "posthog-dev", lbls["purpose"].StringValue())
	assert.Equal(t, "pulumi", lbls["managed-by"].StringValue())
	assert.Equal(t, "feat-cohorts", lbls["branch"].StringValue())
	assert.Equal(t, "dev", lbls["stack"].StringValue())
	assert.Equal(t, "ingestion", lbls["team"].StringValue())

	nics := alice["networkInterfaces"].ArrayValue()
	require.Len(t, nics, 1)
	_, hasAccess := nics[0].ObjectValue()["accessConfigs"]
	assert.False(t, hasAccess, "iap instances have no external address")

	disk := alice["bootDisk"].ObjectValue()["initializeParams"].ObjectValue()
	assert.Equal(t, "pd-ssd", disk["type"].StringValue())
	assert.Equal(t, float64(machine.DefaultDiskSizeGB), disk["size"].NumberValue())

	meta := alice["metadata"].ObjectValue()
	assert.Equal(t, "TRUE", meta["enable-oslogin"].StringValue())
}

func TestDeploy_Direct(t *testing.T) {
	m := &mocks{natIP: "203.0.113.10"}
	network := machine.Network{AccessMode: machine.AccessModeDirect, AllowedIPs: []string{"198.51.100.0/24"}}

	err := pulumi.RunErr(func(ctx *pulumi.Context) error {
		d, err := Deploy(ctx, testPlan(network))
		require.NoError(t, err)

		assert.Nil(t, d.Network.Router)
		assert.Equal(t, "203.0.113.10", await(t, d.Outputs["bob-dev_external_ip"]))
		assert.Equal(t, "http://203.0.113.10:8010", await(t, d.Outputs["bob-dev_posthog_url"]))
		assert.Equal(t, "gcloud compute ssh bob-dev --zone=us-central1-b --project=posthog-dev", await(t, d.Outputs["bob-dev_ssh_command"]))
		return nil
	}, pulumi.WithMocks("devvm", "dev", m))
	require.NoError(t, err)

	firewalls := m.byType(typeFirewall)
	require.Len(t, firewalls, 2)
	for _, fw := range firewalls {
		assert.Equal(t, []string{"198.51.100.0/24"}, sourceRanges(fw))
		assert.NotContains(t, sourceRanges(fw), machine.UnrestrictedRange)
	}
	assert.Empty(t, m.byType(typeRouter))
	assert.Empty(t, m.byType(typeNAT))
}

func TestDeploy_DirectWithoutAllowList(t *testing.T) {
	m := &mocks{}
	err := pulumi.RunErr(func(ctx *pulumi.Context) error {
		_, err := Deploy(ctx, testPlan(machine.Network{AccessMode: machine.AccessModeDirect}))
		return err
	}, pulumi.WithMocks("devvm", "dev", m))
	require.Error(t, err)
	assert.Empty(t, m.byType(typeNetwork))
}

func setStackConfig(t *testing.T, values map[string]string) {
	t.Helper()
	data, err := json.Marshal(values)
	require.NoError(t, err)
	t.Setenv("PULUMI_CONFIG", string(data))
}

func writeDefinitions(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

type staticKeys []string

func (k staticKeys) FetchSSHKeys(_ context.Context, _ string) ([]string, error) {
	return k, nil
}

func TestProgram_EndToEnd(t *testing.T) {
	setStackConfig(t, map[string]string{
		"gcp:project":               "posthog-dev",
		"gcp:region":                "us-central1",
		"devvm:baseImage":           "projects/${GCP_PROJECT}/global/images/posthog-dev-base",
		"devvm:posthogBranch":       "ignored-because-list-present",
		"devvm:anthropicSecretName": "anthropic-key",
	})
	path := writeDefinitions(t, `
defaults:
  machine_type: e2-standard-8
  disk_size_gb: 100
  posthog_branch: master
remote_desktop:
  password_secret_name: rdp-password
codex_cli:
  enabled: false
github_cli:
  enabled: false
access:
  github_username: alice
vms:
  - name: x
    posthog_branch: feat
    enable_remote_desktop: true
`)
	m := &mocks{secrets: map[string]string{"rdp-password": "pw", "anthropic-key": "sk-ant"}}
	key := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl alice@example.com"

	err := pulumi.RunErr(Program(Options{DefinitionsFile: path, Keys: staticKeys{key}}), pulumi.WithMocks("devvm", "dev", m))
	require.NoError(t, err)

	instances := m.byType(typeInstance)
	require.Len(t, instances, 1)
	x := instances[0].Inputs
	assert.Equal(t, "x", x["name"].StringValue())
	assert.Equal(t, "e2-standard-8", x["machineType"].StringValue())
	assert.Equal(t, "feat", x["labels"].ObjectValue()["branch"].StringValue())

	disk := x["bootDisk"].ObjectValue()["initializeParams"].ObjectValue()
	assert.Equal(t, "projects/posthog-dev/global/images/posthog-dev-base", disk["image"].StringValue())
	assert.Equal(t, float64(100), disk["size"].NumberValue())

	meta := x["metadata"].ObjectValue()
	assert.Equal(t, "FALSE", meta["enable-oslogin"].StringValue())
	assert.True(t, strings.HasPrefix(meta["ssh-keys"].StringValue(), "ph:ssh-ed25519 "))
}

func TestProgram_MissingSecretDeclaresNothing(t *testing.T) {
	setStackConfig(t, map[string]string{
		"gcp:project":                 "posthog-dev",
		"gcp:region":                  "us-central1",
		"devvm:rdpPasswordSecretName": "rdp-password",
		"devvm:enableRemoteDesktop":   "true",
	})
	m := &mocks{secrets: map[string]string{}}

	err := pulumi.RunErr(Program(Options{DefinitionsFile: filepath.Join(t.TempDir(), "vms.yaml")}), pulumi.WithMocks("devvm", "dev", m))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote_desktop.password_secret_name")

	assert.Empty(t, m.gcpResources())
}

func TestProgram_InvalidConfigDeclaresNothing(t *testing.T) {
	setStackConfig(t, map[string]string{
		"gcp:project":      "posthog-dev",
		"gcp:region":       "us-central1",
		"devvm:accessMode": "direct",
	})
	m := &mocks{}

	err := pulumi.RunErr(Program(Options{DefinitionsFile: filepath.Join(t.TempDir(), "vms.yaml")}), pulumi.WithMocks("devvm", "dev", m))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network.allowed_ips")
	assert.Empty(t, m.gcpResources())
}

func TestProgram_LogsConfigurationWarnings(t *testing.T) {
	setStackConfig(t, map[string]string{
		"gcp:project": "posthog-dev",
		"gcp:region":  "us-central1",
	})
	path := writeDefinitions(t, `
claude_code:
  enabled: true
codex_cli:
  enabled: false
github_cli:
  enabled: false
vms:
  - name: dev
`)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := &mocks{}

	err := pulumi.RunErr(Program(Options{DefinitionsFile: path, Logger: logger}), pulumi.WithMocks("devvm", "dev", m))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "configuration warning")
	assert.Contains(t, buf.String(), "claude_code.secret_name is not set")
}

func TestProgram_RequiresProject(t *testing.T) {
	setStackConfig(t, map[string]string{"gcp:region": "us-central1"})
	m := &mocks{}

	err := pulumi.RunErr(Program(Options{DefinitionsFile: filepath.Join(t.TempDir(), "vms.yaml")}), pulumi.WithMocks("devvm", "dev", m))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcp:project is required")
}

func TestInstanceMetadata(t *testing.T) {
	meta, err := instanceMetadata(machine.Record{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"enable-oslogin": "TRUE"}, meta)

	_, err = instanceMetadata(machine.Record{Config: machine.Config{Name: "dev"}, SSHKeys: []string{"garbage"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vms[dev].ssh_keys")
}

func TestSSHCommand(t *testing.T) {
	assert.Equal(t, "gcloud compute ssh dev --zone=z --project=p --tunnel-through-iap", SSHCommand("dev", "z", "p", true))
	assert.Equal(t, "gcloud compute ssh dev --zone=z --project=p", SSHCommand("dev", "z", "p", false))
}
