package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pulumi/pulumi-gcp/sdk/v8/go/gcp/compute"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"

	"github.com/posthog/devvm/internal/machine"
	"github.com/posthog/devvm/internal/secrets"
	"github.com/posthog/devvm/internal/startup"
)

// KeyFetcher returns public keys for a GitHub user.
type KeyFetcher interface {
	FetchSSHKeys(ctx context.Context, username string) ([]string, error)
}

// Options configure the infrastructure program.
type Options struct {
	// DefinitionsFile is the vms.yaml path. A missing file is allowed.
	DefinitionsFile string

	// Resolver builds the secret resolver for a run. Defaults to DefaultResolver.
	Resolver func(ctx *pulumi.Context, project string) secrets.Resolver

	// Keys fetches GitHub public keys when access.github_username is set.
	Keys KeyFetcher

	// Version is reported to secret backends.
	Version string

	// Logger receives configuration warnings at debug level. Defaults to discard.
	Logger *slog.Logger
}

// Plan is the fully resolved input to Deploy.
type Plan struct {
	Stack    string
	Settings machine.Settings
	Records  []machine.Record
	Scripts  map[string]string
}

// Deployment holds the declared resources and the values published as outputs.
type Deployment struct {
	Network   *NetworkResult
	Instances map[string]*compute.Instance
	Outputs   map[string]pulumi.Input
}

// DefaultResolver routes op:// references to 1Password, env: references to
// the environment and plain names to Secret Manager in project.
func DefaultResolver(version string) func(ctx *pulumi.Context, project string) secrets.Resolver {
	return func(ctx *pulumi.Context, project string) secrets.Resolver {
		return secrets.Router{
			OnePassword: &secrets.LazyOnePassword{Version: version},
			Env:         secrets.Env{},
			Default:     secrets.NewSecretManager(ctx, project),
		}
	}
}

// Program returns the engine program: resolve configuration and secrets,
// render every startup script, then declare the network and one instance
// per VM. Configuration errors are returned before any resource is declared.
func Program(opts Options) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		plan, err := BuildPlan(ctx, opts)
		if err != nil {
			return err
		}
		_, err = Deploy(ctx, plan)
		return err
	}
}

// BuildPlan loads and resolves everything Deploy needs. It declares nothing.
func BuildPlan(ctx *pulumi.Context, opts Options) (*Plan, error) {
	loader := machine.NewConfigLoader(config.New(ctx, ""), config.New(ctx, "gcp"))
	if err := loader.LoadAll(opts.DefinitionsFile); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, w := range loader.GetWarnings() {
		logger.Debug("configuration warning", slog.String("warning", w))
		if err := ctx.Log.Warn(w, nil); err != nil {
			logger.Warn(w, slog.String("error", err.Error()))
		}
	}

	settings := loader.GetSettings()
	if settings.Project == "" {
		return nil, fmt.Errorf("%w: gcp:project is required", machine.ErrInvalidConfig)
	}
	if settings.Region == "" {
		return nil, fmt.Errorf("%w: gcp:region is required", machine.ErrInvalidConfig)
	}

	newResolver := opts.Resolver
	if newResolver == nil {
		newResolver = DefaultResolver(opts.Version)
	}
	resolver := secrets.NewCache(newResolver(ctx, settings.Project))

	records, err := loader.ResolveAll(ctx.Context(), resolver)
	if err != nil {
		return nil, err
	}

	if settings.GitHubUsername != "" && opts.Keys != nil {
		keys, err := opts.Keys.FetchSSHKeys(ctx.Context(), settings.GitHubUsername)
		if err != nil {
			return nil, fmt.Errorf("access.github_username: %w", err)
		}
		for i := range records {
			records[i].SSHKeys = append(records[i].SSHKeys, keys...)
		}
	}

	gen, err := startup.NewGenerator()
	if err != nil {
		return nil, err
	}
	scripts := make(map[string]string, len(records))
	for _, rec := range records {
		script, err := gen.Generate(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to generate startup script for %s: %w", rec.Name, err)
		}
		scripts[rec.Name] = script
	}

	return &Plan{
		Stack:    ctx.Stack(),
		Settings: settings,
		Records:  records,
		Scripts:  scripts,
	}, nil
}

// Deploy declares the shared network and one instance per record, then
// publishes the outputs.
func Deploy(ctx *pulumi.Context, plan *Plan) (*Deployment, error) {
	s := plan.Settings

	net, err := provisionNetwork(ctx, s.Region, s.Network)
	if err != nil {
		return nil, err
	}

	d := &Deployment{
		Network:   net,
		Instances: make(map[string]*compute.Instance, len(plan.Records)),
		Outputs:   map[string]pulumi.Input{},
	}

	for _, rec := range plan.Records {
		inst, err := provisionInstance(ctx, rec, plan.Scripts[rec.Name], plan.Stack, net)
		if err != nil {
			return nil, fmt.Errorf("failed to declare instance %s: %w", rec.Name, err)
		}
		d.Instances[rec.Name] = inst

		d.Outputs[rec.Name+"_internal_ip"] = internalIP(inst)
		d.Outputs[rec.Name+"_ssh_command"] = inst.Name.ApplyT(func(name string) string {
			return SSHCommand(name, rec.Zone, rec.Project, rec.Network.IAP())
		}).(pulumi.StringOutput)
		if !s.Network.IAP() {
			ip := externalIP(inst)
			d.Outputs[rec.Name+"_external_ip"] = ip
			d.Outputs[rec.Name+"_posthog_url"] = pulumi.Sprintf("http://%s:%s", ip, PortPostHog)
		}
	}

	d.Outputs["network_name"] = net.VPC.Name
	d.Outputs["access_mode"] = pulumi.String(s.Network.AccessMode)
	d.Outputs["allowed_ips"] = pulumi.ToStringArray(s.Network.AllowedIPs)

	for name, value := range d.Outputs {
		ctx.Export(name, value)
	}
	return d, nil
}
