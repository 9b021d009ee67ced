package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/posthog/devvm/internal/build"
	"github.com/posthog/devvm/internal/executor"
	"github.com/posthog/devvm/internal/gcloud"
	"github.com/posthog/devvm/internal/github"
	"github.com/posthog/devvm/internal/infra"
	"github.com/posthog/devvm/internal/logger"
	"github.com/posthog/devvm/internal/machine"
	"github.com/posthog/devvm/internal/scaffold"
	"github.com/posthog/devvm/internal/secrets"
	"github.com/posthog/devvm/internal/settings"
	"github.com/posthog/devvm/internal/stack"
)

var version = "dev"

const defaultImageFamily = "posthog-dev-base"

// exitWithError prints an error message and exits with the given code
func exitWithError(message string, code int) error {
	fmt.Fprintln(os.Stderr, message)
	os.Exit(code)
	return nil // never reached
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		exitWithError(fmt.Sprintf("Error: %v", err), 1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "devvm",
		Usage: "PostHog development VMs on Google Cloud",
		Description: `devvm declares a network and one VM per entry in vms.yaml, each
   bootstrapped with a generated startup script, and wraps the day-to-day
   gcloud commands for working with them.`,
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "stack", Aliases: []string{"s"}, Usage: "Stack name (env DEVVM_STACK)"},
			&cli.StringFlag{Name: "project-dir", Aliases: []string{"C"}, Usage: "Directory holding Pulumi.yaml and the definitions file"},
			&cli.StringFlag{Name: "definitions", Aliases: []string{"d"}, Usage: "Definitions file, relative to the project directory"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "auto, text or json"},
			&cli.StringFlag{Name: "gcloud", Usage: "Path to the gcloud binary"},
		},
		Commands: []*cli.Command{
			{
				Name:   "preview",
				Usage:  "Show the changes an update would make",
				Action: action(previewCommand),
			},
			{
				Name:    "up",
				Aliases: []string{"apply"},
				Usage:   "Create or update the network and VMs",
				Action:  action(upCommand),
			},
			{
				Name:   "destroy",
				Usage:  "Delete every resource in the stack",
				Action: action(destroyCommand),
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Skip confirmation prompt"},
				},
			},
			{
				Name:   "outputs",
				Usage:  "Print the stack outputs (IPs, SSH commands, URLs)",
				Action: action(outputsCommand),
			},
			{
				Name:      "new",
				Usage:     "Create a stack and the project files it needs",
				ArgsUsage: "<stack>",
				Action:    action(newCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "gcp-project", Usage: "Google Cloud project ID", Required: true},
					&cli.StringFlag{Name: "region", Value: "us-central1", Usage: "Region for the network and VMs"},
					&cli.StringFlag{Name: "zone", Usage: "Zone for the VMs (defaults to <region>-b)"},
					&cli.StringFlag{Name: "vm", Usage: "Add a VM with this name to the definitions file"},
					&cli.StringFlag{Name: "branch", Usage: "PostHog branch for the new VM"},
					&cli.StringFlag{Name: "machine-type", Usage: "Machine type for the new VM"},
					&cli.BoolFlag{Name: "files-only", Usage: "Write project files without creating the stack"},
				},
			},
			{
				Name:      "start",
				Usage:     "Start a stopped VM",
				ArgsUsage: "[vm]",
				Action:    action(startCommand),
			},
			{
				Name:      "stop",
				Usage:     "Stop a running VM",
				ArgsUsage: "[vm]",
				Action:    action(stopCommand),
			},
			{
				Name:      "ssh",
				Usage:     "Open a shell on a VM, or run a command",
				ArgsUsage: "[vm] [command...]",
				Action:    action(sshCommand),
			},
			{
				Name:      "logs",
				Usage:     "Show the startup script log of a VM",
				ArgsUsage: "[vm]",
				Action:    action(logsCommand),
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "lines", Aliases: []string{"n"}, Value: 100, Usage: "Number of lines to show"},
					&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "Keep printing new lines"},
				},
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List dev VMs by label",
				Action:  action(listCommand),
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "Include VMs from every stack"},
					&cli.StringFlag{Name: "gcp-project", Usage: "Google Cloud project ID (defaults to the stack's)"},
				},
			},
			{
				Name:      "bake",
				Usage:     "Create a pre-baked image from a stopped VM",
				ArgsUsage: "[vm]",
				Action:    action(bakeCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "image", Usage: "Image name (defaults to <family>-<timestamp>)"},
					&cli.StringFlag{Name: "family", Value: defaultImageFamily, Usage: "Image family"},
				},
			},
			{
				Name:      "script",
				Usage:     "Render a VM's startup script",
				ArgsUsage: "[vm]",
				Action:    action(scriptCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "-", Usage: "Output file, - for stdout"},
					&cli.BoolFlag{Name: "all", Usage: "Render every VM into --dir"},
					&cli.StringFlag{Name: "dir", Value: "output/scripts", Usage: "Output directory for --all"},
					&cli.BoolFlag{Name: "with-secrets", Usage: "Resolve op:// and env: references instead of using placeholders"},
				},
			},
			{
				Name:    "validate",
				Aliases: []string{"val"},
				Usage:   "Validate the configuration without touching the cloud",
				Action:  action(validateCommand),
			},
		},
	}
}

type env struct {
	settings *settings.Settings
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
}

var flagKeys = []struct {
	flag string
	key  string
}{
	{"stack", settings.KeyStack},
	{"project-dir", settings.KeyProjectDir},
	{"definitions", settings.KeyDefinitionsFile},
	{"log-level", settings.KeyLogLevel},
	{"log-format", settings.KeyLogFormat},
	{"gcloud", settings.KeyGcloudBin},
}

// loadEnv layers command-line flags over DEVVM_* variables, devvm.yaml and
// the built-in defaults.
func loadEnv(c *cli.Context) (*env, error) {
	v := settings.New()
	for _, fk := range flagKeys {
		if c.IsSet(fk.flag) {
			v.Set(fk.key, c.String(fk.flag))
		}
	}
	s, err := settings.Load(v)
	if err != nil {
		return nil, err
	}
	return &env{
		settings: s,
		logger:   logger.New(c.App.ErrWriter, s.LogLevel, s.LogFormat),
		in:       c.App.Reader,
		out:      c.App.Writer,
	}, nil
}

func action(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := loadEnv(c)
		if err != nil {
			return err
		}
		return fn(c, e)
	}
}

func (e *env) stackName() (string, error) {
	if e.settings.Stack == "" {
		return "", errors.New("no stack selected: pass --stack or set DEVVM_STACK")
	}
	return e.settings.Stack, nil
}

func (e *env) definitionsPath() string {
	path := e.settings.DefinitionsPath()
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func (e *env) manager() *stack.Manager {
	program := infra.Program(infra.Options{
		DefinitionsFile: e.definitionsPath(),
		Keys:            github.NewClient(),
		Version:         version,
		Logger:          e.logger,
	})
	return stack.NewManager(e.settings.ProjectDir, program, e.out, e.logger)
}

// stackConfig reads the stack's keys from the local settings file, falling
// back to the engine for stacks whose config is not checked in.
func (e *env) stackConfig(ctx context.Context, name string) (machine.KeyMap, machine.KeyMap, error) {
	cfg, err := stack.ReadFile(e.settings.ProjectDir, name)
	if err == nil {
		project, cloud := stack.SplitConfig(cfg)
		return project, cloud, nil
	}
	if !errors.Is(err, stack.ErrNoStackFile) {
		return nil, nil, err
	}
	e.logger.Debug("stack settings file not found, asking the engine", slog.String("stack", name))
	return e.manager().Config(ctx, name)
}

// optionalStackConfig is stackConfig for offline commands, which also work
// without a selected stack.
func (e *env) optionalStackConfig(ctx context.Context) (machine.KeyMap, machine.KeyMap, error) {
	if e.settings.Stack == "" {
		e.logger.Warn("no stack selected, stack configuration keys are not applied")
		return machine.KeyMap{}, machine.KeyMap{}, nil
	}
	return e.stackConfig(ctx, e.settings.Stack)
}

func (e *env) loadMachines(ctx context.Context) (*machine.ConfigLoader, error) {
	name, err := e.stackName()
	if err != nil {
		return nil, err
	}
	project, cloud, err := e.stackConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	loader := machine.NewConfigLoader(project, cloud)
	if err := loader.LoadAll(e.definitionsPath()); err != nil {
		return nil, err
	}
	for _, w := range loader.GetWarnings() {
		e.logger.Warn(w)
	}
	return loader, nil
}

func (e *env) gcloud(project string) *gcloud.Client {
	return gcloud.New(executor.NewLocal(e.logger), e.settings.GcloudBin, project)
}

// pickMachine returns name, or the only configured VM when name is empty.
func pickMachine(name string, machines []machine.Config) (string, error) {
	names := make([]string, len(machines))
	for i, m := range machines {
		names[i] = m.Name
	}
	if name == "" {
		if len(machines) == 1 {
			return machines[0].Name, nil
		}
		return "", fmt.Errorf("more than one VM is configured, pick one of: %s", strings.Join(names, ", "))
	}
	for _, n := range names {
		if n == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("machine '%s' not found. Available machines: %s", name, strings.Join(names, ", "))
}

func (e *env) target(c *cli.Context) (*gcloud.Client, gcloud.Target, error) {
	loader, err := e.loadMachines(c.Context)
	if err != nil {
		return nil, gcloud.Target{}, err
	}
	name, err := pickMachine(c.Args().First(), loader.GetMachines())
	if err != nil {
		return nil, gcloud.Target{}, err
	}
	s := loader.GetSettings()
	return e.gcloud(s.Project), gcloud.Target{Name: name, Zone: s.Zone, IAP: s.Network.IAP()}, nil
}

func confirm(e *env, prompt string) bool {
	fmt.Fprintf(e.out, "%s [y/N] ", prompt)
	line, _ := bufio.NewReader(e.in).ReadString('\n')
	answer := strings.TrimSpace(line)
	return answer == "y" || answer == "Y"
}

func previewCommand(c *cli.Context, e *env) error {
	name, err := e.stackName()
	if err != nil {
		return err
	}
	summary, err := e.manager().Preview(c.Context, name)
	if err != nil {
		return err
	}
	printSummary(e.out, name, summary)
	return nil
}

func printSummary(w io.Writer, name string, summary map[string]int) {
	ops := make([]string, 0, len(summary))
	for op := range summary {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	fmt.Fprintf(w, "\nPlanned changes for stack '%s':\n", name)
	for _, op := range ops {
		fmt.Fprintf(w, "  %-10s %d\n", op, summary[op])
	}
}

func upCommand(c *cli.Context, e *env) error {
	name, err := e.stackName()
	if err != nil {
		return err
	}
	outputs, err := e.manager().Up(c.Context, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "\n✓ Stack '%s' is up to date\n\n", name)
	printOutputs(e.out, outputs)
	return nil
}

func destroyCommand(c *cli.Context, e *env) error {
	name, err := e.stackName()
	if err != nil {
		return err
	}
	if !c.Bool("yes") && !confirm(e, fmt.Sprintf("Destroy every VM and the network in stack '%s'?", name)) {
		fmt.Fprintln(e.out, "Aborted")
		return nil
	}
	if err := e.manager().Destroy(c.Context, name); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "\n✓ Stack '%s' destroyed\n", name)
	return nil
}

func outputsCommand(c *cli.Context, e *env) error {
	name, err := e.stackName()
	if err != nil {
		return err
	}
	outputs, err := e.manager().Outputs(c.Context, name)
	if err != nil {
		return err
	}
	printOutputs(e.out, outputs)
	return nil
}

func printOutputs(w io.Writer, outputs []stack.Output) {
	if len(outputs) == 0 {
		fmt.Fprintln(w, "No outputs")
		return
	}
	width := 0
	for _, o := range outputs {
		width = max(width, len(o.Key))
	}
	for _, o := range outputs {
		fmt.Fprintf(w, "%-*s  %s\n", width, o.Key, o.Value)
	}
}

func newCommand(c *cli.Context, e *env) error {
	if c.NArg() != 1 {
		return errors.New("requires exactly one argument (stack name). Usage: devvm new [flags] <stack>")
	}
	name := c.Args().First()

	s := scaffold.NewScaffolder(scaffold.Options{
		ProjectDir:      e.settings.ProjectDir,
		DefinitionsFile: e.settings.DefinitionsFile,
	})

	fmt.Fprintf(e.out, "Initializing stack: %s\n\nCreating:\n", name)
	created, err := s.CreateProject()
	if err != nil {
		return err
	}
	for _, path := range created {
		fmt.Fprintf(e.out, "  ✓ %s\n", path)
	}

	values := map[string]string{}
	if vm := c.String("vm"); vm != "" {
		if err := s.AddVM(scaffold.VM{Name: vm, Branch: c.String("branch"), MachineType: c.String("machine-type")}); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "  ✓ VM '%s' in %s\n", vm, s.DefinitionsPath())
	} else {
		values[machine.KeyBranch] = c.String("branch")
		values[machine.KeyMachineType] = c.String("machine-type")
	}

	if !c.Bool("files-only") {
		err := e.manager().Create(c.Context, stack.NewStack{
			Name:    name,
			Project: c.String("gcp-project"),
			Region:  c.String("region"),
			Zone:    c.String("zone"),
			Values:  values,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "  ✓ Stack settings: %s\n", filepath.Join(e.settings.ProjectDir, stack.FileName(name)))
	}

	fmt.Fprintf(e.out, "\nStack '%s' initialized.\n\nNext steps:\n", name)
	fmt.Fprintf(e.out, "1. Describe your VMs: %s\n", s.DefinitionsPath())
	fmt.Fprintf(e.out, "2. Check the configuration: devvm --stack %s validate\n", name)
	fmt.Fprintf(e.out, "3. Create the VMs: devvm --stack %s up\n", name)
	return nil
}

func startCommand(c *cli.Context, e *env) error {
	client, t, err := e.target(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Starting %s...\n", t.Name)
	if err := client.Start(c.Context, t); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "✓ %s started\n", t.Name)
	return nil
}

func stopCommand(c *cli.Context, e *env) error {
	client, t, err := e.target(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Stopping %s...\n", t.Name)
	if err := client.Stop(c.Context, t); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "✓ %s stopped\n", t.Name)
	return nil
}

func sshCommand(c *cli.Context, e *env) error {
	client, t, err := e.target(c)
	if err != nil {
		return err
	}
	command := strings.Join(c.Args().Tail(), " ")
	return client.SSH(c.Context, t, command, gcloud.Streams{In: e.in, Out: e.out, Err: c.App.ErrWriter})
}

func logsCommand(c *cli.Context, e *env) error {
	client, t, err := e.target(c)
	if err != nil {
		return err
	}
	return client.Logs(c.Context, t, c.Int("lines"), c.Bool("follow"), gcloud.Streams{Out: e.out, Err: c.App.ErrWriter})
}

func listCommand(c *cli.Context, e *env) error {
	project := c.String("gcp-project")
	filterStack := ""
	if !c.Bool("all") && e.settings.Stack != "" {
		filterStack = e.settings.Stack
	}
	if project == "" && e.settings.Stack != "" {
		_, cloud, err := e.stackConfig(c.Context, e.settings.Stack)
		if err != nil {
			return err
		}
		project = cloud.Get(machine.CloudKeyProject)
	}

	instances, err := e.gcloud(project).List(c.Context, filterStack)
	if err != nil {
		return err
	}
	printInstances(e.out, instances)
	return nil
}

func printInstances(w io.Writer, instances []gcloud.Instance) {
	if len(instances) == 0 {
		fmt.Fprintln(w, "No dev VMs found")
		return
	}
	fmt.Fprintf(w, "%-20s %-16s %-11s %-15s %-15s %-12s %s\n", "NAME", "ZONE", "STATUS", "INTERNAL IP", "EXTERNAL IP", "STACK", "BRANCH")
	fmt.Fprintln(w, strings.Repeat("-", 108))
	for _, inst := range instances {
		fmt.Fprintf(w, "%-20s %-16s %-11s %-15s %-15s %-12s %s\n",
			inst.Name,
			inst.Zone,
			inst.Status,
			orDash(inst.InternalIP),
			orDash(inst.ExternalIP),
			orDash(inst.Labels["stack"]),
			orDash(inst.Labels["branch"]))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func bakeCommand(c *cli.Context, e *env) error {
	client, t, err := e.target(c)
	if err != nil {
		return err
	}
	family := c.String("family")
	image := c.String("image")
	if image == "" {
		image = defaultImageName(family, time.Now())
	}

	fmt.Fprintf(e.out, "Creating image %s from %s...\n", image, t.Name)
	if err := client.Bake(c.Context, t, gcloud.BakeOptions{Image: image, Family: family}); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "✓ Image %s created\n", image)
	if family != "" {
		fmt.Fprintf(e.out, "\nBoot new VMs from it with:\n  pulumi config set %s:%s 'projects/${GCP_PROJECT}/global/images/family/%s'\n",
			stack.ProjectName, machine.KeyBaseImage, family)
	}
	return nil
}

func defaultImageName(family string, now time.Time) string {
	if family == "" {
		family = defaultImageFamily
	}
	return family + "-" + now.UTC().Format("20060102-150405")
}

func (e *env) builder(ctx context.Context, resolver secrets.Resolver) (*build.Builder, error) {
	project, cloud, err := e.optionalStackConfig(ctx)
	if err != nil {
		return nil, err
	}
	b, err := build.NewBuilder(project, cloud, e.definitionsPath(), resolver, e.out)
	if err != nil {
		return nil, err
	}
	for _, w := range b.Warnings() {
		e.logger.Warn(w)
	}
	return b, nil
}

func scriptCommand(c *cli.Context, e *env) error {
	var resolver secrets.Resolver
	if c.Bool("with-secrets") {
		resolver = secrets.NewCache(secrets.Router{
			OnePassword: &secrets.LazyOnePassword{Version: version},
			Env:         secrets.Env{},
		})
	}
	b, err := e.builder(c.Context, resolver)
	if err != nil {
		return err
	}

	if c.Bool("all") {
		return b.BuildAll(c.Context, build.BuildOptions{OutputDir: c.String("dir")})
	}

	name, err := pickMachine(c.Args().First(), b.Machines())
	if err != nil {
		return err
	}
	output := c.String("output")
	if err := b.WriteMachine(c.Context, name, output); err != nil {
		return err
	}
	if output != "-" {
		fmt.Fprintf(e.out, "Generated startup script for %s -> %s\n", name, output)
	}
	return nil
}

func validateCommand(c *cli.Context, e *env) error {
	b, err := e.builder(c.Context, nil)
	if err != nil {
		return err
	}
	if err := b.Validate(c.Context); err != nil {
		return err
	}

	s := b.Settings()
	for _, m := range b.Machines() {
		fmt.Fprintf(e.out, "✓ %s: %s, %d GB, branch %s\n", m.Name, m.MachineType, m.DiskSizeGB, m.Branch)
	}
	fmt.Fprintf(e.out, "Access mode: %s\n", s.Network.AccessMode)

	if s.GitHubUsername != "" {
		fmt.Fprintf(e.out, "Validating GitHub SSH keys for user '%s'...\n", s.GitHubUsername)
		keys, err := github.NewClient().FetchSSHKeys(c.Context, s.GitHubUsername)
		if err != nil {
			return fmt.Errorf("failed to fetch SSH keys from GitHub: %w", err)
		}
		fmt.Fprintf(e.out, "Found %d SSH key(s) for GitHub user '%s'\n", len(keys), s.GitHubUsername)
	}

	fmt.Fprintln(e.out, "Configuration is valid")
	return nil
}
