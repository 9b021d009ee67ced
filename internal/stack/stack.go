package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/pulumi/pulumi/sdk/v3/go/auto"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optdestroy"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optpreview"
	"github.com/pulumi/pulumi/sdk/v3/go/auto/optup"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/posthog/devvm/internal/machine"
)

const (
	ProjectName       = "devvm"
	CloudNamespace    = "gcp"
	SecretPlaceholder = "[secret]"
)

var ErrStackRequired = errors.New("stack name is required")

// Manager drives the provisioning engine for one project directory. The
// infrastructure program runs in-process.
type Manager struct {
	workDir string
	program pulumi.RunFunc
	out     io.Writer
	logger  *slog.Logger
}

func NewManager(workDir string, program pulumi.RunFunc, out io.Writer, logger *slog.Logger) *Manager {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{workDir: workDir, program: program, out: out, logger: logger}
}

func (m *Manager) open(ctx context.Context, name string) (auto.Stack, error) {
	if name == "" {
		return auto.Stack{}, ErrStackRequired
	}
	s, err := auto.SelectStackInlineSource(ctx, name, ProjectName, m.program, auto.WorkDir(m.workDir))
	if err != nil {
		return auto.Stack{}, fmt.Errorf("failed to select stack %s: %w", name, err)
	}
	return s, nil
}

// NewStack describes a stack to create.
type NewStack struct {
	Name    string
	Project string
	Region  string
	Zone    string
	// Values are extra project-namespace keys, e.g. posthogBranch.
	Values map[string]string
}

// Create makes a new stack and writes its cloud and project settings.
func (m *Manager) Create(ctx context.Context, opts NewStack) error {
	if opts.Name == "" {
		return ErrStackRequired
	}
	s, err := auto.NewStackInlineSource(ctx, opts.Name, ProjectName, m.program, auto.WorkDir(m.workDir))
	if err != nil {
		return fmt.Errorf("failed to create stack %s: %w", opts.Name, err)
	}
	m.logger.Info("stack created", slog.String("stack", opts.Name))

	for key, value := range CreateConfig(opts) {
		if err := s.SetConfig(ctx, key, auto.ConfigValue{Value: value}); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// CreateConfig is the fully qualified configuration written by Create.
func CreateConfig(opts NewStack) map[string]string {
	cfg := map[string]string{}
	set := func(key, value string) {
		if value != "" {
			cfg[key] = value
		}
	}
	set(CloudNamespace+":"+machine.CloudKeyProject, opts.Project)
	set(CloudNamespace+":"+machine.CloudKeyRegion, opts.Region)
	set(CloudNamespace+":"+machine.CloudKeyZone, opts.Zone)
	for k, v := range opts.Values {
		set(ProjectName+":"+k, v)
	}
	return cfg
}

// Preview computes the change plan and returns the count per operation.
func (m *Manager) Preview(ctx context.Context, name string) (map[string]int, error) {
	s, err := m.open(ctx, name)
	if err != nil {
		return nil, err
	}
	res, err := s.Preview(ctx, optpreview.ProgressStreams(m.out))
	if err != nil {
		return nil, fmt.Errorf("preview failed: %w", err)
	}
	summary := make(map[string]int, len(res.ChangeSummary))
	for op, n := range res.ChangeSummary {
		summary[string(op)] = n
	}
	return summary, nil
}

// Up applies the program and returns the stack outputs.
func (m *Manager) Up(ctx context.Context, name string) ([]Output, error) {
	s, err := m.open(ctx, name)
	if err != nil {
		return nil, err
	}
	res, err := s.Up(ctx, optup.ProgressStreams(m.out))
	if err != nil {
		return nil, fmt.Errorf("update failed: %w", err)
	}
	m.logger.Info("stack updated", slog.String("stack", name), slog.String("result", res.Summary.Result))
	return FormatOutputs(res.Outputs), nil
}

func (m *Manager) Destroy(ctx context.Context, name string) error {
	s, err := m.open(ctx, name)
	if err != nil {
		return err
	}
	if _, err := s.Destroy(ctx, optdestroy.ProgressStreams(m.out)); err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}
	m.logger.Info("stack destroyed", slog.String("stack", name))
	return nil
}

func (m *Manager) Outputs(ctx context.Context, name string) ([]Output, error) {
	s, err := m.open(ctx, name)
	if err != nil {
		return nil, err
	}
	out, err := s.Outputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read outputs: %w", err)
	}
	return FormatOutputs(out), nil
}

// Config returns the stack's project and cloud keys with namespaces removed.
func (m *Manager) Config(ctx context.Context, name string) (machine.KeyMap, machine.KeyMap, error) {
	s, err := m.open(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.GetAllConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read stack config: %w", err)
	}
	project, cloud := SplitConfig(cfg)
	return project, cloud, nil
}

// SplitConfig separates devvm:* and gcp:* keys. Other namespaces are dropped.
func SplitConfig(cfg auto.ConfigMap) (machine.KeyMap, machine.KeyMap) {
	project := machine.KeyMap{}
	cloud := machine.KeyMap{}
	for key, v := range cfg {
		ns, k, ok := strings.Cut(key, ":")
		if !ok {
			continue
		}
		switch ns {
		case ProjectName:
			project[k] = v.Value
		case CloudNamespace:
			cloud[k] = v.Value
		}
	}
	return project, cloud
}

// Output is one published stack value rendered for display.
type Output struct {
	Key    string
	Value  string
	Secret bool
}

// FormatOutputs renders outputs sorted by key. Secret values are masked and
// non-string values are shown as JSON.
func FormatOutputs(out auto.OutputMap) []Output {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rendered := make([]Output, 0, len(keys))
	for _, k := range keys {
		v := out[k]
		o := Output{Key: k, Secret: v.Secret}
		switch {
		case v.Secret:
			o.Value = SecretPlaceholder
		default:
			if s, ok := v.Value.(string); ok {
				o.Value = s
			} else if data, err := json.Marshal(v.Value); err == nil {
				o.Value = string(data)
			} else {
				o.Value = fmt.Sprint(v.Value)
			}
		}
		rendered = append(rendered, o)
	}
	return rendered
}
