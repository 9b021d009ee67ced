package scaffold

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/posthog/devvm/internal/machine"
)

const ProjectFile = "Pulumi.yaml"

const projectTemplate = `name: devvm
runtime: go
description: PostHog development VMs on Google Cloud
`

const definitionsTemplate = `# Development VM definitions.
#
# Precedence per field, lowest first: built-in defaults, the defaults block,
# flat stack keys (only when no VM is listed here or in the "vms" stack key),
# the "vms" stack key entry, then the entry below with the same name.

defaults:
  machine_type: %s
  disk_size_gb: %d
  posthog_branch: %s

network:
  # "iap" keeps VMs off the internet; "direct" needs allowed_ips.
  access_mode: %s

monitoring:
  ops_agent_enabled: true
  netdata_enabled: false

claude_code:
  enabled: true
  # secret_name: anthropic-api-key

codex_cli:
  enabled: false

github_cli:
  enabled: true
  # secret_name: github-token

remote_desktop:
  enabled: false
  # password_secret_name: rdp-password

# One entry per VM. Unset fields fall through to the defaults above.
vms: []
`

// Options describe a new project checkout.
type Options struct {
	ProjectDir      string
	DefinitionsFile string
}

type Scaffolder struct {
	opts Options
}

func NewScaffolder(opts Options) *Scaffolder {
	if opts.ProjectDir == "" {
		opts.ProjectDir = "."
	}
	if opts.DefinitionsFile == "" {
		opts.DefinitionsFile = machine.DefaultDefinitionsFile
	}
	return &Scaffolder{opts: opts}
}

func (s *Scaffolder) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.opts.ProjectDir, name)
}

// DefinitionsPath is the definitions file this scaffolder manages.
func (s *Scaffolder) DefinitionsPath() string {
	return s.path(s.opts.DefinitionsFile)
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateProject writes the project file and a starter definitions file.
// Existing files are left alone. It returns the paths it wrote.
func (s *Scaffolder) CreateProject() ([]string, error) {
	if err := os.MkdirAll(s.opts.ProjectDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	files := []struct {
		path    string
		content string
	}{
		{s.path(ProjectFile), projectTemplate},
		{s.DefinitionsPath(), fmt.Sprintf(definitionsTemplate,
			machine.DefaultMachineType, machine.DefaultDiskSizeGB, machine.DefaultBranch, machine.DefaultAccessMode)},
	}

	var created []string
	for _, f := range files {
		if fileExists(f.path) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			return created, fmt.Errorf("failed to create directory for %s: %w", f.path, err)
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			return created, fmt.Errorf("failed to write %s: %w", f.path, err)
		}
		created = append(created, f.path)
	}
	return created, nil
}

// VM is the entry AddVM appends.
type VM struct {
	Name        string `yaml:"name"`
	Branch      string `yaml:"posthog_branch,omitempty"`
	MachineType string `yaml:"machine_type,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// AddVM appends an entry to the definitions file, keeping its comments.
func (s *Scaffolder) AddVM(vm VM) error {
	if err := machine.ValidateInstanceName(vm.Name); err != nil {
		return fmt.Errorf("name: %w", err)
	}
	if vm.Branch != "" {
		if err := machine.ValidateBranch(vm.Branch); err != nil {
			return fmt.Errorf("posthog_branch: %w", err)
		}
	}

	path := s.DefinitionsPath()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%s: top level must be a mapping", path)
	}

	vms := mappingValue(root, "vms")
	if vms == nil {
		vms = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "vms"}, vms)
	}
	if vms.Kind != yaml.SequenceNode {
		return fmt.Errorf("%s: vms must be a list", path)
	}
	for _, item := range vms.Content {
		if name := mappingValue(item, "name"); name != nil && name.Value == vm.Name {
			return fmt.Errorf("%s: duplicate VM name %q", path, vm.Name)
		}
	}

	var entry yaml.Node
	if err := entry.Encode(vm); err != nil {
		return fmt.Errorf("failed to encode %s: %w", vm.Name, err)
	}
	vms.Style = 0
	vms.Content = append(vms.Content, &entry)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}
