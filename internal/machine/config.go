package machine

import (
	"strings"
)

// Config is one fully merged VM definition. Secret-bearing settings are held
// as reference names in Settings; values are attached by ResolveAll.
type Config struct {
	Name            string
	Description     string
	MachineType     string
	DiskSizeGB      int
	OSImage         string
	Branch          string
	AdditionalRepos []RepoConfig
	MinimalMode     bool
	Labels          map[string]string
	Features        Features
}

// Features are the optional installers that end up in the startup script.
type Features struct {
	OpsAgent      bool
	Netdata       bool
	RemoteDesktop bool
	ClaudeCode    bool
	CodexCLI      bool
	GitHubCLI     bool
}

// RepoConfig is an extra repository cloned next to the main checkout.
type RepoConfig struct {
	URL       string `yaml:"url" json:"url"`
	Branch    string `yaml:"branch,omitempty" json:"branch,omitempty"`
	TargetDir string `yaml:"target_dir,omitempty" json:"target_dir,omitempty"`
}

// Dir returns the checkout directory name, derived from the URL when unset.
func (r RepoConfig) Dir() string {
	if r.TargetDir != "" {
		return r.TargetDir
	}
	trimmed := strings.TrimRight(r.URL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.LastIndex(trimmed, ":"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSuffix(trimmed, ".git")
}

// Entry is a partially specified VM definition. It is the unit of every
// configuration layer: nil fields are unset and fall through to the layer below.
type Entry struct {
	Name            string            `yaml:"name" json:"name"`
	Description     *string           `yaml:"description" json:"description"`
	MachineType     *string           `yaml:"machine_type" json:"machine_type"`
	DiskSizeGB      *int              `yaml:"disk_size_gb" json:"disk_size_gb"`
	OSImage         *string           `yaml:"os_image" json:"os_image"`
	Branch          *string           `yaml:"posthog_branch" json:"posthog_branch"`
	AdditionalRepos *[]RepoConfig     `yaml:"additional_repos" json:"additional_repos"`
	MinimalMode     *bool             `yaml:"enable_minimal_mode" json:"enable_minimal_mode"`
	RemoteDesktop   *bool             `yaml:"enable_remote_desktop" json:"enable_remote_desktop"`
	Monitoring      *bool             `yaml:"enable_monitoring" json:"enable_monitoring"`
	AITools         *bool             `yaml:"enable_ai_tools" json:"enable_ai_tools"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
}

// DefinitionsFile is the checked-in vms.yaml document.
type DefinitionsFile struct {
	Defaults      Entry               `yaml:"defaults"`
	VMs           []Entry             `yaml:"vms"`
	Network       NetworkConfig       `yaml:"network"`
	Access        AccessConfig        `yaml:"access"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	ClaudeCode    ToolConfig          `yaml:"claude_code"`
	CodexCLI      ToolConfig          `yaml:"codex_cli"`
	GitHubCLI     ToolConfig          `yaml:"github_cli"`
	RemoteDesktop RemoteDesktopConfig `yaml:"remote_desktop"`
	Git           GitConfig           `yaml:"git"`
}
