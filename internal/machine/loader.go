package machine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMachineNotFound is returned when a machine cannot be found
var ErrMachineNotFound = errors.New("machine not found")

// ErrInvalidConfig wraps every configuration error reported by Resolve.
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultDefinitionsFile is the definitions file looked up in the project directory.
const DefaultDefinitionsFile = "vms.yaml"

// ConfigLoader merges the definitions file, the JSON-array stack key and the
// flat stack keys into one Config per VM.
//
// Precedence, lowest first: built-in defaults, the baseImage key, the
// definitions file defaults block, flat per-VM keys, the JSON-array entry,
// the definitions file entry. Flat per-VM keys only describe the implicit
// single VM and are ignored as soon as either list defines a VM.
type ConfigLoader struct {
	file     DefinitionsFile
	source   string
	stack    KeyGetter
	cloud    KeyGetter
	machines []Config
	settings Settings
	warnings []string
}

// NewConfigLoader creates a loader reading stack keys from stack and cloud
// provider keys (project, region, zone) from cloud. Either may be nil.
func NewConfigLoader(stack, cloud KeyGetter) *ConfigLoader {
	if stack == nil {
		stack = KeyMap{}
	}
	if cloud == nil {
		cloud = KeyMap{}
	}
	return &ConfigLoader{stack: stack, cloud: cloud}
}

// LoadAll reads the definitions file at path, if present, and resolves it.
func (cl *ConfigLoader) LoadAll(path string) error {
	if err := cl.LoadDefinitions(path); err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}
	return cl.Resolve()
}

// LoadDefinitions reads the definitions file. A missing file is not an
// error: the stack keys alone then describe the VMs.
func (cl *ConfigLoader) LoadDefinitions(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cl.file = DefinitionsFile{}
			cl.source = ""
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cl.LoadDefinitionsBytes(content, path)
}

// LoadDefinitionsBytes parses a definitions document. Unknown fields are
// rejected so that typos do not silently fall back to defaults.
func (cl *ConfigLoader) LoadDefinitionsBytes(data []byte, source string) error {
	var file DefinitionsFile
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", source, err)
	}
	cl.file = file
	cl.source = source
	return nil
}

// Resolve merges every layer and validates the result. All problems are
// reported together.
func (cl *ConfigLoader) Resolve() error {
	cl.machines = nil
	cl.warnings = nil

	settings, errs := cl.resolveSettings()

	base := []Entry{BuiltinDefaults()}
	if img := cl.stack.Get(KeyBaseImage); img != "" {
		base = append(base, Entry{OSImage: &img})
	}
	if cl.file.Defaults.Name != "" {
		errs = append(errs, "defaults.name: a name cannot be set in the defaults block")
	}
	defaults := cl.file.Defaults
	defaults.Name = ""
	base = append(base, defaults)

	listed, listErrs := cl.listedEntries(base)
	errs = append(errs, listErrs...)

	var merged []Entry
	if len(listed) > 0 || len(listErrs) > 0 {
		merged = listed
	} else {
		flat, flatErrs := flatEntry(cl.stack)
		errs = append(errs, flatErrs...)
		merged = []Entry{Merge(append(base, flat)...)}
	}

	var machines []Config
	for _, entry := range merged {
		cfg := entry.toConfig(settings)
		prefix := fmt.Sprintf("vms[%s]", cfg.Name)
		for _, e := range validateConfig(cfg) {
			errs = append(errs, prefix+"."+e)
		}
		errs = append(errs, cl.checkFeatures(&cfg, settings, prefix)...)
		machines = append(machines, cfg)
	}

	if len(errs) > 0 {
		source := cl.source
		if source == "" {
			source = "stack configuration"
		}
		return fmt.Errorf("%w: %s is invalid:\n  - %s", ErrInvalidConfig, source, strings.Join(errs, "\n  - "))
	}

	cl.machines = machines
	cl.settings = settings
	return nil
}

// listedEntries merges the JSON-array and definitions file lists. The VM set
// is the union by name: definitions file order first, then JSON-only names.
func (cl *ConfigLoader) listedEntries(base []Entry) ([]Entry, []string) {
	var errs []string

	jsonList, err := jsonEntries(cl.stack)
	if err != nil {
		errs = append(errs, err.Error())
	}

	var order []string
	yamlByName := map[string]Entry{}
	jsonByName := map[string]Entry{}

	for i, e := range cl.file.VMs {
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Sprintf("vms[%d].name: required", i))
			continue
		case hasKey(yamlByName, e.Name):
			errs = append(errs, fmt.Sprintf("vms[%d].name: duplicate VM name %q", i, e.Name))
			continue
		}
		yamlByName[e.Name] = e
		order = append(order, e.Name)
	}
	for i, e := range jsonList {
		switch {
		case e.Name == "":
			errs = append(errs, fmt.Sprintf("%s[%d].name: required", KeyVMs, i))
			continue
		case hasKey(jsonByName, e.Name):
			errs = append(errs, fmt.Sprintf("%s[%d].name: duplicate VM name %q", KeyVMs, i, e.Name))
			continue
		}
		jsonByName[e.Name] = e
		if !hasKey(yamlByName, e.Name) {
			order = append(order, e.Name)
		}
	}

	merged := make([]Entry, 0, len(order))
	for _, name := range order {
		layers := append([]Entry(nil), base...)
		if e, ok := jsonByName[name]; ok {
			layers = append(layers, e)
		}
		if e, ok := yamlByName[name]; ok {
			layers = append(layers, e)
		}
		merged = append(merged, Merge(layers...))
	}
	return merged, errs
}

// resolveSettings applies definitions file block > flat key > built-in to the
// stack-wide settings.
func (cl *ConfigLoader) resolveSettings() (Settings, []string) {
	var errs []string
	f := cl.file
	g := cl.stack

	s := Settings{
		Project:        cl.cloud.Get(CloudKeyProject),
		Region:         cl.cloud.Get(CloudKeyRegion),
		Zone:           cl.cloud.Get(CloudKeyZone),
		Git:            f.Git,
		SSHKeys:        f.Access.SSHKeys,
		GitHubUsername: f.Access.GitHubUsername,
	}
	if s.Zone == "" && s.Region != "" {
		s.Zone = s.Region + defaultZoneSuffix
	}
	if s.GitHubUsername == "" {
		s.GitHubUsername = g.Get(KeyGitHubUsername)
	}

	// Network
	s.Network.AccessMode = deref(firstSet(f.Network.AccessMode, optString(g, KeyAccessMode), ptr(DefaultAccessMode)))
	s.Network.SubnetCIDR = deref(firstSet(f.Network.SubnetCIDR, optString(g, KeySubnetCIDR), ptr(DefaultSubnetCIDR)))
	if f.Network.AllowedIPs != nil {
		s.Network.AllowedIPs = *f.Network.AllowedIPs
	} else {
		ips, err := parseList(g.Get(KeyAllowedIPs))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", KeyAllowedIPs, err))
		}
		s.Network.AllowedIPs = ips
	}

	switch s.Network.AccessMode {
	case AccessModeIAP, AccessModeDirect:
	default:
		errs = append(errs, fmt.Sprintf("network.access_mode: %q must be %q or %q", s.Network.AccessMode, AccessModeIAP, AccessModeDirect))
	}
	if err := ValidateCIDR(s.Network.SubnetCIDR); err != nil {
		errs = append(errs, "network.subnet_cidr: "+err.Error())
	}
	for i, cidr := range s.Network.AllowedIPs {
		if err := ValidateCIDR(cidr); err != nil {
			errs = append(errs, fmt.Sprintf("network.allowed_ips[%d]: %v", i, err))
		}
	}
	if s.Network.AccessMode == AccessModeDirect && len(s.Network.AllowedIPs) == 0 {
		errs = append(errs, "network.allowed_ips: at least one range is required when network.access_mode is \"direct\"")
	}

	// Monitoring
	m := f.Monitoring
	s.Monitoring = Monitoring{
		OpsAgent:          deref(firstSet(m.OpsAgentEnabled, ptr(true))),
		Netdata:           deref(firstSet(m.NetdataEnabled, ptr(false))),
		NetdataClaimURL:   deref(firstSet(m.NetdataClaimURL, ptr(DefaultNetdataClaim))),
		NetdataClaimRooms: deref(firstSet(m.NetdataClaimRooms, optString(g, KeyNetdataRooms))),
		NetdataSecretName: deref(firstSet(m.NetdataSecretName, optString(g, KeyNetdataSecret))),
	}

	// Tools
	s.ClaudeCode = resolveTool(f.ClaudeCode, g, KeyAnthropicSecret, true)
	s.CodexCLI = resolveTool(f.CodexCLI, g, KeyOpenAISecret, true)
	s.GitHubCLI = resolveTool(f.GitHubCLI, g, KeyGitHubTokenSecret, true)
	s.RemoteDesktop = resolveTool(ToolConfig{
		Enabled:    f.RemoteDesktop.Enabled,
		SecretName: f.RemoteDesktop.PasswordSecretName,
	}, g, KeyRDPSecret, false)

	for i, key := range s.SSHKeys {
		if err := ValidateSSHKey(key); err != nil {
			errs = append(errs, fmt.Sprintf("access.ssh_keys[%d]: %v", i, err))
		}
	}
	if s.Git.UserEmail != "" && !strings.Contains(s.Git.UserEmail, "@") {
		errs = append(errs, fmt.Sprintf("git.user_email: %q is not an email address", s.Git.UserEmail))
	}

	return s, errs
}

func resolveTool(block ToolConfig, g KeyGetter, secretKey string, enabledByDefault bool) Tool {
	return Tool{
		Enabled:    deref(firstSet(block.Enabled, ptr(enabledByDefault))),
		SecretName: deref(firstSet(block.SecretName, optString(g, secretKey))),
	}
}

// checkFeatures enforces secret requirements. Remote desktop and netdata
// cannot run without their secret; the AI tools are skipped with a warning.
func (cl *ConfigLoader) checkFeatures(cfg *Config, s Settings, prefix string) []string {
	var errs []string
	if cfg.Features.RemoteDesktop && s.RemoteDesktop.SecretName == "" {
		errs = append(errs, prefix+".enable_remote_desktop: remote desktop is enabled but remote_desktop.password_secret_name is not set")
	}
	if cfg.Features.Netdata && s.Monitoring.NetdataSecretName == "" {
		errs = append(errs, prefix+".enable_monitoring: netdata is enabled but monitoring.netdata_claim_token_secret_name is not set")
	}

	tools := []struct {
		enabled *bool
		tool    Tool
		block   string
	}{
		{&cfg.Features.ClaudeCode, s.ClaudeCode, "claude_code"},
		{&cfg.Features.CodexCLI, s.CodexCLI, "codex_cli"},
		{&cfg.Features.GitHubCLI, s.GitHubCLI, "github_cli"},
	}
	for _, t := range tools {
		if *t.enabled && t.tool.SecretName == "" {
			*t.enabled = false
			cl.warnings = append(cl.warnings, fmt.Sprintf("%s: %s is enabled but %s.secret_name is not set, skipping install", prefix, t.block, t.block))
		}
	}
	return errs
}

func validateConfig(cfg Config) []string {
	var errs []string
	if err := ValidateInstanceName(cfg.Name); err != nil {
		errs = append(errs, "name: "+err.Error())
	}
	if cfg.MachineType == "" {
		errs = append(errs, "machine_type: required")
	}
	if cfg.DiskSizeGB < MinDiskSizeGB {
		errs = append(errs, fmt.Sprintf("disk_size_gb: %d is below the minimum of %d", cfg.DiskSizeGB, MinDiskSizeGB))
	}
	if cfg.OSImage == "" {
		errs = append(errs, "os_image: required")
	}
	if err := ValidateBranch(cfg.Branch); err != nil {
		errs = append(errs, "posthog_branch: "+err.Error())
	}
	dirs := map[string]bool{"posthog": true}
	for i, repo := range cfg.AdditionalRepos {
		field := fmt.Sprintf("additional_repos[%d]", i)
		if repo.URL == "" {
			errs = append(errs, field+".url: required")
			continue
		}
		if repo.Branch != "" {
			if err := ValidateBranch(repo.Branch); err != nil {
				errs = append(errs, field+".branch: "+err.Error())
			}
		}
		dir := repo.Dir()
		if err := ValidateRepoDir(dir); err != nil {
			errs = append(errs, fmt.Sprintf("%s.target_dir: %v", field, err))
		} else if dirs[dir] {
			errs = append(errs, fmt.Sprintf("%s.target_dir: %q is already used", field, dir))
		}
		dirs[dir] = true
	}
	errs = append(errs, validateLabels(cfg.Labels)...)
	return errs
}

func (cl *ConfigLoader) GetSettings() Settings {
	return cl.settings
}

func (cl *ConfigLoader) GetMachines() []Config {
	return cl.machines
}

// GetWarnings returns non-fatal findings from the last Resolve.
func (cl *ConfigLoader) GetWarnings() []string {
	return cl.warnings
}

func (cl *ConfigLoader) GetMachine(name string) (Config, error) {
	for _, machine := range cl.machines {
		if machine.Name == name {
			return machine, nil
		}
	}
	return Config{}, fmt.Errorf("machine '%s': %w", name, ErrMachineNotFound)
}

func hasKey[V any](m map[string]V, key string) bool {
	_, ok := m[key]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
