package machine

// Built-in values used when no configuration layer sets a field.
const (
	DefaultVMName         = "posthog-dev-1"
	DefaultDescription    = "PostHog development VM"
	DefaultMachineType    = "e2-standard-8"
	DefaultDiskSizeGB     = 100
	DefaultOSImage        = "ubuntu-os-cloud/ubuntu-2204-lts"
	DefaultBranch         = "master"
	DefaultSubnetCIDR     = "10.10.0.0/20"
	DefaultNetdataClaim   = "https://app.netdata.cloud"
	AccessModeIAP         = "iap"
	AccessModeDirect      = "direct"
	DefaultAccessMode     = AccessModeIAP
	MinDiskSizeGB         = 20
	DevUser               = "ph"
	projectPlaceholder    = "${GCP_PROJECT}"
	projectIDPlaceholder  = "${PROJECT_ID}"
	defaultZoneSuffix     = "-b"
	maxInstanceNameLength = 63
)

// BuiltinDefaults is the lowest configuration layer. Every field is set.
func BuiltinDefaults() Entry {
	repos := []RepoConfig{}
	return Entry{
		Description:     ptr(DefaultDescription),
		MachineType:     ptr(DefaultMachineType),
		DiskSizeGB:      ptr(DefaultDiskSizeGB),
		OSImage:         ptr(DefaultOSImage),
		Branch:          ptr(DefaultBranch),
		AdditionalRepos: &repos,
		MinimalMode:     ptr(false),
	}
}

// NetworkConfig is the network block of the definitions file.
type NetworkConfig struct {
	AccessMode *string   `yaml:"access_mode"`
	AllowedIPs *[]string `yaml:"allowed_ips"`
	SubnetCIDR *string   `yaml:"subnet_cidr"`
}

// AccessConfig lists public keys installed for the development user.
type AccessConfig struct {
	SSHKeys        []string `yaml:"ssh_keys"`
	GitHubUsername string   `yaml:"github_username"`
}

type MonitoringConfig struct {
	OpsAgentEnabled   *bool   `yaml:"ops_agent_enabled"`
	NetdataEnabled    *bool   `yaml:"netdata_enabled"`
	NetdataClaimURL   *string `yaml:"netdata_claim_url"`
	NetdataClaimRooms *string `yaml:"netdata_claim_rooms"`
	NetdataSecretName *string `yaml:"netdata_claim_token_secret_name"`
}

// ToolConfig covers the optional CLI installers that need one API credential.
type ToolConfig struct {
	Enabled    *bool   `yaml:"enabled"`
	SecretName *string `yaml:"secret_name"`
}

type RemoteDesktopConfig struct {
	Enabled            *bool   `yaml:"enabled"`
	PasswordSecretName *string `yaml:"password_secret_name"`
}

type GitConfig struct {
	UserName  string `yaml:"user_name"`
	UserEmail string `yaml:"user_email"`
}

// Settings are the stack-wide values shared by every VM.
type Settings struct {
	Project        string
	Region         string
	Zone           string
	Network        Network
	Monitoring     Monitoring
	ClaudeCode     Tool
	CodexCLI       Tool
	GitHubCLI      Tool
	RemoteDesktop  Tool
	Git            GitConfig
	SSHKeys        []string
	GitHubUsername string
}

type Network struct {
	AccessMode string
	AllowedIPs []string
	SubnetCIDR string
}

// IAP reports whether instances are reached only through identity-aware tunneling.
func (n Network) IAP() bool {
	return n.AccessMode != AccessModeDirect
}

type Monitoring struct {
	OpsAgent          bool
	Netdata           bool
	NetdataClaimURL   string
	NetdataClaimRooms string
	NetdataSecretName string
}

type Tool struct {
	Enabled    bool
	SecretName string
}

func ptr[T any](v T) *T {
	return &v
}
