package machine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// KeyGetter reads one scalar configuration key. Missing keys read as "".
// The engine's stack config satisfies it directly.
type KeyGetter interface {
	Get(key string) string
}

// KeyMap is a KeyGetter backed by a plain map.
type KeyMap map[string]string

func (m KeyMap) Get(key string) string {
	return m[key]
}

// Flat stack keys. Per-VM keys describe the implicit single VM; the rest are
// stack-wide fallbacks for the definitions file blocks.
const (
	KeyVMName            = "vmName"
	KeyVMDescription     = "vmDescription"
	KeyMachineType       = "machineType"
	KeyDiskSizeGB        = "diskSizeGb"
	KeyOSImage           = "osImage"
	KeyBranch            = "posthogBranch"
	KeyMinimalMode       = "enableMinimalMode"
	KeyAdditionalRepos   = "additionalRepos"
	KeyRemoteDesktop     = "enableRemoteDesktop"
	KeyMonitoring        = "enableMonitoring"
	KeyAITools           = "enableAiTools"
	KeyVMs               = "vms"
	KeyBaseImage         = "baseImage"
	KeyAccessMode        = "accessMode"
	KeyAllowedIPs        = "allowedIps"
	KeySubnetCIDR        = "subnetCidr"
	KeyAnthropicSecret   = "anthropicSecretName"
	KeyOpenAISecret      = "openaiSecretName"
	KeyGitHubTokenSecret = "githubTokenSecretName"
	KeyRDPSecret         = "rdpPasswordSecretName"
	KeyNetdataSecret     = "netdataClaimTokenSecretName"
	KeyNetdataRooms      = "netdataClaimRooms"
	KeyGitHubUsername    = "githubUsername"

	CloudKeyProject = "project"
	CloudKeyRegion  = "region"
	CloudKeyZone    = "zone"
)

// flatEntry builds the implicit single-VM entry from individual stack keys.
func flatEntry(g KeyGetter) (Entry, []string) {
	var errs []string
	e := Entry{Name: g.Get(KeyVMName)}
	if e.Name == "" {
		e.Name = DefaultVMName
	}

	e.Description = optString(g, KeyVMDescription)
	e.MachineType = optString(g, KeyMachineType)
	e.OSImage = optString(g, KeyOSImage)
	e.Branch = optString(g, KeyBranch)

	if v := g.Get(KeyDiskSizeGB); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not an integer", KeyDiskSizeGB, v))
		} else {
			e.DiskSizeGB = &n
		}
	}

	toggles := []struct {
		key string
		dst **bool
	}{
		{KeyMinimalMode, &e.MinimalMode},
		{KeyRemoteDesktop, &e.RemoteDesktop},
		{KeyMonitoring, &e.Monitoring},
		{KeyAITools, &e.AITools},
	}
	for _, t := range toggles {
		b, err := optBool(g, t.key)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		*t.dst = b
	}

	if v := g.Get(KeyAdditionalRepos); v != "" {
		var repos []RepoConfig
		if err := decodeJSON(v, &repos); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid JSON: %v", KeyAdditionalRepos, err))
		} else {
			e.AdditionalRepos = &repos
		}
	}

	return e, errs
}

// jsonEntries parses the JSON-array "vms" stack key.
func jsonEntries(g KeyGetter) ([]Entry, error) {
	raw := strings.TrimSpace(g.Get(KeyVMs))
	if raw == "" {
		return nil, nil
	}
	var entries []Entry
	if err := decodeJSON(raw, &entries); err != nil {
		return nil, fmt.Errorf("%s: invalid JSON array: %w", KeyVMs, err)
	}
	return entries, nil
}

// decodeJSON rejects unknown fields, matching the definitions file decoder.
func decodeJSON(raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseList accepts either a JSON array or a comma-separated list.
func parseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

func optString(g KeyGetter, key string) *string {
	if v := g.Get(key); v != "" {
		return &v
	}
	return nil
}

func optBool(g KeyGetter, key string) (*bool, error) {
	v := g.Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return &b, nil
}
