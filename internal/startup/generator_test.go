package startup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posthog/devvm/internal/machine"
)

func baseRecord() machine.Record {
	return machine.Record{
		Config: machine.Config{
			Name:        "alice-dev",
			MachineType: machine.DefaultMachineType,
			DiskSizeGB:  machine.DefaultDiskSizeGB,
			OSImage:     machine.DefaultOSImage,
			Branch:      "feat/cohorts",
			Features:    machine.Features{OpsAgent: true},
		},
		Project: "posthog-dev",
		Zone:    "us-central1-b",
		Network: machine.Network{AccessMode: machine.AccessModeIAP},
	}
}

func fullRecord() machine.Record {
	rec := baseRecord()
	rec.Features = machine.Features{OpsAgent: true, Netdata: true, RemoteDesktop: true, ClaudeCode: true, CodexCLI: true, GitHubCLI: true}
	rec.Monitoring = machine.Monitoring{Netdata: true, NetdataClaimURL: machine.DefaultNetdataClaim, NetdataClaimRooms: "room-1"}
	rec.Secrets = machine.Secrets{
		RemoteDesktopPassword: "it's-secret",
		ClaudeCodeAPIKey:      "sk-ant-123",
		CodexAPIKey:           "sk-openai-456",
		GitHubToken:           "ghp_789",
		NetdataClaimToken:     "netdata-claim",
	}
	rec.Git = machine.GitConfig{UserName: "Alice", UserEmail: "alice@posthog.com"}
	rec.AdditionalRepos = []machine.RepoConfig{{URL: "https://github.com/PostHog/charts.git", Branch: "main"}}
	return rec
}

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	g, err := NewGenerator()
	require.NoError(t, err)
	return g
}

// sectionBlock returns the text between a section's start and end markers.
func sectionBlock(t *testing.T, script, name string) string {
	t.Helper()
	start := strings.Index(script, "section_start "+shquote(name)+"\n")
	require.GreaterOrEqual(t, start, 0, "section %q not found", name)
	end := strings.Index(script[start:], "section_end "+shquote(name)+"\n")
	require.Greater(t, end, 0)
	return script[start : start+end]
}

func TestGenerate_Deterministic(t *testing.T) {
	g := newGenerator(t)
	rec := fullRecord()

	first, err := g.Generate(rec)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := newGenerator(t).Generate(rec)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestGenerate_Prelude(t *testing.T) {
	script, err := newGenerator(t).Generate(baseRecord())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
	assert.Contains(t, script, "LOG_FILE='/var/log/posthog-startup.log'")
	assert.Contains(t, script, "MARKER_FILE='"+MarkerPath+"'")
	assert.Contains(t, script, `if [ -f "$MARKER_FILE" ]; then`)
	assert.NotContains(t, script, "set -x", "tracing would echo secret values into the log")
}

func TestGenerate_HeavySectionsBehindMarker(t *testing.T) {
	script, err := newGenerator(t).Generate(fullRecord())
	require.NoError(t, err)

	for _, name := range []string{"Clone Repositories", "Flox Activate", "Docker Image Pre-pull", "Docker", "Flox"} {
		t.Run(name, func(t *testing.T) {
			block := sectionBlock(t, script, name)
			guard := "if [ \"$SKIP_HEAVY\" = \"1\" ]; then\n    echo \">>> Skipping " + name + " (base image detected)\"\nelse\n"
			assert.Contains(t, block, guard)
		})
	}

	clone := sectionBlock(t, script, "Clone Repositories")
	elseAt := strings.Index(clone, "else\n")
	assert.Greater(t, strings.Index(clone, "git clone"), elseAt)
	assert.Greater(t, strings.Index(script, "docker-compose.dev-minimal.yml pull"), strings.Index(script, "section_start 'Docker Image Pre-pull'"))

	checkout := sectionBlock(t, script, "Checkout Branch")
	assert.True(t, strings.Contains(checkout, "if [ \"$SKIP_HEAVY\" = \"1\" ]; then\nCURRENT_BRANCH="))
}

func TestGenerate_MarkerWrittenOnCompletion(t *testing.T) {
	script, err := newGenerator(t).Generate(baseRecord())
	require.NoError(t, err)

	complete := sectionBlock(t, script, "Complete")
	assert.Contains(t, complete, `> "$MARKER_FILE"`)
	assert.Greater(t, strings.Index(script, "section_start 'Complete'"), strings.Index(script, "section_start 'Docker Image Pre-pull'"))
}

func TestGenerate_OptionalSectionsAbsentWhenDisabled(t *testing.T) {
	rec := baseRecord()
	rec.Features = machine.Features{}
	script, err := newGenerator(t).Generate(rec)
	require.NoError(t, err)

	for _, name := range []string{"GCP Ops Agent", "Netdata", "Remote Desktop Install", "Remote Desktop Config", "Tool Secrets", "Claude Code", "Codex CLI", "GitHub CLI", "Git Config"} {
		assert.NotContains(t, script, "section_start "+shquote(name)+"\n", name)
	}
	assert.NotContains(t, script, "chpasswd")
	assert.NotContains(t, script, "secrets.env <<")
}

func TestGenerate_SecretsNeedFeatureAndValue(t *testing.T) {
	rec := fullRecord()
	rec.Features.ClaudeCode = false
	rec.Secrets.RemoteDesktopPassword = ""
	script, err := newGenerator(t).Generate(rec)
	require.NoError(t, err)

	assert.NotContains(t, script, "section_start 'Claude Code'")
	assert.NotContains(t, script, "section_start 'Remote Desktop Install'")
	assert.Contains(t, script, "section_start 'Codex CLI'")
}

func TestGenerate_SecretValues(t *testing.T) {
	script, err := newGenerator(t).Generate(fullRecord())
	require.NoError(t, err)

	assert.Contains(t, script, `printf '%s:%s\n' ph 'it'\''s-secret' | chpasswd`)

	secrets := sectionBlock(t, script, "Tool Secrets")
	assert.Contains(t, secrets, "ANTHROPIC_API_KEY='sk-ant-123'\n")
	assert.Contains(t, secrets, "OPENAI_API_KEY='sk-openai-456'\n")
	assert.Contains(t, secrets, "GH_TOKEN='ghp_789'\nSECRETSEOF\n")
	assert.Contains(t, secrets, "chmod 600 /home/ph/.config/posthog/secrets.env")

	netdata := sectionBlock(t, script, "Netdata")
	assert.Contains(t, netdata, "--claim-token 'netdata-claim'")
	assert.Contains(t, netdata, "NETDATA_CLAIM_ARGS+=(--claim-rooms 'room-1')")
}

func TestGenerate_Clone(t *testing.T) {
	script, err := newGenerator(t).Generate(fullRecord())
	require.NoError(t, err)

	clone := sectionBlock(t, script, "Clone Repositories")
	assert.Contains(t, clone, "git ls-remote --exit-code --heads "+RepoURL+" 'feat/cohorts'")
	assert.Contains(t, clone, "git clone --branch 'feat/cohorts' "+RepoURL+" /home/ph/posthog")
	assert.Contains(t, clone, "git clone --branch 'main' 'https://github.com/PostHog/charts.git' /home/ph/'charts'")
	assert.Contains(t, clone, "chown -R ph:ph /home/ph/'charts'")
}

func TestGenerate_CloneQuotesTargetDir(t *testing.T) {
	rec := baseRecord()
	rec.AdditionalRepos = []machine.RepoConfig{{URL: "https://github.com/x/y.git", TargetDir: "y;reboot"}}

	script, err := newGenerator(t).Generate(rec)
	require.NoError(t, err)

	clone := sectionBlock(t, script, "Clone Repositories")
	assert.Contains(t, clone, "git clone 'https://github.com/x/y.git' /home/ph/'y;reboot'")
	assert.NotContains(t, clone, "/home/ph/y;reboot")
}

func TestGenerate_MinimalMode(t *testing.T) {
	g := newGenerator(t)
	rec := baseRecord()

	script, err := g.Generate(rec)
	require.NoError(t, err)
	assert.Contains(t, script, "flox activate -- hogli start --custom bin/mprocs-with-logging.yaml\nSTARTSCRIPTEOF")
	assert.NotContains(t, script, "POSTHOG_MINIMAL_MODE")

	rec.MinimalMode = true
	script, err = g.Generate(rec)
	require.NoError(t, err)
	assert.Contains(t, script, "flox activate -- hogli start --minimal\nSTARTSCRIPTEOF")
	assert.Contains(t, script, "CLICKHOUSE_HOST=localhost\nPOSTHOG_MINIMAL_MODE=true\nENVEOF")
}

func TestGenerate_GitIdentity(t *testing.T) {
	script, err := newGenerator(t).Generate(fullRecord())
	require.NoError(t, err)

	git := sectionBlock(t, script, "Git Config")
	assert.Contains(t, git, "git config --global user.name 'Alice'")
	assert.Contains(t, git, "git config --global user.email 'alice@posthog.com'")
}

func TestGenerate_AccessHint(t *testing.T) {
	g := newGenerator(t)
	rec := baseRecord()

	script, err := g.Generate(rec)
	require.NoError(t, err)
	assert.Contains(t, script, "gcloud compute ssh alice-dev --zone=us-central1-b --tunnel-through-iap")

	rec.Network = machine.Network{AccessMode: machine.AccessModeDirect, AllowedIPs: []string{"203.0.113.0/24"}}
	script, err = g.Generate(rec)
	require.NoError(t, err)
	assert.Contains(t, script, "gcloud compute ssh alice-dev --zone=us-central1-b\"")
}

func TestGenerate_EmbeddedConfigs(t *testing.T) {
	script, err := newGenerator(t).Generate(baseRecord())
	require.NoError(t, err)

	assert.Contains(t, script, "<< 'FLOXCONFIGEOF'\n[features]\ndirenv = false\nFLOXCONFIGEOF")
	assert.Contains(t, script, "\"log-driver\": \"json-file\"")
	assert.Contains(t, script, "\"storage-driver\": \"overlay2\"\n}\nDOCKEREOF")
	assert.Contains(t, script, "vm.max_map_count=262144\nfs.file-max=65536\nSYSCTLEOF")
}

func TestEnabled(t *testing.T) {
	g := newGenerator(t)

	var names []string
	for _, s := range g.Enabled(baseRecord()) {
		names = append(names, s.Name)
	}
	assert.Equal(t, "System Updates", names[0])
	assert.Contains(t, names, "GCP Ops Agent")
	assert.NotContains(t, names, "Claude Code")
	assert.Equal(t, "Complete", names[len(names)-1])
}

func TestRenderSection(t *testing.T) {
	g := newGenerator(t)

	body, err := g.RenderSection("clone", baseRecord())
	require.NoError(t, err)
	assert.NotContains(t, body, "SKIP_HEAVY")
	assert.Contains(t, body, "git clone")

	_, err = g.RenderSection("nope", baseRecord())
	assert.Error(t, err)
}

func TestShquote(t *testing.T) {
	assert.Equal(t, "'plain'", shquote("plain"))
	assert.Equal(t, `'a'\''b'`, shquote("a'b"))
	assert.Equal(t, "'$(rm -rf /)'", shquote("$(rm -rf /)"))
}

func TestHeredocTerminatorsInColumnZero(t *testing.T) {
	script, err := newGenerator(t).Generate(fullRecord())
	require.NoError(t, err)

	for _, term := range []string{"DOCKEREOF", "FLOXCONFIGEOF", "ENVEOF", "SECRETSEOF", "MAKEFILEEOF", "BASHRCEOF", "SYSCTLEOF", "CLAUDEEOF"} {
		assert.Contains(t, script, "\n"+term+"\n", term)
	}
}
