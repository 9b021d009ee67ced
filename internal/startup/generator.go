package startup

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/posthog/devvm/internal/machine"
)

//go:embed templates/*.sh.tmpl
var templatesFS embed.FS

// Mode controls how a section reacts to the base image marker.
type Mode int

const (
	// Always runs on every boot.
	Always Mode = iota
	// Heavy is skipped when the marker exists.
	Heavy
	// BakedOnly runs only when the marker exists.
	BakedOnly
)

// Section is one named fragment of the startup script.
type Section struct {
	Name     string
	Template string
	Mode     Mode
	Enabled  func(d Data) bool
}

// Data is everything a section template can reference.
type Data struct {
	machine.Record
	User             string
	Home             string
	RepoURL          string
	LogFile          string
	TimingFile       string
	MarkerPath       string
	FloxVersion      string
	FloxConfig       string
	DockerDaemonJSON string
	MprocsConfig     string
	StartCommand     string
	Sysctl           []Setting
	Env              []Setting
}

func always(Data) bool { return true }

// Sections lists every section in script order.
var Sections = []Section{
	{Name: "System Updates", Template: "system_updates", Mode: Heavy, Enabled: always},
	{Name: "GCP Ops Agent", Template: "ops_agent", Mode: Heavy, Enabled: func(d Data) bool {
		return d.Features.OpsAgent
	}},
	{Name: "Netdata", Template: "netdata", Enabled: func(d Data) bool {
		return d.Features.Netdata && d.Secrets.NetdataClaimToken != ""
	}},
	{Name: "Remote Desktop Install", Template: "remote_desktop_install", Mode: Heavy, Enabled: remoteDesktop},
	{Name: "Docker", Template: "docker", Mode: Heavy, Enabled: always},
	{Name: "Development User", Template: "user", Enabled: always},
	{Name: "Git Config", Template: "git_config", Enabled: func(d Data) bool {
		return d.Git.UserName != "" || d.Git.UserEmail != ""
	}},
	{Name: "Remote Desktop Config", Template: "remote_desktop_config", Enabled: remoteDesktop},
	{Name: "System Dependencies", Template: "system_deps", Mode: Heavy, Enabled: always},
	{Name: "Flox", Template: "flox", Mode: Heavy, Enabled: always},
	{Name: "Clone Repositories", Template: "clone", Mode: Heavy, Enabled: always},
	{Name: "Checkout Branch", Template: "checkout", Mode: BakedOnly, Enabled: always},
	{Name: "PostHog Environment", Template: "posthog_env", Enabled: always},
	{Name: "Flox Activate", Template: "flox_activate", Mode: Heavy, Enabled: always},
	{Name: "Tool Secrets", Template: "secrets_env", Enabled: func(d Data) bool {
		return d.Secrets.ClaudeCodeAPIKey != "" || d.Secrets.CodexAPIKey != "" || d.Secrets.GitHubToken != ""
	}},
	{Name: "Claude Code", Template: "claude_code", Enabled: func(d Data) bool {
		return d.Features.ClaudeCode && d.Secrets.ClaudeCodeAPIKey != ""
	}},
	{Name: "Codex CLI", Template: "codex_cli", Enabled: func(d Data) bool {
		return d.Features.CodexCLI && d.Secrets.CodexAPIKey != ""
	}},
	{Name: "GitHub CLI", Template: "github_cli", Enabled: func(d Data) bool {
		return d.Features.GitHubCLI && d.Secrets.GitHubToken != ""
	}},
	{Name: "Docker Services", Template: "docker_services", Enabled: always},
	{Name: "Makefile", Template: "makefile", Enabled: always},
	{Name: "Bashrc", Template: "bashrc", Enabled: always},
	{Name: "Sysctl", Template: "sysctl", Enabled: always},
	{Name: "Docker Image Pre-pull", Template: "image_prepull", Mode: Heavy, Enabled: always},
	{Name: "Complete", Template: "complete", Enabled: always},
}

func remoteDesktop(d Data) bool {
	return d.Features.RemoteDesktop && d.Secrets.RemoteDesktopPassword != ""
}

// Generator renders startup scripts. It holds no per-VM state and can be
// reused across records.
type Generator struct {
	tmpl         *template.Template
	dockerConfig string
	floxConfig   string
}

func NewGenerator() (*Generator, error) {
	tmpl, err := template.New("startup").
		Funcs(templateFuncs()).
		Option("missingkey=error").
		ParseFS(templatesFS, "templates/*.sh.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse startup templates: %w", err)
	}
	docker, err := dockerDaemonJSON()
	if err != nil {
		return nil, err
	}
	flox, err := floxTOML()
	if err != nil {
		return nil, err
	}
	return &Generator{tmpl: tmpl, dockerConfig: docker, floxConfig: flox}, nil
}

// Data builds the template data for a record.
func (g *Generator) Data(rec machine.Record) Data {
	env := append([]Setting(nil), posthogEnvDefaults...)
	start := "hogli start --custom " + MprocsConfig
	if rec.MinimalMode {
		env = append(env, Setting{"POSTHOG_MINIMAL_MODE", "true"})
		start = "hogli start --minimal"
	}
	return Data{
		Record:           rec,
		User:             machine.DevUser,
		Home:             "/home/" + machine.DevUser,
		RepoURL:          RepoURL,
		LogFile:          LogFile,
		TimingFile:       TimingFile,
		MarkerPath:       MarkerPath,
		FloxVersion:      FloxVersion,
		FloxConfig:       g.floxConfig,
		DockerDaemonJSON: g.dockerConfig,
		MprocsConfig:     MprocsConfig,
		StartCommand:     start,
		Sysctl:           sysctlSettings,
		Env:              env,
	}
}

// Enabled returns the sections that will be rendered for rec, in order.
func (g *Generator) Enabled(rec machine.Record) []Section {
	d := g.Data(rec)
	var out []Section
	for _, s := range Sections {
		if s.Enabled(d) {
			out = append(out, s)
		}
	}
	return out
}

// Generate renders the full script. The output depends only on rec.
func (g *Generator) Generate(rec machine.Record) (string, error) {
	d := g.Data(rec)

	prelude, err := g.render("prelude", d)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(prelude)
	b.WriteString("\n")
	for _, s := range Sections {
		if !s.Enabled(d) {
			continue
		}
		body, err := g.render(s.Template, d)
		if err != nil {
			return "", fmt.Errorf("section %q: %w", s.Name, err)
		}
		b.WriteString("\n")
		b.WriteString(wrap(s, body))
	}
	return b.String(), nil
}

// RenderSection renders one section body without the marker guard.
func (g *Generator) RenderSection(name string, rec machine.Record) (string, error) {
	for _, s := range Sections {
		if s.Name == name || s.Template == name {
			return g.render(s.Template, g.Data(rec))
		}
	}
	return "", fmt.Errorf("unknown section '%s'", name)
}

func (g *Generator) render(name string, d Data) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.ExecuteTemplate(&buf, name+".sh.tmpl", d); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return strings.Trim(buf.String(), "\n"), nil
}

// wrap adds timing markers and the marker guard. Bodies are not indented so
// heredoc terminators stay in column 0.
func wrap(s Section, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "section_start %s\n", shquote(s.Name))
	switch s.Mode {
	case Heavy:
		fmt.Fprintf(&b, "if [ \"$SKIP_HEAVY\" = \"1\" ]; then\n    echo \">>> Skipping %s (base image detected)\"\nelse\n%s\nfi\n", s.Name, body)
	case BakedOnly:
		fmt.Fprintf(&b, "if [ \"$SKIP_HEAVY\" = \"1\" ]; then\n%s\nfi\n", body)
	default:
		b.WriteString(body)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "section_end %s\n", shquote(s.Name))
	return b.String()
}
