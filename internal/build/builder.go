package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/posthog/devvm/internal/machine"
	"github.com/posthog/devvm/internal/secrets"
	"github.com/posthog/devvm/internal/startup"
)

// Builder renders startup scripts outside the provisioning engine, for
// inspection and validation.
type Builder struct {
	loader   *machine.ConfigLoader
	gen      *startup.Generator
	resolver secrets.Resolver
	out      io.Writer
}

type BuildOptions struct {
	OutputDir string
}

// NewBuilder loads and merges the configuration. A nil resolver substitutes
// placeholders for every secret, so no secret store is contacted.
func NewBuilder(stack, cloud machine.KeyGetter, definitionsFile string, resolver secrets.Resolver, out io.Writer) (*Builder, error) {
	loader := machine.NewConfigLoader(stack, cloud)
	if err := loader.LoadAll(definitionsFile); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	gen, err := startup.NewGenerator()
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		resolver = secrets.Placeholder{}
	}
	if out == nil {
		out = io.Discard
	}
	return &Builder{loader: loader, gen: gen, resolver: resolver, out: out}, nil
}

func (b *Builder) Warnings() []string {
	return b.loader.GetWarnings()
}

func (b *Builder) Settings() machine.Settings {
	return b.loader.GetSettings()
}

func (b *Builder) Machines() []machine.Config {
	return b.loader.GetMachines()
}

func (b *Builder) records(ctx context.Context) ([]machine.Record, error) {
	return b.loader.ResolveAll(ctx, b.resolver)
}

func (b *Builder) record(ctx context.Context, name string) (machine.Record, error) {
	if _, err := b.loader.GetMachine(name); err != nil {
		if errors.Is(err, machine.ErrMachineNotFound) {
			available := b.loader.GetMachines()
			names := make([]string, len(available))
			for i, m := range available {
				names[i] = m.Name
			}
			return machine.Record{}, fmt.Errorf("machine '%s' not found. Available machines: %s", name, strings.Join(names, ", "))
		}
		return machine.Record{}, err
	}

	records, err := b.records(ctx)
	if err != nil {
		return machine.Record{}, err
	}
	for _, rec := range records {
		if rec.Name == name {
			return rec, nil
		}
	}
	return machine.Record{}, fmt.Errorf("machine '%s': %w", name, machine.ErrMachineNotFound)
}

// GenerateMachine returns one VM's startup script.
func (b *Builder) GenerateMachine(ctx context.Context, name string) (string, error) {
	rec, err := b.record(ctx, name)
	if err != nil {
		return "", err
	}
	return b.gen.Generate(rec)
}

// WriteMachine renders one VM's script to outputFile, or to the builder's
// writer when outputFile is "-".
func (b *Builder) WriteMachine(ctx context.Context, name, outputFile string) error {
	script, err := b.GenerateMachine(ctx, name)
	if err != nil {
		return err
	}
	if outputFile == "-" {
		_, err := io.WriteString(b.out, script)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(script), 0600); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// BuildAll renders every VM's script into opts.OutputDir as <name>.sh.
func (b *Builder) BuildAll(ctx context.Context, opts BuildOptions) error {
	records, err := b.records(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	fmt.Fprintf(b.out, "Rendering %d startup script(s)...\n", len(records))

	var failed []string
	for _, rec := range records {
		script, err := b.gen.Generate(rec)
		if err == nil {
			err = os.WriteFile(filepath.Join(opts.OutputDir, rec.Name+".sh"), []byte(script), 0600)
		}
		if err != nil {
			fmt.Fprintf(b.out, "✗ %s - %v\n", rec.Name, err)
			failed = append(failed, rec.Name)
			continue
		}
		fmt.Fprintf(b.out, "✓ %s\n", rec.Name)
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to render: %s", strings.Join(failed, ", "))
	}
	return nil
}

// Validate resolves secrets and renders every script without writing
// anything. All configuration errors are reported together.
func (b *Builder) Validate(ctx context.Context) error {
	records, err := b.records(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := b.gen.Generate(rec); err != nil {
			return fmt.Errorf("vms[%s]: %w", rec.Name, err)
		}
	}
	return nil
}
