package gcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/posthog/devvm/internal/executor"
	"github.com/posthog/devvm/internal/labels"
	"github.com/posthog/devvm/internal/startup"
)

const StatusTerminated = "TERMINATED"

// Client wraps the gcloud CLI for the day-to-day instance commands.
type Client struct {
	exec    executor.Executor
	bin     string
	project string
}

func New(exec executor.Executor, bin, project string) *Client {
	if bin == "" {
		bin = "gcloud"
	}
	return &Client{exec: exec, bin: bin, project: project}
}

// Target identifies one instance and how to reach it.
type Target struct {
	Name string
	Zone string
	IAP  bool
}

// Streams carries the terminal of an interactive command.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Instance is one row of List.
type Instance struct {
	Name        string
	Zone        string
	Status      string
	MachineType string
	InternalIP  string
	ExternalIP  string
	Labels      map[string]string
}

func (c *Client) args(args ...string) []string {
	if c.project != "" {
		args = append(args, "--project="+c.project)
	}
	return args
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return executor.Output(ctx, c.exec, c.bin, c.args(args...)...)
}

func (c *Client) Start(ctx context.Context, t Target) error {
	if _, err := c.run(ctx, "compute", "instances", "start", t.Name, "--zone="+t.Zone); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.Name, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, t Target) error {
	if _, err := c.run(ctx, "compute", "instances", "stop", t.Name, "--zone="+t.Zone); err != nil {
		return fmt.Errorf("failed to stop %s: %w", t.Name, err)
	}
	return nil
}

// Status returns the instance lifecycle state, e.g. RUNNING or TERMINATED.
func (c *Client) Status(ctx context.Context, t Target) (string, error) {
	out, err := c.run(ctx, "compute", "instances", "describe", t.Name, "--zone="+t.Zone, "--format=value(status)")
	if err != nil {
		return "", fmt.Errorf("failed to describe %s: %w", t.Name, err)
	}
	return strings.TrimSpace(out), nil
}

func (c *Client) sshArgs(t Target, command string) []string {
	args := []string{"compute", "ssh", t.Name, "--zone=" + t.Zone}
	if t.IAP {
		args = append(args, "--tunnel-through-iap")
	}
	if command != "" {
		args = append(args, "--command="+command)
	}
	return c.args(args...)
}

// SSH opens a shell on the instance, or runs command when it is non-empty.
func (c *Client) SSH(ctx context.Context, t Target, command string, s Streams) error {
	cmd := executor.Command{Path: c.bin, Args: c.sshArgs(t, command), Stdin: s.In, Stdout: s.Out, Stderr: s.Err}
	if err := c.exec.Run(ctx, cmd); err != nil {
		return fmt.Errorf("ssh to %s failed: %w", t.Name, err)
	}
	return nil
}

// LogsCommand is the remote command that prints the startup log.
func LogsCommand(lines int, follow bool) string {
	cmd := "sudo tail -n " + strconv.Itoa(lines)
	if follow {
		cmd += " -f"
	}
	return cmd + " " + startup.LogFile
}

// Logs prints the tail of the startup log.
func (c *Client) Logs(ctx context.Context, t Target, lines int, follow bool, s Streams) error {
	return c.SSH(ctx, t, LogsCommand(lines, follow), s)
}

type instanceJSON struct {
	Name              string            `json:"name"`
	Zone              string            `json:"zone"`
	Status            string            `json:"status"`
	MachineType       string            `json:"machineType"`
	Labels            map[string]string `json:"labels"`
	NetworkInterfaces []struct {
		NetworkIP     string `json:"networkIP"`
		AccessConfigs []struct {
			NatIP string `json:"natIP"`
		} `json:"accessConfigs"`
	} `json:"networkInterfaces"`
}

// List returns every dev VM in the project, optionally narrowed to one stack.
func (c *Client) List(ctx context.Context, stack string) ([]Instance, error) {
	filter := labels.Filter()
	if stack != "" {
		filter += " AND labels." + labels.KeyStack + "=" + labels.Sanitize(stack)
	}
	out, err := c.run(ctx, "compute", "instances", "list", "--filter="+filter, "--format=json")
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	return parseInstances([]byte(out))
}

func parseInstances(data []byte) ([]Instance, error) {
	var raw []instanceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse instance list: %w", err)
	}

	instances := make([]Instance, 0, len(raw))
	for _, r := range raw {
		inst := Instance{
			Name:        r.Name,
			Zone:        path.Base(r.Zone),
			Status:      r.Status,
			MachineType: path.Base(r.MachineType),
			Labels:      r.Labels,
		}
		if len(r.NetworkInterfaces) > 0 {
			nic := r.NetworkInterfaces[0]
			inst.InternalIP = nic.NetworkIP
			if len(nic.AccessConfigs) > 0 {
				inst.ExternalIP = nic.AccessConfigs[0].NatIP
			}
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}

// BakeOptions name the image created from a VM's boot disk.
type BakeOptions struct {
	Image  string
	Family string
}

// Bake creates an image from a stopped instance's boot disk. The disk carries
// the completion marker, so VMs booted from the image skip the heavy steps.
func (c *Client) Bake(ctx context.Context, t Target, opts BakeOptions) error {
	status, err := c.Status(ctx, t)
	if err != nil {
		return err
	}
	if status != StatusTerminated {
		return fmt.Errorf("instance %s must be stopped before baking (status %s)", t.Name, status)
	}

	args := []string{"compute", "images", "create", opts.Image,
		"--source-disk=" + t.Name,
		"--source-disk-zone=" + t.Zone,
		"--labels=" + labels.KeyPurpose + "=" + labels.PurposeDev,
	}
	if opts.Family != "" {
		args = append(args, "--family="+opts.Family)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to create image %s: %w", opts.Image, err)
	}
	return nil
}
