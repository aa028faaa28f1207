// Package container provides Docker sandboxes for running submitted code.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	// Sandbox configuration.
	sandboxUser    = "65534" // nobody
	workingDir     = "/tmp"
	tmpfsOptions   = "rw,noexec,nosuid,size=16m"
	namePrefix     = "aegis-sandbox-"
	sandboxLabel   = "aegis.sandbox"
	removeTimeout  = 10 * time.Second
	logReadTimeout = 5 * time.Second

	// Default resource limits.
	defaultMemoryBytes = 256 * 1024 * 1024 // 256MB
	defaultNanoCPUs    = 500_000_000       // 0.5 CPU
	defaultPidsLimit   = 64
)

// Config describes the sandbox image and its resource limits.
type Config struct {
	Image       string
	Runtime     string // "" = default (runc), "runsc" = gVisor
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

func (c Config) withDefaults() Config {
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = defaultMemoryBytes
	}
	if c.NanoCPUs <= 0 {
		c.NanoCPUs = defaultNanoCPUs
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = defaultPidsLimit
	}
	return c
}

// ScriptSpec is one program to run in a fresh sandbox.
// Command is the interpreter argv; Code is streamed to its stdin.
type ScriptSpec struct {
	Command []string
	Code    string
	Stdout  io.Writer
	Stderr  io.Writer
}

// ScriptResult is the outcome of a sandboxed run. Output streams are
// delivered through the writers in ScriptSpec.
type ScriptResult struct {
	ExitCode int64
	TimedOut bool
}

// Sandbox is a leftover sandbox container found by ListSandboxes.
type Sandbox struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Manager defines the interface for running code in throwaway containers.
type Manager interface {
	// EnsureImage pulls the sandbox image if it is not present locally.
	EnsureImage(ctx context.Context) error

	// RunScript runs spec in a new container and removes the container afterwards.
	RunScript(ctx context.Context, spec ScriptSpec) (ScriptResult, error)

	// ListSandboxes returns all containers created by this manager.
	ListSandboxes(ctx context.Context) ([]Sandbox, error)

	// RemoveSandbox force-removes a sandbox container.
	RemoveSandbox(ctx context.Context, containerID string) error

	// Client returns the underlying Docker client.
	Client() *client.Client
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli *client.Client
	cfg Config
}

// NewDockerManager creates a new Docker-backed sandbox manager.
func NewDockerManager(cfg Config) (*DockerManager, error) {
	if cfg.Image == "" {
		return nil, errors.New("sandbox image is required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	slog.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &DockerManager{cli: cli, cfg: cfg.withDefaults()}, nil
}

// EnsureImage pulls the sandbox image if it is not present locally.
func (m *DockerManager) EnsureImage(ctx context.Context) error {
	if _, err := m.cli.ImageInspect(ctx, m.cfg.Image); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", m.cfg.Image, err)
	}

	slog.Info("Pulling sandbox image", "image", m.cfg.Image)
	rc, err := m.cli.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", m.cfg.Image, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			slog.Debug("Failed to close image pull stream", "error", closeErr)
		}
	}()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", m.cfg.Image, err)
	}
	slog.Info("Sandbox image ready", "image", m.cfg.Image)
	return nil
}

// RunScript runs spec in a new container and removes the container afterwards.
// A deadline on ctx stops the wait and reports TimedOut; output written
// before the deadline is still collected.
func (m *DockerManager) RunScript(ctx context.Context, spec ScriptSpec) (ScriptResult, error) {
	if len(spec.Command) == 0 {
		return ScriptResult{}, errors.New("sandbox command is required")
	}
	name := namePrefix + uuid.NewString()

	resp, err := m.cli.ContainerCreate(ctx, sandboxConfig(m.cfg, spec), sandboxHostConfig(m.cfg), nil, nil, name)
	if err != nil {
		return ScriptResult{}, fmt.Errorf("create sandbox: %w", err)
	}
	// Cleanup must outlive a canceled or expired ctx.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		rmCtx, cancel := context.WithTimeout(cleanupCtx, removeTimeout)
		defer cancel()
		if err := m.RemoveSandbox(rmCtx, resp.ID); err != nil {
			slog.Warn("Failed to remove sandbox", "container_id", resp.ID, "error", err)
		}
	}()

	hijack, err := m.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{Stream: true, Stdin: true})
	if err != nil {
		return ScriptResult{}, fmt.Errorf("attach sandbox %s: %w", resp.ID, err)
	}
	defer hijack.Close()

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return ScriptResult{}, fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}
	slog.Debug("Sandbox started", "container_id", resp.ID, "name", name)

	go feedStdin(hijack, spec.Code, resp.ID)

	var result ScriptResult
	statusCh, errCh := m.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return ScriptResult{}, fmt.Errorf("wait sandbox %s: %s", resp.ID, status.Error.Message)
		}
		result.ExitCode = status.StatusCode
	case err := <-errCh:
		if ctx.Err() == nil {
			return ScriptResult{}, fmt.Errorf("wait sandbox %s: %w", resp.ID, err)
		}
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ScriptResult{}, ctx.Err()
		}
		result.TimedOut = true
		result.ExitCode = -1
	}

	logCtx, cancel := context.WithTimeout(cleanupCtx, logReadTimeout)
	defer cancel()
	if err := m.collectLogs(logCtx, resp.ID, spec.Stdout, spec.Stderr); err != nil {
		return ScriptResult{}, err
	}
	return result, nil
}

// feedStdin writes code to the attached stdin and closes it so the
// interpreter sees EOF. A write error means the program exited early.
func feedStdin(hijack types.HijackedResponse, code, containerID string) {
	if _, err := io.Copy(hijack.Conn, strings.NewReader(code)); err != nil {
		slog.Debug("Sandbox stdin write stopped", "container_id", containerID, "error", err)
		return
	}
	if err := hijack.CloseWrite(); err != nil {
		slog.Debug("Failed to close sandbox stdin", "container_id", containerID, "error", err)
	}
}

func (m *DockerManager) collectLogs(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	rc, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("read sandbox logs %s: %w", containerID, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			slog.Debug("Failed to close sandbox log stream", "error", closeErr)
		}
	}()
	// Non-TTY containers multiplex both streams over one connection.
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return fmt.Errorf("demultiplex sandbox logs %s: %w", containerID, err)
	}
	return nil
}

// ListSandboxes returns all containers carrying the sandbox label.
func (m *DockerManager) ListSandboxes(ctx context.Context) ([]Sandbox, error) {
	list, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandboxLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	out := make([]Sandbox, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Sandbox{ID: c.ID, Name: name, CreatedAt: time.Unix(c.Created, 0)})
	}
	return out, nil
}

// RemoveSandbox force-removes a sandbox container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) RemoveSandbox(ctx context.Context, containerID string) error {
	err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err == nil {
		slog.Debug("Sandbox removed", "container_id", containerID)
		return nil
	}
	if errdefs.IsNotFound(err) {
		return nil
	}
	if strings.Contains(err.Error(), "is already in progress") {
		slog.Debug("Sandbox removal already in progress", "container_id", containerID)
		return nil
	}
	return fmt.Errorf("remove sandbox %s: %w", containerID, err)
}

// Client returns the underlying Docker client.
func (m *DockerManager) Client() *client.Client {
	return m.cli
}

func sandboxConfig(cfg Config, spec ScriptSpec) *container.Config {
	return &container.Config{
		Image:           cfg.Image,
		User:            sandboxUser,
		WorkingDir:      workingDir,
		Cmd:             append([]string{}, spec.Command...),
		AttachStdin:     true,
		OpenStdin:       true,
		StdinOnce:       true,
		Env:             []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1", "HOME=/tmp"},
		Labels:          map[string]string{sandboxLabel: "true"},
		NetworkDisabled: true,
	}
}

func sandboxHostConfig(cfg Config) *container.HostConfig {
	return &container.HostConfig{
		Runtime:        cfg.Runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{workingDir: tmpfsOptions},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     cfg.MemoryBytes,
			MemorySwap: cfg.MemoryBytes,
			NanoCPUs:   cfg.NanoCPUs,
			PidsLimit:  ptr(cfg.PidsLimit),
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}
