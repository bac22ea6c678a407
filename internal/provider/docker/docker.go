// Package docker implements a Docker-backed Provider: each sandbox is a
// container, created fresh per sandbox and torn down on Terminate.
// Adapted from a per-execution Docker executor into a
// long-lived Sandbox handle that the orchestrator can exec into
// repeatedly across the primary wave and retries.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/pitabwire/util"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/antinvestor/offload/internal/provider"
)

// Config configures the Docker provider.
type Config struct {
	Image           string
	WorkDir         string
	NetworkEnabled  bool
	MemoryLimitMB   int
	CPULimit        float64
	CreateRateLimit rate.Limit
	CreateBurst     int
}

// Provider creates Docker container sandboxes. It rate-limits and
// circuit-breaks CreateSandbox so a broken daemon fails fast across a
// wave instead of stalling every batch on dial timeouts.
type Provider struct {
	cfg     Config
	client  *client.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*Sandbox]
}

// New creates a Docker-backed Provider.
func New(cfg Config) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	limit := cfg.CreateRateLimit
	if limit <= 0 {
		limit = rate.Limit(5)
	}
	burst := cfg.CreateBurst
	if burst <= 0 {
		burst = 5
	}

	breakerSettings := gobreaker.Settings{
		Name:        "docker-sandbox-create",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	p := &Provider{
		cfg:     cfg,
		client:  cli,
		limiter: rate.NewLimiter(limit, burst),
	}
	p.breaker = gobreaker.NewCircuitBreaker[*Sandbox](breakerSettings)
	return p, nil
}

// Close releases the underlying Docker client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// CreateSandbox creates and starts a container for the given config.
func (p *Provider) CreateSandbox(ctx context.Context, cfg provider.SandboxConfig) (provider.Sandbox, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, provider.NewError(provider.CreateFailed, "rate limit wait", err)
	}

	sandbox, err := p.breaker.Execute(func() (*Sandbox, error) {
		return p.createAndStart(ctx, cfg)
	})
	if err != nil {
		return nil, provider.NewError(provider.CreateFailed, "create container sandbox", err)
	}
	return sandbox, nil
}

func (p *Provider) createAndStart(ctx context.Context, cfg provider.SandboxConfig) (*Sandbox, error) {
	image := p.cfg.Image
	if image == "" {
		image = "golang:1.22-alpine"
	}
	workDir := p.cfg.WorkDir
	if workDir == "" {
		workDir = "/workspace"
	}

	env := make([]string, 0, len(cfg.Env))
	for _, e := range cfg.Env {
		env = append(env, e.Key+"="+e.Value)
	}

	containerCfg := &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workDir,
		Env:        env,
		Tty:        false,
		Labels: map[string]string{
			"offload.sandbox.id": cfg.ID,
			"offload.managed":    "true",
		},
	}

	memoryLimit := int64(p.cfg.MemoryLimitMB) * 1024 * 1024
	cpuQuota := int64(p.cfg.CPULimit * 100000)

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   memoryLimit,
			CPUQuota: cpuQuota,
		},
		AutoRemove: false,
	}
	if cfg.WorkingDir != "" {
		hostCfg.Mounts = []mount.Mount{
			{Type: mount.TypeBind, Source: cfg.WorkingDir, Target: workDir, ReadOnly: false},
		}
	}

	var netCfg *network.NetworkingConfig
	if !p.cfg.NetworkEnabled {
		hostCfg.NetworkMode = "none"
	}

	name := fmt.Sprintf("offload-sandbox-%s", cfg.ID)
	resp, err := p.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("container start: %w", err)
	}

	return &Sandbox{id: cfg.ID, containerID: resp.ID, workDir: workDir, client: p.client}, nil
}

// Sandbox is a Docker-container-backed sandbox.
type Sandbox struct {
	id          string
	containerID string
	workDir     string
	client      *client.Client
}

// ID returns the sandbox's stable identifier.
func (s *Sandbox) ID() string { return s.id }

// ExecStream runs cmd via "docker exec" semantics (an exec instance inside
// the long-lived container), waits for completion, and streams the
// combined, header-stripped log output followed by a terminal ExitCode
// item.
func (s *Sandbox) ExecStream(ctx context.Context, cmd provider.Command) (<-chan provider.OutputLine, error) {
	execCtx := ctx
	var cancel context.CancelFunc
	if cmd.TimeoutSecs > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSecs)*time.Second)
	}

	full := append([]string{cmd.Program}, cmd.Args...)
	env := make([]string, 0, len(cmd.Env))
	for _, e := range cmd.Env {
		env = append(env, e.Key+"="+e.Value)
	}
	workDir := s.workDir
	if cmd.WorkingDir != "" {
		workDir = cmd.WorkingDir
	}

	execID, err := s.client.ContainerExecCreate(execCtx, s.containerID, container.ExecOptions{
		Cmd:          full,
		Env:          env,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, provider.NewError(provider.ExecFailed, "create exec", err)
	}

	attach, err := s.client.ContainerExecAttach(execCtx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, provider.NewError(provider.ExecFailed, "attach exec", err)
	}

	out := make(chan provider.OutputLine, 64)
	go func() {
		defer func() {
			if cancel != nil {
				cancel()
			}
		}()
		defer attach.Close()
		defer close(out)

		var buf bytes.Buffer
		_, copyErr := io.Copy(&buf, attach.Reader)

		exitCode := 0
		if copyErr != nil && execCtx.Err() != nil {
			util.Log(ctx).With("sandbox_id", s.id).Warn("exec timed out, killing container")
			_ = s.client.ContainerKill(ctx, s.containerID, "KILL")
			exitCode = -1
		} else {
			inspect, inspectErr := s.client.ContainerExecInspect(ctx, execID.ID)
			if inspectErr == nil {
				exitCode = inspect.ExitCode
			}
		}

		stripped := stripDockerLogHeaders(buf.Bytes())
		for _, line := range splitLines(stripped) {
			out <- provider.OutputLine{Kind: provider.Stdout, Text: line}
		}
		out <- provider.OutputLine{Kind: provider.ExitCode, Code: exitCode}
	}()

	return out, nil
}

// stripDockerLogHeaders removes the 8-byte header from each log frame of
// a multiplexed Docker attach stream.
func stripDockerLogHeaders(data []byte) string {
	var result bytes.Buffer
	for len(data) >= 8 {
		frameSize := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
		data = data[8:]
		if frameSize > len(data) {
			frameSize = len(data)
		}
		result.Write(data[:frameSize])
		data = data[frameSize:]
	}
	if len(data) > 0 {
		result.Write(data)
	}
	return result.String()
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// Upload stages a local file into the container at remote via a tar
// archive, the standard docker cp mechanism.
func (s *Sandbox) Upload(ctx context.Context, local, remote string) error {
	// Minimal single-file tar archive.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	data, err := readFile(local)
	if err != nil {
		return provider.NewError(provider.UploadFailed, "read local file", err)
	}
	hdr := &tar.Header{Name: remote, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return provider.NewError(provider.UploadFailed, "write tar header", err)
	}
	if _, err := tw.Write(data); err != nil {
		return provider.NewError(provider.UploadFailed, "write tar body", err)
	}
	if err := tw.Close(); err != nil {
		return provider.NewError(provider.UploadFailed, "close tar writer", err)
	}

	if err := s.client.CopyToContainer(ctx, s.containerID, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		return provider.NewError(provider.UploadFailed, "copy to container", err)
	}
	return nil
}

// Download retrieves remote files from the container to local paths.
func (s *Sandbox) Download(ctx context.Context, pairs [][2]string) error {
	for _, pair := range pairs {
		remote, local := pair[0], pair[1]
		reader, _, err := s.client.CopyFromContainer(ctx, s.containerID, remote)
		if err != nil {
			return provider.NewError(provider.DownloadFailed, fmt.Sprintf("copy from container %s", remote), err)
		}
		content, err := extractFirstFile(reader)
		reader.Close()
		if err != nil {
			return provider.NewError(provider.DownloadFailed, fmt.Sprintf("extract %s", remote), err)
		}
		if err := writeFile(local, content); err != nil {
			return provider.NewError(provider.DownloadFailed, fmt.Sprintf("write %s", local), err)
		}
	}
	return nil
}

func extractFirstFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	if err != nil {
		return nil, err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil, fmt.Errorf("unexpected tar entry type for %s", hdr.Name)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, tr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readFile(path string) ([]byte, error) { return os.ReadFile(path) }

func writeFile(path string, data []byte) error { return os.WriteFile(path, data, 0o644) }

// Terminate stops and removes the container. Idempotent: a second call
// against an already-removed container returns nil.
func (s *Sandbox) Terminate(ctx context.Context) error {
	stopTimeout := 5
	_ = s.client.ContainerStop(ctx, s.containerID, container.StopOptions{Timeout: &stopTimeout})
	err := s.client.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return provider.NewError(provider.IO, "remove container", err)
	}
	return nil
}
