// Package local implements a process-backed Provider, used as the
// lightweight default and in tests. Each sandbox is a working directory;
// commands run as direct child processes rather than under any
// additional isolation.
package local

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/antinvestor/offload/internal/provider"
)

// Provider creates process-backed sandboxes rooted under BaseDir.
type Provider struct {
	BaseDir string
}

// New creates a local Provider rooted at baseDir (created if missing).
func New(baseDir string) *Provider {
	return &Provider{BaseDir: baseDir}
}

// CreateSandbox creates a fresh working directory for the sandbox.
func (p *Provider) CreateSandbox(ctx context.Context, cfg provider.SandboxConfig) (provider.Sandbox, error) {
	id := cfg.ID
	if id == "" {
		id = xid.New().String()
	}
	dir := filepath.Join(p.BaseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, provider.NewError(provider.CreateFailed, "mkdir sandbox dir", err)
	}
	return &Sandbox{id: id, dir: dir, workingDir: cfg.WorkingDir, env: cfg.Env}, nil
}

// Sandbox is a process-backed sandbox: commands run directly via os/exec
// with the sandbox's working directory as cwd.
type Sandbox struct {
	id         string
	dir        string
	workingDir string
	env        []provider.EnvVar

	terminated atomic.Bool
}

// ID returns the sandbox's stable identifier.
func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) cwd() string {
	if s.workingDir != "" {
		return s.workingDir
	}
	return s.dir
}

// ExecStream starts cmd as a child process and streams its stdout/stderr
// line by line, yielding a terminal ExitCode item even on timeout or
// cancellation.
func (s *Sandbox) ExecStream(ctx context.Context, cmd provider.Command) (<-chan provider.OutputLine, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.TimeoutSecs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSecs)*time.Second)
	}

	execCmd := exec.CommandContext(runCtx, cmd.Program, cmd.Args...)
	execCmd.Dir = s.cwd()
	execCmd.Env = os.Environ()
	for _, e := range s.env {
		execCmd.Env = append(execCmd.Env, e.Key+"="+e.Value)
	}
	for _, e := range cmd.Env {
		execCmd.Env = append(execCmd.Env, e.Key+"="+e.Value)
	}

	stdoutPipe, err := execCmd.StdoutPipe()
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, provider.NewError(provider.ExecFailed, "stdout pipe", err)
	}
	stderrPipe, err := execCmd.StderrPipe()
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, provider.NewError(provider.ExecFailed, "stderr pipe", err)
	}

	if err := execCmd.Start(); err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, provider.NewError(provider.ExecFailed, "start command", err)
	}

	out := make(chan provider.OutputLine, 64)
	go func() {
		defer func() {
			if cancel != nil {
				cancel()
			}
		}()
		defer close(out)

		done := make(chan struct{}, 2)
		streamLines(stdoutPipe, provider.Stdout, out, done)
		streamLines(stderrPipe, provider.Stderr, out, done)
		<-done
		<-done

		waitErr := execCmd.Wait()
		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
		if runCtx.Err() != nil {
			util.Log(ctx).With("sandbox_id", s.id).Warn("command timed out, terminated")
		}
		out <- provider.OutputLine{Kind: provider.ExitCode, Code: exitCode}
	}()

	return out, nil
}

func streamLines(r io.Reader, kind provider.OutputLineKind, out chan<- provider.OutputLine, done chan<- struct{}) {
	go func() {
		defer func() { done <- struct{}{} }()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			out <- provider.OutputLine{Kind: kind, Text: scanner.Text()}
		}
	}()
}

// Upload copies a local file into the sandbox's working directory.
func (s *Sandbox) Upload(ctx context.Context, local, remote string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return provider.NewError(provider.UploadFailed, "read local file", err)
	}
	dest := filepath.Join(s.cwd(), remote)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return provider.NewError(provider.UploadFailed, "mkdir destination", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return provider.NewError(provider.UploadFailed, "write destination", err)
	}
	return nil
}

// Download copies files out of the sandbox's working directory.
func (s *Sandbox) Download(ctx context.Context, pairs [][2]string) error {
	for _, pair := range pairs {
		remote, local := pair[0], pair[1]
		src := filepath.Join(s.cwd(), remote)
		data, err := os.ReadFile(src)
		if err != nil {
			return provider.NewError(provider.DownloadFailed, fmt.Sprintf("read %s", remote), err)
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return provider.NewError(provider.DownloadFailed, fmt.Sprintf("write %s", local), err)
		}
	}
	return nil
}

// Terminate idempotently removes the sandbox's working directory.
func (s *Sandbox) Terminate(ctx context.Context) error {
	if !s.terminated.CompareAndSwap(false, true) {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return provider.NewError(provider.IO, "remove sandbox dir", err)
	}
	return nil
}
