package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/offload/internal/provider"
)

func TestCreateSandboxCreatesWorkingDir(t *testing.T) {
	base := t.TempDir()
	p := New(base)

	sb, err := p.CreateSandbox(context.Background(), provider.SandboxConfig{ID: "s1"})
	require.NoError(t, err)

	info, statErr := os.Stat(filepath.Join(base, "s1"))
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
	assert.Equal(t, "s1", sb.ID())
}

func TestCreateSandboxGeneratesIDWhenMissing(t *testing.T) {
	p := New(t.TempDir())
	sb, err := p.CreateSandbox(context.Background(), provider.SandboxConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, sb.ID())
}

func TestExecStreamCapturesOutputAndExitCode(t *testing.T) {
	p := New(t.TempDir())
	sb, err := p.CreateSandbox(context.Background(), provider.SandboxConfig{ID: "s1"})
	require.NoError(t, err)

	cmd := provider.NewCommand("sh").WithArgs("-c", "echo out; echo err 1>&2; exit 3")
	lines, err := sb.ExecStream(context.Background(), cmd)
	require.NoError(t, err)

	var sawOut, sawErr bool
	var exitCode = -1
	for line := range lines {
		switch line.Kind {
		case provider.Stdout:
			if line.Text == "out" {
				sawOut = true
			}
		case provider.Stderr:
			if line.Text == "err" {
				sawErr = true
			}
		case provider.ExitCode:
			exitCode = line.Code
		}
	}

	assert.True(t, sawOut)
	assert.True(t, sawErr)
	assert.Equal(t, 3, exitCode)
}

func TestUploadAndDownload(t *testing.T) {
	p := New(t.TempDir())
	sb, err := p.CreateSandbox(context.Background(), provider.SandboxConfig{ID: "s1"})
	require.NoError(t, err)

	localSrc := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(localSrc, []byte("hello"), 0o644))

	require.NoError(t, sb.Upload(context.Background(), localSrc, "nested/remote.txt"))

	downloadDest := filepath.Join(t.TempDir(), "output.txt")
	err = sb.Download(context.Background(), [][2]string{{"nested/remote.txt", downloadDest}})
	require.NoError(t, err)

	data, readErr := os.ReadFile(downloadDest)
	require.NoError(t, readErr)
	assert.Equal(t, "hello", string(data))
}

func TestDownloadMissingFileReturnsError(t *testing.T) {
	p := New(t.TempDir())
	sb, err := p.CreateSandbox(context.Background(), provider.SandboxConfig{ID: "s1"})
	require.NoError(t, err)

	err = sb.Download(context.Background(), [][2]string{{"missing.txt", filepath.Join(t.TempDir(), "out.txt")}})
	assert.Error(t, err)
}

func TestTerminateIsIdempotentAndRemovesDir(t *testing.T) {
	base := t.TempDir()
	p := New(base)
	sb, err := p.CreateSandbox(context.Background(), provider.SandboxConfig{ID: "s1"})
	require.NoError(t, err)

	require.NoError(t, sb.Terminate(context.Background()))
	_, statErr := os.Stat(filepath.Join(base, "s1"))
	assert.True(t, os.IsNotExist(statErr))

	require.NoError(t, sb.Terminate(context.Background()))
}
