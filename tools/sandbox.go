package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	sandboxMemoryBytes = 256 * 1024 * 1024
	sandboxPidsLimit   = 128
	sandboxMaxOutput   = 64 * 1024
)

// SandboxTool runs student/model code inside a throwaway container with
// no network and a hard execution cutoff.
type SandboxTool struct {
	docker  *client.Client
	image   string
	timeout time.Duration
}

type sandboxArgs struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// SandboxConfig configures the sandbox tool.
type SandboxConfig struct {
	// Image is the container image holding the language runtimes.
	Image string
	// Timeout is the hard cutoff for one execution. Defaults to 20s.
	Timeout time.Duration
}

// NewSandboxTool creates a sandbox tool talking to the local docker daemon.
func NewSandboxTool(cfg SandboxConfig) (*SandboxTool, error) {
	if cfg.Image == "" {
		cfg.Image = "sandbox-runner:latest"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &SandboxTool{docker: cli, image: cfg.Image, timeout: cfg.Timeout}, nil
}

func (t *SandboxTool) Name() string { return "run_code" }
func (t *SandboxTool) Description() string {
	return "Execute a short code snippet in a sandboxed container and return its output."
}
func (t *SandboxTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"language": map[string]interface{}{"type": "string", "enum": []string{"python", "go", "javascript"}},
			"code":     map[string]interface{}{"type": "string", "description": "source code to run"},
		},
		"required": []string{"language", "code"},
	}
}

func (t *SandboxTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var in sandboxArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	cmd, err := runnerCommand(in.Language, in.Code)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	created, err := t.docker.ContainerCreate(ctx, &container.Config{
		Image:           t.image,
		Cmd:             cmd,
		NetworkDisabled: true,
	}, &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory:    sandboxMemoryBytes,
			PidsLimit: ptrInt64(sandboxPidsLimit),
		},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer func() {
		// Removal uses a fresh context so cleanup survives the cutoff.
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = t.docker.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true})
	}()

	if err := t.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start sandbox: %w", err)
	}

	waitCh, errCh := t.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("sandbox execution: %w", err)
		}
	case <-waitCh:
	case <-ctx.Done():
		return nil, fmt.Errorf("sandbox execution exceeded %s", t.timeout)
	}

	logs, err := t.docker.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("sandbox logs: %w", err)
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("read sandbox output: %w", err)
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\nstderr:\n" + stderr.String()
	}
	if len(out) > sandboxMaxOutput {
		out = out[:sandboxMaxOutput] + "\n[output truncated]"
	}
	return &Result{Content: out}, nil
}

func runnerCommand(language, code string) ([]string, error) {
	switch language {
	case "python":
		return []string{"python3", "-c", code}, nil
	case "javascript":
		return []string{"node", "-e", code}, nil
	case "go":
		return []string{"gorun", code}, nil
	default:
		return nil, fmt.Errorf("unsupported language %q", language)
	}
}

func ptrInt64(v int64) *int64 { return &v }
