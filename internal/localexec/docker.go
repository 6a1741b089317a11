package localexec

import (
	"bytes"
	"context"
	"fmt"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const workspaceMountTarget = "/workspace"

// DockerRunner runs allow-listed commands inside a throwaway container
// bind-mounting cwd at /workspace, instead of the host shell. One
// short-lived container per call: create, start, wait, capture, remove —
// no long-running agent containers to track.
type DockerRunner struct {
	docker *client.Client
	Allow  AllowList
	Image  string
}

// NewDockerRunner dials the local Docker daemon via the environment
// (DOCKER_HOST et al.).
func NewDockerRunner(image string, allow AllowList) (*DockerRunner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if allow == nil {
		allow = DefaultAllowList()
	}
	if image == "" {
		image = "alpine:3"
	}
	return &DockerRunner{docker: docker, Allow: allow, Image: image}, nil
}

// Close releases the underlying Docker client connection.
func (r *DockerRunner) Close() error { return r.docker.Close() }

// Run denies anything not on the allow list before a container is ever
// created, then creates, starts, waits on, and removes a single throwaway
// container with cwd bind-mounted at /workspace.
func (r *DockerRunner) Run(ctx context.Context, argv []string, cwd string, env map[string]string) (Result, error) {
	if !IsAllowed(argv, r.Allow) {
		cmdText := joinArgv(argv)
		if cmdText == "" {
			cmdText = "empty command"
		}
		return Result{Stderr: "denied: " + cmdText, ExitCode: 126}, nil
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	containerName := fmt.Sprintf("orchhub-exec-%d", time.Now().UnixNano())
	binds := []string{}
	if cwd != "" {
		binds = append(binds, cwd+":"+workspaceMountTarget)
	}

	resp, err := r.docker.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:      r.Image,
			Cmd:        argv,
			Env:        envList,
			WorkingDir: workspaceMountTarget,
			Labels:     map[string]string{"orchhub.managed": "true"},
		},
		&dockercontainer.HostConfig{Binds: binds},
		nil, nil, containerName,
	)
	if err != nil {
		return Result{}, fmt.Errorf("create exec container: %w", err)
	}
	defer func() {
		_ = r.docker.ContainerRemove(context.Background(), resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start exec container: %w", err)
	}

	statusCh, errCh := r.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	var exitCode int
	select {
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		return Result{}, fmt.Errorf("wait exec container: %w", err)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	logs, err := r.docker.ContainerLogs(ctx, resp.ID, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{ExitCode: exitCode}, fmt.Errorf("read exec container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return Result{ExitCode: exitCode}, fmt.Errorf("demux exec container logs: %w", err)
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
