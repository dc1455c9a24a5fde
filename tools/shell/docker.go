package shell

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// defaultImage is used when NewDockerRunner is given an empty image name.
const defaultImage = "alpine:3.20"

// DockerRunner executes commands in disposable containers. The workspace
// directory is bind-mounted at /workspace, containers run without network
// access, and each container is removed after its command finishes.
type DockerRunner struct {
	client *client.Client
	image  string
}

// compile-time check
var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner creates a DockerRunner that talks to the Docker daemon
// configured by the standard environment variables (DOCKER_HOST etc.).
// The image must already be present on the daemon.
func NewDockerRunner(image string) (*DockerRunner, error) {
	if image == "" {
		image = defaultImage
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRunner{client: cli, image: image}, nil
}

// Run executes the command with sh -c inside a fresh container.
func (r *DockerRunner) Run(ctx context.Context, dir, command string) (string, string, error) {
	created, err := r.client.ContainerCreate(ctx,
		&container.Config{
			Image:      r.image,
			Cmd:        []string{"sh", "-c", command},
			WorkingDir: "/workspace",
		},
		&container.HostConfig{
			Binds:       []string{dir + ":/workspace"},
			NetworkMode: "none",
		},
		nil, nil, "")
	if err != nil {
		return "", "", fmt.Errorf("create container: %w", err)
	}
	id := created.ID

	defer func() {
		// Removal uses its own context so cleanup still happens after a
		// command timeout.
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true})
	}()

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", "", fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case werr := <-errCh:
		return "", "", fmt.Errorf("wait container: %w", werr)
	case status := <-statusCh:
		if status.Error != nil {
			return "", "", fmt.Errorf("wait container: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	logs, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", "", fmt.Errorf("read logs: %w", err)
	}

	if exitCode != 0 {
		return stdout.String(), stderr.String(), fmt.Errorf("exit status %d", exitCode)
	}
	return stdout.String(), stderr.String(), nil
}
