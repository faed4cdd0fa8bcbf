package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/shehryarbajwa/sessiond/internal/checkpoint"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// Docker runs each session in its own headless Chrome container. The
// container mounts a per-session user-data directory, which is what the
// checkpoint store archives and what a resume rehydrates.
type Docker struct {
	client      *client.Client
	checkpoints *checkpoint.Store
	image       string
}

type dockerHandle struct {
	sessionID   string
	containerID string
	connectURL  string
	port        string
	userDataDir string
}

func (h *dockerHandle) SessionID() string  { return h.sessionID }
func (h *dockerHandle) ConnectURL() string { return h.connectURL }

// NewDocker builds the docker driver against the local daemon.
func NewDocker(image string, checkpoints *checkpoint.Store) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{client: cli, checkpoints: checkpoints, image: image}, nil
}

// Name returns the backend name recorded on sessions.
func (d *Docker) Name() string { return "docker" }

// Spin launches a fresh browser container for the session.
func (d *Docker) Spin(ctx context.Context, req SpinRequest) (Handle, error) {
	userDataDir := filepath.Join(os.TempDir(), "sessiond-data", req.SessionID)
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create user data directory: %v", models.ErrDriverSpinFailure, err)
	}

	handle, err := d.launch(ctx, req.SessionID, userDataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDriverSpinFailure, err)
	}
	return handle, nil
}

// Resume rehydrates the checkpoint archive into a user-data directory
// and launches a container on top of it.
func (d *Docker) Resume(ctx context.Context, req ResumeRequest) (Handle, error) {
	userDataDir, err := d.checkpoints.Load(req.ResumeToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrResumeFailure, err)
	}

	handle, err := d.launch(ctx, req.SessionID, userDataDir)
	if err != nil {
		os.RemoveAll(userDataDir)
		return nil, fmt.Errorf("%w: %v", models.ErrResumeFailure, err)
	}
	return handle, nil
}

func (d *Docker) launch(ctx context.Context, sessionID, userDataDir string) (*dockerHandle, error) {
	containerConfig := &container.Config{
		Image: d.image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "sessiond",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: userDataDir,
				Target: "/data",
			},
		},
	}

	resp, err := d.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		nil,
		nil,
		fmt.Sprintf("session-%s", shortID(sessionID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.removeContainer(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		d.removeContainer(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		d.removeContainer(resp.ID)
		return nil, fmt.Errorf("container exposed no host port")
	}
	port := bindings[0].HostPort

	if err := d.waitForBrowserReady(ctx, port); err != nil {
		d.removeContainer(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &dockerHandle{
		sessionID:   sessionID,
		containerID: resp.ID,
		connectURL:  fmt.Sprintf("ws://localhost:%s", port),
		port:        port,
		userDataDir: userDataDir,
	}, nil
}

// Release stops and removes the session's container and its scratch
// user-data directory. A container that is already gone is not an error.
func (d *Docker) Release(ctx context.Context, h Handle) error {
	dh, ok := h.(*dockerHandle)
	if !ok {
		return fmt.Errorf("handle for session %s does not belong to the docker driver", h.SessionID())
	}

	timeout := 10
	stopOptions := container.StopOptions{Timeout: &timeout}
	if err := d.client.ContainerStop(ctx, dh.containerID, stopOptions); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := d.client.ContainerRemove(ctx, dh.containerID, container.RemoveOptions{}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	os.RemoveAll(dh.userDataDir)
	return nil
}

// Checkpoint archives the session's user-data directory and returns the
// minted resume token.
func (d *Docker) Checkpoint(_ context.Context, h Handle) (string, error) {
	dh, ok := h.(*dockerHandle)
	if !ok {
		return "", fmt.Errorf("handle for session %s does not belong to the docker driver", h.SessionID())
	}
	return d.checkpoints.Save(dh.userDataDir)
}

// EnsureImage pulls the browser image if it is not already present.
func (d *Docker) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.image {
				return nil
			}
		}
	}

	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close closes the docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	timeout := 5
	d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{})
}

// waitForBrowserReady polls the /json/version endpoint until the browser
// answers or the context expires.
func (d *Docker) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	maxRetries := 20

	for i := 0; i < maxRetries; i++ {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				// Give the websocket endpoint a moment to come up too.
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
