package environment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/environment/docker"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// DockerRunner is the subset of the docker client used by the docker backend.
type DockerRunner interface {
	PullImage(ctx context.Context, imageName string) error
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error
	CreateSessionContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, removeVolumes bool) error
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	AttachContainer(ctx context.Context, containerID string) (*docker.AttachResult, error)
}

// containerWorkspace is where the session worktree is mounted in containers.
const containerWorkspace = "/workspace"

// dockerBackend runs the agent inside a Docker container with the session
// worktree bind-mounted at /workspace.
type dockerBackend struct {
	cfg    v1.EnvironmentConfig
	opts   Options
	logger *logger.Logger

	containerID string
	attach      *docker.AttachResult
	events      chan Event
	scanWG      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	removed bool
	done    chan struct{}
}

func newDockerBackend(cfg v1.EnvironmentConfig, opts Options) *dockerBackend {
	return &dockerBackend{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.WithFields(zap.String("backend", "docker"), zap.String("session_id", opts.SessionID)),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// Start provisions the image, creates the container, attaches to its streams
// and starts it. Any failure here is a provisioning failure: no container is
// left behind.
func (b *dockerBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("docker environment already started")
	}

	imageName := b.cfg.Image
	if b.cfg.Dockerfile != "" {
		imageName = "agentdock/session-" + shortID(b.opts.SessionID)
		if err := b.opts.Docker.BuildImage(ctx, b.opts.Workspace, b.cfg.Dockerfile, imageName); err != nil {
			return fmt.Errorf("image build failed: %w", err)
		}
	} else {
		if err := b.opts.Docker.PullImage(ctx, imageName); err != nil {
			return fmt.Errorf("image pull failed: %w", err)
		}
	}

	mounts := []docker.MountConfig{
		{Source: b.opts.Workspace, Target: containerWorkspace},
	}
	for _, vm := range b.cfg.VolumeMounts {
		mounts = append(mounts, docker.MountConfig{
			Source:   vm.HostPath,
			Target:   vm.ContainerPath,
			ReadOnly: vm.ReadOnly,
		})
	}

	ports := make([]docker.PortBinding, 0, len(b.cfg.PortMappings))
	for _, pm := range b.cfg.PortMappings {
		ports = append(ports, docker.PortBinding{
			HostPort:      pm.HostPort,
			ContainerPort: pm.ContainerPort,
			Protocol:      pm.Protocol,
		})
	}

	containerID, err := b.opts.Docker.CreateSessionContainer(ctx, docker.ContainerConfig{
		Name:       "agentdock-session-" + shortID(b.opts.SessionID),
		Image:      imageName,
		Cmd:        b.cfg.Command,
		Env:        mergeEnv(b.opts.Credentials, b.cfg.Env),
		WorkingDir: containerWorkspace,
		Mounts:     mounts,
		Ports:      ports,
		Labels:     map[string]string{docker.SessionLabel: b.opts.SessionID},
	})
	if err != nil {
		return fmt.Errorf("container create failed: %w", err)
	}

	attach, err := b.opts.Docker.AttachContainer(ctx, containerID)
	if err != nil {
		_ = b.opts.Docker.RemoveContainer(ctx, containerID, true)
		return fmt.Errorf("container attach failed: %w", err)
	}

	if err := b.opts.Docker.StartContainer(ctx, containerID); err != nil {
		attach.Close()
		_ = b.opts.Docker.RemoveContainer(ctx, containerID, true)
		return fmt.Errorf("container start failed: %w", err)
	}

	b.containerID = containerID
	b.attach = attach
	b.started = true

	b.logger.Info("started container", zap.String("container_id", containerID), zap.String("image", imageName))

	b.scanWG.Add(1)
	go b.scan(attach.Output)
	go b.wait()

	return nil
}

func (b *dockerBackend) scan(r io.Reader) {
	defer b.scanWG.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.events <- parseLine(b.opts.SessionID, scanner.Text())
	}
}

// wait joins the scan goroutine before emitting the exit event so trailing
// output is never reordered after it, and the closed channel is never written.
func (b *dockerBackend) wait() {
	exitCode, err := b.opts.Docker.WaitContainer(context.Background(), b.containerID)
	b.scanWG.Wait()
	if err != nil {
		b.events <- Event{Type: EventError, Data: err.Error(), Timestamp: time.Now().UTC()}
		exitCode = -1
	}

	b.logger.Info("container exited", zap.Int64("exit_code", exitCode))
	b.events <- Event{Type: EventExit, ExitCode: int(exitCode), Timestamp: time.Now().UTC()}
	close(b.events)
	close(b.done)
}

func (b *dockerBackend) Send(ctx context.Context, input string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.attach == nil {
		return fmt.Errorf("docker environment not started")
	}
	if _, err := io.WriteString(b.attach.Stdin, input+"\n"); err != nil {
		return fmt.Errorf("failed to write to container stdin: %w", err)
	}
	return nil
}

func (b *dockerBackend) Events() <-chan Event {
	return b.events
}

// Stop stops the container but leaves it and its volumes in place, so a
// stopped session keeps its data. Cleanup removes both on session deletion.
func (b *dockerBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	containerID := b.containerID
	attach := b.attach
	b.mu.Unlock()

	if err := b.opts.Docker.StopContainer(ctx, containerID, b.opts.StopGracePeriod); err != nil {
		b.logger.Warn("container stop failed", zap.Error(err))
	}

	select {
	case <-b.done:
	case <-time.After(b.opts.StopGracePeriod + 5*time.Second):
		b.logger.Warn("timed out waiting for container exit")
	}

	if attach != nil {
		attach.Close()
	}
	return nil
}

// Cleanup removes the container together with its anonymous volumes. It is
// idempotent and safe to call whether or not the container was stopped first.
func (b *dockerBackend) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.removed {
		b.mu.Unlock()
		return nil
	}
	b.removed = true
	containerID := b.containerID
	attach := b.attach
	b.mu.Unlock()

	if attach != nil {
		attach.Close()
	}
	if err := b.opts.Docker.RemoveContainer(ctx, containerID, true); err != nil {
		return fmt.Errorf("container remove failed: %w", err)
	}
	b.logger.Info("removed container", zap.String("container_id", containerID))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
