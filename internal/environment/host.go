package environment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// hostBackend runs the agent as a child process on the host, working
// directly inside the session worktree.
type hostBackend struct {
	cfg    v1.EnvironmentConfig
	opts   Options
	logger *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	scanWG sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

func newHostBackend(cfg v1.EnvironmentConfig, opts Options) *hostBackend {
	return &hostBackend{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.WithFields(zap.String("backend", "host"), zap.String("session_id", opts.SessionID)),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

func (b *hostBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("host environment already started")
	}

	cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
	cmd.Dir = b.opts.Workspace
	cmd.Env = append(os.Environ(), mergeEnv(b.opts.Credentials, b.cfg.Env)...)
	// Own process group so Stop can signal the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	// Merge stdout and stderr into a single ordered stream
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pw.Close()
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	b.cmd = cmd
	b.stdin = stdin
	b.started = true

	b.logger.Info("started host process", zap.Int("pid", cmd.Process.Pid), zap.Strings("command", b.cfg.Command))

	b.scanWG.Add(1)
	go b.scan(pr)
	go b.wait(pw)

	return nil
}

// scan reads merged output line by line and emits events.
func (b *hostBackend) scan(r io.Reader) {
	defer b.scanWG.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.events <- parseLine(b.opts.SessionID, scanner.Text())
	}
}

// wait blocks until the process exits and scan has drained the output pipe,
// then emits the exit event and closes the event stream. Joining scan first
// keeps the exit event strictly after all output events.
func (b *hostBackend) wait(pw *io.PipeWriter) {
	err := b.cmd.Wait()
	pw.Close()
	b.scanWG.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			b.events <- Event{Type: EventError, Data: err.Error(), Timestamp: time.Now().UTC()}
		}
	}

	b.logger.Info("host process exited", zap.Int("exit_code", exitCode))
	b.events <- Event{Type: EventExit, ExitCode: exitCode, Timestamp: time.Now().UTC()}
	close(b.events)
	close(b.done)
}

func (b *hostBackend) Send(ctx context.Context, input string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.stdin == nil {
		return fmt.Errorf("host environment not started")
	}
	if _, err := io.WriteString(b.stdin, input+"\n"); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

func (b *hostBackend) Events() <-chan Event {
	return b.events
}

// Stop terminates the process group: SIGTERM first, SIGKILL after the grace
// period. Safe to call multiple times.
func (b *hostBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cmd := b.cmd
	b.mu.Unlock()

	if cmd.Process == nil {
		return nil
	}

	// Negative pid signals the whole process group
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		b.logger.Debug("SIGTERM failed", zap.Error(err))
	}

	select {
	case <-b.done:
		return nil
	case <-time.After(b.opts.StopGracePeriod):
	case <-ctx.Done():
	}

	b.logger.Warn("process did not exit after SIGTERM, killing")
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
		b.logger.Debug("SIGKILL failed", zap.Error(err))
	}
	<-b.done
	return nil
}
