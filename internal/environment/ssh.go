package environment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// sshBackend runs the agent in a shell on a remote host over SSH. The remote
// workspace must already contain the repository; output is proxied back over
// the connection.
type sshBackend struct {
	cfg    v1.EnvironmentConfig
	opts   Options
	logger *logger.Logger

	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	events  chan Event
	scanWG  sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

func newSSHBackend(cfg v1.EnvironmentConfig, opts Options) *sshBackend {
	return &sshBackend{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.WithFields(zap.String("backend", "ssh"), zap.String("session_id", opts.SessionID)),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

func (b *sshBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("ssh environment already started")
	}

	user := b.cfg.SSHUser
	if user == "" {
		user = b.opts.SSHDefaults.User
	}
	keyPath := b.cfg.SSHKeyPath
	if keyPath == "" {
		keyPath = b.opts.SSHDefaults.KeyPath
	}
	port := b.cfg.SSHPort
	if port == 0 {
		port = 22
	}

	signer, err := loadSigner(keyPath)
	if err != nil {
		return fmt.Errorf("failed to load ssh key: %w", err)
	}

	timeout := b.opts.SSHDefaults.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(b.cfg.SSHHost, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s failed: %w", addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to open ssh session: %w", err)
	}

	for k, v := range b.cfg.Env {
		// Setenv requires AcceptEnv on the server; fall back silently
		if err := session.Setenv(k, v); err != nil {
			b.logger.Debug("ssh setenv rejected", zap.String("key", k))
			break
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("failed to open ssh stdin pipe: %w", err)
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	workspace := b.cfg.RemoteWorkspace
	if workspace == "" {
		workspace = "~"
	}
	command := fmt.Sprintf("cd %s && exec %s", shellQuote(workspace), shellJoin(b.cfg.Command))

	if err := session.Start(command); err != nil {
		stdin.Close()
		session.Close()
		client.Close()
		return fmt.Errorf("failed to start remote command: %w", err)
	}

	b.client = client
	b.session = session
	b.stdin = stdin
	b.started = true

	b.logger.Info("started remote shell", zap.String("addr", addr), zap.Strings("command", b.cfg.Command))

	b.scanWG.Add(1)
	go b.scan(pr)
	go b.wait(pw)

	return nil
}

func (b *sshBackend) scan(r io.Reader) {
	defer b.scanWG.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.events <- parseLine(b.opts.SessionID, scanner.Text())
	}
}

// wait joins the scan goroutine before emitting the exit event so trailing
// output is never reordered after it, and the closed channel is never written.
func (b *sshBackend) wait(pw *io.PipeWriter) {
	err := b.session.Wait()
	pw.Close()
	b.scanWG.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			exitCode = -1
			b.events <- Event{Type: EventError, Data: err.Error(), Timestamp: time.Now().UTC()}
		}
	}

	b.logger.Info("remote command exited", zap.Int("exit_code", exitCode))
	b.events <- Event{Type: EventExit, ExitCode: exitCode, Timestamp: time.Now().UTC()}
	close(b.events)
	close(b.done)

	b.client.Close()
}

func (b *sshBackend) Send(ctx context.Context, input string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.stdin == nil {
		return fmt.Errorf("ssh environment not started")
	}
	if _, err := io.WriteString(b.stdin, input+"\n"); err != nil {
		return fmt.Errorf("failed to write to remote stdin: %w", err)
	}
	return nil
}

func (b *sshBackend) Events() <-chan Event {
	return b.events
}

// Stop terminates the remote command and closes the connection. The remote
// workspace is left in place.
func (b *sshBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	session := b.session
	b.mu.Unlock()

	if err := session.Signal(ssh.SIGTERM); err != nil {
		b.logger.Debug("ssh signal failed", zap.Error(err))
	}

	select {
	case <-b.done:
		return nil
	case <-time.After(b.opts.StopGracePeriod):
	case <-ctx.Done():
	}

	b.logger.Warn("remote command did not exit after SIGTERM, closing session")
	session.Close()
	<-b.done
	return nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	if keyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

func shellQuote(s string) string {
	if s == "~" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
