package environment

import (
	"context"
	"testing"
	"time"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     v1.EnvironmentConfig
		wantErr bool
	}{
		{
			name:    "host is always valid",
			cfg:     v1.EnvironmentConfig{Type: v1.EnvironmentHost},
			wantErr: false,
		},
		{
			name:    "missing type",
			cfg:     v1.EnvironmentConfig{},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     v1.EnvironmentConfig{Type: "vm"},
			wantErr: true,
		},
		{
			name:    "docker without image or dockerfile",
			cfg:     v1.EnvironmentConfig{Type: v1.EnvironmentDocker},
			wantErr: true,
		},
		{
			name: "docker with valid ports",
			cfg: v1.EnvironmentConfig{
				Type:  v1.EnvironmentDocker,
				Image: "ubuntu:24.04",
				PortMappings: []v1.PortMapping{
					{HostPort: 8080, ContainerPort: 80},
				},
			},
			wantErr: false,
		},
		{
			name: "docker with out of range host port",
			cfg: v1.EnvironmentConfig{
				Type:  v1.EnvironmentDocker,
				Image: "ubuntu:24.04",
				PortMappings: []v1.PortMapping{
					{HostPort: 70000, ContainerPort: 80},
				},
			},
			wantErr: true,
		},
		{
			name: "docker with zero container port",
			cfg: v1.EnvironmentConfig{
				Type:  v1.EnvironmentDocker,
				Image: "ubuntu:24.04",
				PortMappings: []v1.PortMapping{
					{HostPort: 8080, ContainerPort: 0},
				},
			},
			wantErr: true,
		},
		{
			name: "docker with bad protocol",
			cfg: v1.EnvironmentConfig{
				Type:  v1.EnvironmentDocker,
				Image: "ubuntu:24.04",
				PortMappings: []v1.PortMapping{
					{HostPort: 8080, ContainerPort: 80, Protocol: "sctp"},
				},
			},
			wantErr: true,
		},
		{
			name: "docker with relative volume mount",
			cfg: v1.EnvironmentConfig{
				Type:  v1.EnvironmentDocker,
				Image: "ubuntu:24.04",
				VolumeMounts: []v1.VolumeMount{
					{HostPath: "data", ContainerPath: "/data"},
				},
			},
			wantErr: true,
		},
		{
			name:    "ssh without host",
			cfg:     v1.EnvironmentConfig{Type: v1.EnvironmentSSH},
			wantErr: true,
		},
		{
			name: "ssh with valid host",
			cfg: v1.EnvironmentConfig{
				Type:    v1.EnvironmentSSH,
				SSHHost: "build-box.internal",
			},
			wantErr: false,
		},
		{
			name: "ssh with invalid port",
			cfg: v1.EnvironmentConfig{
				Type:    v1.EnvironmentSSH,
				SSHHost: "build-box.internal",
				SSHPort: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLine(t *testing.T) {
	ev := parseLine("s1", "plain output")
	if ev.Type != EventOutput || ev.Data != "plain output" {
		t.Errorf("expected output event, got %+v", ev)
	}

	ev = parseLine("s1", permissionSentinel+`{"action":"run_tests","description":"run go test"}`)
	if ev.Type != EventPermission {
		t.Fatalf("expected permission event, got %+v", ev)
	}
	if ev.Request == nil || ev.Request.Action != "run_tests" || ev.Request.SessionID != "s1" {
		t.Errorf("unexpected permission request: %+v", ev.Request)
	}
	if ev.Request.ID == "" {
		t.Error("permission request missing id")
	}

	// Malformed sentinel payload degrades to plain output
	ev = parseLine("s1", permissionSentinel+"not json")
	if ev.Type != EventOutput {
		t.Errorf("malformed sentinel should be output, got %+v", ev)
	}

	// Sub-agent tagged output carries the producer's name
	ev = parseLine("s1", subAgentSentinel+`{"name":"linter","output":"no issues found"}`)
	if ev.Type != EventOutput || ev.SubAgent != "linter" || ev.Data != "no issues found" {
		t.Errorf("unexpected sub-agent event: %+v", ev)
	}

	ev = parseLine("s1", subAgentSentinel+"not json")
	if ev.Type != EventOutput || ev.SubAgent != "" {
		t.Errorf("malformed sub-agent sentinel should be plain output, got %+v", ev)
	}
}

func TestEncodeDecision(t *testing.T) {
	line := EncodeDecision("req-1", true)
	if line != decisionSentinel+`{"decision":"approve","request_id":"req-1"}` {
		t.Errorf("unexpected approve encoding: %s", line)
	}
	line = EncodeDecision("req-1", false)
	if line != decisionSentinel+`{"decision":"deny","request_id":"req-1"}` {
		t.Errorf("unexpected deny encoding: %s", line)
	}
}

func collectUntilExit(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var collected []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, ev)
			if ev.Type == EventExit {
				return collected
			}
		case <-deadline:
			t.Fatalf("timed out waiting for exit event, got %d events", len(collected))
		}
	}
}

func TestHostBackendRunsToCompletion(t *testing.T) {
	backend, err := New(v1.EnvironmentConfig{
		Type:    v1.EnvironmentHost,
		Command: []string{"sh", "-c", "echo line-one; echo line-two >&2"},
	}, Options{
		SessionID: "s1",
		Workspace: t.TempDir(),
		Logger:    logger.Default(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := collectUntilExit(t, backend.Events(), 5*time.Second)

	var outputs []string
	var exit *Event
	for i := range events {
		switch events[i].Type {
		case EventOutput:
			outputs = append(outputs, events[i].Data)
		case EventExit:
			exit = &events[i]
		}
	}

	// stdout and stderr are merged into one stream
	if len(outputs) != 2 {
		t.Fatalf("expected 2 output lines, got %v", outputs)
	}
	if exit == nil || exit.ExitCode != 0 {
		t.Errorf("expected clean exit, got %+v", exit)
	}
}

func TestHostBackendExitFollowsAllOutput(t *testing.T) {
	backend, err := New(v1.EnvironmentConfig{
		Type:    v1.EnvironmentHost,
		Command: []string{"sh", "-c", "seq 1 2000"},
	}, Options{
		SessionID: "s1",
		Workspace: t.TempDir(),
		Logger:    logger.Default(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := backend.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the process finish while most of its output is still unread, then
	// drain: every line must arrive before the exit event.
	time.Sleep(200 * time.Millisecond)
	events := collectUntilExit(t, backend.Events(), 10*time.Second)

	outputs := 0
	for i, ev := range events {
		switch ev.Type {
		case EventOutput:
			outputs++
		case EventExit:
			if i != len(events)-1 {
				t.Fatalf("exit event at index %d of %d", i, len(events))
			}
		}
	}
	if outputs != 2000 {
		t.Errorf("expected 2000 output lines before exit, got %d", outputs)
	}
	if _, ok := <-backend.Events(); ok {
		t.Error("event stream not closed after exit")
	}
}

func TestHostBackendSendAndPermission(t *testing.T) {
	script := `read line; echo "got:$line"; echo '` + permissionSentinel + `{"action":"write_file"}'; read dec; echo "dec:$dec"`
	backend, err := New(v1.EnvironmentConfig{
		Type:    v1.EnvironmentHost,
		Command: []string{"sh", "-c", script},
	}, Options{
		SessionID: "s1",
		Workspace: t.TempDir(),
		Logger:    logger.Default(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := backend.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := backend.Send(ctx, "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Wait for the echoed input and the permission request
	var sawEcho bool
	var request *v1.PermissionRequest
	deadline := time.After(5 * time.Second)
	for request == nil {
		select {
		case ev, ok := <-backend.Events():
			if !ok {
				t.Fatal("event stream closed before permission request")
			}
			if ev.Type == EventOutput && ev.Data == "got:hello" {
				sawEcho = true
			}
			if ev.Type == EventPermission {
				request = ev.Request
			}
		case <-deadline:
			t.Fatal("timed out waiting for permission request")
		}
	}
	if !sawEcho {
		t.Error("input was not delivered to the process")
	}

	if err := backend.Send(ctx, EncodeDecision(request.ID, true)); err != nil {
		t.Fatalf("Send decision failed: %v", err)
	}

	events := collectUntilExit(t, backend.Events(), 5*time.Second)
	var sawDecision bool
	for _, ev := range events {
		if ev.Type == EventOutput && len(ev.Data) > 4 && ev.Data[:4] == "dec:" {
			sawDecision = true
		}
	}
	if !sawDecision {
		t.Error("decision was not delivered to the process")
	}
}

func TestHostBackendStopIsIdempotent(t *testing.T) {
	backend, err := New(v1.EnvironmentConfig{
		Type:    v1.EnvironmentHost,
		Command: []string{"sh", "-c", "sleep 60"},
	}, Options{
		SessionID:       "s1",
		Workspace:       t.TempDir(),
		Logger:          logger.Default(),
		StopGracePeriod: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := backend.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := backend.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := backend.Stop(ctx); err != nil {
		t.Errorf("second Stop returned error: %v", err)
	}

	// Stream ends after stop
	collectUntilExit(t, backend.Events(), 5*time.Second)
}
