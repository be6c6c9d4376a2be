package session

import (
	"fmt"
	"testing"

	"github.com/agentdock/agentdock/internal/common/logger"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

func TestPermissionGateSingleRequest(t *testing.T) {
	g := NewPermissionGate(10, logger.Default())

	first := &v1.PermissionRequest{ID: "req-1", SessionID: "s1", Action: "write_file"}
	if err := g.Open(first); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !g.IsGated() {
		t.Error("gate should be closed while a request is pending")
	}

	second := &v1.PermissionRequest{ID: "req-2", SessionID: "s1", Action: "run_tests"}
	if err := g.Open(second); err == nil {
		t.Error("expected second Open to be rejected")
	}
	if g.Pending().ID != "req-1" {
		t.Errorf("pending request changed: %+v", g.Pending())
	}

	if _, err := g.Resolve("wrong-id"); err == nil {
		t.Error("expected Resolve with wrong id to fail")
	}
	req, err := g.Resolve("req-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if req.Action != "write_file" {
		t.Errorf("unexpected resolved request: %+v", req)
	}
	if g.IsGated() {
		t.Error("gate should be open after resolution")
	}
	if _, err := g.Resolve("req-1"); err == nil {
		t.Error("expected Resolve with nothing pending to fail")
	}
}

func TestPermissionGateBuffersWhileGated(t *testing.T) {
	g := NewPermissionGate(10, logger.Default())

	if g.Intercept("before", "") {
		t.Error("output should pass through while the gate is open")
	}

	if err := g.Open(&v1.PermissionRequest{ID: "req-1", SessionID: "s1", Action: "x"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !g.Intercept("one", "") || !g.Intercept("two", "linter") {
		t.Fatal("output should be buffered while gated")
	}

	if _, err := g.Resolve("req-1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	flushed := g.Flush()
	if len(flushed) != 2 || flushed[0].Content != "one" || flushed[1].Content != "two" {
		t.Errorf("unexpected flush: %v", flushed)
	}
	if flushed[1].SubAgent != "linter" {
		t.Errorf("sub-agent tag lost in buffer: %+v", flushed[1])
	}
	if len(g.Flush()) != 0 {
		t.Error("second flush should be empty")
	}
}

func TestPermissionGateEvictsOldest(t *testing.T) {
	g := NewPermissionGate(3, logger.Default())
	if err := g.Open(&v1.PermissionRequest{ID: "req-1", SessionID: "s1", Action: "x"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		g.Intercept(fmt.Sprintf("line-%d", i), "")
	}

	flushed := g.Flush()
	if len(flushed) != 3 {
		t.Fatalf("expected 3 buffered lines, got %d", len(flushed))
	}
	// Oldest lines are evicted first
	want := []string{"line-3", "line-4", "line-5"}
	for i, w := range want {
		if flushed[i].Content != w {
			t.Errorf("flushed[%d] = %q, want %q", i, flushed[i].Content, w)
		}
	}
}

func TestPermissionGateAbandonKeepsBufferedOutput(t *testing.T) {
	g := NewPermissionGate(10, logger.Default())
	if err := g.Open(&v1.PermissionRequest{ID: "req-1", SessionID: "s1", Action: "x"}); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	g.Intercept("one", "")
	g.Intercept("two", "")

	req := g.Abandon()
	if req == nil || req.ID != "req-1" {
		t.Errorf("Abandon should return the pending request, got %+v", req)
	}
	if g.IsGated() {
		t.Error("gate should be open after abandon")
	}

	// Output withheld behind the request survives for a final flush
	flushed := g.Flush()
	if len(flushed) != 2 || flushed[0].Content != "one" || flushed[1].Content != "two" {
		t.Errorf("buffered output lost on abandon: %v", flushed)
	}
}
