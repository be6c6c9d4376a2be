package store

import (
	"context"
	"path/filepath"
	"testing"

	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	session := newTestSession("sqlite-rt")
	session.Environment = v1.EnvironmentConfig{
		Type:  v1.EnvironmentDocker,
		Image: "ubuntu:24.04",
		Env:   map[string]string{"CI": "true"},
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Environment.Type != v1.EnvironmentDocker || got.Environment.Image != "ubuntu:24.04" {
		t.Errorf("environment not persisted: %+v", got.Environment)
	}
	if got.Environment.Env["CI"] != "true" {
		t.Errorf("environment vars not persisted: %+v", got.Environment.Env)
	}

	got.Status = v1.SessionStatusRunning
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
	got, err = s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != v1.SessionStatusRunning {
		t.Errorf("status = %s, want %s", got.Status, v1.SessionStatusRunning)
	}
}

func TestSQLiteStoreNotFound(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, "missing"); err != ErrNotFound {
		t.Errorf("GetSession: expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, "missing", v1.SessionStatusRunning, nil); err != ErrNotFound {
		t.Errorf("UpdateSessionStatus: expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteSession(ctx, "missing"); err != ErrNotFound {
		t.Errorf("DeleteSession: expected ErrNotFound, got %v", err)
	}
	if _, err := s.ListMessages(ctx, "missing"); err != ErrNotFound {
		t.Errorf("ListMessages: expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreMessageCascade(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	session := newTestSession("sqlite-cascade")
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for _, c := range []string{"one", "two"} {
		err := s.AppendMessage(ctx, &v1.Message{
			SessionID: session.ID,
			Role:      v1.MessageRoleAssistant,
			Content:   c,
		})
		if err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	err := s.AppendMessage(ctx, &v1.Message{
		SessionID: session.ID,
		Role:      v1.MessageRoleAssistant,
		Content:   "no issues found",
		SubAgents: []v1.SubAgentOutput{{Name: "linter", Output: "no issues found"}},
	})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	messages, err := s.ListMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 3 || messages[0].Content != "one" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if len(messages[0].SubAgents) != 0 {
		t.Errorf("plain message gained sub-agents: %+v", messages[0].SubAgents)
	}
	subs := messages[2].SubAgents
	if len(subs) != 1 || subs[0].Name != "linter" || subs[0].Output != "no issues found" {
		t.Errorf("sub-agent output not persisted: %+v", subs)
	}

	if err := s.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := s.ListMessages(ctx, session.ID); err != ErrNotFound {
		t.Errorf("expected messages gone with session, got %v", err)
	}
}
