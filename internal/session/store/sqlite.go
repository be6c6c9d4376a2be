package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// SQLiteStore provides SQLite-backed session storage.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite session store at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		parent_branch TEXT NOT NULL,
		branch TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		environment TEXT NOT NULL,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sub_agents TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_created
		ON messages(session_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *v1.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	env, err := json.Marshal(session.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, name, status, parent_branch, branch, worktree_path, environment, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ProjectID, session.Name, string(session.Status),
		session.ParentBranch, session.Branch, session.WorktreePath,
		string(env), session.ErrorMessage, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row interface{ Scan(...interface{}) error }) (*v1.Session, error) {
	var session v1.Session
	var status, env string
	err := row.Scan(
		&session.ID, &session.ProjectID, &session.Name, &status,
		&session.ParentBranch, &session.Branch, &session.WorktreePath,
		&env, &session.ErrorMessage, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = v1.SessionStatus(status)
	if err := json.Unmarshal([]byte(env), &session.Environment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment: %w", err)
	}
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, status, parent_branch, branch, worktree_path, environment, error_message, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	session, err := s.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, status, parent_branch, branch, worktree_path, environment, error_message, created_at, updated_at
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*v1.Session
	for rows.Next() {
		session, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession updates an existing session.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	session.UpdatedAt = time.Now().UTC()

	env, err := json.Marshal(session.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET project_id = ?, name = ?, status = ?, parent_branch = ?, branch = ?, worktree_path = ?, environment = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		session.ProjectID, session.Name, string(session.Status),
		session.ParentBranch, session.Branch, session.WorktreePath,
		string(env), session.ErrorMessage, session.UpdatedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(result)
}

// UpdateSessionStatus updates the status of a session.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus, errorMessage *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errorMessage, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return requireRow(result)
}

// DeleteSession deletes a session; its messages cascade.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(result)
}

// AppendMessage appends a message to a session's log.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *v1.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var subAgents interface{}
	if len(msg.SubAgents) > 0 {
		data, err := json.Marshal(msg.SubAgents)
		if err != nil {
			return fmt.Errorf("failed to marshal sub agents: %w", err)
		}
		subAgents = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, sub_agents, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, subAgents, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages ordered by creation time.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, sub_agents, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*v1.Message
	for rows.Next() {
		var msg v1.Message
		var role string
		var subAgents sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &subAgents, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = v1.MessageRole(role)
		if subAgents.Valid && subAgents.String != "" {
			if err := json.Unmarshal([]byte(subAgents.String), &msg.SubAgents); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sub agents: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
