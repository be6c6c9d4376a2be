package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentdock/agentdock/internal/common/config"
	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// PostgresStore provides PostgreSQL-backed session storage using pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		parent_branch TEXT NOT NULL,
		branch TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		environment JSONB NOT NULL,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		sub_agents JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_created
		ON messages(session_id, created_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateSession creates a new session record.
func (s *PostgresStore) CreateSession(ctx context.Context, session *v1.Session) error {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, project_id, name, status, parent_branch, branch, worktree_path, environment, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID, session.ProjectID, session.Name, string(session.Status),
		session.ParentBranch, session.Branch, session.WorktreePath,
		env, session.ErrorMessage, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func scanPgSession(row pgx.Row) (*v1.Session, error) {
	var session v1.Session
	var status string
	var env []byte
	err := row.Scan(
		&session.ID, &session.ProjectID, &session.Name, &status,
		&session.ParentBranch, &session.Branch, &session.WorktreePath,
		&env, &session.ErrorMessage, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = v1.SessionStatus(status)
	if err := json.Unmarshal(env, &session.Environment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment: %w", err)
	}
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, name, status, parent_branch, branch, worktree_path, environment, error_message, created_at, updated_at
		FROM sessions WHERE id = $1`, id)

	session, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, name, status, parent_branch, branch, worktree_path, environment, error_message, created_at, updated_at
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*v1.Session
	for rows.Next() {
		session, err := scanPgSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession updates an existing session.
func (s *PostgresStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	session.UpdatedAt = time.Now().UTC()

	env, err := json.Marshal(session.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET project_id = $1, name = $2, status = $3, parent_branch = $4, branch = $5, worktree_path = $6, environment = $7, error_message = $8, updated_at = $9
		WHERE id = $10`,
		session.ProjectID, session.Name, string(session.Status),
		session.ParentBranch, session.Branch, session.WorktreePath,
		env, session.ErrorMessage, session.UpdatedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionStatus updates the status of a session.
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus, errorMessage *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`,
		string(status), errorMessage, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession deletes a session; its messages cascade.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage appends a message to a session's log.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *v1.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var subAgents []byte
	if len(msg.SubAgents) > 0 {
		data, err := json.Marshal(msg.SubAgents)
		if err != nil {
			return fmt.Errorf("failed to marshal sub agents: %w", err)
		}
		subAgents = data
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, content, sub_agents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, subAgents, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages ordered by creation time.
func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, sub_agents, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*v1.Message
	for rows.Next() {
		var msg v1.Message
		var role string
		var subAgents []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &subAgents, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = v1.MessageRole(role)
		if len(subAgents) > 0 {
			if err := json.Unmarshal(subAgents, &msg.SubAgents); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sub agents: %w", err)
			}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}
