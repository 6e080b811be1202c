package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// UpsertSession inserts a new session or, if one with the same ID already
// exists, overwrites its mutable fields (message count, token total, status,
// end time) — the conversation correlator calls this on every state
// transition rather than tracking insert-vs-update itself.
func (s *Store) UpsertSession(ctx context.Context, cs *codepromptu.ConversationSession) error {
	userContext, err := marshalJSON(cs.UserContext)
	if err != nil {
		return fmt.Errorf("marshal user context: %w", err)
	}

	var sessionEnd *string
	if cs.SessionEnd != nil {
		t := formatTime(*cs.SessionEnd)
		sessionEnd = &t
	}

	_, err = s.write.ExecContext(ctx, `
		INSERT INTO conversation_sessions
			(id, correlation_id, user_context, session_start, session_end,
			 message_count, total_tokens, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_context = excluded.user_context,
			session_end = excluded.session_end,
			message_count = excluded.message_count,
			total_tokens = excluded.total_tokens,
			status = excluded.status`,
		cs.ID, cs.CorrelationID, userContext, formatTime(cs.SessionStart), sessionEnd,
		cs.MessageCount, cs.TotalTokens, string(cs.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*codepromptu.ConversationSession, error) {
	row := s.read.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) GetSessionByCorrelationID(ctx context.Context, correlationID string) (*codepromptu.ConversationSession, error) {
	row := s.read.QueryRowContext(ctx, sessionSelect+` WHERE correlation_id = ?`, correlationID)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*codepromptu.ConversationSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		sessionSelect+` ORDER BY session_start DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListActiveSessionsIdleSince returns ACTIVE sessions whose session_start is
// at or before cutoff (a Unix timestamp), candidates for the idle-timeout
// sweep. The sweep itself tracks last-activity separately; this query is a
// coarse first pass that the sweep worker refines against its own in-memory
// last-seen map.
func (s *Store) ListActiveSessionsIdleSince(ctx context.Context, cutoff int64) ([]*codepromptu.ConversationSession, error) {
	rows, err := s.read.QueryContext(ctx,
		sessionSelect+` WHERE status = 'ACTIVE' AND session_start <= ?`,
		formatTime(time.Unix(cutoff, 0)))
	if err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) AppendMessage(ctx context.Context, m *codepromptu.ConversationMessage) error {
	tokenUsage, err := marshalTokenUsage(m.TokenUsage)
	if err != nil {
		return fmt.Errorf("marshal token usage: %w", err)
	}
	metadata, err := marshalJSON(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.write.ExecContext(ctx, `
		INSERT INTO conversation_messages
			(id, session_id, message_type, content, timestamp, provider, model,
			 token_usage, metadata, orphaned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Type), m.Content, formatTime(m.Timestamp),
		string(m.Provider), m.Model, tokenUsage, metadata, boolToInt(m.Orphaned),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*codepromptu.ConversationMessage, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, session_id, message_type, content, timestamp, provider, model,
		       token_usage, metadata, orphaned
		FROM conversation_messages WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*codepromptu.ConversationMessage
	for rows.Next() {
		var m codepromptu.ConversationMessage
		var timestamp, tokenUsage sql.NullString
		var metadata string
		var orphaned int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Content, &timestamp,
			&m.Provider, &m.Model, &tokenUsage, &metadata, &orphaned); err != nil {
			return nil, err
		}
		m.Orphaned = intToBool(orphaned)
		if m.Timestamp, err = parseTime(timestamp.String); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		var tu *string
		if tokenUsage.Valid {
			tu = &tokenUsage.String
		}
		if m.TokenUsage, err = unmarshalTokenUsage(tu); err != nil {
			return nil, fmt.Errorf("unmarshal token usage: %w", err)
		}
		if m.Metadata, err = unmarshalJSONMap(metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

const sessionSelect = `
	SELECT id, correlation_id, user_context, session_start, session_end,
	       message_count, total_tokens, status
	FROM conversation_sessions`

func scanSession(row rowScanner) (*codepromptu.ConversationSession, error) {
	var cs codepromptu.ConversationSession
	var userContext, sessionStart string
	var sessionEnd sql.NullString

	err := row.Scan(&cs.ID, &cs.CorrelationID, &userContext, &sessionStart, &sessionEnd,
		&cs.MessageCount, &cs.TotalTokens, &cs.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, codepromptu.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if cs.UserContext, err = unmarshalJSONMap(userContext); err != nil {
		return nil, fmt.Errorf("unmarshal user context: %w", err)
	}
	if cs.SessionStart, err = parseTime(sessionStart); err != nil {
		return nil, fmt.Errorf("parse session_start: %w", err)
	}
	if sessionEnd.Valid {
		t, err := parseTime(sessionEnd.String)
		if err != nil {
			return nil, fmt.Errorf("parse session_end: %w", err)
		}
		cs.SessionEnd = &t
	}
	return &cs, nil
}

func scanSessions(rows *sql.Rows) ([]*codepromptu.ConversationSession, error) {
	var out []*codepromptu.ConversationSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
