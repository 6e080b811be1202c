package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// IngestUsage inserts u unless a row with the same RequestID already exists.
// The unique index on request_id makes the capture pipeline's at-least-once
// delivery idempotent: a retried drain of the same usage record is a no-op.
func (s *Store) IngestUsage(ctx context.Context, u *codepromptu.PromptUsage) (bool, error) {
	tokenUsage, err := marshalTokenUsage(u.TokenUsage)
	if err != nil {
		return false, fmt.Errorf("marshal token usage: %w", err)
	}
	metadata, err := marshalJSON(u.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.write.ExecContext(ctx, `
		INSERT INTO prompt_usages
			(id, request_id, correlation_id, prompt_id, provider, model,
			 request_timestamp, response_timestamp, client_ip, user_agent,
			 api_key_hash, token_usage, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.RequestID, u.CorrelationID, u.PromptID, string(u.Provider), u.Model,
		formatTime(u.RequestTimestamp), formatTime(u.ResponseTimestamp), u.ClientIP, u.UserAgent,
		u.APIKeyHash, tokenUsage, metadata,
	)
	if isUniqueConstraintErr(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert usage: %w", err)
	}
	return true, nil
}

// isUniqueConstraintErr matches on message text: modernc.org/sqlite surfaces
// constraint violations as plain errors rather than a typed sentinel.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CountUsageByRequestID reports how many usage rows exist for a request_id,
// used by tests to verify idempotent ingestion.
func (s *Store) CountUsageByRequestID(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompt_usages WHERE request_id = ?`, requestID,
	).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return n, nil
}
