package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	codepromptu "github.com/codepromptu/codepromptu/internal"
	"github.com/codepromptu/codepromptu/internal/storage"
)

// CreatePrompt inserts a new prompt row. Embedding is expected to be nil at
// this point; the Prompt Store's two-phase write fills it in with a
// subsequent UpdateEmbedding call once the embedding service responds.
func (s *Store) CreatePrompt(ctx context.Context, p *codepromptu.Prompt) error {
	tags, err := marshalTags(p.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	metadata, err := marshalJSON(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.write.ExecContext(ctx, `
		INSERT INTO prompts
			(id, content, author, team_owner, purpose, success_criteria, model_target,
			 tags, metadata, parent_id, version, is_active, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Content, p.Author, p.TeamOwner, p.Purpose, p.SuccessCriteria, p.ModelTarget,
		tags, metadata, p.ParentID, p.Version, boolToInt(p.IsActive), encodeEmbedding(p.Embedding),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

func (s *Store) GetPrompt(ctx context.Context, id string) (*codepromptu.Prompt, error) {
	row := s.read.QueryRowContext(ctx, `
		SELECT id, content, author, team_owner, purpose, success_criteria, model_target,
		       tags, metadata, parent_id, version, is_active, embedding, created_at, updated_at
		FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, codepromptu.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePrompt rewrites the full row, including a bumped Version. Callers
// performing an embedding-only write after async computation use
// UpdateEmbedding instead to avoid racing a concurrent content edit.
func (s *Store) UpdatePrompt(ctx context.Context, p *codepromptu.Prompt) error {
	tags, err := marshalTags(p.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	metadata, err := marshalJSON(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.write.ExecContext(ctx, `
		UPDATE prompts SET
			content = ?, author = ?, team_owner = ?, purpose = ?, success_criteria = ?,
			model_target = ?, tags = ?, metadata = ?, parent_id = ?, version = ?,
			is_active = ?, embedding = ?, updated_at = ?
		WHERE id = ?`,
		p.Content, p.Author, p.TeamOwner, p.Purpose, p.SuccessCriteria, p.ModelTarget,
		tags, metadata, p.ParentID, p.Version, boolToInt(p.IsActive), encodeEmbedding(p.Embedding),
		formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update prompt: %w", err)
	}
	return checkRowsAffected(res)
}

// UpdateEmbedding writes only the embedding column, used for the second
// phase of the Prompt Store's create/update flow once the embedding service
// returns a vector.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE prompts SET embedding = ? WHERE id = ?`, encodeEmbedding(embedding), id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return checkRowsAffected(res)
}

// RetirePrompt marks a prompt inactive rather than deleting it, preserving
// lineage for ancestor lookups and usage history joins.
func (s *Store) RetirePrompt(ctx context.Context, id string) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE prompts SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("retire prompt: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return codepromptu.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row rowScanner) (*codepromptu.Prompt, error) {
	var p codepromptu.Prompt
	var tags, metadata string
	var embedding []byte
	var createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.Content, &p.Author, &p.TeamOwner, &p.Purpose, &p.SuccessCriteria,
		&p.ModelTarget, &tags, &metadata, &p.ParentID, &p.Version, &boolScan{&p.IsActive},
		&embedding, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if p.Tags, err = unmarshalTags(tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if p.Metadata, err = unmarshalJSONMap(metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	p.Embedding = decodeEmbedding(embedding)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

// boolScan adapts SQLite's integer-backed booleans to a *bool destination.
type boolScan struct{ dst *bool }

func (b *boolScan) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*b.dst = v != 0
	case nil:
		*b.dst = false
	default:
		return fmt.Errorf("boolScan: unsupported type %T", src)
	}
	return nil
}

// ListPrompts filters by optional team/author/tag/content-substring match.
func (s *Store) ListPrompts(ctx context.Context, f storage.ListFilter) ([]*codepromptu.Prompt, error) {
	var clauses []string
	var args []any

	if f.TeamOwner != "" {
		clauses = append(clauses, "team_owner = ?")
		args = append(args, f.TeamOwner)
	}
	if f.Author != "" {
		clauses = append(clauses, "author = ?")
		args = append(args, f.Author)
	}
	if f.Tag != "" {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, "%\""+f.Tag+"\"%")
	}
	if f.ContentSearch != "" {
		clauses = append(clauses, "content LIKE ?")
		args = append(args, "%"+f.ContentSearch+"%")
	}
	if f.IsActive != nil {
		clauses = append(clauses, "is_active = ?")
		args = append(args, boolToInt(*f.IsActive))
	}

	query := `SELECT id, content, author, team_owner, purpose, success_criteria, model_target,
		       tags, metadata, parent_id, version, is_active, embedding, created_at, updated_at
		FROM prompts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []*codepromptu.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListActiveWithEmbedding returns every active prompt with a non-nil
// embedding, feeding the similarity engine's brute-force/bucketed scan.
func (s *Store) ListActiveWithEmbedding(ctx context.Context) ([]*codepromptu.Prompt, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT id, content, author, team_owner, purpose, success_criteria, model_target,
		       tags, metadata, parent_id, version, is_active, embedding, created_at, updated_at
		FROM prompts WHERE is_active = 1 AND embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list active with embedding: %w", err)
	}
	defer rows.Close()

	var out []*codepromptu.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
