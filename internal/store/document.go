package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/agent-turns/internal/fault"
	"github.com/rcliao/agent-turns/internal/model"
)

// WriteDocument persists a turn document with every section attempt. Writing
// an existing id replaces it.
func (s *SQLiteStore) WriteDocument(ctx context.Context, rec *DocumentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("write document: id is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	outcome, err := marshalNullable(rec.Outcome)
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	intervention, err := marshalNullable(rec.Intervention)
	if err != nil {
		return fmt.Errorf("write document: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turn_sections WHERE doc_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear sections: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO turn_documents (id, user_id, query, mode, status, revise_count, retry_count, content, outcome, intervention, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, revise_count = excluded.revise_count, retry_count = excluded.retry_count,
			content = excluded.content, outcome = excluded.outcome, intervention = excluded.intervention,
			updated_at = excluded.updated_at`,
		rec.ID, rec.UserID, rec.Query, nullString(rec.Mode), string(rec.Status), rec.ReviseCount, rec.RetryCount,
		rec.Content, outcome, intervention, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	for _, sec := range rec.Sections {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO turn_sections (doc_id, stage, attempt, revision, content, budget, immutable, written_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, string(sec.Stage), sec.Attempt, sec.Revision, sec.Content, sec.Budget,
			sec.Immutable, formatTime(sec.WrittenAt))
		if err != nil {
			return fmt.Errorf("insert section %s/%d: %w", sec.Stage, sec.Attempt, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("document written", zap.String("id", rec.ID), zap.Int("sections", len(rec.Sections)))
	return nil
}

// ReadDocument loads a turn document and all its section attempts.
func (s *SQLiteStore) ReadDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	var rec DocumentRecord
	var mode, outcome, intervention sql.NullString
	var status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, query, mode, status, revise_count, retry_count, content, outcome, intervention, created_at, updated_at
		 FROM turn_documents WHERE id = ?`, id).Scan(
		&rec.ID, &rec.UserID, &rec.Query, &mode, &status, &rec.ReviseCount, &rec.RetryCount,
		&rec.Content, &outcome, &intervention, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindRetrievalMiss, "ReadDocument", "document not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	rec.Mode = mode.String
	rec.Status = model.Status(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	if outcome.Valid {
		rec.Outcome = &model.ValidationOutcome{}
		if err := json.Unmarshal([]byte(outcome.String), rec.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if intervention.Valid {
		rec.Intervention = &fault.Intervention{}
		if err := json.Unmarshal([]byte(intervention.String), rec.Intervention); err != nil {
			return nil, fmt.Errorf("decode intervention: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, attempt, revision, content, budget, immutable, written_at
		 FROM turn_sections WHERE doc_id = ?
		 ORDER BY written_at, stage, attempt, revision`, id)
	if err != nil {
		return nil, fmt.Errorf("read sections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sec model.Section
		var stage, writtenAt string
		if err := rows.Scan(&stage, &sec.Attempt, &sec.Revision, &sec.Content, &sec.Budget, &sec.Immutable, &writtenAt); err != nil {
			return nil, err
		}
		sec.Stage = model.Stage(stage)
		sec.WrittenAt = parseTime(writtenAt)
		rec.Sections = append(rec.Sections, sec)
	}
	return &rec, rows.Err()
}

// DocumentSummary is one row of ListDocuments.
type DocumentSummary struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	Query     string       `json:"query"`
	Status    model.Status `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// ListDocuments returns the most recent turn documents.
func (s *SQLiteStore) ListDocuments(ctx context.Context, limit int) ([]DocumentSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, query, status, created_at FROM turn_documents
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		var status, createdAt string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Query, &status, &createdAt); err != nil {
			return nil, err
		}
		d.Status = model.Status(status)
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func marshalNullable(v any) (*string, error) {
	switch x := v.(type) {
	case *model.ValidationOutcome:
		if x == nil {
			return nil, nil
		}
	case *fault.Intervention:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
