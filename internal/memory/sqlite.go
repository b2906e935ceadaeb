package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore persists the turn log in a single-file SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	cols, err := encodeTurn(turn)
	if err != nil {
		return Turn{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_seq), 0) + 1 FROM turns WHERE conversation_id = ?`,
		turn.ConversationID,
	).Scan(&turn.Seq); err != nil {
		return Turn{}, fmt.Errorf("next turn seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, conversation_id, turn_seq, status, inbound, plan, steps, outbound, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.ConversationID,
		turn.Seq,
		string(turn.Status),
		string(cols.Inbound),
		string(cols.Plan),
		string(cols.Steps),
		string(cols.Outbound),
		string(cols.Error),
		turn.CreatedAt,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit turn: %w", err)
	}
	return turn, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTurn(row rowScanner) (Turn, error) {
	var (
		t                            Turn
		status, inbound, plan, steps string
		outbound, turnErr            sql.NullString
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Seq, &status, &inbound, &plan, &steps, &outbound, &turnErr, &t.CreatedAt); err != nil {
		return Turn{}, err
	}
	t.Status = TurnStatus(status)
	cols := turnColumns{
		Inbound:  []byte(inbound),
		Plan:     []byte(plan),
		Steps:    []byte(steps),
		Outbound: []byte(outbound.String),
		Error:    []byte(turnErr.String),
	}
	if err := decodeTurn(&t, cols); err != nil {
		return Turn{}, err
	}
	return t, nil
}

func (s *SQLiteStore) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, turnSelect+` WHERE conversation_id = ? ORDER BY turn_seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, err := scanSQLiteTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Turn(ctx context.Context, turnID string) (Turn, error) {
	t, err := scanSQLiteTurn(s.db.QueryRowContext(ctx, turnSelect+` WHERE id = ?`, turnID))
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, ErrTurnNotFound
	}
	if err != nil {
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) SaveFact(ctx context.Context, fact Fact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_facts (id, conversation_id, turn_id, turn_seq, field, span_start, span_end, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.ConversationID, fact.TurnID, fact.TurnSeq,
		fact.Span.Field, fact.Span.Start, fact.Span.End, fact.Text, fact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Facts(ctx context.Context, conversationID string) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, turn_id, turn_seq, field, span_start, span_end, text, created_at
		 FROM turn_facts WHERE conversation_id = ? ORDER BY turn_seq ASC, created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.ConversationID, &f.TurnID, &f.TurnSeq, &f.Span.Field, &f.Span.Start, &f.Span.End, &f.Text, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	digests, err := json.Marshal(cp.Digests)
	if err != nil {
		return fmt.Errorf("encode digests: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO compaction_checkpoints (conversation_id, policy_version, through_seq, digests, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			policy_version = excluded.policy_version,
			through_seq = excluded.through_seq,
			digests = excluded.digests,
			updated_at = excluded.updated_at`,
		cp.ConversationID, cp.PolicyVersion, cp.ThroughSeq, string(digests), cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, conversationID string) (Checkpoint, error) {
	var (
		cp      Checkpoint
		digests string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, policy_version, through_seq, digests, updated_at
		 FROM compaction_checkpoints WHERE conversation_id = ?`,
		conversationID,
	).Scan(&cp.ConversationID, &cp.PolicyVersion, &cp.ThroughSeq, &digests, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(digests), &cp.Digests); err != nil {
		return Checkpoint{}, fmt.Errorf("decode digests: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conversation_id FROM turns ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
