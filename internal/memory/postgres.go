package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the turn log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			turn_seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			inbound JSONB NOT NULL,
			plan JSONB NOT NULL,
			steps JSONB NOT NULL,
			outbound JSONB NULL,
			error JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (conversation_id, turn_seq)
		);`,
		`CREATE TABLE IF NOT EXISTS turn_facts (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			turn_id TEXT NOT NULL REFERENCES turns(id),
			turn_seq INTEGER NOT NULL,
			field TEXT NOT NULL,
			span_start INTEGER NOT NULL,
			span_end INTEGER NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turn_facts_conversation ON turn_facts (conversation_id, turn_seq);`,
		`CREATE TABLE IF NOT EXISTS compaction_checkpoints (
			conversation_id TEXT PRIMARY KEY,
			policy_version TEXT NOT NULL,
			through_seq INTEGER NOT NULL,
			digests JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(turn_seq), 0) + 1 FROM turns WHERE conversation_id=$1`,
		turn.ConversationID,
	).Scan(&turn.Seq); err != nil {
		return Turn{}, fmt.Errorf("next turn seq: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO turns (id, conversation_id, turn_seq, status, inbound, plan, steps, outbound, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		turn.ID,
		turn.ConversationID,
		turn.Seq,
		string(turn.Status),
		cols.Inbound,
		cols.Plan,
		cols.Steps,
		cols.Outbound,
		cols.Error,
		turn.CreatedAt,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Turn{}, fmt.Errorf("commit turn: %w", err)
	}
	return turn, nil
}

const turnSelect = `SELECT id, conversation_id, turn_seq, status, inbound, plan, steps, outbound, error, created_at FROM turns`

func scanTurn(row pgx.Row) (Turn, error) {
	var (
		t      Turn
		status string
		cols   turnColumns
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Seq, &status, &cols.Inbound, &cols.Plan, &cols.Steps, &cols.Outbound, &cols.Error, &t.CreatedAt); err != nil {
		return Turn{}, err
	}
	t.Status = TurnStatus(status)
	if err := decodeTurn(&t, cols); err != nil {
		return Turn{}, err
	}
	return t, nil
}

func (s *PostgresStore) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, turnSelect+` WHERE conversation_id=$1 ORDER BY turn_seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Turn(ctx context.Context, turnID string) (Turn, error) {
	t, err := scanTurn(s.pool.QueryRow(ctx, turnSelect+` WHERE id=$1`, turnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Turn{}, ErrTurnNotFound
	}
	if err != nil {
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) SaveFact(ctx context.Context, fact Fact) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turn_facts (id, conversation_id, turn_id, turn_seq, field, span_start, span_end, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		fact.ID,
		fact.ConversationID,
		fact.TurnID,
		fact.TurnSeq,
		fact.Span.Field,
		fact.Span.Start,
		fact.Span.End,
		fact.Text,
		fact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func (s *PostgresStore) Facts(ctx context.Context, conversationID string) ([]Fact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, turn_id, turn_seq, field, span_start, span_end, text, created_at
		 FROM turn_facts WHERE conversation_id=$1 ORDER BY turn_seq ASC, created_at ASC`,
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	digests, err := json.Marshal(cp.Digests)
	if err != nil {
		return fmt.Errorf("encode digests: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO compaction_checkpoints (conversation_id, policy_version, through_seq, digests, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			policy_version=EXCLUDED.policy_version,
			through_seq=EXCLUDED.through_seq,
			digests=EXCLUDED.digests,
			updated_at=EXCLUDED.updated_at`,
		cp.ConversationID,
		cp.PolicyVersion,
		cp.ThroughSeq,
		digests,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, conversationID string) (Checkpoint, error) {
	var (
		cp      Checkpoint
		digests []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_id, policy_version, through_seq, digests, updated_at
		 FROM compaction_checkpoints WHERE conversation_id=$1`,
		conversationID,
	).Scan(&cp.ConversationID, &cp.PolicyVersion, &cp.ThroughSeq, &digests, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if err := json.Unmarshal(digests, &cp.Digests); err != nil {
		return Checkpoint{}, fmt.Errorf("decode digests: %w", err)
	}
	return cp, nil
}

func (s *PostgresStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT conversation_id FROM turns ORDER BY conversation_id`)
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
