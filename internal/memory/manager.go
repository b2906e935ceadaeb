package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CompactionResult reports what a Compact call persisted.
type CompactionResult struct {
	ConversationID string `json:"conversation_id"`
	ThroughSeq     int    `json:"through_seq"`
	Changed        bool   `json:"changed"`
}

// Manager is the Memory Store: an append-only turn log plus the derived
// working context. It holds no derived state of its own.
type Manager struct {
	store         Store
	policy        Policy
	defaultBudget int
	locks         *lockTable
	logger        zerolog.Logger
}

func NewManager(store Store, policy Policy, defaultBudget int, logger zerolog.Logger) *Manager {
	if defaultBudget <= 0 {
		defaultBudget = 2048
	}
	return &Manager{
		store:         store,
		policy:        policy.normalized(),
		defaultBudget: defaultBudget,
		locks:         newLockTable(),
		logger:        logger.With().Str("component", "memory").Logger(),
	}
}

func (m *Manager) Policy() Policy     { return m.policy }
func (m *Manager) DefaultBudget() int { return m.defaultBudget }

// Acquire takes the conversation lease for the duration of one Turn.
func (m *Manager) Acquire(ctx context.Context, conversationID string) (func(), error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, ErrMissingID
	}
	return m.locks.acquireLease(ctx, conversationID)
}

// Locked reports whether a Turn currently holds the conversation lease.
func (m *Manager) Locked(conversationID string) bool {
	return m.locks.held(conversationID)
}

// StartJanitor evicts idle per-conversation lock entries.
func (m *Manager) StartJanitor(ctx context.Context, interval, idle time.Duration) {
	m.locks.StartJanitor(ctx, interval, idle)
}

// Append writes one Turn atomically and returns it with Seq and ID assigned.
func (m *Manager) Append(ctx context.Context, turn Turn) (Turn, error) {
	if strings.TrimSpace(turn.ConversationID) == "" {
		return Turn{}, ErrMissingID
	}
	release, err := m.locks.beginAppend(ctx, turn.ConversationID)
	if err != nil {
		return Turn{}, err
	}
	defer release()

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	saved, err := m.store.AppendTurn(ctx, turn.Clone())
	if err != nil {
		return Turn{}, fmt.Errorf("append turn: %w", err)
	}
	m.logger.Debug().
		Str("conversation_id", saved.ConversationID).
		Str("turn_id", saved.ID).
		Int("seq", saved.Seq).
		Str("status", string(saved.Status)).
		Msg("turn appended")
	return saved, nil
}

// ReadWorkingContext derives the bounded view of a conversation. Two reads with
// no append in between return identical values.
func (m *Manager) ReadWorkingContext(ctx context.Context, conversationID string, budget int) (WorkingContext, error) {
	if strings.TrimSpace(conversationID) == "" {
		return WorkingContext{}, ErrMissingID
	}
	if budget <= 0 {
		budget = m.defaultBudget
	}
	turns, err := m.store.Turns(ctx, conversationID)
	if err != nil {
		return WorkingContext{}, fmt.Errorf("load turns: %w", err)
	}
	facts, err := m.store.Facts(ctx, conversationID)
	if err != nil {
		return WorkingContext{}, fmt.Errorf("load facts: %w", err)
	}
	cp, err := m.loadCheckpoint(ctx, conversationID)
	if err != nil {
		return WorkingContext{}, err
	}
	return deriveWorkingContext(conversationID, turns, facts, cp, m.policy, budget), nil
}

// MarkLoadBearing records a span of a logged Turn as a durable fact.
func (m *Manager) MarkLoadBearing(ctx context.Context, turnID string, span FactSpan) (Fact, error) {
	turn, err := m.store.Turn(ctx, turnID)
	if err != nil {
		return Fact{}, err
	}
	text, ok := turn.FieldText(span.Field)
	if !ok {
		return Fact{}, fmt.Errorf("%w: unknown field %q", ErrInvalidSpan, span.Field)
	}
	if span.Start < 0 || span.End > len(text) || span.Start >= span.End {
		return Fact{}, fmt.Errorf("%w: [%d,%d) outside %d bytes", ErrInvalidSpan, span.Start, span.End, len(text))
	}
	fact := Fact{
		ID:             uuid.NewString(),
		ConversationID: turn.ConversationID,
		TurnID:         turn.ID,
		TurnSeq:        turn.Seq,
		Span:           span,
		Text:           text[span.Start:span.End],
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.store.SaveFact(ctx, fact); err != nil {
		return Fact{}, fmt.Errorf("save fact: %w", err)
	}
	return fact, nil
}

// MarkText marks the first occurrence of needle in a Turn field.
func (m *Manager) MarkText(ctx context.Context, turnID, field, needle string) (Fact, error) {
	turn, err := m.store.Turn(ctx, turnID)
	if err != nil {
		return Fact{}, err
	}
	text, ok := turn.FieldText(field)
	if !ok {
		return Fact{}, fmt.Errorf("%w: unknown field %q", ErrInvalidSpan, field)
	}
	idx := strings.Index(text, needle)
	if idx < 0 || needle == "" {
		return Fact{}, fmt.Errorf("%w: %q not found in %s", ErrInvalidSpan, needle, field)
	}
	return m.MarkLoadBearing(ctx, turnID, FactSpan{Field: field, Start: idx, End: idx + len(needle)})
}

// Compact persists digests for every turn folded at the default budget. It
// never moves the checkpoint backwards, so repeated calls are no-ops.
func (m *Manager) Compact(ctx context.Context, conversationID string) (CompactionResult, error) {
	if strings.TrimSpace(conversationID) == "" {
		return CompactionResult{}, ErrMissingID
	}
	release, err := m.locks.waitWrite(ctx, conversationID)
	if err != nil {
		return CompactionResult{}, err
	}
	defer release()

	res := CompactionResult{ConversationID: conversationID}
	turns, err := m.store.Turns(ctx, conversationID)
	if err != nil {
		return res, fmt.Errorf("load turns: %w", err)
	}
	cp, err := m.loadCheckpoint(ctx, conversationID)
	if err != nil {
		return res, err
	}
	if cp != nil && cp.PolicyVersion == m.policy.Version {
		res.ThroughSeq = cp.ThroughSeq
	} else {
		cp = nil
	}

	boundary, _ := foldBoundary(turns, m.policy, m.defaultBudget)
	if boundary == 0 || turns[boundary-1].Seq <= res.ThroughSeq {
		return res, nil
	}

	folded := turns[:boundary]
	texts := digestsFor(folded, cp, m.policy)
	digests := make([]Digest, len(folded))
	for i, t := range folded {
		digests[i] = Digest{Seq: t.Seq, Text: texts[i]}
	}
	next := Checkpoint{
		ConversationID: conversationID,
		PolicyVersion:  m.policy.Version,
		ThroughSeq:     folded[len(folded)-1].Seq,
		Digests:        digests,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := m.store.SaveCheckpoint(ctx, next); err != nil {
		return res, fmt.Errorf("save checkpoint: %w", err)
	}
	res.ThroughSeq = next.ThroughSeq
	res.Changed = true
	m.logger.Info().
		Str("conversation_id", conversationID).
		Int("through_seq", next.ThroughSeq).
		Msg("conversation compacted")
	return res, nil
}

// History returns the full turn log of a conversation.
func (m *Manager) History(ctx context.Context, conversationID string) ([]Turn, error) {
	turns, err := m.store.Turns(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	return turns, nil
}

func (m *Manager) Turn(ctx context.Context, turnID string) (Turn, error) {
	return m.store.Turn(ctx, turnID)
}

func (m *Manager) Conversations(ctx context.Context) ([]string, error) {
	return m.store.Conversations(ctx)
}

func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) loadCheckpoint(ctx context.Context, conversationID string) (*Checkpoint, error) {
	cp, err := m.store.LoadCheckpoint(ctx, conversationID)
	if errors.Is(err, ErrNoCheckpoint) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}
