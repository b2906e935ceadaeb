package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatSizer charges 100 per rendered turn so fold boundaries are easy to reason about.
func flatSizer(text string) int {
	if strings.HasPrefix(text, "[#") {
		return 100
	}
	return EstimateTokens(text)
}

func newTestManager(t *testing.T, store Store, budget int) *Manager {
	t.Helper()
	p := DefaultPolicy()
	p.Size = flatSizer
	m := NewManager(store, p, budget, zerolog.Nop())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func appendExchange(t *testing.T, m *Manager, conv, in, out string) Turn {
	t.Helper()
	saved, err := m.Append(context.Background(), Turn{
		ConversationID: conv,
		Status:         TurnCompleted,
		Inbound:        Message{Role: RoleUser, Text: in},
		Outbound:       &Message{Role: RoleAgent, Text: out},
	})
	require.NoError(t, err)
	return saved
}

func seedConversation(t *testing.T, m *Manager, conv string, n int) []Turn {
	t.Helper()
	turns := make([]Turn, 0, n)
	for i := 1; i <= n; i++ {
		in := fmt.Sprintf("question %d", i)
		if i == 3 {
			in = "My name is Sarah"
		}
		turns = append(turns, appendExchange(t, m, conv, in, fmt.Sprintf("answer %d", i)))
	}
	return turns
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	m := newTestManager(t, NewInMemoryStore(), 300)
	turns := seedConversation(t, m, "c1", 4)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Seq)
		assert.NotEmpty(t, turn.ID)
	}

	other := appendExchange(t, m, "c2", "hi", "hello")
	assert.Equal(t, 1, other.Seq)
}

func TestAppendRequiresConversationID(t *testing.T) {
	m := newTestManager(t, NewInMemoryStore(), 300)
	_, err := m.Append(context.Background(), Turn{})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestReadWorkingContextIsDeterministic(t *testing.T) {
	m := newTestManager(t, NewInMemoryStore(), 300)
	seedConversation(t, m, "c1", 6)

	ctx := context.Background()
	a, err := m.ReadWorkingContext(ctx, "c1", 0)
	require.NoError(t, err)
	b, err := m.ReadWorkingContext(ctx, "c1", 0)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.Fingerprint)
}

func TestWorkingContextFoldsOldestTurnsAndKeepsFacts(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewInMemoryStore(), 300)
	turns := seedConversation(t, m, "c1", 10)

	_, err := m.MarkLoadBearing(ctx, turns[2].ID, FactSpan{Field: FieldInbound, Start: 0, End: len("My name is Sarah")})
	require.NoError(t, err)

	wc, err := m.ReadWorkingContext(ctx, "c1", 300)
	require.NoError(t, err)

	require.Len(t, wc.Verbatim, 2)
	assert.Equal(t, 9, wc.Verbatim[0].Seq)
	assert.Equal(t, 10, wc.Verbatim[1].Seq)
	assert.Equal(t, 1, wc.Summary.FromSeq)
	assert.Equal(t, 8, wc.Summary.ThroughSeq)
	assert.False(t, wc.Overflow)
	assert.LessOrEqual(t, wc.Size, 300)

	require.Len(t, wc.Facts, 1)
	assert.Equal(t, "name", wc.Facts[0].Key)
	assert.Equal(t, "Sarah", wc.Facts[0].Value)
	assert.Equal(t, 3, wc.Facts[0].TurnSeq)
	assert.Contains(t, wc.Summary.Text, "name = Sarah (turn 3)")
	assert.Contains(t, wc.Summary.Text, "Summary of turns 1-8")
}

func TestWorkingContextWithinBudgetKeepsEverythingVerbatim(t *testing.T) {
	m := newTestManager(t, NewInMemoryStore(), 300)
	seedConversation(t, m, "c1", 2)

	wc, err := m.ReadWorkingContext(context.Background(), "c1", 1000)
	require.NoError(t, err)
	assert.Len(t, wc.Verbatim, 2)
	assert.Empty(t, wc.Summary.Text)
	assert.Zero(t, wc.Summary.ThroughSeq)
}

func TestWorkingContextCondensesNarrativeButNeverFacts(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewInMemoryStore(), 300)
	turns := seedConversation(t, m, "c1", 10)
	_, err := m.MarkText(ctx, turns[2].ID, FieldInbound, "My name is Sarah")
	require.NoError(t, err)

	// Tail budget of 75 holds no turn, leaving almost nothing for digests.
	wc, err := m.ReadWorkingContext(ctx, "c1", 100)
	require.NoError(t, err)

	assert.Empty(t, wc.Verbatim)
	assert.Positive(t, wc.Summary.Condensed)
	assert.Contains(t, wc.Summary.Text, "name = Sarah")
}

func TestCompactionDoesNotChangeReads(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewInMemoryStore(), 300)
	turns := seedConversation(t, m, "c1", 10)
	_, err := m.MarkText(ctx, turns[2].ID, FieldInbound, "name is Sarah")
	require.NoError(t, err)

	before, err := m.ReadWorkingContext(ctx, "c1", 0)
	require.NoError(t, err)

	res, err := m.Compact(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 8, res.ThroughSeq)

	after, err := m.ReadWorkingContext(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	again, err := m.Compact(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, 8, again.ThroughSeq)
}

func TestFactsSurviveRepeatedCompaction(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewInMemoryStore(), 300)
	turns := seedConversation(t, m, "c1", 4)
	_, err := m.MarkText(ctx, turns[2].ID, FieldInbound, "My name is Sarah")
	require.NoError(t, err)

	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			appendExchange(t, m, "c1", fmt.Sprintf("round %d q%d", round, i), "ok")
		}
		_, err := m.Compact(ctx, "c1")
		require.NoError(t, err)

		wc, err := m.ReadWorkingContext(ctx, "c1", 0)
		require.NoError(t, err)
		require.Len(t, wc.Facts, 1, "round %d", round)
		assert.Equal(t, "Sarah", wc.Facts[0].Value)
	}
}

func TestCompactionCheckpointIgnoredAfterPolicyChange(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	m := newTestManager(t, store, 300)
	seedConversation(t, m, "c1", 10)
	_, err := m.Compact(ctx, "c1")
	require.NoError(t, err)

	p := DefaultPolicy()
	p.Version = "digest-v2"
	p.Size = flatSizer
	p.Digest = func(turn Turn) string { return fmt.Sprintf("turn %d", turn.Seq) }
	m2 := NewManager(store, p, 300, zerolog.Nop())

	wc, err := m2.ReadWorkingContext(ctx, "c1", 300)
	require.NoError(t, err)
	assert.Contains(t, wc.Summary.Text, "turn 1\n")
	assert.NotContains(t, wc.Summary.Text, "asked")
}

func TestMarkLoadBearingRejectsInvalidSpans(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewInMemoryStore(), 300)
	turn := appendExchange(t, m, "c1", "hello", "world")

	cases := []FactSpan{
		{Field: FieldInbound, Start: 0, End: 99},
		{Field: FieldInbound, Start: 3, End: 3},
		{Field: "step:missing", Start: 0, End: 1},
		{Field: "bogus", Start: 0, End: 1},
	}
	for _, span := range cases {
		_, err := m.MarkLoadBearing(ctx, turn.ID, span)
		assert.ErrorIs(t, err, ErrInvalidSpan, "span %+v", span)
	}

	_, err := m.MarkLoadBearing(ctx, "nope", FactSpan{Field: FieldInbound, Start: 0, End: 1})
	assert.ErrorIs(t, err, ErrTurnNotFound)
}

func TestMarkTextOnStepOutput(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewInMemoryStore(), 300)
	saved, err := m.Append(ctx, Turn{
		ConversationID: "c1",
		Status:         TurnCompleted,
		Inbound:        Message{Text: "what time is it in Tokyo?"},
		Steps: []StepResult{
			{StepID: "s2", Tag: "timezone-resolve", Status: StepSuccess, Output: "Timezone for Tokyo: Asia/Tokyo"},
		},
		Outbound: &Message{Text: "It is 9pm."},
	})
	require.NoError(t, err)

	fact, err := m.MarkText(ctx, saved.ID, StepField("s2"), "Timezone for Tokyo: Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, 1, fact.TurnSeq)

	wc, err := m.ReadWorkingContext(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, wc.Facts, 1)
	assert.Equal(t, "timezone for tokyo", wc.Facts[0].Key)
	assert.Equal(t, "Asia/Tokyo", wc.Facts[0].Value)
}

func TestAcquireSerializesTurns(t *testing.T) {
	m := newTestManager(t, NewInMemoryStore(), 300)

	release, err := m.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, m.Locked("c1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "c1")
	assert.ErrorIs(t, err, ErrConversationLocked)

	// Other conversations are independent.
	releaseOther, err := m.Acquire(context.Background(), "c2")
	require.NoError(t, err)
	releaseOther()

	release()
	release()
	assert.False(t, m.Locked("c1"))

	again, err := m.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	again()
}

type blockingStore struct {
	*InMemoryStore
	entered chan struct{}
	unblock chan struct{}
}

func (s *blockingStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	s.entered <- struct{}{}
	<-s.unblock
	return s.InMemoryStore.AppendTurn(ctx, turn)
}

func TestConcurrentAppendFailsWithConversationLocked(t *testing.T) {
	store := &blockingStore{
		InMemoryStore: NewInMemoryStore(),
		entered:       make(chan struct{}, 1),
		unblock:       make(chan struct{}),
	}
	m := NewManager(store, DefaultPolicy(), 300, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = m.Append(context.Background(), Turn{ConversationID: "c1", Inbound: Message{Text: "one"}})
	}()
	<-store.entered

	_, err := m.Append(context.Background(), Turn{ConversationID: "c1", Inbound: Message{Text: "two"}})
	assert.True(t, errors.Is(err, ErrConversationLocked))

	close(store.unblock)
	wg.Wait()
	require.NoError(t, firstErr)

	turns, err := m.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "one", turns[0].Inbound.Text)
}

func TestLockJanitorSweepsIdleEntries(t *testing.T) {
	table := newLockTable()
	release, err := table.acquireLease(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, table.sweep(0))
	release()
	assert.Equal(t, 1, table.sweep(0))
	assert.Zero(t, table.size())
}

func TestConversationsListsEveryLog(t *testing.T) {
	m := newTestManager(t, NewInMemoryStore(), 300)
	appendExchange(t, m, "b", "x", "y")
	appendExchange(t, m, "a", "x", "y")

	ids, err := m.Conversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
