package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process turn log for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	turns       map[string][]Turn
	turnIndex   map[string]turnRef
	facts       map[string][]Fact
	checkpoints map[string]Checkpoint
}

type turnRef struct {
	conversationID string
	idx            int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:       make(map[string][]Turn),
		turnIndex:   make(map[string]turnRef),
		facts:       make(map[string][]Fact),
		checkpoints: make(map[string]Checkpoint),
	}
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	arr := s.turns[turn.ConversationID]
	turn.Seq = len(arr) + 1
	s.turns[turn.ConversationID] = append(arr, turn.Clone())
	s.turnIndex[turn.ID] = turnRef{conversationID: turn.ConversationID, idx: len(arr)}
	return turn, nil
}

func (s *InMemoryStore) Turns(_ context.Context, conversationID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[conversationID]
	out := make([]Turn, 0, len(arr))
	for _, t := range arr {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) Turn(_ context.Context, turnID string) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.turnIndex[turnID]
	if !ok {
		return Turn{}, ErrTurnNotFound
	}
	return s.turns[ref.conversationID][ref.idx].Clone(), nil
}

func (s *InMemoryStore) SaveFact(_ context.Context, fact Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[fact.ConversationID] = append(s.facts[fact.ConversationID], fact)
	return nil
}

func (s *InMemoryStore) Facts(_ context.Context, conversationID string) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.facts[conversationID]
	out := make([]Fact, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.Digests = append([]Digest(nil), cp.Digests...)
	s.checkpoints[cp.ConversationID] = cp
	return nil
}

func (s *InMemoryStore) LoadCheckpoint(_ context.Context, conversationID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[conversationID]
	if !ok {
		return Checkpoint{}, ErrNoCheckpoint
	}
	cp.Digests = append([]Digest(nil), cp.Digests...)
	return cp, nil
}

func (s *InMemoryStore) Conversations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.turns))
	for id := range s.turns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
