package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/observability"
)

const stopTimeout = 5 * time.Second

// Compactor is the part of the memory manager the scheduler drives.
type Compactor interface {
	Conversations(ctx context.Context) ([]string, error)
	Compact(ctx context.Context, conversationID string) (memory.CompactionResult, error)
}

// Stats summarises one sweep over every conversation.
type Stats struct {
	Conversations int           `json:"conversations"`
	Changed       int           `json:"changed"`
	Failed        int           `json:"failed"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Scheduler compacts every conversation on a cron schedule. A sweep that is
// still running when the next one is due is skipped.
type Scheduler struct {
	compactor Compactor
	spec      string
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
}

func NewScheduler(c Compactor, spec string, metrics *observability.Metrics, logger zerolog.Logger) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec != "" {
		if _, err := rcron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("parse compaction schedule %q: %w", spec, err)
		}
	}
	return &Scheduler{
		compactor: c,
		spec:      spec,
		metrics:   metrics,
		logger:    logger.With().Str("component", "compaction").Logger(),
	}, nil
}

// Enabled reports whether a schedule was configured.
func (s *Scheduler) Enabled() bool { return s.spec != "" }

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("compaction scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.Error().Err(err).Msg("compaction sweep")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule compaction: %w", err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info().Str("schedule", s.spec).Msg("compaction scheduled")

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-time.After(stopTimeout):
		s.logger.Warn().Msg("stop timeout waiting for running sweep")
	}
}

// RunOnce compacts every known conversation. A failure on one conversation
// does not stop the sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	started := time.Now()
	ids, err := s.compactor.Conversations(ctx)
	if err != nil {
		s.metrics.ObserveCompaction("error")
		return Stats{}, fmt.Errorf("list conversations: %w", err)
	}
	stats := Stats{Conversations: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res, err := s.compactor.Compact(ctx, id)
		switch {
		case err != nil:
			stats.Failed++
			s.metrics.ObserveCompaction("error")
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("compact conversation")
		case res.Changed:
			stats.Changed++
			s.metrics.ObserveCompaction("changed")
		default:
			s.metrics.ObserveCompaction("unchanged")
		}
	}
	stats.Elapsed = time.Since(started)
	s.logger.Info().
		Int("conversations", stats.Conversations).
		Int("changed", stats.Changed).
		Int("failed", stats.Failed).
		Dur("elapsed", stats.Elapsed).
		Msg("compaction sweep finished")
	return stats, ctx.Err()
}
