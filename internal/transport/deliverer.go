package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/observability"
)

// Channel is one outbound destination. Owns reports whether the channel has
// anyone to deliver a conversation's messages to.
type Channel interface {
	Name() string
	Owns(conversationID string) bool
	Deliver(ctx context.Context, conversationID string, msg memory.Message) error
}

// Fanout delivers each message once to every channel that owns the
// conversation. Failures are reported, never retried.
type Fanout struct {
	channels []Channel
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewFanout(metrics *observability.Metrics, logger zerolog.Logger, channels ...Channel) *Fanout {
	return &Fanout{
		channels: channels,
		metrics:  metrics,
		logger:   logger.With().Str("component", "transport").Logger(),
	}
}

func (f *Fanout) Add(ch Channel) {
	f.channels = append(f.channels, ch)
}

func (f *Fanout) Deliver(ctx context.Context, conversationID string, msg memory.Message) error {
	var errs []error
	for _, ch := range f.channels {
		if !ch.Owns(conversationID) {
			continue
		}
		if err := ch.Deliver(ctx, conversationID, msg); err != nil {
			f.metrics.ObserveDeliveryError(ch.Name())
			f.logger.Warn().Err(err).Str("channel", ch.Name()).Str("conversation_id", conversationID).Msg("delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}
