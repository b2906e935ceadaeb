package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/delegator/internal/delegator"
	"github.com/antoniostano/delegator/internal/memory"
	"github.com/antoniostano/delegator/internal/observability"
	"github.com/antoniostano/delegator/internal/protocol"
)

const (
	subscriberBuffer = 64
	writeWait        = 10 * time.Second
	readWait         = 120 * time.Second
)

type subscriber struct {
	out chan any
}

// Hub fans conversation replies out to WebSocket subscribers. It is the
// "websocket" outbound channel.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	metrics *observability.Metrics
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[string]map[*subscriber]struct{}),
		metrics: metrics,
	}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Owns(conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID]) > 0
}

// Deliver queues msg for every subscriber of the conversation. A subscriber
// whose queue is full misses the message.
func (h *Hub) Deliver(_ context.Context, conversationID string, msg memory.Message) error {
	out := protocol.AgentMessage{
		Type:           protocol.TypeAgentMessage,
		ConversationID: conversationID,
		Role:           string(msg.Role),
		Text:           msg.Text,
		TSMs:           time.Now().UnixMilli(),
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for sub := range h.subs[conversationID] {
		select {
		case sub.out <- out:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("websocket: %d subscriber(s) of %s dropped the reply", dropped, conversationID)
	}
	return nil
}

func (h *Hub) subscribe(conversationID string) *subscriber {
	sub := &subscriber{out: make(chan any, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[*subscriber]struct{})
	}
	h.subs[conversationID][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(conversationID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[conversationID], sub)
	if len(h.subs[conversationID]) == 0 {
		delete(h.subs, conversationID)
	}
}

// Subscribers reports how many sockets follow the conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "missing_conversation_id", "conversation id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("conversation_id", conversationID).Logger()
	sub := s.hub.subscribe(conversationID)
	defer s.hub.unsubscribe(conversationID, sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Turns started from this socket outlive it; their results are dropped.
	turnCtx := context.WithoutCancel(ctx)

	send := func(msg any) {
		select {
		case <-ctx.Done():
		case sub.out <- msg:
		}
	}
	send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, ConversationID: conversationID, Code: "subscribed"})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					log.Debug().Err(err).Msg("websocket write failed")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:           protocol.TypeErrorEvent,
				ConversationID: conversationID,
				Code:           "invalid_client_message",
				Detail:         err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.ClientPing:
			send(protocol.Pong{Type: protocol.TypePong, TSMs: time.Now().UnixMilli()})
		case protocol.ClientEvent:
			go func() {
				result := s.runClientEvent(turnCtx, conversationID, m)
				send(result)
			}()
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) runClientEvent(ctx context.Context, conversationID string, m protocol.ClientEvent) any {
	if s.handler == nil {
		return protocol.ErrorEvent{
			Type:           protocol.TypeErrorEvent,
			RequestID:      m.RequestID,
			ConversationID: conversationID,
			Code:           "unavailable",
			Detail:         "delegator not configured",
		}
	}
	ts := time.Now().UTC()
	if m.TSMs > 0 {
		ts = time.UnixMilli(m.TSMs).UTC()
	}
	sender := m.SenderID
	if strings.TrimSpace(sender) == "" {
		sender = "websocket"
	}
	reply, err := s.handler.HandleEvent(ctx, delegator.Event{
		ConversationID: conversationID,
		SenderID:       sender,
		Text:           m.Text,
		Timestamp:      ts,
		Channel:        "websocket",
	})
	if err != nil {
		out := protocol.ErrorEvent{
			Type:           protocol.TypeErrorEvent,
			RequestID:      m.RequestID,
			ConversationID: conversationID,
			Code:           delegator.CodeInternal,
			Detail:         err.Error(),
		}
		var env *delegator.ErrorEnvelope
		if errors.As(err, &env) {
			out.Code = env.Code
			out.State = string(env.State)
			out.Step = env.Step
			out.Retryable = env.Retryable
			out.Detail = env.Message
		}
		return out
	}

	steps := make([]protocol.StepBrief, 0, len(reply.Steps))
	for _, st := range reply.Steps {
		if st.Internal {
			continue
		}
		steps = append(steps, protocol.StepBrief{
			Tag:      st.Tag,
			Status:   string(st.Status),
			Attempts: st.Attempts,
			Skipped:  st.Skipped,
		})
	}
	return protocol.TurnResult{
		Type:           protocol.TypeTurnResult,
		RequestID:      m.RequestID,
		ConversationID: conversationID,
		TurnID:         reply.TurnID,
		TurnSeq:        reply.TurnSeq,
		Text:           reply.Message.Text,
		Steps:          steps,
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientEvent:
		return m.Type, true
	case protocol.ClientPing:
		return m.Type, true
	case protocol.AgentMessage:
		return m.Type, true
	case protocol.TurnResult:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	default:
		return "", false
	}
}
